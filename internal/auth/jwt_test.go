package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signRaw(t *testing.T, claims Claims) string {
	t.Helper()
	key, _ := testKeys(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func registered(iss string, iat, nbf, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    iss,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(nbf),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
}

func TestIssueAndVerify(t *testing.T) {
	key, _ := testKeys(t)
	signer := NewSigner(key, testIssuer)
	verifier := NewVerifier(&key.PublicKey, testIssuer, 0)

	token, exp, err := signer.Issue(Claims{Scope: ScopeTeam, StudentID: "abc", TeamID: "def"}, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 2*time.Second)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, ScopeTeam, claims.Scope)
	assert.Equal(t, "abc", claims.StudentID)
	assert.Equal(t, "def", claims.TeamID)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestIssueRejectsUnknownScope(t *testing.T) {
	key, _ := testKeys(t)
	_, _, err := NewSigner(key, testIssuer).Issue(Claims{Scope: "root"}, time.Hour)
	assert.Error(t, err)
}

func TestVerifyClassifiesFailures(t *testing.T) {
	key, other := testKeys(t)
	verifier := NewVerifier(&key.PublicKey, testIssuer, 0)
	now := time.Now()

	otherToken, _, err := NewSigner(other, testIssuer).Issue(Claims{Scope: ScopeStudent}, time.Hour)
	require.NoError(t, err)
	hsToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Scope:            ScopeStudent,
		RegisteredClaims: registered(testIssuer, now, now, now.Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  VerifyKind
	}{
		{"missing", "", KindMissing},
		{"malformed", "not.a.jwt", KindMalformed},
		{"other key", otherToken, KindBadSignature},
		{"hmac algorithm", hsToken, KindBadSignature},
		{"expired", signRaw(t, Claims{Scope: ScopeStudent,
			RegisteredClaims: registered(testIssuer, now.Add(-2*time.Hour), now.Add(-2*time.Hour), now.Add(-time.Hour))}), KindExpired},
		{"not yet valid", signRaw(t, Claims{Scope: ScopeStudent,
			RegisteredClaims: registered(testIssuer, now, now.Add(time.Hour), now.Add(2*time.Hour))}), KindNotYetValid},
		{"issued in future", signRaw(t, Claims{Scope: ScopeStudent,
			RegisteredClaims: registered(testIssuer, now.Add(time.Hour), now.Add(-time.Minute), now.Add(2*time.Hour))}), KindIssuedInFuture},
		{"wrong issuer", signRaw(t, Claims{Scope: ScopeStudent,
			RegisteredClaims: registered("someone-else", now, now, now.Add(time.Hour))}), KindWrongIssuer},
		{"no expiry", signRaw(t, Claims{Scope: ScopeStudent,
			RegisteredClaims: jwt.RegisteredClaims{Issuer: testIssuer, IssuedAt: jwt.NewNumericDate(now), NotBefore: jwt.NewNumericDate(now)}}), KindMissingClaims},
		{"no not-before", signRaw(t, Claims{Scope: ScopeStudent,
			RegisteredClaims: jwt.RegisteredClaims{Issuer: testIssuer, IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}}), KindMissingClaims},
		{"unknown scope", signRaw(t, Claims{Scope: "root",
			RegisteredClaims: registered(testIssuer, now, now, now.Add(time.Hour))}), KindMissingClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			require.Error(t, err)
			var verr *VerifyError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.want, verr.Kind)
		})
	}
}

func TestVerifierIsSafeForConcurrentUse(t *testing.T) {
	key, _ := testKeys(t)
	signer := NewSigner(key, testIssuer)
	verifier := NewVerifier(&key.PublicKey, testIssuer, 0)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			scope := ScopeStudent
			if i%2 == 0 {
				scope = ScopeAdmin
			}
			token, _, err := signer.Issue(Claims{Scope: scope}, time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			claims, err := verifier.Verify(token)
			if assert.NoError(t, err) {
				assert.Equal(t, scope, claims.Scope)
			}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	key, _ := testKeys(t)
	data, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(data)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	_, err = ParsePrivateKeyPEM([]byte("garbage"))
	assert.Error(t, err)
}
