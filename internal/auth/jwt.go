package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scope is the audience class a token was issued for.
type Scope string

const (
	ScopeStudent    Scope = "student"
	ScopeTeam       Scope = "team"
	ScopeAdmin      Scope = "admin"
	ScopeAutomation Scope = "automation"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeStudent, ScopeTeam, ScopeAdmin, ScopeAutomation:
		return true
	}
	return false
}

// Claims represents JWT payload.
type Claims struct {
	Scope     Scope  `json:"scope"`
	StudentID string `json:"student_id,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	AuthID    string `json:"auth_id,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues RS256 tokens.
type Signer struct {
	key    *rsa.PrivateKey
	issuer string
	now    func() time.Time
}

// NewSigner returns a signer that stamps issuer on every token.
func NewSigner(key *rsa.PrivateKey, issuer string) *Signer {
	return &Signer{key: key, issuer: issuer, now: time.Now}
}

// Issue signs claims valid from now for ttl. Temporal and issuer claims
// are always overwritten.
func (s *Signer) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if !claims.Scope.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown scope %q", claims.Scope)
	}
	now := s.now()
	exp := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		Subject:   claims.subject(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, exp, nil
}

func (c Claims) subject() string {
	switch {
	case c.StudentID != "":
		return c.StudentID
	case c.AppID != "":
		return c.AppID
	}
	return string(c.Scope)
}

// VerifyKind classifies why a token was rejected.
type VerifyKind string

const (
	KindMissing        VerifyKind = "missing"
	KindMalformed      VerifyKind = "malformed"
	KindBadSignature   VerifyKind = "bad_signature"
	KindExpired        VerifyKind = "expired"
	KindNotYetValid    VerifyKind = "not_yet_valid"
	KindIssuedInFuture VerifyKind = "issued_in_future"
	KindWrongIssuer    VerifyKind = "wrong_issuer"
	KindMissingClaims  VerifyKind = "missing_claims"
	KindInvalid        VerifyKind = "invalid"
)

// VerifyError is returned by Verify. Callers see one failure; Kind is for logs.
type VerifyError struct {
	Kind VerifyKind
	Err  error
}

func (e *VerifyError) Error() string {
	if e.Err == nil {
		return "token rejected: " + string(e.Kind)
	}
	return fmt.Sprintf("token rejected: %s: %v", e.Kind, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// ErrMissingToken is wrapped when a request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// Verifier checks RS256 tokens against a fixed public key and issuer.
type Verifier struct {
	key    *rsa.PublicKey
	issuer string
	parser *jwt.Parser
}

// NewVerifier returns a verifier requiring exp, iat, nbf and iss == issuer.
func NewVerifier(key *rsa.PublicKey, issuer string, leeway time.Duration) *Verifier {
	return &Verifier{
		key:    key,
		issuer: issuer,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
}

// Verify validates token and returns its claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	if token == "" {
		return Claims{}, &VerifyError{Kind: KindMissing, Err: ErrMissingToken}
	}
	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return Claims{}, &VerifyError{Kind: classify(err), Err: err}
	}
	if !parsed.Valid {
		return Claims{}, &VerifyError{Kind: KindInvalid}
	}
	if claims.NotBefore == nil || claims.IssuedAt == nil || !claims.Scope.Valid() {
		return Claims{}, &VerifyError{Kind: KindMissingClaims}
	}
	return claims, nil
}

func classify(err error) VerifyKind {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return KindExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return KindNotYetValid
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return KindIssuedInFuture
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return KindWrongIssuer
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return KindMissingClaims
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return KindBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return KindMalformed
	}
	return KindInvalid
}

// GenerateKey returns a fresh 2048-bit RSA key, used in development when no
// key files are configured.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// ParsePrivateKeyPEM accepts PKCS#1 and PKCS#8 encoded RSA private keys.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	return jwt.ParseRSAPrivateKeyFromPEM(data)
}

// ParsePublicKeyPEM accepts PKIX, PKCS#1 and certificate encoded RSA public keys.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	return jwt.ParseRSAPublicKeyFromPEM(data)
}

// EncodePublicKeyPEM returns key in PKIX PEM form.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
