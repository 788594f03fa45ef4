package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func gatedRouter(t *testing.T, log *zap.Logger, scopes ...Scope) *gin.Engine {
	t.Helper()
	key, _ := testKeys(t)
	r := gin.New()
	r.GET("/thing", Gate(NewVerifier(&key.PublicKey, testIssuer, 0), log, scopes...), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"scope": claims.Scope})
	})
	return r
}

func doGet(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/thing", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func issue(t *testing.T, scope Scope) string {
	t.Helper()
	key, _ := testKeys(t)
	token, _, err := NewSigner(key, testIssuer).Issue(Claims{Scope: scope}, time.Minute)
	require.NoError(t, err)
	return token
}

func TestGateAdmitsMatchingScope(t *testing.T) {
	r := gatedRouter(t, zap.NewNop(), ScopeStudent, ScopeTeam)
	w := doGet(r, issue(t, ScopeTeam))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"scope":"team"}`, w.Body.String())
}

func TestGateWithoutScopesAdmitsAnyValidToken(t *testing.T) {
	r := gatedRouter(t, zap.NewNop())
	assert.Equal(t, http.StatusOK, doGet(r, issue(t, ScopeAutomation)).Code)
}

func TestGateFailsClosedWithUniformBody(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := gatedRouter(t, zap.New(core), ScopeAdmin)
	_, other := testKeys(t)
	forged, _, err := NewSigner(other, testIssuer).Issue(Claims{Scope: ScopeAdmin}, time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":       "",
		"bad_signature": forged,
		"malformed":     "abc.def.ghi",
		"scope":         issue(t, ScopeStudent),
	}
	var bodies []string
	for reason, token := range cases {
		w := doGet(r, token)
		assert.Equal(t, http.StatusForbidden, w.Code, reason)
		bodies = append(bodies, w.Body.String())

		found := logs.FilterField(zap.String("reason", reason)).Len()
		assert.Equal(t, 1, found, "reason %s logged once", reason)
	}
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b, "callers cannot tell failures apart")
	}
}

func TestGateIgnoresNonBearerSchemes(t *testing.T) {
	r := gatedRouter(t, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/thing", nil)
	req.Header.Set("Authorization", "Basic "+issue(t, ScopeAdmin))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestBearer(t *testing.T) {
	assert.Equal(t, "tok", bearer("Bearer tok"))
	assert.Equal(t, "tok", bearer("bearer  tok "))
	assert.Equal(t, "", bearer("Bearer"))
	assert.Equal(t, "", bearer("Token tok"))
}
