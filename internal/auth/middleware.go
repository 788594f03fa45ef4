package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clubapi/internal/metrics"
)

// ClaimsKey is the gin context key holding verified Claims.
const ClaimsKey = "claims"

// ErrForbiddenScope is logged when a valid token carries a scope the route
// does not accept.
var ErrForbiddenScope = errors.New("scope not allowed")

// Gate enforces a valid bearer token and, when scopes are given, that the
// token's scope is one of them. Every failure is a 403 with the same body;
// the reason is only logged.
func Gate(v *Verifier, log *zap.Logger, scopes ...Scope) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("gate")
	return func(c *gin.Context) {
		claims, err := v.Verify(bearer(c.GetHeader("Authorization")))
		if err != nil {
			kind := KindInvalid
			var verr *VerifyError
			if errors.As(err, &verr) {
				kind = verr.Kind
			}
			reject(c, log, string(kind), zap.Error(err))
			return
		}
		if len(scopes) > 0 && !scopeIn(claims.Scope, scopes) {
			reject(c, log, "scope", zap.String("scope", string(claims.Scope)), zap.Error(ErrForbiddenScope))
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by Gate.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

func bearer(header string) string {
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}

func scopeIn(s Scope, scopes []Scope) bool {
	for _, want := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func reject(c *gin.Context, log *zap.Logger, reason string, fields ...zap.Field) {
	metrics.GateRejections.WithLabelValues(reason).Inc()
	log.Warn("request rejected",
		append(fields, zap.String("reason", reason), zap.String("path", c.FullPath()))...)
	abort(c, http.StatusForbidden, "not authorized")
}
