package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"clubapi/internal/auth"
)

// ---------- Auth ----------

// Login exchanges USER or AUTOMATION credentials for a bearer token.
func (h *Handler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := bind(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.login.Authenticate(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"identifier": res.Token,
		"expires_at": res.ExpiresAt.Unix(),
	})
}
