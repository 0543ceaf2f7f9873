package apiserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenAuth is a bearer-token authentication middleware. Unlike the
// multi-method (JWT/Basic/client-credential) auth service this control
// plane has no user or client store to back, so it checks the request's
// Authorization header against a fixed set of accepted tokens.
type TokenAuth struct {
	tokens  map[string]bool
	enabled bool
}

// NewTokenAuth builds a TokenAuth from a list of accepted bearer tokens.
// An empty list disables authentication entirely, matching the enabled
// flag on provisr's auth middleware.
func NewTokenAuth(tokens []string) *TokenAuth {
	t := &TokenAuth{tokens: make(map[string]bool, len(tokens))}
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		t.tokens[tok] = true
		t.enabled = true
	}
	return t
}

func (a *TokenAuth) valid(token string) bool {
	for known := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// Gin returns a gin middleware enforcing the bearer token on every request.
func (a *TokenAuth) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !a.valid(token) {
			writeJSON(c, http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "a valid bearer token is required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
