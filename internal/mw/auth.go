package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pushit-backend/internal/apperr"
	"pushit-backend/internal/auth"
)

const (
	TokenHeader   = "X-PushIt-Token"
	credentialKey = "credential"
	identityKey   = "identity"
)

// Credential extracts the bearer or X-PushIt-Token credential and, when it verifies, the
// caller's identity. Requests without a valid credential continue anonymously.
func Credential(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.Request)
		if token != "" {
			c.Set(credentialKey, token)
			if id, err := a.Authenticate(token); err == nil {
				c.Set(identityKey, id)
			}
		}
		c.Next()
	}
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return strings.TrimSpace(r.Header.Get(TokenHeader))
}

// CredentialFrom returns the raw credential sent with the request.
func CredentialFrom(c *gin.Context) string {
	return c.GetString(credentialKey)
}

// IdentityFrom returns the verified caller, or nil for anonymous requests.
func IdentityFrom(c *gin.Context) *auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.Identity)
	return id
}

// RequireBackend rejects requests without a verified backend identity.
func RequireBackend() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IdentityFrom(c) == nil {
			AbortWithError(c, apperr.Unauthorized("backend credential required", nil))
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that are not made by an administrator.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := IdentityFrom(c)
		if id == nil {
			AbortWithError(c, apperr.Unauthorized("admin credential required", nil))
			return
		}
		if !id.IsAdmin {
			AbortWithError(c, apperr.Forbidden("administrator rights required"))
			return
		}
		c.Next()
	}
}

// AbortWithError writes err as the standard JSON error body.
func AbortWithError(c *gin.Context, err error) {
	appErr := apperr.As(err)
	if appErr.Err != nil {
		c.Error(appErr.Err)
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(appErr), gin.H{
		"success": false,
		"error":   appErr.Code,
		"message": appErr.Message,
	})
}
