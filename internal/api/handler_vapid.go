package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pushit-backend/internal/apperr"
)

// GetVAPIDPublicKey returns the VAPID public key to the client.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.PublicKey == "" {
		respondError(c, apperr.Configuration("vapid keys are not configured"))
		return
	}

	ok(c, http.StatusOK, gin.H{"public_key": h.PublicKey})
}
