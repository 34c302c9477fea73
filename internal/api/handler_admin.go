package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pushit-backend/internal/apperr"
)

type issueTokenRequest struct {
	UserID    int64 `json:"user_id" binding:"required,gt=0"`
	Admin     bool  `json:"admin"`
	ValidDays int   `json:"valid_days" binding:"min=0,max=3650"`
}

// IssueToken signs a user-scoped backend token.
func (h *Handler) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	token, expires, err := h.Auth.IssueUserToken(req.UserID, req.Admin, req.ValidDays)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{
		"token":      token,
		"user_id":    req.UserID,
		"admin":      req.Admin,
		"expires_at": expires.UTC().Format(timeLayout),
	})
}

// MonitorCheck runs one monitor round immediately.
func (h *Handler) MonitorCheck(c *gin.Context) {
	if h.Scheduler == nil {
		respondError(c, apperr.Configuration("monitor is not configured"))
		return
	}
	res, err := h.Scheduler.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"result": res})
}

// MonitorStatus reports the error monitor state.
func (h *Handler) MonitorStatus(c *gin.Context) {
	if h.Monitor == nil {
		respondError(c, apperr.Configuration("monitor is not configured"))
		return
	}
	status, err := h.Monitor.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"monitor": status})
}
