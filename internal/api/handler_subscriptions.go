package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pushit-backend/internal/apperr"
	"pushit-backend/internal/model"
	"pushit-backend/internal/mw"
	"pushit-backend/internal/subscription"
	"pushit-backend/internal/topic"
)

// subscribeRequest is the browser PushSubscription JSON plus the subscriber's choices.
type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	UserType string    `json:"user_type"`
	Topics   topicList `json:"topics"`
	UserID   *int64    `json:"user_id"`
}

// Subscribe handles the creation or refresh of a subscription.
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if !bindJSON(c, &req) {
		return
	}

	if req.UserType == "" {
		req.UserType = c.Query("type")
	}
	if req.UserType == "" {
		req.UserType = c.Query("user_type")
	}
	if req.Topics == nil {
		req.Topics = topic.Parse(c.Query("topics"))
	}
	if req.UserID == nil {
		req.UserID = queryInt64(c, "user_id")
	}

	res, err := h.Subscriptions.Subscribe(c.Request.Context(), subscription.Request{
		Endpoint:       req.Endpoint,
		P256DH:         req.Keys.P256DH,
		Auth:           req.Keys.Auth,
		UserType:       model.UserType(strings.ToLower(strings.TrimSpace(req.UserType))),
		Topics:         req.Topics,
		OwnerID:        req.UserID,
		Credential:     mw.CredentialFrom(c),
		UserAgent:      c.Request.UserAgent(),
		AcceptLanguage: c.GetHeader("Accept-Language"),
		Domain:         c.Request.Host,
		ClientIP:       c.ClientIP(),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, struct {
		Success bool `json:"success"`
		*subscription.Result
	}{true, res})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe handles the deactivation of a subscription.
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if c.Request.ContentLength != 0 {
		if !bindJSON(c, &req) {
			return
		}
	}
	if req.Endpoint == "" {
		req.Endpoint = c.Query("endpoint")
	}

	found, err := h.Subscriptions.Unsubscribe(c.Request.Context(), req.Endpoint)
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		respondError(c, apperr.NotFound("subscription"))
		return
	}

	ok(c, http.StatusOK, gin.H{"found": true})
}

type subscriptionView struct {
	ID             int64          `json:"id"`
	Endpoint       string         `json:"endpoint"`
	UserType       model.UserType `json:"user_type"`
	UserID         *int64         `json:"user_id"`
	Topics         []string       `json:"topics"`
	UserAgent      string         `json:"user_agent"`
	AcceptLanguage string         `json:"accept_language"`
	Domain         string         `json:"domain"`
	Active         bool           `json:"active"`
	LastError      *string        `json:"last_error"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

func newSubscriptionView(s model.PushSubscription) subscriptionView {
	return subscriptionView{
		ID:             s.ID,
		Endpoint:       s.Endpoint,
		UserType:       s.UserType,
		UserID:         s.OwnerID,
		Topics:         s.TopicNames(),
		UserAgent:      s.UserAgent,
		AcceptLanguage: s.AcceptLanguage,
		Domain:         s.Domain,
		Active:         s.Active,
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:      s.UpdatedAt.UTC().Format(timeLayout),
	}
}

// ListSubscriptions returns a page of subscriptions, newest first.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	limit, offset := pagination(c)
	subs, total, err := h.Store.ListSubscriptions(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]subscriptionView, len(subs))
	for i, s := range subs {
		views[i] = newSubscriptionView(s)
	}
	ok(c, http.StatusOK, gin.H{
		"subscriptions": views,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

// SubscriptionStats returns subscription counts per user type.
func (h *Handler) SubscriptionStats(c *gin.Context) {
	stats, err := h.Store.SubscriptionStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"stats": stats})
}

// DeleteSubscription removes a subscription permanently.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	if err := h.Subscriptions.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id})
}
