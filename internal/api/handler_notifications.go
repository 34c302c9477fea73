package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pushit-backend/internal/apperr"
	"pushit-backend/internal/dispatch"
	"pushit-backend/internal/model"
	"pushit-backend/internal/mw"
	"pushit-backend/internal/notification"
	"pushit-backend/internal/store"
	"pushit-backend/internal/topic"
)

const timeLayout = time.RFC3339

type sendRequest struct {
	Title    string               `json:"title" binding:"required,max=255"`
	Body     string               `json:"body" binding:"required,max=4000"`
	URL      string               `json:"url" binding:"max=1024"`
	UserType string               `json:"user_type"`
	Topics   topicList            `json:"topics"`
	Options  notification.Options `json:"options"`
}

// SendNotification dispatches a notification, or queues it when async=1 is given.
func (h *Handler) SendNotification(c *gin.Context) {
	var body sendRequest
	if !bindStrictJSON(c, &body) {
		return
	}
	if err := h.validate.Struct(body.Options); err != nil {
		respondError(c, apperr.Validation("invalid notification options"))
		return
	}

	id := mw.IdentityFrom(c)
	req := dispatch.Request{
		Title:     body.Title,
		Body:      body.Body,
		URL:       body.URL,
		Audience:  model.Audience(strings.ToLower(strings.TrimSpace(body.UserType))),
		Topics:    body.Topics,
		Options:   body.Options,
		CreatedBy: id.UserID,
	}
	if err := h.Engine.Authorize(&req, id.IsAdmin); err != nil {
		respondError(c, err)
		return
	}

	if c.Query("async") == "1" {
		h.enqueue(c, req)
		return
	}

	res, err := h.Engine.Dispatch(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	h.statsCache.Flush()
	c.JSON(http.StatusOK, res)
}

func (h *Handler) enqueue(c *gin.Context, req dispatch.Request) {
	if h.Queue == nil {
		respondError(c, apperr.Configuration("async dispatch queue is not configured"))
		return
	}
	if err := h.Engine.Validate(&req); err != nil {
		respondError(c, err)
		return
	}
	jobID, err := h.Queue.Enqueue(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusAccepted, gin.H{"job_id": jobID, "message": "notification queued"})
}

type notificationView struct {
	ID             int64          `json:"id"`
	DispatchID     string         `json:"dispatch_id"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	URL            string         `json:"url"`
	Icon           string         `json:"icon,omitempty"`
	Badge          string         `json:"badge,omitempty"`
	Image          string         `json:"image,omitempty"`
	Topics         []string       `json:"topics"`
	UserType       model.Audience `json:"user_type"`
	SentTo         int            `json:"sent_to"`
	DeliveryErrors int            `json:"delivery_errors"`
	CreatedBy      *int64         `json:"created_by"`
	CreatedAt      string         `json:"created_at"`
}

func newNotificationView(r model.NotificationRecord) notificationView {
	return notificationView{
		ID:             r.ID,
		DispatchID:     r.DispatchID,
		Title:          r.Title,
		Body:           r.Body,
		URL:            r.URL,
		Icon:           r.Icon,
		Badge:          r.Badge,
		Image:          r.Image,
		Topics:         topic.Parse(r.Topics),
		UserType:       r.UserType,
		SentTo:         r.SentTo,
		DeliveryErrors: r.DeliveryErrors,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt.UTC().Format(timeLayout),
	}
}

// ListNotifications returns the notification history, newest first.
func (h *Handler) ListNotifications(c *gin.Context) {
	filter := store.NotificationFilter{
		UserType: model.Audience(strings.ToLower(c.Query("user_type"))),
	}
	if topics := topic.Normalize([]string{c.Query("topic")}); len(topics) > 0 {
		filter.Topic = topics[0]
	}
	if filter.UserType != "" && !filter.UserType.Valid() {
		respondError(c, apperr.Validationf("unknown user type %q", filter.UserType))
		return
	}
	if d := c.Query("date"); d != "" {
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			respondError(c, apperr.Validation("date must be formatted as YYYY-MM-DD"))
			return
		}
		filter.Date = &day
	}

	limit, offset := pagination(c)
	records, total, err := h.Store.ListNotifications(c.Request.Context(), filter, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]notificationView, len(records))
	for i, r := range records {
		views[i] = newNotificationView(r)
	}
	ok(c, http.StatusOK, gin.H{
		"notifications": views,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

// NotificationStats returns aggregate delivery numbers. Responses are cached by the router.
func (h *Handler) NotificationStats(c *gin.Context) {
	stats, err := h.Store.NotificationStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"stats": stats})
}

// ResendNotification replays a logged notification.
func (h *Handler) ResendNotification(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	res, err := h.Engine.Resend(c.Request.Context(), id, mw.IdentityFrom(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.statsCache.Flush()
	c.JSON(http.StatusOK, res)
}
