package store

import (
	"time"

	"pushit-backend/internal/model"
)

// SubscriptionInput carries everything an upsert needs. Topics must already be filtered
// for the user type.
type SubscriptionInput struct {
	Endpoint       string
	P256DH         string
	Auth           string
	UserType       model.UserType
	OwnerID        *int64
	Topics         []string
	UserAgent      string
	AcceptLanguage string
	Domain         string
}

// SubscriptionStat summarizes subscriptions of one user type.
type SubscriptionStat struct {
	UserType  string `json:"user_type"`
	Total     int64  `json:"total"`
	Active    int64  `json:"active"`
	WithError int64  `json:"with_error"`
}

// NotificationFilter narrows a notification history listing. Zero values match everything.
type NotificationFilter struct {
	UserType model.Audience
	// Topic matches one exact token of the stored comma separated topics.
	Topic string
	// Date restricts results to notifications created on that calendar day (UTC).
	Date *time.Time
}

// NotificationStats aggregates the notification log.
type NotificationStats struct {
	Total         int64   `json:"total_notifications"`
	TotalSent     int64   `json:"total_sent"`
	TotalErrors   int64   `json:"total_errors"`
	AvgRecipients float64 `json:"avg_recipients"`
}
