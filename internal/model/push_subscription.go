package model

import "time"

// UserType separates anonymous site visitors from authenticated backend editors.
type UserType string

const (
	UserTypeFrontend UserType = "frontend"
	UserTypeBackend  UserType = "backend"
)

// Valid reports whether t is a known user type.
func (t UserType) Valid() bool {
	return t == UserTypeFrontend || t == UserTypeBackend
}

// Audience selects which user types a dispatch targets.
type Audience string

const (
	AudienceFrontend Audience = "frontend"
	AudienceBackend  Audience = "backend"
	AudienceBoth     Audience = "both"
)

// Valid reports whether a is a known audience.
func (a Audience) Valid() bool {
	return a == AudienceFrontend || a == AudienceBackend || a == AudienceBoth
}

// PushSubscription holds the information for a browser push subscription.
type PushSubscription struct {
	ID             int64    `gorm:"primaryKey"`
	Endpoint       string   `gorm:"uniqueIndex;size:768;not null"`
	P256DH         string   `gorm:"column:p256dh;not null"`
	Auth           string   `gorm:"not null"`
	UserType       UserType `gorm:"size:16;index;not null"`
	OwnerID        *int64   `gorm:"index"`
	UserAgent      string   `gorm:"size:512"`
	AcceptLanguage string   `gorm:"size:128"`
	Domain         string   `gorm:"size:255"`
	Active         bool     `gorm:"index;not null;default:true"`
	LastError      *string
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`

	// Associations
	Topics []SubscriptionTopic `gorm:"foreignKey:SubscriptionID;constraint:OnDelete:CASCADE"`
}

// SubscriptionTopic is one topic token of a subscription's topic set.
type SubscriptionTopic struct {
	SubscriptionID int64  `gorm:"primaryKey;autoIncrement:false"`
	Topic          string `gorm:"primaryKey;size:128;index"`
}

// TopicNames returns the subscription's topics in stored order.
func (s *PushSubscription) TopicNames() []string {
	names := make([]string, 0, len(s.Topics))
	for _, t := range s.Topics {
		names = append(names, t.Topic)
	}
	return names
}
