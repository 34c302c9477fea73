package model

import "time"

// NotificationRecord is the append-only log row written once per dispatch.
type NotificationRecord struct {
	ID             int64     `gorm:"primaryKey"`
	DispatchID     string    `gorm:"size:36;uniqueIndex;not null"`
	Title          string    `gorm:"size:255;not null"`
	Body           string    `gorm:"type:text;not null"`
	URL            string    `gorm:"size:1024"`
	Icon           string    `gorm:"size:1024"`
	Badge          string    `gorm:"size:1024"`
	Image          string    `gorm:"size:1024"`
	Options        string    `gorm:"type:text"`
	Topics         string    `gorm:"size:1024"`
	UserType       Audience  `gorm:"size:16;index;not null"`
	SentTo         int       `gorm:"not null;default:0"`
	DeliveryErrors int       `gorm:"not null;default:0"`
	CreatedBy      *int64    `gorm:"index"`
	CreatedAt      time.Time `gorm:"index;not null"`
}

// MonitorState persists a small JSON document per monitor, guarded by an optimistic version.
type MonitorState struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:text;not null"`
	Version   int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}
