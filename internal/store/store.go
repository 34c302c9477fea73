package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pushit-backend/internal/apperr"
	"pushit-backend/internal/model"
	"pushit-backend/internal/topic"
)

// Store defines the interface for all database operations.
type Store interface {
	UpsertSubscription(ctx context.Context, in SubscriptionInput) (*model.PushSubscription, error)
	DeactivateSubscription(ctx context.Context, endpoint string) (bool, error)
	DeactivateSubscriptionByID(ctx context.Context, id int64, reason string) error
	DeleteSubscription(ctx context.Context, id int64) (bool, error)
	FindSubscriptions(ctx context.Context, audience model.Audience, topics []string) ([]model.PushSubscription, error)
	CountSubscriptions(ctx context.Context, audience model.Audience, topics []string) (int64, error)
	RecordDeliveryOutcome(ctx context.Context, id int64, success bool, errMsg string) error
	ListSubscriptions(ctx context.Context, limit, offset int) ([]model.PushSubscription, int64, error)
	SubscriptionStats(ctx context.Context) ([]SubscriptionStat, error)

	AppendNotification(ctx context.Context, rec *model.NotificationRecord) error
	GetNotification(ctx context.Context, id int64) (*model.NotificationRecord, error)
	ListNotifications(ctx context.Context, filter NotificationFilter, limit, offset int) ([]model.NotificationRecord, int64, error)
	NotificationStats(ctx context.Context) (*NotificationStats, error)

	LoadState(ctx context.Context, name string, out interface{}) (int64, error)
	CompareAndSwapState(ctx context.Context, name string, version int64, value interface{}) (bool, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db, now: time.Now}
}

// The merge rules run inside the upsert statement so concurrent re-subscribes of one
// endpoint stay row-atomic: backend is never downgraded, and the incoming owner is only
// adopted when the incoming subscription is a backend one.
var (
	userTypeMerge = gorm.Expr(fmt.Sprintf(
		"CASE WHEN push_subscriptions.user_type = '%s' THEN push_subscriptions.user_type ELSE excluded.user_type END",
		model.UserTypeBackend))
	ownerMerge = gorm.Expr(fmt.Sprintf(
		"CASE WHEN excluded.user_type = '%s' THEN COALESCE(excluded.owner_id, push_subscriptions.owner_id) ELSE push_subscriptions.owner_id END",
		model.UserTypeBackend))
)

// UpsertSubscription inserts a subscription or refreshes the existing row with the same endpoint.
// The topic set is unioned with the stored one.
func (s *gormStore) UpsertSubscription(ctx context.Context, in SubscriptionInput) (*model.PushSubscription, error) {
	now := s.now()
	sub := model.PushSubscription{
		Endpoint:       in.Endpoint,
		P256DH:         in.P256DH,
		Auth:           in.Auth,
		UserType:       in.UserType,
		OwnerID:        in.OwnerID,
		UserAgent:      in.UserAgent,
		AcceptLanguage: in.AcceptLanguage,
		Domain:         in.Domain,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sub.UserType != model.UserTypeBackend {
		sub.OwnerID = nil
	}

	var out model.PushSubscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "endpoint"}},
			DoUpdates: []clause.Assignment{
				{Column: clause.Column{Name: "p256dh"}, Value: gorm.Expr("excluded.p256dh")},
				{Column: clause.Column{Name: "auth"}, Value: gorm.Expr("excluded.auth")},
				{Column: clause.Column{Name: "user_type"}, Value: userTypeMerge},
				{Column: clause.Column{Name: "owner_id"}, Value: ownerMerge},
				{Column: clause.Column{Name: "user_agent"}, Value: gorm.Expr("excluded.user_agent")},
				{Column: clause.Column{Name: "accept_language"}, Value: gorm.Expr("excluded.accept_language")},
				{Column: clause.Column{Name: "domain"}, Value: gorm.Expr("excluded.domain")},
				{Column: clause.Column{Name: "active"}, Value: true},
				{Column: clause.Column{Name: "last_error"}, Value: nil},
				{Column: clause.Column{Name: "updated_at"}, Value: now},
			},
		}).Create(&sub).Error; err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}

		var ids []int64
		if err := tx.Model(&model.PushSubscription{}).
			Where("endpoint = ?", in.Endpoint).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("failed to resolve subscription id: %w", err)
		}
		if len(ids) != 1 {
			return fmt.Errorf("failed to resolve subscription id: %d rows for endpoint", len(ids))
		}
		id := ids[0]

		if topics := topic.Normalize(in.Topics); len(topics) > 0 {
			rows := make([]model.SubscriptionTopic, 0, len(topics))
			for _, t := range topics {
				rows = append(rows, model.SubscriptionTopic{SubscriptionID: id, Topic: t})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return fmt.Errorf("failed to store topics for subscription %d: %w", id, err)
			}
		}

		return tx.Preload("Topics", func(db *gorm.DB) *gorm.DB {
			return db.Order("topic")
		}).First(&out, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateSubscription soft-deletes the active subscription with the given endpoint.
func (s *gormStore) DeactivateSubscription(ctx context.Context, endpoint string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.PushSubscription{}).
		Where("endpoint = ? AND active = ?", endpoint, true).
		Updates(map[string]interface{}{
			"active":     false,
			"last_error": nil,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to deactivate subscription: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeactivateSubscriptionByID soft-deletes a subscription the push service reported as gone.
func (s *gormStore) DeactivateSubscriptionByID(ctx context.Context, id int64, reason string) error {
	err := s.db.WithContext(ctx).Model(&model.PushSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"active":     false,
			"last_error": reason,
			"updated_at": s.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription %d: %w", id, err)
	}
	return nil
}

// DeleteSubscription removes a subscription and its topics.
func (s *gormStore) DeleteSubscription(ctx context.Context, id int64) (bool, error) {
	var found bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscription_id = ?", id).Delete(&model.SubscriptionTopic{}).Error; err != nil {
			return fmt.Errorf("failed to delete topics of subscription %d: %w", id, err)
		}
		res := tx.Delete(&model.PushSubscription{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete subscription %d: %w", id, res.Error)
		}
		found = res.RowsAffected > 0
		return nil
	})
	return found, err
}

func (s *gormStore) audienceQuery(ctx context.Context, audience model.Audience, topics []string) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&model.PushSubscription{}).Where("active = ?", true)
	if audience != model.AudienceBoth {
		q = q.Where("user_type = ?", string(audience))
	}
	if len(topics) > 0 {
		sub := s.db.WithContext(ctx).Model(&model.SubscriptionTopic{}).
			Select("subscription_id").
			Where("topic IN ?", topics)
		q = q.Where("id IN (?)", sub)
	}
	return q
}

// FindSubscriptions returns the active subscriptions of the audience that hold at least one
// of the topics, ordered by id. No topics means every subscription of the audience.
func (s *gormStore) FindSubscriptions(ctx context.Context, audience model.Audience, topics []string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.audienceQuery(ctx, audience, topics).
		Preload("Topics", func(db *gorm.DB) *gorm.DB {
			return db.Order("topic")
		}).
		Order("id asc").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find subscriptions: %w", err)
	}
	return subs, nil
}

// CountSubscriptions counts what FindSubscriptions would return.
func (s *gormStore) CountSubscriptions(ctx context.Context, audience model.Audience, topics []string) (int64, error) {
	var n int64
	if err := s.audienceQuery(ctx, audience, topics).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return n, nil
}

// RecordDeliveryOutcome stores the health of the last delivery attempt.
func (s *gormStore) RecordDeliveryOutcome(ctx context.Context, id int64, success bool, errMsg string) error {
	var lastError interface{}
	if !success {
		lastError = errMsg
	}
	err := s.db.WithContext(ctx).Model(&model.PushSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_error": lastError,
			"updated_at": s.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record delivery outcome for subscription %d: %w", id, err)
	}
	return nil
}

// ListSubscriptions pages through all subscriptions, newest first.
func (s *gormStore) ListSubscriptions(ctx context.Context, limit, offset int) ([]model.PushSubscription, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.PushSubscription{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	var subs []model.PushSubscription
	err := s.db.WithContext(ctx).
		Preload("Topics", func(db *gorm.DB) *gorm.DB {
			return db.Order("topic")
		}).
		Order("id desc").
		Limit(limit).
		Offset(offset).
		Find(&subs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, total, nil
}

// SubscriptionStats groups subscription counts by user type.
func (s *gormStore) SubscriptionStats(ctx context.Context) ([]SubscriptionStat, error) {
	var stats []SubscriptionStat
	err := s.db.WithContext(ctx).Model(&model.PushSubscription{}).
		Select("user_type, COUNT(*) AS total, "+
			"SUM(CASE WHEN active = ? THEN 1 ELSE 0 END) AS active, "+
			"SUM(CASE WHEN last_error IS NOT NULL THEN 1 ELSE 0 END) AS with_error", true).
		Group("user_type").
		Order("user_type").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute subscription stats: %w", err)
	}
	return stats, nil
}

// AppendNotification writes one notification log row.
func (s *gormStore) AppendNotification(ctx context.Context, rec *model.NotificationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}

// GetNotification loads a notification log row by id.
func (s *gormStore) GetNotification(ctx context.Context, id int64) (*model.NotificationRecord, error) {
	var rec model.NotificationRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("notification")
		}
		return nil, fmt.Errorf("failed to load notification %d: %w", id, err)
	}
	return &rec, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListNotifications pages through the notification log, newest first.
func (s *gormStore) ListNotifications(ctx context.Context, filter NotificationFilter, limit, offset int) ([]model.NotificationRecord, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.NotificationRecord{})
	if filter.UserType != "" {
		q = q.Where("user_type = ?", string(filter.UserType))
	}
	if filter.Topic != "" {
		q = q.Where(`(',' || topics || ',') LIKE ? ESCAPE '\'`, "%,"+likeEscaper.Replace(filter.Topic)+",%")
	}
	if filter.Date != nil {
		start := time.Date(filter.Date.Year(), filter.Date.Month(), filter.Date.Day(), 0, 0, 0, 0, time.UTC)
		q = q.Where("created_at >= ? AND created_at < ?", start, start.AddDate(0, 0, 1))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	var recs []model.NotificationRecord
	if err := q.Order("created_at desc").Order("id desc").Limit(limit).Offset(offset).Find(&recs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	return recs, total, nil
}

// NotificationStats aggregates delivery counts over the whole log.
func (s *gormStore) NotificationStats(ctx context.Context) (*NotificationStats, error) {
	var stats NotificationStats
	err := s.db.WithContext(ctx).Model(&model.NotificationRecord{}).
		Select("COUNT(*) AS total, " +
			"COALESCE(SUM(sent_to), 0) AS total_sent, " +
			"COALESCE(SUM(delivery_errors), 0) AS total_errors, " +
			"COALESCE(AVG(sent_to), 0) AS avg_recipients").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute notification stats: %w", err)
	}
	return &stats, nil
}

// LoadState decodes the named monitor state into out and returns its version.
// A missing state leaves out untouched and reports version 0.
func (s *gormStore) LoadState(ctx context.Context, name string, out interface{}) (int64, error) {
	var st model.MonitorState
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load state %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(st.Value), out); err != nil {
		return 0, fmt.Errorf("failed to decode state %q: %w", name, err)
	}
	return st.Version, nil
}

// CompareAndSwapState stores value when the persisted version still equals version.
// Version 0 means the state must not exist yet.
func (s *gormStore) CompareAndSwapState(ctx context.Context, name string, version int64, value interface{}) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode state %q: %w", name, err)
	}
	now := s.now()

	var res *gorm.DB
	if version == 0 {
		st := model.MonitorState{Name: name, Value: string(raw), Version: 1, UpdatedAt: now}
		res = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&st)
	} else {
		res = s.db.WithContext(ctx).Model(&model.MonitorState{}).
			Where("name = ? AND version = ?", name, version).
			Updates(map[string]interface{}{
				"value":      string(raw),
				"version":    version + 1,
				"updated_at": now,
			})
	}
	if res.Error != nil {
		return false, fmt.Errorf("failed to store state %q: %w", name, res.Error)
	}
	return res.RowsAffected == 1, nil
}
