package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pushit-backend/internal/apperr"
	"pushit-backend/internal/db"
	"pushit-backend/internal/model"
)

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteStore opens a private in-memory database with the full schema.
func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))
	return NewGormStore(gormDB)
}

func int64Ptr(v int64) *int64 { return &v }

func subscriptionInput(endpoint string, userType model.UserType, topics ...string) SubscriptionInput {
	return SubscriptionInput{
		Endpoint: endpoint,
		P256DH:   "p256dh-" + endpoint,
		Auth:     "auth-" + endpoint,
		UserType: userType,
		Topics:   topics,
	}
}

func TestUpsertSubscription_Idempotent(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	in := subscriptionInput("https://push.example/a", model.UserTypeFrontend, "news", "sports")

	first, err := s.UpsertSubscription(ctx, in)
	require.NoError(t, err)
	second, err := s.UpsertSubscription(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"news", "sports"}, second.TopicNames())
	assert.True(t, second.Active)

	subs, total, err := s.ListSubscriptions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, subs, 1)
}

func TestUpsertSubscription_UnionsTopics(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/a", model.UserTypeFrontend, "news"))
	require.NoError(t, err)
	sub, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/a", model.UserTypeFrontend, "sports", "news"))
	require.NoError(t, err)

	assert.Equal(t, []string{"news", "sports"}, sub.TopicNames())
}

func TestUpsertSubscription_UserTypeMonotonic(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	endpoint := "https://push.example/editor"

	sub, err := s.UpsertSubscription(ctx, subscriptionInput(endpoint, model.UserTypeFrontend, "news"))
	require.NoError(t, err)
	assert.Equal(t, model.UserTypeFrontend, sub.UserType)
	assert.Nil(t, sub.OwnerID)

	upgrade := subscriptionInput(endpoint, model.UserTypeBackend, "system")
	upgrade.OwnerID = int64Ptr(5)
	sub, err = s.UpsertSubscription(ctx, upgrade)
	require.NoError(t, err)
	assert.Equal(t, model.UserTypeBackend, sub.UserType)
	require.NotNil(t, sub.OwnerID)
	assert.Equal(t, int64(5), *sub.OwnerID)

	downgrade := subscriptionInput(endpoint, model.UserTypeFrontend, "sports")
	downgrade.OwnerID = int64Ptr(9)
	sub, err = s.UpsertSubscription(ctx, downgrade)
	require.NoError(t, err)
	assert.Equal(t, model.UserTypeBackend, sub.UserType)
	require.NotNil(t, sub.OwnerID)
	assert.Equal(t, int64(5), *sub.OwnerID)
	assert.Equal(t, []string{"news", "sports", "system"}, sub.TopicNames())
}

func TestUpsertSubscription_Concurrent(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	endpoint := "https://push.example/shared"

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userType := model.UserTypeFrontend
			if i == 3 {
				userType = model.UserTypeBackend
			}
			_, err := s.UpsertSubscription(ctx, subscriptionInput(endpoint, userType, fmt.Sprintf("t%d", i), "shared"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	subs, total, err := s.ListSubscriptions(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, model.UserTypeBackend, subs[0].UserType, "a backend upsert is never reverted")

	want := []string{"shared"}
	for i := 0; i < writers; i++ {
		want = append(want, fmt.Sprintf("t%d", i))
	}
	assert.ElementsMatch(t, want, subs[0].TopicNames())
}

func TestUpsertSubscription_Reactivates(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	in := subscriptionInput("https://push.example/a", model.UserTypeFrontend)

	sub, err := s.UpsertSubscription(ctx, in)
	require.NoError(t, err)
	require.NoError(t, s.RecordDeliveryOutcome(ctx, sub.ID, false, "HTTP 500"))
	found, err := s.DeactivateSubscription(ctx, in.Endpoint)
	require.NoError(t, err)
	require.True(t, found)

	sub, err = s.UpsertSubscription(ctx, in)
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.Nil(t, sub.LastError)
}

func TestDeactivateSubscription(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	endpoint := "https://push.example/a"
	_, err := s.UpsertSubscription(ctx, subscriptionInput(endpoint, model.UserTypeFrontend))
	require.NoError(t, err)

	found, err := s.DeactivateSubscription(ctx, endpoint)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.DeactivateSubscription(ctx, endpoint)
	require.NoError(t, err)
	assert.False(t, found, "already inactive")

	found, err = s.DeactivateSubscription(ctx, "https://push.example/unknown")
	require.NoError(t, err)
	assert.False(t, found)

	subs, err := s.FindSubscriptions(ctx, model.AudienceBoth, nil)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestFindSubscriptions_TopicsMatchAny(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	onlyA, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/1", model.UserTypeFrontend, "a"))
	require.NoError(t, err)
	onlyB, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/2", model.UserTypeFrontend, "b"))
	require.NoError(t, err)
	both, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/3", model.UserTypeFrontend, "a", "b"))
	require.NoError(t, err)
	none, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/4", model.UserTypeFrontend))
	require.NoError(t, err)
	_, err = s.UpsertSubscription(ctx, subscriptionInput("https://push.example/5", model.UserTypeFrontend, "ab"))
	require.NoError(t, err)

	subs, err := s.FindSubscriptions(ctx, model.AudienceFrontend, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []int64{onlyA.ID, onlyB.ID, both.ID}, ids(subs))

	subs, err = s.FindSubscriptions(ctx, model.AudienceFrontend, nil)
	require.NoError(t, err)
	assert.Len(t, subs, 5)
	assert.Contains(t, ids(subs), none.ID)

	n, err := s.CountSubscriptions(ctx, model.AudienceFrontend, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFindSubscriptions_Audience(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	front, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/f", model.UserTypeFrontend, "news"))
	require.NoError(t, err)
	back, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/b", model.UserTypeBackend, "news"))
	require.NoError(t, err)

	testCases := []struct {
		audience model.Audience
		want     []int64
	}{
		{model.AudienceFrontend, []int64{front.ID}},
		{model.AudienceBackend, []int64{back.ID}},
		{model.AudienceBoth, []int64{front.ID, back.ID}},
	}
	for _, tc := range testCases {
		t.Run(string(tc.audience), func(t *testing.T) {
			subs, err := s.FindSubscriptions(ctx, tc.audience, []string{"news"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(subs))
		})
	}
}

func TestRecordDeliveryOutcome(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	sub, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/a", model.UserTypeFrontend))
	require.NoError(t, err)

	require.NoError(t, s.RecordDeliveryOutcome(ctx, sub.ID, false, "HTTP 410: gone"))
	subs, err := s.FindSubscriptions(ctx, model.AudienceBoth, nil)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].LastError)
	assert.Equal(t, "HTTP 410: gone", *subs[0].LastError)
	assert.True(t, subs[0].Active, "failures never deactivate")

	require.NoError(t, s.RecordDeliveryOutcome(ctx, sub.ID, true, ""))
	subs, err = s.FindSubscriptions(ctx, model.AudienceBoth, nil)
	require.NoError(t, err)
	assert.Nil(t, subs[0].LastError)
}

func TestDeleteSubscription(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	sub, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/a", model.UserTypeFrontend, "news"))
	require.NoError(t, err)

	found, err := s.DeleteSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.DeleteSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, found)

	n, err := s.CountSubscriptions(ctx, model.AudienceBoth, []string{"news"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscriptionStats(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	a, err := s.UpsertSubscription(ctx, subscriptionInput("https://push.example/1", model.UserTypeFrontend))
	require.NoError(t, err)
	_, err = s.UpsertSubscription(ctx, subscriptionInput("https://push.example/2", model.UserTypeFrontend))
	require.NoError(t, err)
	_, err = s.UpsertSubscription(ctx, subscriptionInput("https://push.example/3", model.UserTypeBackend))
	require.NoError(t, err)
	require.NoError(t, s.RecordDeliveryOutcome(ctx, a.ID, false, "timeout"))
	_, err = s.DeactivateSubscription(ctx, "https://push.example/2")
	require.NoError(t, err)

	stats, err := s.SubscriptionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SubscriptionStat{
		{UserType: "backend", Total: 1, Active: 1, WithError: 0},
		{UserType: "frontend", Total: 2, Active: 1, WithError: 1},
	}, stats)
}

func TestNotificationLog(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	records := []*model.NotificationRecord{
		{DispatchID: uuid.NewString(), Title: "Deploy", Body: "done", Topics: "system", UserType: model.AudienceBackend, SentTo: 2, CreatedAt: day},
		{DispatchID: uuid.NewString(), Title: "News", Body: "hello", Topics: "news,systems", UserType: model.AudienceFrontend, SentTo: 4, DeliveryErrors: 1, CreatedAt: day.Add(time.Hour)},
		{DispatchID: uuid.NewString(), Title: "All", Body: "x", Topics: "", UserType: model.AudienceBoth, SentTo: 0, CreatedAt: day.AddDate(0, 0, 1)},
	}
	for _, rec := range records {
		require.NoError(t, s.AppendNotification(ctx, rec))
		assert.NotZero(t, rec.ID)
	}

	got, err := s.GetNotification(ctx, records[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "News", got.Title)

	_, err = s.GetNotification(ctx, 9999)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	list, total, err := s.ListNotifications(ctx, NotificationFilter{Topic: "system"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, "Deploy", list[0].Title)

	list, total, err = s.ListNotifications(ctx, NotificationFilter{Date: &day}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "News", list[0].Title, "newest first")

	list, total, err = s.ListNotifications(ctx, NotificationFilter{UserType: model.AudienceBoth}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "All", list[0].Title)

	list, total, err = s.ListNotifications(ctx, NotificationFilter{}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, list, 1)
	assert.Equal(t, "News", list[0].Title)

	stats, err := s.NotificationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(6), stats.TotalSent)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.InDelta(t, 2.0, stats.AvgRecipients, 0.001)
}

type testState struct {
	LastPush int64 `json:"last_push"`
}

func TestCompareAndSwapState(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	var st testState
	version, err := s.LoadState(ctx, "error_monitor", &st)
	require.NoError(t, err)
	assert.Zero(t, version)

	swapped, err := s.CompareAndSwapState(ctx, "error_monitor", 0, testState{LastPush: 100})
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwapState(ctx, "error_monitor", 0, testState{LastPush: 200})
	require.NoError(t, err)
	assert.False(t, swapped, "state already created")

	version, err = s.LoadState(ctx, "error_monitor", &st)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, int64(100), st.LastPush)

	swapped, err = s.CompareAndSwapState(ctx, "error_monitor", version, testState{LastPush: 300})
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwapState(ctx, "error_monitor", version, testState{LastPush: 400})
	require.NoError(t, err)
	assert.False(t, swapped, "stale version")

	version, err = s.LoadState(ctx, "error_monitor", &st)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, int64(300), st.LastPush)
}

func TestGormStore_DeactivateSubscriptionSQL(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "push_subscriptions" SET "active"=\$1,"last_error"=\$2,"updated_at"=\$3 WHERE \(?endpoint = \$4 AND active = \$5\)?`).
		WithArgs(false, nil, Any{}, "https://push.example/a", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	found, err := s.DeactivateSubscription(context.Background(), "https://push.example/a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_FindSubscriptionsSQL(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE active = \$1 AND user_type = \$2 AND id IN \(SELECT subscription_id FROM "subscription_topics" WHERE topic IN \(\$3,\$4\)\).*ORDER BY id asc`).
		WithArgs(true, "backend", "system", "admin").
		WillReturnRows(sqlmock.NewRows([]string{"id", "endpoint", "user_type", "active"}).
			AddRow(1, "https://push.example/1", "backend", true).
			AddRow(2, "https://push.example/2", "backend", true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "subscription_topics" WHERE "subscription_topics"."subscription_id" IN ($1,$2) ORDER BY topic`)).
		WithArgs(Any{}, Any{}).
		WillReturnRows(sqlmock.NewRows([]string{"subscription_id", "topic"}).
			AddRow(1, "system").
			AddRow(2, "admin"))

	subs, err := s.FindSubscriptions(context.Background(), model.AudienceBackend, []string{"system", "admin"})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, []string{"system"}, subs[0].TopicNames())
	assert.Equal(t, []string{"admin"}, subs[1].TopicNames())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_UpsertSubscriptionError(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "push_subscriptions"`)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.UpsertSubscription(context.Background(), subscriptionInput("https://push.example/a", model.UserTypeFrontend))
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func ids(subs []model.PushSubscription) []int64 {
	out := make([]int64, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

// Any is a helper for sqlmock to match any argument.
type Any struct{}

// Match satisfies the sqlmock.Argument interface
func (a Any) Match(v driver.Value) bool {
	return true
}
