package dispatch

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushit-backend/config"
	"pushit-backend/internal/apperr"
	"pushit-backend/internal/metrics"
	"pushit-backend/internal/model"
	"pushit-backend/internal/notification"
	"pushit-backend/internal/store"
	"pushit-backend/internal/storetest"
	"pushit-backend/internal/topic"
)

// mockSender answers every push from a status table keyed by endpoint.
type mockSender struct {
	mu       sync.Mutex
	statuses map[string]int
	payloads [][]byte
	options  []*webpush.Options
}

func (m *mockSender) Send(ctx context.Context, payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	m.options = append(m.options, options)

	status, ok := m.statuses[sub.Endpoint]
	if !ok {
		status = http.StatusCreated
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func testPushConfig() config.PushConfig {
	return config.PushConfig{
		PublicKey:   "public",
		PrivateKey:  "private",
		Subject:     "mailto:ops@example.com",
		TTL:         3600,
		DefaultIcon: "/assets/addons/push_it/icon.svg",
		Workers:     3,
		SendTimeout: time.Second,
	}
}

func newTestEngine(t *testing.T, cfg config.PushConfig, sender notification.Sender) (*Engine, store.Store) {
	t.Helper()
	st, _ := storetest.New(t)
	return NewEngine(st, cfg, topic.NewFilter(topic.DefaultPrivileged), sender, metrics.NewMetrics("pushit_test")), st
}

func subscribe(t *testing.T, st store.Store, endpoint string, userType model.UserType, topics ...string) *model.PushSubscription {
	t.Helper()
	sub, err := st.UpsertSubscription(context.Background(), store.SubscriptionInput{
		Endpoint: endpoint,
		P256DH:   "key",
		Auth:     "auth",
		UserType: userType,
		Topics:   topics,
	})
	require.NoError(t, err)
	return sub
}

func TestDispatch_PartialFailureIsolation(t *testing.T) {
	sender := &mockSender{statuses: map[string]int{"https://push.example/3": http.StatusInternalServerError}}
	engine, st := newTestEngine(t, testPushConfig(), sender)
	ctx := context.Background()

	var third *model.PushSubscription
	for i := 1; i <= 5; i++ {
		sub := subscribe(t, st, "https://push.example/"+string(rune('0'+i)), model.UserTypeFrontend, "news")
		if i == 3 {
			third = sub
		}
	}

	res, err := engine.Dispatch(ctx, Request{Title: "Hello", Body: "World", Audience: model.AudienceFrontend, Topics: []string{"news"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 5, res.Total)
	assert.NotEmpty(t, res.DispatchID)

	subs, err := st.FindSubscriptions(ctx, model.AudienceFrontend, nil)
	require.NoError(t, err)
	require.Len(t, subs, 5, "failures never deactivate")
	for _, sub := range subs {
		if sub.ID == third.ID {
			require.NotNil(t, sub.LastError)
			assert.Contains(t, *sub.LastError, "HTTP 500")
			continue
		}
		assert.Nil(t, sub.LastError)
	}

	recs, total, err := st.ListNotifications(ctx, store.NotificationFilter{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, res.DispatchID, recs[0].DispatchID)
	assert.Equal(t, 4, recs[0].SentTo)
	assert.Equal(t, 1, recs[0].DeliveryErrors)
}

func TestDispatch_NoAudienceIsNotAnError(t *testing.T) {
	sender := &mockSender{}
	engine, st := newTestEngine(t, testPushConfig(), sender)
	subscribe(t, st, "https://push.example/1", model.UserTypeFrontend, "news")

	res, err := engine.Dispatch(context.Background(), Request{Title: "Hi", Body: "there", Audience: model.AudienceBackend})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Total)
	assert.Zero(t, res.Sent)
	assert.Contains(t, res.Message, "no active subscriptions")
	assert.Empty(t, sender.payloads)

	_, total, err := st.ListNotifications(context.Background(), store.NotificationFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

// cancellingSender cancels the caller's context on the first send and, like the real HTTP
// client, fails any send whose context is already done.
type cancellingSender struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	calls  int
}

func (s *cancellingSender) Send(ctx context.Context, _ []byte, _ *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
	s.mu.Lock()
	s.calls++
	if s.calls == 1 {
		s.cancel()
	}
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func TestDispatch_CallerCancellationDoesNotAbortBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testPushConfig()
	cfg.Workers = 1
	sender := &cancellingSender{cancel: cancel}
	engine, st := newTestEngine(t, cfg, sender)
	for i := 1; i <= 3; i++ {
		subscribe(t, st, "https://push.example/"+string(rune('0'+i)), model.UserTypeBackend, "system")
	}

	res, err := engine.Dispatch(ctx, Request{Title: "Alert", Body: "Disk full", Audience: model.AudienceBackend, Topics: []string{"system"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, sender.calls)

	recs, total, err := st.ListNotifications(context.Background(), store.NotificationFilter{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total, "a started dispatch always writes its log row")
	assert.Equal(t, res.DispatchID, recs[0].DispatchID)
	assert.Equal(t, 3, recs[0].SentTo)
}

func TestDispatch_TopicsMatchAny(t *testing.T) {
	sender := &mockSender{}
	engine, st := newTestEngine(t, testPushConfig(), sender)
	subscribe(t, st, "https://push.example/a", model.UserTypeFrontend, "a")
	subscribe(t, st, "https://push.example/b", model.UserTypeFrontend, "b")
	subscribe(t, st, "https://push.example/ab", model.UserTypeFrontend, "a", "b")
	subscribe(t, st, "https://push.example/none", model.UserTypeFrontend)

	res, err := engine.Dispatch(context.Background(), Request{Title: "t", Body: "b", Audience: model.AudienceFrontend, Topics: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Sent)
}

func TestDispatch_Validation(t *testing.T) {
	engine, _ := newTestEngine(t, testPushConfig(), &mockSender{})

	_, err := engine.Dispatch(context.Background(), Request{Title: "  ", Body: "x"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = engine.Dispatch(context.Background(), Request{Title: "x", Body: "y", Audience: "everyone"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	cfg := testPushConfig()
	cfg.PrivateKey = ""
	engine, _ = newTestEngine(t, cfg, &mockSender{})
	_, err = engine.Dispatch(context.Background(), Request{Title: "x", Body: "y"})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestDispatch_GoneSubscriptions(t *testing.T) {
	testCases := []struct {
		name       string
		pruneGone  bool
		wantActive bool
	}{
		{"tracked by default", false, true},
		{"pruned when enabled", true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testPushConfig()
			cfg.PruneGone = tc.pruneGone
			sender := &mockSender{statuses: map[string]int{"https://push.example/gone": http.StatusGone}}
			engine, st := newTestEngine(t, cfg, sender)
			subscribe(t, st, "https://push.example/gone", model.UserTypeFrontend)

			res, err := engine.Dispatch(context.Background(), Request{Title: "t", Body: "b"})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Failed)

			n, err := st.CountSubscriptions(context.Background(), model.AudienceBoth, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.wantActive, n == 1)
		})
	}
}

func TestDispatch_PayloadAndOptions(t *testing.T) {
	sender := &mockSender{}
	engine, st := newTestEngine(t, testPushConfig(), sender)
	subscribe(t, st, "https://push.example/1", model.UserTypeBackend, "system")

	renotify := true
	_, err := engine.Dispatch(context.Background(), Request{
		Title:    "Deploy",
		Body:     "finished",
		URL:      "/redaxo/index.php",
		Audience: model.AudienceBackend,
		Topics:   []string{"system"},
		Options:  notification.Options{Tag: "deploy", Renotify: &renotify, Urgency: "high", TTL: 120},
	})
	require.NoError(t, err)

	require.Len(t, sender.payloads, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(sender.payloads[0], &payload))
	assert.Equal(t, "Deploy", payload["title"])
	assert.Equal(t, "/redaxo/index.php", payload["url"])
	assert.Equal(t, "/assets/addons/push_it/icon.svg", payload["icon"])
	assert.Equal(t, "deploy", payload["tag"])
	assert.Equal(t, true, payload["renotify"])

	opts := sender.options[0]
	assert.Equal(t, 120, opts.TTL)
	assert.Equal(t, webpush.UrgencyHigh, opts.Urgency)
	assert.Equal(t, "deploy", opts.Topic)
	assert.Equal(t, "mailto:ops@example.com", opts.Subscriber)
}

func TestResend(t *testing.T) {
	sender := &mockSender{}
	engine, st := newTestEngine(t, testPushConfig(), sender)
	ctx := context.Background()
	subscribe(t, st, "https://push.example/1", model.UserTypeFrontend, "news")

	first, err := engine.Dispatch(ctx, Request{Title: "t", Body: "b", Topics: []string{"news"}, Options: notification.Options{Tag: "weekly"}})
	require.NoError(t, err)
	recs, _, err := st.ListNotifications(ctx, store.NotificationFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	admin := int64(1)
	second, err := engine.Resend(ctx, recs[0].ID, &admin)
	require.NoError(t, err)
	assert.NotEqual(t, first.DispatchID, second.DispatchID)
	assert.Equal(t, 1, second.Sent)

	recs, total, err := st.ListNotifications(ctx, store.NotificationFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "news", recs[0].Topics)
	require.NotNil(t, recs[0].CreatedBy)
	assert.Equal(t, admin, *recs[0].CreatedBy)
	assert.Contains(t, recs[0].Options, `"tag":"weekly"`)

	_, err = engine.Resend(ctx, 9999, nil)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestResend_SameAudienceForCommaTopics(t *testing.T) {
	sender := &mockSender{}
	engine, st := newTestEngine(t, testPushConfig(), sender)
	ctx := context.Background()
	subscribe(t, st, "https://push.example/a", model.UserTypeFrontend, "a")
	subscribe(t, st, "https://push.example/ab", model.UserTypeFrontend, "a,b")
	subscribe(t, st, "https://push.example/c", model.UserTypeFrontend, "c")

	first, err := engine.Dispatch(ctx, Request{Title: "t", Body: "b", Topics: []string{"a,b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Total)

	recs, _, err := st.ListNotifications(ctx, store.NotificationFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a,b", recs[0].Topics)

	second, err := engine.Resend(ctx, recs[0].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Total, second.Total)

	subs, err := st.FindSubscriptions(ctx, model.AudienceFrontend, []string{"b"})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"a", "b"}, subs[0].TopicNames())
}

func TestAuthorize(t *testing.T) {
	engine, _ := newTestEngine(t, testPushConfig(), &mockSender{})

	req := Request{Topics: []string{"system"}, Options: notification.Options{Icon: "/x.png"}}
	assert.True(t, apperr.Is(engine.Authorize(&req, false), apperr.KindAuthorization))
	assert.NoError(t, engine.Authorize(&req, true))
	assert.Equal(t, "/x.png", req.Options.Icon)

	req = Request{Topics: []string{"news"}, Options: notification.Options{Icon: "/x.png", Badge: "/b.png", Image: "/i.png", Tag: "t"}}
	require.NoError(t, engine.Authorize(&req, false))
	assert.Empty(t, req.Options.Icon)
	assert.Empty(t, req.Options.Badge)
	assert.Empty(t, req.Options.Image)
	assert.Equal(t, "t", req.Options.Tag)
}

// browserKeys returns subscription keys the way a browser would publish them.
func browserKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(secret)
}

func TestDispatch_EndToEndWithPushService(t *testing.T) {
	var mu sync.Mutex
	var received []string
	pushService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.URL.Path)
		mu.Unlock()
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "vapid "))
		w.WriteHeader(http.StatusCreated)
	}))
	defer pushService.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	cfg := testPushConfig()
	cfg.PublicKey = publicKey
	cfg.PrivateKey = privateKey

	engine, st := newTestEngine(t, cfg, nil)
	ctx := context.Background()
	for _, s := range []struct {
		path   string
		topics []string
	}{
		{"/push/ops", []string{"system", "admin"}},
		{"/push/editor", []string{"editorial"}},
	} {
		p256dh, auth := browserKeys(t)
		_, err := st.UpsertSubscription(ctx, store.SubscriptionInput{
			Endpoint: pushService.URL + s.path,
			P256DH:   p256dh,
			Auth:     auth,
			UserType: model.UserTypeBackend,
			Topics:   s.topics,
		})
		require.NoError(t, err)
	}

	res, err := engine.Dispatch(ctx, Request{Title: "Alert", Body: "Disk almost full", Audience: model.AudienceBackend, Topics: []string{"system"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, []string{"/push/ops"}, received)

	recs, total, err := st.ListNotifications(ctx, store.NotificationFilter{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, model.AudienceBackend, recs[0].UserType)
	assert.Equal(t, "system", recs[0].Topics)
	assert.Equal(t, 1, recs[0].SentTo)
	assert.Equal(t, 0, recs[0].DeliveryErrors)
}
