package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pushit-backend/config"
	"pushit-backend/internal/apperr"
	"pushit-backend/internal/metrics"
	"pushit-backend/internal/model"
	"pushit-backend/internal/notification"
	"pushit-backend/internal/store"
	"pushit-backend/internal/topic"
)

// DeliveryError is the per-subscription failure reported by the worker pool.
type DeliveryError = notification.DeliveryError

// Request describes one broadcast.
type Request struct {
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	URL       string               `json:"url"`
	Audience  model.Audience       `json:"user_type"`
	Topics    []string             `json:"topics"`
	Options   notification.Options `json:"options"`
	CreatedBy *int64               `json:"created_by,omitempty"`
}

// Result summarizes a dispatch.
type Result struct {
	Success    bool   `json:"success"`
	DispatchID string `json:"dispatch_id,omitempty"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
	Message    string `json:"message,omitempty"`
}

// Engine resolves the audience of a request, delivers it and records the outcome.
type Engine struct {
	store       store.Store
	pool        *notification.WorkerPool
	filter      *topic.Filter
	vapid       webpush.Options
	ttl         int
	defaultIcon string
	pruneGone   bool
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewEngine creates an Engine. A nil sender uses the real web push client, and m may be nil.
func NewEngine(st store.Store, cfg config.PushConfig, filter *topic.Filter, sender notification.Sender, m *metrics.Metrics) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > 50 {
		workers = 50
	}
	return &Engine{
		store:  st,
		pool:   notification.NewWorkerPool(workers, sender, cfg.SendTimeout),
		filter: filter,
		vapid: webpush.Options{
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
			Subscriber:      cfg.Subject,
		},
		ttl:         cfg.TTL,
		defaultIcon: cfg.DefaultIcon,
		pruneGone:   cfg.PruneGone,
		metrics:     m,
		now:         time.Now,
	}
}

// Authorize applies the sender restrictions to req: callers that are not administrators may
// not target privileged topics and may not set media.
func (e *Engine) Authorize(req *Request, isAdmin bool) error {
	if isAdmin {
		return nil
	}
	if err := e.filter.AuthorizeTargets(topic.Normalize(req.Topics), false); err != nil {
		return err
	}
	req.Options.StripMedia()
	return nil
}

// Validate checks a request without sending it.
func (e *Engine) Validate(req *Request) error {
	req.Title = strings.TrimSpace(req.Title)
	req.Body = strings.TrimSpace(req.Body)
	if req.Title == "" || req.Body == "" {
		return apperr.Validation("title and body are required")
	}
	if req.Audience == "" {
		req.Audience = model.AudienceFrontend
	}
	if !req.Audience.Valid() {
		return apperr.Validationf("unknown user type %q", req.Audience)
	}
	req.Topics = topic.Normalize(req.Topics)

	if e.vapid.VAPIDPublicKey == "" || e.vapid.VAPIDPrivateKey == "" || e.vapid.Subscriber == "" {
		return apperr.Configuration("VAPID keys and subject are not configured")
	}
	return nil
}

// Dispatch delivers req to every matching active subscription. Delivery failures are counted
// and recorded per subscription; they never fail the dispatch. Once started, a batch runs to
// completion even if ctx is cancelled; each send is bounded by the push timeout.
func (e *Engine) Dispatch(ctx context.Context, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.Validate(&req); err != nil {
		e.observe(req.Audience, "rejected")
		return nil, err
	}

	dispatchID := uuid.NewString()
	logger := log.With().Str("dispatch_id", dispatchID).Logger()

	subs, err := e.store.FindSubscriptions(ctx, req.Audience, req.Topics)
	if err != nil {
		e.observe(req.Audience, "error")
		return nil, apperr.Internal(err)
	}
	total := len(subs)
	logger.Info().
		Str("user_type", string(req.Audience)).
		Strs("topics", req.Topics).
		Int("subscriptions", total).
		Msg("dispatching notification")

	if total == 0 {
		e.observe(req.Audience, "no_audience")
		return &Result{
			Success:    true,
			DispatchID: dispatchID,
			Message:    fmt.Sprintf("no active subscriptions for user type %s and topics %s", req.Audience, topic.Join(req.Topics)),
		}, nil
	}

	payload, err := notification.BuildPayload(
		notification.Message{Title: req.Title, Body: req.Body, URL: req.URL},
		req.Options, e.defaultIcon, e.now(),
	)
	if err != nil {
		e.observe(req.Audience, "error")
		return nil, apperr.Internal(fmt.Errorf("failed to encode payload: %w", err))
	}

	started := time.Now()
	var sent, failed int64
	options := notification.WebPushOptions(e.vapid, req.Options, e.ttl)
	e.pool.Deliver(ctx, payload, subs, options, func(r notification.Result) {
		e.recordOutcome(ctx, &logger, r, &sent, &failed)
	})
	if e.metrics != nil {
		e.metrics.DispatchDuration.Observe(time.Since(started).Seconds())
	}

	result := &Result{
		Success:    true,
		DispatchID: dispatchID,
		Sent:       int(atomic.LoadInt64(&sent)),
		Failed:     int(atomic.LoadInt64(&failed)),
		Total:      total,
	}

	rawOptions, err := json.Marshal(req.Options)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode notification options")
		rawOptions = []byte("{}")
	}
	rec := &model.NotificationRecord{
		DispatchID:     dispatchID,
		Title:          req.Title,
		Body:           req.Body,
		URL:            req.URL,
		Icon:           req.Options.Icon,
		Badge:          req.Options.Badge,
		Image:          req.Options.Image,
		Options:        string(rawOptions),
		Topics:         topic.Join(req.Topics),
		UserType:       req.Audience,
		SentTo:         result.Sent,
		DeliveryErrors: result.Failed,
		CreatedBy:      req.CreatedBy,
	}
	if err := e.store.AppendNotification(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to write notification log")
	}

	e.observe(req.Audience, "delivered")
	logger.Info().Int("sent", result.Sent).Int("failed", result.Failed).Int("total", total).Msg("dispatch finished")
	return result, nil
}

func (e *Engine) recordOutcome(ctx context.Context, logger *zerolog.Logger, r notification.Result, sent, failed *int64) {
	id := r.Subscription.ID
	if r.Err == nil {
		atomic.AddInt64(sent, 1)
		e.countDelivery("sent")
		if err := e.store.RecordDeliveryOutcome(ctx, id, true, ""); err != nil {
			logger.Error().Err(err).Int64("subscription_id", id).Msg("failed to record delivery success")
		}
		return
	}

	atomic.AddInt64(failed, 1)
	logger.Warn().
		Int64("subscription_id", id).
		Int("status", r.Err.StatusCode).
		Str("reason", r.Err.Reason).
		Msg("delivery failed")

	if r.Err.Gone && e.pruneGone {
		e.countDelivery("gone")
		if err := e.store.DeactivateSubscriptionByID(ctx, id, r.Err.Error()); err != nil {
			logger.Error().Err(err).Int64("subscription_id", id).Msg("failed to deactivate gone subscription")
		}
		return
	}
	e.countDelivery("failed")
	if err := e.store.RecordDeliveryOutcome(ctx, id, false, r.Err.Error()); err != nil {
		logger.Error().Err(err).Int64("subscription_id", id).Msg("failed to record delivery failure")
	}
}

// Resend replays a logged notification to its original audience and appends a new log row.
func (e *Engine) Resend(ctx context.Context, recordID int64, createdBy *int64) (*Result, error) {
	rec, err := e.store.GetNotification(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var opts notification.Options
	if rec.Options != "" {
		if err := json.Unmarshal([]byte(rec.Options), &opts); err != nil {
			return nil, apperr.Internal(fmt.Errorf("failed to decode options of notification %d: %w", recordID, err))
		}
	}

	return e.Dispatch(ctx, Request{
		Title:     rec.Title,
		Body:      rec.Body,
		URL:       rec.URL,
		Audience:  rec.UserType,
		Topics:    topic.Parse(rec.Topics),
		Options:   opts,
		CreatedBy: createdBy,
	})
}

func (e *Engine) observe(audience model.Audience, result string) {
	if e.metrics != nil {
		e.metrics.Dispatches.WithLabelValues(string(audience), result).Inc()
	}
}

func (e *Engine) countDelivery(outcome string) {
	if e.metrics != nil {
		e.metrics.Deliveries.WithLabelValues(outcome).Inc()
	}
}
