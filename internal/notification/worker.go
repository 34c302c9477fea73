package notification

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"pushit-backend/internal/model"
)

const maxReasonBytes = 512

// DeliveryError describes why one subscription did not receive a push.
type DeliveryError struct {
	SubscriptionID int64
	// StatusCode is 0 when the request never got a response.
	StatusCode int
	Reason     string
	// Gone is set for 404 and 410, which push services use for expired subscriptions.
	Gone bool
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return e.Reason
	}
	if e.Reason == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Reason)
}

// Result is the outcome of one delivery. Err is nil on success.
type Result struct {
	Subscription model.PushSubscription
	Err          *DeliveryError
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	sender  Sender
	timeout time.Duration
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, sender Sender, timeout time.Duration) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if sender == nil {
		sender = &WebPushSender{} // Use the real sender by default
	}
	return &WorkerPool{
		size:    size,
		sender:  sender,
		timeout: timeout,
	}
}

// Size returns the number of concurrent workers.
func (wp *WorkerPool) Size() int {
	return wp.size
}

// Deliver sends payload to every subscription and calls onResult once per subscription.
// Jobs are queued in the order given; onResult may be called from several goroutines.
// Deliver returns when every job has finished.
func (wp *WorkerPool) Deliver(ctx context.Context, payload []byte, subs []model.PushSubscription, options *webpush.Options, onResult func(Result)) {
	jobs := make(chan model.PushSubscription, wp.size) // Buffered channel

	workers := wp.size
	if len(subs) < workers {
		workers = len(subs)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.worker(ctx, id, jobs, payload, options, onResult)
		}(i)
	}

	for _, sub := range subs {
		jobs <- sub
	}
	close(jobs)
	wg.Wait()
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int, jobs <-chan model.PushSubscription, payload []byte, options *webpush.Options, onResult func(Result)) {
	for sub := range jobs {
		log.Debug().Int("worker", id).Int64("subscription_id", sub.ID).Msg("delivering notification")
		onResult(Result{
			Subscription: sub,
			Err:          wp.sendNotification(ctx, sub, payload, options),
		})
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte, options *webpush.Options) *DeliveryError {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	sendCtx := ctx
	if wp.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, wp.timeout)
		defer cancel()
	}

	resp, err := wp.sender.Send(sendCtx, payload, wpSub, options)
	if err != nil {
		return &DeliveryError{SubscriptionID: sub.ID, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonBytes))
	reason := strings.TrimSpace(string(body))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return &DeliveryError{
		SubscriptionID: sub.ID,
		StatusCode:     resp.StatusCode,
		Reason:         reason,
		Gone:           resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound,
	}
}
