// Package queue hands dispatch requests to a background consumer through a redis list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"pushit-backend/internal/dispatch"
	"pushit-backend/internal/metrics"
)

const popTimeout = 5 * time.Second

// Backend is the subset of the redis client the queue needs.
type Backend interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Dispatcher processes a dequeued request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Job is the queued form of a dispatch request.
type Job struct {
	ID         string           `json:"id"`
	Request    dispatch.Request `json:"request"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Queue pushes and pops jobs on one redis list.
type Queue struct {
	backend Backend
	key     string
	metrics *metrics.Metrics
}

// Connect parses a redis URL and verifies the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// New creates a Queue on key. m may be nil.
func New(backend Backend, key string, m *metrics.Metrics) *Queue {
	return &Queue{backend: backend, key: key, metrics: m}
}

// Enqueue stores req for the consumer and returns the job id.
func (q *Queue) Enqueue(ctx context.Context, req dispatch.Request) (string, error) {
	job := Job{ID: uuid.NewString(), Request: req, EnqueuedAt: time.Now().UTC()}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.backend.LPush(ctx, q.key, payload).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	if q.metrics != nil {
		q.metrics.QueueEnqueued.Inc()
	}
	log.Debug().Str("job_id", job.ID).Msg("dispatch job enqueued")
	return job.ID, nil
}

// Next blocks until a job is available, the pop times out or ctx is done. A timeout
// returns (nil, nil).
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	res, err := q.backend.BRPop(ctx, popTimeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// Consume dispatches queued jobs until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, d Dispatcher) {
	log.Info().Str("key", q.key).Msg("starting dispatch queue consumer")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("dispatch queue consumer shutting down")
			return
		}

		job, err := q.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("failed to read dispatch queue")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		res, err := d.Dispatch(ctx, job.Request)
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("queued dispatch failed")
			continue
		}
		log.Info().
			Str("job_id", job.ID).
			Str("dispatch_id", res.DispatchID).
			Int("sent", res.Sent).
			Int("failed", res.Failed).
			Msg("queued dispatch finished")
	}
}
