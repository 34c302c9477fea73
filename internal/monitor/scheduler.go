package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RoundResult is the outcome of one scheduled round.
type RoundResult struct {
	Errors  *CheckResult  `json:"errors"`
	Updates *UpdateResult `json:"updates,omitempty"`
}

// Scheduler runs the error monitor and update watcher on a fixed interval.
type Scheduler struct {
	errors   *ErrorMonitor
	updates  *UpdateWatcher
	interval time.Duration
}

// NewScheduler creates a Scheduler. updates may be nil.
func NewScheduler(errors *ErrorMonitor, updates *UpdateWatcher, interval time.Duration) *Scheduler {
	return &Scheduler{errors: errors, updates: updates, interval: interval}
}

// RunOnce performs a single round without the inline throttle.
func (s *Scheduler) RunOnce(ctx context.Context) (*RoundResult, error) {
	errorsResult, err := s.errors.CheckNow(ctx)
	if err != nil {
		return nil, err
	}
	out := &RoundResult{Errors: errorsResult}
	if s.updates != nil {
		updatesResult, err := s.updates.Check(ctx)
		if err != nil {
			return nil, err
		}
		out.Updates = updatesResult
	}
	return out, nil
}

// Run starts the monitoring process in a loop.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("starting scheduled monitor")

	s.round(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduled monitor shutting down")
			return
		case <-timer.C:
			s.round(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Scheduler) round(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("monitor round failed")
		return
	}
	log.Debug().Str("errors", res.Errors.Status).Msg("monitor round finished")
}
