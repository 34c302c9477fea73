package mw

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pushit-backend/internal/monitor"
)

const inlineCheckTimeout = 30 * time.Second

// MonitorChecker runs one throttled monitor check.
type MonitorChecker interface {
	Check(ctx context.Context) (*monitor.CheckResult, error)
}

// InlineMonitor runs a monitor check after each request has been answered. Checks are
// throttled by the monitor itself, and at most one check runs at a time.
func InlineMonitor(checker MonitorChecker) gin.HandlerFunc {
	var running atomic.Bool
	return func(c *gin.Context) {
		c.Next()

		if !running.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer running.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), inlineCheckTimeout)
			defer cancel()
			if _, err := checker.Check(ctx); err != nil {
				log.Error().Err(err).Msg("inline monitor check failed")
			}
		}()
	}
}
