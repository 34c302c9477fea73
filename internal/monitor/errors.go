package monitor

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"pushit-backend/config"
	"pushit-backend/internal/dispatch"
	"pushit-backend/internal/metrics"
	"pushit-backend/internal/model"
	"pushit-backend/internal/notification"
	"pushit-backend/internal/store"
)

const (
	errorMonitorState = "error_monitor"
	maxMessageRunes   = 100
)

// SystemTopics are the topics monitor notifications are sent to.
var SystemTopics = []string{"system", "admin"}

// Dispatcher sends a notification to an audience.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Check outcomes.
const (
	StatusDisabled   = "disabled"
	StatusThrottled  = "throttled"
	StatusCooldown   = "cooldown"
	StatusNoErrors   = "no_errors"
	StatusContended  = "contended"
	StatusDispatched = "dispatched"
)

// CheckResult reports what one check did.
type CheckResult struct {
	Status   string           `json:"status"`
	Errors   int              `json:"errors"`
	Dispatch *dispatch.Result `json:"dispatch,omitempty"`
}

type errorState struct {
	LastCheck int64 `json:"last_check_time"`
	LastPush  int64 `json:"last_push_time"`
}

// ErrorMonitor watches the system log and notifies backend subscribers of new errors.
type ErrorMonitor struct {
	cfg        config.MonitorConfig
	store      store.Store
	source     LogSource
	dispatcher Dispatcher
	metrics    *metrics.Metrics

	mu  sync.Mutex
	now func() time.Time
}

// NewErrorMonitor creates an ErrorMonitor. m may be nil.
func NewErrorMonitor(cfg config.MonitorConfig, st store.Store, source LogSource, dispatcher Dispatcher, m *metrics.Metrics) *ErrorMonitor {
	return &ErrorMonitor{
		cfg:        cfg,
		store:      st,
		source:     source,
		dispatcher: dispatcher,
		metrics:    m,
		now:        time.Now,
	}
}

// Check runs one check in the configured mode. Inline mode is throttled because it is
// triggered by request traffic.
func (m *ErrorMonitor) Check(ctx context.Context) (*CheckResult, error) {
	return m.check(ctx, m.cfg.Mode == config.MonitorModeInline)
}

// CheckNow runs one check without the inline throttle. The cooldown still applies.
func (m *ErrorMonitor) CheckNow(ctx context.Context) (*CheckResult, error) {
	return m.check(ctx, false)
}

func (m *ErrorMonitor) check(ctx context.Context, throttled bool) (*CheckResult, error) {
	if !m.cfg.Enabled {
		return &CheckResult{Status: StatusDisabled}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.checkLocked(ctx, throttled)
	if m.metrics != nil {
		status := "error"
		if res != nil {
			status = res.Status
		}
		m.metrics.MonitorChecks.WithLabelValues(errorMonitorState, status).Inc()
	}
	return res, err
}

func (m *ErrorMonitor) checkLocked(ctx context.Context, throttled bool) (*CheckResult, error) {
	now := m.now()

	var st errorState
	version, err := m.store.LoadState(ctx, errorMonitorState, &st)
	if err != nil {
		return nil, err
	}

	if throttled {
		if now.Unix()-st.LastCheck < int64(m.cfg.Throttle/time.Second) {
			return &CheckResult{Status: StatusThrottled}, nil
		}
		st.LastCheck = now.Unix()
		ok, err := m.store.CompareAndSwapState(ctx, errorMonitorState, version, st)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &CheckResult{Status: StatusContended}, nil
		}
		version++
	}

	if st.LastPush > 0 && now.Unix()-st.LastPush < int64(m.cfg.Cooldown/time.Second) {
		return &CheckResult{Status: StatusCooldown}, nil
	}

	entries, err := m.source.Entries(ctx, m.cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read error log: %w", err)
	}
	errs := selectErrors(entries, st.LastPush, m.cfg.MaxBatch)
	if len(errs) == 0 {
		return &CheckResult{Status: StatusNoErrors}, nil
	}

	previousPush := st.LastPush
	st.LastPush = now.Unix()
	ok, err := m.store.CompareAndSwapState(ctx, errorMonitorState, version, st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &CheckResult{Status: StatusContended, Errors: len(errs)}, nil
	}
	version++

	req := m.buildRequest(errs, now)
	result, err := m.dispatcher.Dispatch(ctx, req)
	if err != nil {
		st.LastPush = previousPush
		if _, rbErr := m.store.CompareAndSwapState(ctx, errorMonitorState, version, st); rbErr != nil {
			log.Error().Err(rbErr).Msg("failed to roll back error monitor push time")
		}
		return nil, fmt.Errorf("failed to dispatch error notification: %w", err)
	}

	if m.metrics != nil {
		m.metrics.MonitorPushes.WithLabelValues(errorMonitorState).Inc()
	}
	log.Info().Int("errors", len(errs)).Int("sent", result.Sent).Msg("error monitor notification sent")
	return &CheckResult{Status: StatusDispatched, Errors: len(errs), Dispatch: result}, nil
}

// selectErrors keeps error and exception entries newer than since, newest first, at most max.
func selectErrors(entries []Entry, since int64, max int) []Entry {
	var out []Entry
	for _, e := range entries {
		t := strings.ToLower(e.Type)
		if !strings.Contains(t, "error") && !strings.Contains(t, "exception") {
			continue
		}
		if e.Timestamp.Unix() <= since {
			continue
		}
		out = append(out, e)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

func (m *ErrorMonitor) buildRequest(errs []Entry, now time.Time) dispatch.Request {
	latest := errs[0]
	message := truncateRunes(latest.Message, maxMessageRunes)
	location := m.location(latest)

	var title, body string
	if len(errs) == 1 {
		title = fmt.Sprintf("System error on %s", m.cfg.ServerName)
		body = fmt.Sprintf("%s: %s%s", latest.Type, message, location)
	} else {
		title = fmt.Sprintf("%d system errors on %s", len(errs), m.cfg.ServerName)
		body = fmt.Sprintf("Multiple errors occurred. Latest: %s%s", message, location)
	}

	return dispatch.Request{
		Title:    title,
		Body:     body,
		URL:      m.cfg.LogURL,
		Audience: model.AudienceBackend,
		Topics:   SystemTopics,
		Options: notification.Options{
			Icon:  m.cfg.Icon,
			Badge: m.cfg.Icon,
			Tag:   fmt.Sprintf("system-error-%d", now.Unix()),
			Data: map[string]interface{}{
				"type":        "system_error",
				"server":      m.cfg.ServerName,
				"domain":      m.cfg.Domain,
				"error_count": len(errs),
				"timestamp":   now.Unix(),
				"error_url":   latest.URL,
				"error_file":  baseName(latest.File),
				"url":         m.cfg.LogURL,
			},
			Actions: []notification.Action{
				{Action: "view_log", Title: "View log"},
				{Action: "dismiss", Title: "Dismiss"},
			},
		},
	}
}

// location describes where the latest error happened: the request URL when it has one,
// otherwise the source file.
func (m *ErrorMonitor) location(e Entry) string {
	if e.URL != "" {
		var out string
		u, err := url.Parse(e.URL)
		if err != nil {
			return ""
		}
		host := u.Hostname()
		if host == "" {
			host = m.cfg.Domain
		}
		if host != m.cfg.Domain {
			out = fmt.Sprintf(" (Domain: %s)", host)
		}
		if u.Path != "" && u.Path != "/" {
			out += " → " + u.Path
		}
		return out
	}
	if e.File != "" {
		return " → " + baseName(e.File)
	}
	return ""
}

func baseName(file string) string {
	if file == "" {
		return ""
	}
	return path.Base(file)
}

// Status summarizes the monitor for the admin API.
type Status struct {
	Enabled         bool      `json:"enabled"`
	Mode            string    `json:"mode"`
	LastCheck       time.Time `json:"last_check"`
	LastPush        time.Time `json:"last_push"`
	CooldownSeconds int       `json:"cooldown_seconds"`
	SubscriberCount int64     `json:"subscriber_count"`
}

// Status reports the persisted monitor state and how many backend subscribers would be notified.
func (m *ErrorMonitor) Status(ctx context.Context) (*Status, error) {
	var st errorState
	if _, err := m.store.LoadState(ctx, errorMonitorState, &st); err != nil {
		return nil, err
	}
	count, err := m.store.CountSubscriptions(ctx, model.AudienceBackend, SystemTopics)
	if err != nil {
		return nil, err
	}

	out := &Status{
		Enabled:         m.cfg.Enabled,
		Mode:            m.cfg.Mode,
		CooldownSeconds: int(m.cfg.Cooldown / time.Second),
		SubscriberCount: count,
	}
	if st.LastCheck > 0 {
		out.LastCheck = time.Unix(st.LastCheck, 0).UTC()
	}
	if st.LastPush > 0 {
		out.LastPush = time.Unix(st.LastPush, 0).UTC()
	}
	return out, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
