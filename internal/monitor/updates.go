package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pushit-backend/config"
	"pushit-backend/internal/dispatch"
	"pushit-backend/internal/metrics"
	"pushit-backend/internal/model"
	"pushit-backend/internal/notification"
	"pushit-backend/internal/store"
)

const (
	updateWatcherState  = "update_watcher"
	updateCheckInterval = 30 * time.Minute
	firstRunTailBytes   = 10 * 1024

	// Notified keys older than this are dropped when the state is written.
	notifiedRetention = 90 * 24 * time.Hour
)

var addonUpdatePattern = regexp.MustCompile(`(?i)AddOn\s+(\w+)\s+updated\s+from\s+([\d.]+)\s+to\s+version\s+([\d.]+)`)

type updateState struct {
	LastCheck   int64            `json:"last_check_time"`
	LastLogSize int64            `json:"last_log_size"`
	Notified    map[string]int64 `json:"notified"`
}

// AddonUpdate is one "AddOn X updated from A to version B" log message.
type AddonUpdate struct {
	Name       string `json:"name"`
	OldVersion string `json:"old_version"`
	NewVersion string `json:"new_version"`
}

func (u AddonUpdate) key() string {
	return u.Name + "_" + u.NewVersion
}

// UpdateResult reports what one update check did.
type UpdateResult struct {
	Status   string        `json:"status"`
	Notified []AddonUpdate `json:"notified,omitempty"`
}

// UpdateWatcher notifies backend subscribers once per add-on version installed.
type UpdateWatcher struct {
	cfg        config.MonitorConfig
	store      store.Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics

	mu  sync.Mutex
	now func() time.Time
}

// NewUpdateWatcher creates an UpdateWatcher over cfg.LogPath. m may be nil.
func NewUpdateWatcher(cfg config.MonitorConfig, st store.Store, dispatcher Dispatcher, m *metrics.Metrics) *UpdateWatcher {
	return &UpdateWatcher{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		metrics:    m,
		now:        time.Now,
	}
}

// Check reads the log written since the previous check and notifies new add-on updates.
// It does nothing when run again within 30 minutes.
func (w *UpdateWatcher) Check(ctx context.Context) (*UpdateResult, error) {
	if !w.cfg.UpdateWatcherEnabled {
		return &UpdateResult{Status: StatusDisabled}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	res, err := w.checkLocked(ctx)
	if w.metrics != nil {
		status := "error"
		if res != nil {
			status = res.Status
		}
		w.metrics.MonitorChecks.WithLabelValues(updateWatcherState, status).Inc()
	}
	return res, err
}

func (w *UpdateWatcher) checkLocked(ctx context.Context) (*UpdateResult, error) {
	now := w.now()

	var st updateState
	version, err := w.store.LoadState(ctx, updateWatcherState, &st)
	if err != nil {
		return nil, err
	}
	if now.Sub(time.Unix(st.LastCheck, 0)) < updateCheckInterval {
		return &UpdateResult{Status: StatusThrottled}, nil
	}
	if st.Notified == nil {
		st.Notified = make(map[string]int64)
	}
	st.LastCheck = now.Unix()

	content, size, err := readAppended(w.cfg.LogPath, st.LastLogSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read system log: %w", err)
	}
	st.LastLogSize = size

	var fresh []AddonUpdate
	for _, m := range addonUpdatePattern.FindAllStringSubmatch(content, -1) {
		u := AddonUpdate{Name: m[1], OldVersion: m[2], NewVersion: m[3]}
		if _, done := st.Notified[u.key()]; done {
			continue
		}
		st.Notified[u.key()] = now.Unix()
		fresh = append(fresh, u)
	}
	pruneNotified(st.Notified, now.Add(-notifiedRetention).Unix())

	ok, err := w.store.CompareAndSwapState(ctx, updateWatcherState, version, st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &UpdateResult{Status: StatusContended}, nil
	}
	version++
	if len(fresh) == 0 {
		return &UpdateResult{Status: StatusNoErrors}, nil
	}

	var notified []AddonUpdate
	var failed bool
	for _, u := range fresh {
		if _, err := w.dispatcher.Dispatch(ctx, w.buildRequest(u, now)); err != nil {
			log.Error().Err(err).Str("addon", u.Name).Str("version", u.NewVersion).Msg("failed to send add-on update notification")
			delete(st.Notified, u.key())
			failed = true
			continue
		}
		notified = append(notified, u)
	}
	if failed {
		if _, err := w.store.CompareAndSwapState(ctx, updateWatcherState, version, st); err != nil {
			log.Error().Err(err).Msg("failed to release unsent add-on updates")
		}
	}

	if w.metrics != nil && len(notified) > 0 {
		w.metrics.MonitorPushes.WithLabelValues(updateWatcherState).Add(float64(len(notified)))
	}
	return &UpdateResult{Status: StatusDispatched, Notified: notified}, nil
}

func pruneNotified(notified map[string]int64, cutoff int64) {
	for key, at := range notified {
		if at < cutoff {
			delete(notified, key)
		}
	}
}

func (w *UpdateWatcher) buildRequest(u AddonUpdate, now time.Time) dispatch.Request {
	return dispatch.Request{
		Title:    fmt.Sprintf("AddOn update: %s", u.Name),
		Body:     fmt.Sprintf("AddOn '%s' was updated from version %s to %s.", u.Name, u.OldVersion, u.NewVersion),
		Audience: model.AudienceBackend,
		Topics:   SystemTopics,
		Options: notification.Options{
			Icon:  w.cfg.Icon,
			Badge: w.cfg.Icon,
			Tag:   "addon-update-" + u.key(),
			Data: map[string]interface{}{
				"type":        "addon_update",
				"addon":       u.Name,
				"old_version": u.OldVersion,
				"new_version": u.NewVersion,
				"timestamp":   now.Unix(),
			},
		},
	}
}

// readAppended returns the bytes written to path after offset. With no offset, or when the
// file shrank because it was rotated, only the last 10 KiB are read.
func readAppended(path string, offset int64) (string, int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	size := info.Size()
	if size == offset {
		return "", size, nil
	}

	start := offset
	if offset <= 0 || size < offset {
		start = size - firstRunTailBytes
		if start < 0 {
			start = 0
		}
	}

	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
		return "", 0, err
	}
	return string(buf), size, nil
}
