// Package presence tracks which users are online. Liveness is derived from
// the last time a user was seen; nothing is removed on a timer except by the
// hard-timeout sweep.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"livesession/pkg/types"
)

var log = logrus.WithField("component", "presence")

// Recorder persists presence transitions. Failures are logged, never surfaced.
type Recorder interface {
	UpsertPresence(ctx context.Context, presence *types.UserPresence) error
}

// Config holds the expiry windows.
type Config struct {
	ActiveWindow    time.Duration
	HardTimeout     time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig matches the client heartbeat cadence of 30s.
func DefaultConfig() Config {
	return Config{
		ActiveWindow:    60 * time.Second,
		HardTimeout:     10 * time.Minute,
		CleanupInterval: 15 * time.Minute,
	}
}

// Registry is the single owner of presence state.
type Registry struct {
	backend  Backend
	recorder Recorder
	config   Config
	now      func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithRecorder mirrors transitions into durable storage.
func WithRecorder(r Recorder) Option {
	return func(reg *Registry) { reg.recorder = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) { reg.now = now }
}

func NewRegistry(backend Backend, config Config, opts ...Option) *Registry {
	r := &Registry{
		backend: backend,
		config:  config,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the windows in use.
func (r *Registry) Config() Config {
	return r.config
}

// SetOnline stamps userID as seen now. It reports whether the user was not
// considered online before the call.
func (r *Registry) SetOnline(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("%w: user id is required", types.ErrInvalidInput)
	}
	now := r.now()
	seen, ok, err := r.backend.LastSeen(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: presence lookup: %v", types.ErrUpstream, err)
	}
	if err := r.backend.Touch(ctx, userID, now); err != nil {
		return false, fmt.Errorf("%w: presence update: %v", types.ErrUpstream, err)
	}
	r.record(ctx, userID, types.PresenceOnline, now)
	return !ok || seen.Before(now.Add(-r.config.ActiveWindow)), nil
}

// Heartbeat renews userID's entry.
func (r *Registry) Heartbeat(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", types.ErrInvalidInput)
	}
	now := r.now()
	if err := r.backend.Touch(ctx, userID, now); err != nil {
		return fmt.Errorf("%w: presence heartbeat: %v", types.ErrUpstream, err)
	}
	r.record(ctx, userID, types.PresenceOnline, now)
	return nil
}

// SetOffline drops userID immediately.
func (r *Registry) SetOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", types.ErrInvalidInput)
	}
	if err := r.backend.Remove(ctx, userID); err != nil {
		return fmt.Errorf("%w: presence removal: %v", types.ErrUpstream, err)
	}
	r.record(ctx, userID, types.PresenceOffline, r.now())
	return nil
}

// ListOnline returns users seen within the active window, sorted.
func (r *Registry) ListOnline(ctx context.Context) ([]string, error) {
	ids, err := r.backend.ActiveSince(ctx, r.now().Add(-r.config.ActiveWindow))
	if err != nil {
		return nil, fmt.Errorf("%w: presence listing: %v", types.ErrUpstream, err)
	}
	return sortedCopy(ids), nil
}

// IsOnline reports whether userID was seen within the active window.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	seen, ok, err := r.backend.LastSeen(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: presence lookup: %v", types.ErrUpstream, err)
	}
	return ok && !seen.Before(r.now().Add(-r.config.ActiveWindow)), nil
}

// Cleanup removes entries older than the hard timeout.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	removed, err := r.backend.Prune(ctx, r.now().Add(-r.config.HardTimeout))
	if err != nil {
		return 0, fmt.Errorf("%w: presence cleanup: %v", types.ErrUpstream, err)
	}
	if removed > 0 {
		log.WithField("removed", removed).Info("Pruned abandoned presence entries")
	}
	return removed, nil
}

// Run sweeps every CleanupInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Cleanup(ctx); err != nil {
				log.WithError(err).Warn("Presence cleanup failed")
			}
		}
	}
}

func (r *Registry) record(ctx context.Context, userID, status string, at time.Time) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.UpsertPresence(ctx, &types.UserPresence{UserID: userID, Status: status, LastSeenAt: at.UTC()})
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Failed to record presence")
	}
}
