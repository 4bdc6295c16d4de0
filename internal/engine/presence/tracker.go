// Package presence publishes the local user's liveness and reads the
// liveness of others.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/clock"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

// DefaultInterval 心跳周期。
const DefaultInterval = 30 * time.Second

var ErrUserRequired = errors.New("presence: user id is required")

// Options 可选依赖。
type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Tracker owns one heartbeat loop. It is an explicit instance with Start/Stop
// rather than process-wide state, so independent views and tests never share
// a timer.
type Tracker struct {
	store    backend.PresenceStore
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger

	mu      sync.Mutex
	userID  string
	visible bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTracker(store backend.PresenceStore, opts Options) *Tracker {
	t := &Tracker{
		store:    store,
		interval: opts.Interval,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	if t.interval <= 0 {
		t.interval = DefaultInterval
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.log == nil {
		t.log = logger.With("presence")
	}
	return t
}

// Start writes an online heartbeat immediately and then every interval until
// Stop. Starting again for another user stops the previous loop first.
func (t *Tracker) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}

	t.mu.Lock()
	if t.cancel != nil && t.userID == userID {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.stopLoop()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	t.mu.Lock()
	t.userID = userID
	t.visible = true
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	t.beat(ctx, userID, true)

	ticker := t.clock.NewTicker(t.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.mu.Lock()
				visible := t.visible
				t.mu.Unlock()
				t.beat(loopCtx, userID, visible)
			}
		}
	}()
	return nil
}

// SetVisible writes the new state at once instead of waiting for the next tick.
func (t *Tracker) SetVisible(ctx context.Context, visible bool) {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return
	}
	t.visible = visible
	userID := t.userID
	t.mu.Unlock()

	t.beat(ctx, userID, visible)
}

// Stop ends the loop and makes a best-effort offline write. It is safe to call
// when not started.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	userID := t.userID
	running := t.cancel != nil
	t.mu.Unlock()
	if !running {
		return
	}

	t.stopLoop()
	t.beat(ctx, userID, false)
}

// Running reports whether a heartbeat loop is active.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Tracker) stopLoop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// beat swallows errors: the next tick retries.
func (t *Tracker) beat(ctx context.Context, userID string, online bool) {
	if err := t.store.UpsertPresence(ctx, userID, online, t.clock.Now()); err != nil {
		t.log.Warn("presence_heartbeat_failed", "user_id", userID, "online", online, "error", err)
	}
}

// IsOnline applies the freshness rule to the stored row. Missing rows and
// read failures count as offline.
func (t *Tracker) IsOnline(ctx context.Context, userID string) bool {
	p, ok := t.Lookup(ctx, userID)
	return ok && t.Online(p)
}

// Lookup returns the stored row of userID without judging freshness, so a
// caller holding it can re-evaluate later.
func (t *Tracker) Lookup(ctx context.Context, userID string) (chat.Presence, bool) {
	rows, err := t.store.QueryPresence(ctx, []string{userID})
	if err != nil {
		t.log.Warn("presence_query_failed", "count", 1, "error", err)
		return chat.Presence{}, false
	}
	p, ok := rows[userID]
	return p, ok
}

// GetOnlineStatus answers every id; ids without a row default to false.
func (t *Tracker) GetOnlineStatus(ctx context.Context, userIDs []string) map[string]bool {
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = false
	}
	rows, err := t.store.QueryPresence(ctx, userIDs)
	if err != nil {
		t.log.Warn("presence_query_failed", "count", len(userIDs), "error", err)
		return out
	}
	for id, p := range rows {
		if _, asked := out[id]; asked {
			out[id] = t.Online(p)
		}
	}
	return out
}

// Online applies the freshness rule to a pushed row.
func (t *Tracker) Online(p chat.Presence) bool {
	return p.EffectivelyOnline(t.clock.Now())
}
