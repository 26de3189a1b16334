package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrFlushInProgress is returned by RunOnce when another replay cycle is
// already running in this process.
var ErrFlushInProgress = errors.New("flush already in progress")

// Flusher replays the queue in the background, periodically and on demand.
type Flusher struct {
	queue    *Queue
	replay   ReplayFunc
	interval time.Duration
	trigger  chan struct{}
	mu       sync.Mutex // held for the duration of one cycle

	// OnTick runs after every cycle started by Run (cache pruning hooks in
	// here). It may be nil.
	OnTick func(ctx context.Context)

	logger *slog.Logger
}

// NewFlusher creates a Flusher. An interval <= 0 disables periodic flushing;
// cycles then run only on Trigger.
func NewFlusher(q *Queue, replay ReplayFunc, interval time.Duration) *Flusher {
	return &Flusher{
		queue:    q,
		replay:   replay,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   slog.Default(),
	}
}

// Trigger schedules a cycle and returns immediately. Triggers that arrive
// while one is already scheduled are coalesced; the return value reports
// whether this call scheduled a new one.
func (f *Flusher) Trigger() bool {
	select {
	case f.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run processes triggers and ticks until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) {
	var tick <-chan time.Time
	if f.interval > 0 {
		t := time.NewTicker(f.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.trigger:
		case <-tick:
		}

		if _, err := f.RunOnce(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) {
			f.logger.Error("flush failed", "error", err)
		}
		if f.OnTick != nil {
			f.OnTick(ctx)
		}
	}
}

// RunOnce runs a single replay cycle in the calling goroutine.
func (f *Flusher) RunOnce(ctx context.Context) (ReplayStats, error) {
	if !f.mu.TryLock() {
		return ReplayStats{}, ErrFlushInProgress
	}
	defer f.mu.Unlock()

	stats, err := f.queue.ReplayAll(ctx, f.replay)
	if err != nil {
		return stats, err
	}
	if stats.Snapshot > 0 {
		f.logger.Info("flush finished",
			"pending", stats.Snapshot,
			"delivered", stats.Delivered,
			"stopped", stats.Stopped,
		)
	}
	return stats, nil
}
