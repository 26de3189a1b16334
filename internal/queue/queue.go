// Package queue persists questions that could not be answered while the
// inference service was down and replays them once it is back.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/advisor/internal/metrics"
	"github.com/kalambet/advisor/internal/storage"
)

// Store is the persistence the queue needs.
type Store interface {
	EnqueuePending(question string, limit int, at time.Time) (storage.PendingRequest, error)
	ListPending(limit int) ([]storage.PendingRequest, error)
	DeletePending(id int64) error
	CountPending() (int, error)
}

// ReplayFunc delivers one queued request. A nil error means the request was
// answered and may be removed from the queue.
type ReplayFunc func(ctx context.Context, question string, limit int) error

// ReplayStats summarizes one replay cycle.
type ReplayStats struct {
	Snapshot  int // entries pending when the cycle started
	Delivered int
	// Stopped is set when the cycle ended early on a failed delivery or a
	// cancelled context.
	Stopped bool
}

// Queue is a durable FIFO of pending requests.
type Queue struct {
	store   Store
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Queue backed by store. m may be nil.
func New(store Store, m *metrics.Metrics) *Queue {
	return &Queue{
		store:   store,
		now:     time.Now,
		metrics: m,
		logger:  slog.Default(),
	}
}

// Enqueue appends a request. The entry is durable when Enqueue returns.
func (q *Queue) Enqueue(question string, limit int) (storage.PendingRequest, error) {
	p, err := q.store.EnqueuePending(question, limit, q.now())
	if err != nil {
		return storage.PendingRequest{}, fmt.Errorf("enqueueing request: %w", err)
	}
	q.metrics.Enqueued()
	q.logger.Info("request queued", "pending_id", p.ID)
	return p, nil
}

// ReplayAll attempts every entry pending at call time, oldest first. An
// entry is deleted only after fn succeeds for it. The first failure stops the
// cycle so later entries are never delivered ahead of an earlier one.
// Entries enqueued during the cycle wait for the next one.
func (q *Queue) ReplayAll(ctx context.Context, fn ReplayFunc) (ReplayStats, error) {
	pending, err := q.store.ListPending(0)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("listing pending requests: %w", err)
	}

	stats := ReplayStats{Snapshot: len(pending)}
	defer func() { q.metrics.SetQueueDepth(stats.Snapshot - stats.Delivered) }()

	for _, p := range pending {
		if ctx.Err() != nil {
			stats.Stopped = true
			return stats, nil
		}
		if err := fn(ctx, p.Question, p.ResultLimit); err != nil {
			q.metrics.Replay(false)
			q.logger.Warn("replay failed, stopping flush", "pending_id", p.ID, "error", err)
			stats.Stopped = true
			return stats, nil
		}
		q.metrics.Replay(true)
		if err := q.store.DeletePending(p.ID); err != nil {
			// Delivered but still queued; it will be replayed again next cycle.
			return stats, fmt.Errorf("deleting pending request %d: %w", p.ID, err)
		}
		stats.Delivered++
	}
	return stats, nil
}

// Len returns the number of pending requests.
func (q *Queue) Len() (int, error) {
	return q.store.CountPending()
}
