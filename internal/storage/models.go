package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CacheEntry is one row of the response cache. Value holds the JSON encoding
// of a query result; the store does not interpret it.
type CacheEntry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// PendingRequest is a question that could not be answered because the
// upstream service was unreachable. Rows are never updated: they are created
// on enqueue and deleted after a successful replay.
type PendingRequest struct {
	ID          int64
	Question    string
	ResultLimit int
	EnqueuedAt  time.Time
}
