package storage

import (
	"fmt"
	"time"
)

// EnqueuePending appends a request to the offline queue and returns the
// stored row. The row is committed when EnqueuePending returns.
func (s *Store) EnqueuePending(question string, limit int, at time.Time) (PendingRequest, error) {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	res, err := s.db.Exec(`
		INSERT INTO pending_requests (question, result_limit, enqueued_at) VALUES (?, ?, ?)`,
		question, limit, at.Format(timeLayout),
	)
	if err != nil {
		return PendingRequest{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return PendingRequest{}, fmt.Errorf("reading pending request id: %w", err)
	}
	return PendingRequest{ID: id, Question: question, ResultLimit: limit, EnqueuedAt: at}, nil
}

// ListPending returns queued requests oldest first. A limit of zero or less
// returns all of them.
func (s *Store) ListPending(limit int) ([]PendingRequest, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, question, result_limit, enqueued_at
		FROM pending_requests ORDER BY id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PendingRequest
	for rows.Next() {
		var p PendingRequest
		var enqueuedAt string
		if err := rows.Scan(&p.ID, &p.Question, &p.ResultLimit, &enqueuedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing enqueued_at for pending request %d: %w", p.ID, err)
		}
		p.EnqueuedAt = t
		results = append(results, p)
	}
	return results, rows.Err()
}

// DeletePending removes the request with the given id. Deleting a row that is
// already gone is not an error, so two flushers racing on the same row both
// succeed.
func (s *Store) DeletePending(id int64) error {
	_, err := s.db.Exec(`DELETE FROM pending_requests WHERE id = ?`, id)
	return err
}

// CountPending returns the number of queued requests.
func (s *Store) CountPending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_requests`).Scan(&n)
	return n, err
}
