package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/advisor/internal/query"
	"github.com/kalambet/advisor/internal/querylog"
	"github.com/kalambet/advisor/internal/queue"
)

// ErrInvalidFeedback is returned for feedback that fails validation.
var ErrInvalidFeedback = errors.New("invalid feedback")

// Feedback is a caller's rating of an earlier answer.
type Feedback struct {
	QuestionID string
	Rating     int
	Comment    string
}

// FeedbackAck confirms a recorded rating.
type FeedbackAck struct {
	Message    string `json:"message"`
	QuestionID string `json:"question_id"`
}

// Feedback validates and records fb. Ratings run from 1 to 5.
func (o *Orchestrator) Feedback(ctx context.Context, fb Feedback) (FeedbackAck, error) {
	fb.QuestionID = strings.TrimSpace(fb.QuestionID)
	if fb.QuestionID == "" {
		return FeedbackAck{}, fmt.Errorf("%w: question_id is required", ErrInvalidFeedback)
	}
	if fb.Rating < 1 || fb.Rating > 5 {
		return FeedbackAck{}, fmt.Errorf("%w: rating must be between 1 and 5, got %d", ErrInvalidFeedback, fb.Rating)
	}
	o.rec.LogFeedback(ctx, querylog.FeedbackRecord{
		QuestionID: fb.QuestionID,
		Rating:     fb.Rating,
		Comment:    fb.Comment,
	})
	return FeedbackAck{Message: "Feedback received", QuestionID: fb.QuestionID}, nil
}

// Status is a diagnostic snapshot. Counts are -1 when they could not be read.
type Status struct {
	Initialized     bool   `json:"initialized"`
	MockMode        bool   `json:"mock_mode"`
	Mode            Mode   `json:"mode"`
	Backend         string `json:"backend"`
	RemoteURL       string `json:"remote_url,omitempty"`
	CacheEntries    int    `json:"cache_entries"`
	PendingRequests int    `json:"pending_requests"`
}

// Status reports the operating mode and store sizes.
func (o *Orchestrator) Status(ctx context.Context) Status {
	s := Status{
		Initialized:     o.initialized.Load(),
		MockMode:        o.mode == ModeMock,
		Mode:            o.mode,
		Backend:         string(query.BackendMock),
		CacheEntries:    -1,
		PendingRequests: -1,
	}
	if o.mode == ModeRemote {
		s.Backend = string(query.BackendRemote)
		s.RemoteURL = o.remoteURL
	}

	if n, err := o.cache.Len(); err == nil {
		s.CacheEntries = n
	} else {
		o.logger.WarnContext(ctx, "counting cache entries failed", "error", err)
	}
	if o.queue != nil {
		if n, err := o.queue.Len(); err == nil {
			s.PendingRequests = n
		} else {
			o.logger.WarnContext(ctx, "counting pending requests failed", "error", err)
		}
	} else {
		s.PendingRequests = 0
	}
	return s
}

// RemoteURL is the configured inference service root, empty in mock mode.
func (o *Orchestrator) RemoteURL() string {
	if o.mode != ModeRemote {
		return ""
	}
	return o.remoteURL
}

// TriggerFlush schedules a background replay of queued requests and returns
// immediately. It reports false when no flusher is configured.
func (o *Orchestrator) TriggerFlush() bool {
	if o.flusher == nil {
		return false
	}
	o.flusher.Trigger()
	return true
}

// ReplayFunc adapts up into a queue.ReplayFunc. Delivered answers are written
// to rec because the original asker cannot be reached any more.
func ReplayFunc(up Upstream, rec Recorder) queue.ReplayFunc {
	return func(ctx context.Context, question string, limit int) error {
		res, err := up.Call(ctx, question, limit)
		if err != nil {
			return err
		}
		if rec != nil {
			rec.LogReplay(ctx, question, res.Answer, res.Backend)
		}
		return nil
	}
}
