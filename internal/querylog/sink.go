// Package querylog appends question, feedback and error records to JSONL
// files for later review. Logging never fails a request: write errors are
// dropped.
package querylog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kalambet/advisor/internal/query"
)

const (
	QueryFile    = "query_log.jsonl"
	FeedbackFile = "feedback_log.jsonl"
	ErrorFile    = "error_log.jsonl"
)

// QueryRecord describes one answered question.
type QueryRecord struct {
	QuestionID       string
	Question         string
	Answer           string
	Sources          []query.Source
	Backend          query.Backend
	Translated       bool
	DetectedLanguage string
	FromCache        bool
	Shared           bool // answer computed once for concurrent identical asks
	DurationMS       int64
}

// FeedbackRecord is a caller's rating of an earlier answer.
type FeedbackRecord struct {
	QuestionID string
	Rating     int
	Comment    string
}

// Sink writes the three record streams.
type Sink struct {
	queries  *slog.Logger
	feedback *slog.Logger
	errors   *slog.Logger
	closers  []io.Closer
}

// New creates a Sink writing to the given writers. A nil writer discards
// that stream.
func New(queries, feedback, errors io.Writer) *Sink {
	return &Sink{
		queries:  newJSONLogger(queries),
		feedback: newJSONLogger(feedback),
		errors:   newJSONLogger(errors),
	}
}

// Open creates dir if needed and appends to the three log files inside it.
func Open(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	var files []*os.File
	for _, name := range []string{QueryFile, FeedbackFile, ErrorFile} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			for _, open := range files {
				open.Close()
			}
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		files = append(files, f)
	}

	s := New(files[0], files[1], files[2])
	for _, f := range files {
		s.closers = append(s.closers, f)
	}
	return s, nil
}

func newJSONLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// LogQuery records an answered question.
func (s *Sink) LogQuery(ctx context.Context, r QueryRecord) {
	sources := r.Sources
	if sources == nil {
		sources = []query.Source{}
	}
	s.queries.InfoContext(ctx, "query",
		"question_id", r.QuestionID,
		"question", r.Question,
		"answer", r.Answer,
		"sources", sources,
		"backend", string(r.Backend),
		"translated", r.Translated,
		"detected_language", r.DetectedLanguage,
		"from_cache", r.FromCache,
		"shared", r.Shared,
		"duration_ms", r.DurationMS,
	)
}

// LogReplay records an answer delivered by a queue flush. There is no caller
// left to receive it, so the log is where it lands.
func (s *Sink) LogReplay(ctx context.Context, question, answer string, backend query.Backend) {
	s.queries.InfoContext(ctx, "replay",
		"question", question,
		"answer", answer,
		"backend", string(backend),
	)
}

// LogFeedback records a rating.
func (s *Sink) LogFeedback(ctx context.Context, r FeedbackRecord) {
	s.feedback.InfoContext(ctx, "feedback",
		"question_id", r.QuestionID,
		"rating", r.Rating,
		"comment", r.Comment,
	)
}

// LogError records a fault that was turned into an error answer.
func (s *Sink) LogError(ctx context.Context, questionID string, err error) {
	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}
	s.errors.ErrorContext(ctx, "error",
		"question_id", questionID,
		"error", msg,
	)
}

// Close closes files opened by Open.
func (s *Sink) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
