// Package orchestrator answers questions end to end: cache lookup, language
// normalization, the upstream call with its offline and mock fallbacks,
// groundedness enforcement, caching and logging.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/advisor/internal/fallback"
	"github.com/kalambet/advisor/internal/language"
	"github.com/kalambet/advisor/internal/metrics"
	"github.com/kalambet/advisor/internal/query"
	"github.com/kalambet/advisor/internal/querylog"
	"github.com/kalambet/advisor/internal/storage"
	"github.com/kalambet/advisor/internal/upstream"
)

// SystemPrompt is the fixed instruction set for the generation model. It is
// never translated and never embedded together with the user's question.
const SystemPrompt = "You are an agricultural advisory assistant for Ethiopian farmers.\n" +
	"Rules:\n" +
	"- Answer clearly and directly.\n" +
	"- Use only the provided context.\n" +
	"- If the context does not contain the answer, say: \"" + RefusalAnswer + "\"\n" +
	"- Summarize in simple, practical language instead of copying sentences.\n" +
	"- If the user asks in Amharic or Tigrinya, answer in the same language.\n" +
	"- Prefer planting time, season and months when applicable.\n"

const (
	RefusalAnswer = "I could not find this information in the documents."
	OfflineAnswer = "ML service is offline. Your question has been queued."
	ErrorAnswer   = "ML service error or internal error. Please try again later."
)

// Mode selects where answers come from.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeMock   Mode = "mock"
)

// Upstream answers questions remotely. Errors wrapping
// upstream.ErrUnavailable mean the request should be queued.
type Upstream interface {
	Call(ctx context.Context, question string, limit int) (query.Result, error)
}

type ResponseCache interface {
	Get(fp query.Fingerprint) (query.Result, bool)
	Set(fp query.Fingerprint, res query.Result) error
	Len() (int, error)
}

type OfflineQueue interface {
	Enqueue(question string, limit int) (storage.PendingRequest, error)
	Len() (int, error)
}

type DegradedProvider interface {
	Answer(limit int) query.Result
}

type Normalizer interface {
	Detect(text string) language.Code
	ToWorking(ctx context.Context, text string, lang language.Code) (string, bool, error)
	FromWorking(ctx context.Context, text string, lang language.Code) (string, error)
}

// Recorder is the persistent record of questions, ratings and faults.
type Recorder interface {
	LogQuery(ctx context.Context, r querylog.QueryRecord)
	LogFeedback(ctx context.Context, r querylog.FeedbackRecord)
	LogError(ctx context.Context, questionID string, err error)
	LogReplay(ctx context.Context, question, answer string, backend query.Backend)
}

// Flusher schedules a background replay of the offline queue.
type Flusher interface {
	Trigger() bool
}

// Deps are the collaborators of an Orchestrator. Upstream and Queue are
// required in remote mode; Cache is always required. The rest default to
// the built-in implementations.
type Deps struct {
	Mode      Mode
	RemoteURL string
	Upstream  Upstream
	Cache     ResponseCache
	Queue     OfflineQueue
	Fallback  DegradedProvider
	Language  Normalizer
	Recorder  Recorder
	Flusher   Flusher
	Metrics   *metrics.Metrics
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	mode        Mode
	remoteURL   string
	upstream    Upstream
	cache       ResponseCache
	queue       OfflineQueue
	fallback    DegradedProvider
	lang        Normalizer
	rec         Recorder
	flusher     Flusher
	metrics     *metrics.Metrics
	flight      singleflight.Group
	initialized atomic.Bool
	tracer      trace.Tracer
	logger      *slog.Logger
}

// New validates d and builds an Orchestrator.
func New(d Deps) (*Orchestrator, error) {
	switch d.Mode {
	case ModeRemote:
		if d.Upstream == nil {
			return nil, errors.New("remote mode requires an upstream client")
		}
		if d.Queue == nil {
			return nil, errors.New("remote mode requires an offline queue")
		}
	case ModeMock:
	default:
		return nil, fmt.Errorf("unknown mode %q", d.Mode)
	}
	if d.Cache == nil {
		return nil, errors.New("response cache is required")
	}
	if d.Fallback == nil {
		d.Fallback = fallback.NewProvider()
	}
	if d.Language == nil {
		d.Language = language.NewNormalizer(nil)
	}
	if d.Recorder == nil {
		d.Recorder = querylog.New(nil, nil, nil)
	}

	o := &Orchestrator{
		mode:      d.Mode,
		remoteURL: d.RemoteURL,
		upstream:  d.Upstream,
		cache:     d.Cache,
		queue:     d.Queue,
		fallback:  d.Fallback,
		lang:      d.Language,
		rec:       d.Recorder,
		flusher:   d.Flusher,
		metrics:   d.Metrics,
		tracer:    otel.Tracer("github.com/kalambet/advisor/internal/orchestrator"),
		logger:    slog.Default(),
	}
	o.initialized.Store(true)
	return o, nil
}

// Mode reports where answers come from.
func (o *Orchestrator) Mode() Mode { return o.mode }

// Response is the outcome of Ask.
type Response struct {
	Result           query.Result
	QuestionID       string
	FromCache        bool
	Translated       bool
	DetectedLanguage language.Code
}

// answered is what one (possibly shared) computation produces.
type answered struct {
	result     query.Result
	lang       language.Code
	translated bool
	err        error // fault behind an error result, logged per caller
}

// Ask answers req. It never fails and never panics: every path yields a
// well-formed result, with backend "error" standing in for internal faults.
func (o *Orchestrator) Ask(ctx context.Context, req query.Request) (resp Response) {
	start := time.Now()
	resp.QuestionID = uuid.NewString()
	resp.DetectedLanguage = language.English

	ctx, span := o.tracer.Start(ctx, "orchestrator.Ask")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			resp.Result = errorResult()
			resp.FromCache = false
			o.fault(ctx, span, resp.QuestionID, fmt.Errorf("panic: %v", r))
		}
		span.SetAttributes(
			attribute.String("advisor.backend", string(resp.Result.Backend)),
			attribute.Bool("advisor.from_cache", resp.FromCache),
		)
		o.metrics.ObserveRequest(string(resp.Result.Backend), resp.FromCache, time.Since(start))
	}()

	fp := query.FingerprintOf(req)

	if res, ok := o.cache.Get(fp); ok {
		resp.Result = res
		resp.FromCache = true
		o.record(ctx, resp, fp.Question, false, start)
		return resp
	}

	v, _, shared := o.flight.Do(fp.Key(), func() (any, error) {
		// Shared by every concurrent caller, so one caller going away must
		// not cancel the others' answer.
		return o.answer(context.WithoutCancel(ctx), fp), nil
	})
	a := v.(answered)

	resp.Result = a.result
	resp.Translated = a.translated
	resp.DetectedLanguage = a.lang
	if a.err != nil {
		o.fault(ctx, span, resp.QuestionID, a.err)
	}
	o.record(ctx, resp, fp.Question, shared, start)
	return resp
}

// answer computes a fresh result for fp and caches it when allowed.
func (o *Orchestrator) answer(ctx context.Context, fp query.Fingerprint) (a answered) {
	defer func() {
		if r := recover(); r != nil {
			a = answered{result: errorResult(), lang: a.lang, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	a.lang = o.lang.Detect(fp.Question)
	question, translated, err := o.lang.ToWorking(ctx, fp.Question, a.lang)
	if err != nil {
		return answered{result: errorResult(), lang: a.lang, err: err}
	}
	a.translated = translated

	var res query.Result
	switch o.mode {
	case ModeRemote:
		res, err = o.upstream.Call(ctx, question, fp.Limit)
		if errors.Is(err, upstream.ErrUnavailable) {
			if _, qerr := o.queue.Enqueue(question, fp.Limit); qerr != nil {
				a.result, a.err = errorResult(), fmt.Errorf("queueing after upstream failure: %w", qerr)
				return a
			}
			a.result = offlineResult()
			return a
		}
		if err != nil {
			a.result, a.err = errorResult(), fmt.Errorf("calling upstream: %w", err)
			return a
		}
	default:
		res = o.fallback.Answer(fp.Limit)
	}

	if res.Sources == nil {
		res.Sources = []query.Source{}
	}
	// Canned mock advisories carry no sources by construction and are exempt.
	if res.Backend.Upstream() && len(res.Sources) == 0 {
		res.Answer = RefusalAnswer
	}

	if translated && res.Answer != "" {
		local, err := o.lang.FromWorking(ctx, res.Answer, a.lang)
		if err != nil {
			a.result, a.err = errorResult(), err
			return a
		}
		res.Answer = local
	}

	if err := o.cache.Set(fp, res); err != nil {
		o.logger.WarnContext(ctx, "caching answer failed", "error", err)
	}
	a.result = res
	return a
}

func (o *Orchestrator) record(ctx context.Context, resp Response, question string, shared bool, start time.Time) {
	o.rec.LogQuery(ctx, querylog.QueryRecord{
		QuestionID:       resp.QuestionID,
		Question:         question,
		Answer:           resp.Result.Answer,
		Sources:          resp.Result.Sources,
		Backend:          resp.Result.Backend,
		Translated:       resp.Translated,
		DetectedLanguage: string(resp.DetectedLanguage),
		FromCache:        resp.FromCache,
		Shared:           shared,
		DurationMS:       time.Since(start).Milliseconds(),
	})
}

func (o *Orchestrator) fault(ctx context.Context, span trace.Span, questionID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "internal fault")
	o.logger.ErrorContext(ctx, "question failed", "question_id", questionID, "error", err)
	o.rec.LogError(ctx, questionID, err)
}

func errorResult() query.Result {
	return query.Result{Answer: ErrorAnswer, Backend: query.BackendError, Sources: []query.Source{}}
}

func offlineResult() query.Result {
	return query.Result{Answer: OfflineAnswer, Backend: query.BackendRemoteOffline, Sources: []query.Source{}}
}
