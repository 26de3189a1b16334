package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/advisor/internal/cache"
	"github.com/kalambet/advisor/internal/fallback"
	"github.com/kalambet/advisor/internal/language"
	"github.com/kalambet/advisor/internal/query"
	"github.com/kalambet/advisor/internal/querylog"
	"github.com/kalambet/advisor/internal/queue"
	"github.com/kalambet/advisor/internal/storage"
	"github.com/kalambet/advisor/internal/upstream"
)

type mockUpstream struct {
	calls  atomic.Int32
	callFn func(ctx context.Context, question string, limit int) (query.Result, error)
}

func (m *mockUpstream) Call(ctx context.Context, question string, limit int) (query.Result, error) {
	m.calls.Add(1)
	return m.callFn(ctx, question, limit)
}

func unavailable(context.Context, string, int) (query.Result, error) {
	return query.Result{}, fmt.Errorf("%w: connection refused", upstream.ErrUnavailable)
}

type memRecorder struct {
	mu       sync.Mutex
	queries  []querylog.QueryRecord
	feedback []querylog.FeedbackRecord
	errs     []string
	replays  []string
}

func (r *memRecorder) LogQuery(_ context.Context, rec querylog.QueryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, rec)
}

func (r *memRecorder) LogFeedback(_ context.Context, rec querylog.FeedbackRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = append(r.feedback, rec)
}

func (r *memRecorder) LogError(_ context.Context, questionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, questionID+": "+err.Error())
}

func (r *memRecorder) LogReplay(_ context.Context, question, answer string, _ query.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replays = append(r.replays, question+" => "+answer)
}

type harness struct {
	orch  *Orchestrator
	store *storage.Store
	up    *mockUpstream
	rec   *memRecorder
}

func newHarness(t *testing.T, mode Mode, up *mockUpstream, tr language.Translator) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{store: s, up: up, rec: &memRecorder{}}
	d := Deps{
		Mode:      mode,
		RemoteURL: "http://ml.invalid",
		Cache:     cache.New(s),
		Queue:     queue.New(s, nil),
		Fallback:  fallback.NewProvider(),
		Language:  language.NewNormalizer(tr),
		Recorder:  h.rec,
	}
	if up != nil {
		d.Upstream = up
	}
	h.orch, err = New(d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) pending(t *testing.T) []storage.PendingRequest {
	t.Helper()
	p, err := h.store.ListPending(0)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	return p
}

func (h *harness) cacheSize(t *testing.T) int {
	t.Helper()
	n, err := h.store.CountCacheEntries()
	if err != nil {
		t.Fatalf("CountCacheEntries: %v", err)
	}
	return n
}

func TestNew_RequiresUpstreamInRemoteMode(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer s.Close()

	if _, err := New(Deps{Mode: ModeRemote, Cache: cache.New(s), Queue: queue.New(s, nil)}); err == nil {
		t.Error("New without upstream in remote mode should fail")
	}
	if _, err := New(Deps{Mode: ModeMock}); err == nil {
		t.Error("New without cache should fail")
	}
	if _, err := New(Deps{Mode: "hybrid", Cache: cache.New(s)}); err == nil {
		t.Error("New with unknown mode should fail")
	}
}

// Mock mode answers from the built-in corpus.
func TestAsk_MockMode(t *testing.T) {
	h := newHarness(t, ModeMock, nil, nil)

	resp := h.orch.Ask(context.Background(), query.Request{Question: "When should I plant teff?", Limit: 3})

	if resp.Result.Backend != query.BackendMock {
		t.Errorf("Backend = %q, want mock", resp.Result.Backend)
	}
	if !strings.Contains(resp.Result.Answer, "Teff is typically planted") {
		t.Errorf("Answer = %q, want the teff statement", resp.Result.Answer)
	}
	if len(resp.Result.Sources) != 0 {
		t.Errorf("Sources = %v, want none", resp.Result.Sources)
	}
	if resp.QuestionID == "" {
		t.Error("QuestionID is empty")
	}
	if len(h.rec.queries) != 1 || h.rec.queries[0].FromCache {
		t.Errorf("query log = %+v, want one uncached record", h.rec.queries)
	}
}

// Ge'ez question with the remote down: queued, answered with the offline
// stub, and nothing cached.
func TestAsk_GeezQuestionUpstreamDown(t *testing.T) {
	up := &mockUpstream{callFn: unavailable}
	h := newHarness(t, ModeRemote, up, nil)

	resp := h.orch.Ask(context.Background(), query.Request{Question: "ጤፍ መቼ ይዘራል?", Limit: 3})

	if resp.Result.Backend != query.BackendRemoteOffline {
		t.Errorf("Backend = %q, want remote-offline", resp.Result.Backend)
	}
	if resp.Result.Answer != OfflineAnswer {
		t.Errorf("Answer = %q, want offline stub", resp.Result.Answer)
	}
	if resp.DetectedLanguage != language.Amharic || !resp.Translated {
		t.Errorf("language = %q translated = %v, want am/true", resp.DetectedLanguage, resp.Translated)
	}
	if got := h.pending(t); len(got) != 1 || got[0].ResultLimit != 3 {
		t.Errorf("pending = %+v, want one entry with limit 3", got)
	}
	if n := h.cacheSize(t); n != 0 {
		t.Errorf("cache entries = %d, want 0", n)
	}

	// A second ask is not served from cache and queues again.
	resp2 := h.orch.Ask(context.Background(), query.Request{Question: "ጤፍ መቼ ይዘራል?", Limit: 3})
	if resp2.FromCache {
		t.Error("offline stub was served from cache")
	}
	if got := len(h.pending(t)); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
}

// A source with empty metadata is passed through unchanged.
func TestAsk_EmptyMetadataPreserved(t *testing.T) {
	up := &mockUpstream{callFn: func(context.Context, string, int) (query.Result, error) {
		return query.Result{
			Answer:  "Plant in June.",
			Backend: query.BackendRemote,
			Sources: []query.Source{{Text: "doc", Metadata: map[string]any{}}},
		}, nil
	}}
	h := newHarness(t, ModeRemote, up, nil)

	resp := h.orch.Ask(context.Background(), query.Request{Question: "teff?", Limit: 2})

	if resp.Result.Answer != "Plant in June." {
		t.Errorf("Answer = %q", resp.Result.Answer)
	}
	if len(resp.Result.Sources) != 1 {
		t.Fatalf("Sources = %v", resp.Result.Sources)
	}
	md := resp.Result.Sources[0].Metadata
	if md == nil || len(md) != 0 {
		t.Errorf("Metadata = %v, want empty map", md)
	}
}

func TestAsk_Idempotent(t *testing.T) {
	up := &mockUpstream{callFn: func(context.Context, string, int) (query.Result, error) {
		return query.Result{
			Answer:  "Use nitrogen.",
			Backend: query.BackendRemote,
			Sources: []query.Source{{Text: "maize guide", Metadata: map[string]any{"page": 2}}},
		}, nil
	}}
	h := newHarness(t, ModeRemote, up, nil)
	req := query.Request{Question: "maize?", Limit: 3}

	first := h.orch.Ask(context.Background(), req)
	second := h.orch.Ask(context.Background(), req)

	if !second.FromCache {
		t.Error("second ask was not served from cache")
	}
	if up.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls.Load())
	}
	if first.Result.Answer != second.Result.Answer || first.Result.Backend != second.Result.Backend {
		t.Errorf("responses differ: %+v vs %+v", first.Result, second.Result)
	}
	if len(second.Result.Sources) != 1 || second.Result.Sources[0].Text != "maize guide" {
		t.Errorf("cached sources = %v", second.Result.Sources)
	}
	if first.QuestionID == second.QuestionID {
		t.Error("question ids should be unique per ask")
	}
}

func TestAsk_GroundednessRefusal(t *testing.T) {
	for _, backend := range []query.Backend{query.BackendRemote, query.BackendRemoteRaw} {
		t.Run(string(backend), func(t *testing.T) {
			up := &mockUpstream{callFn: func(context.Context, string, int) (query.Result, error) {
				return query.Result{Answer: "made up", Backend: backend, Sources: []query.Source{}}, nil
			}}
			h := newHarness(t, ModeRemote, up, nil)

			resp := h.orch.Ask(context.Background(), query.Request{Question: "coffee?", Limit: 3})
			if resp.Result.Answer != RefusalAnswer {
				t.Errorf("Answer = %q, want refusal", resp.Result.Answer)
			}
			if resp.Result.Backend != backend {
				t.Errorf("Backend = %q, want %q", resp.Result.Backend, backend)
			}
		})
	}
}

func TestAsk_LimitClampedBeforeUpstream(t *testing.T) {
	var gotLimit atomic.Int32
	up := &mockUpstream{callFn: func(_ context.Context, _ string, limit int) (query.Result, error) {
		gotLimit.Store(int32(limit))
		return query.Result{Answer: "a", Backend: query.BackendRemote, Sources: []query.Source{{Text: "s"}}}, nil
	}}
	h := newHarness(t, ModeRemote, up, nil)

	h.orch.Ask(context.Background(), query.Request{Question: "q", Limit: 99})
	if gotLimit.Load() != query.MaxLimit {
		t.Errorf("upstream limit = %d, want %d", gotLimit.Load(), query.MaxLimit)
	}
}

type bracketTranslator struct{ failBack bool }

func (b bracketTranslator) Translate(_ context.Context, text string, from, to language.Code) (string, error) {
	if b.failBack && to != language.English {
		return "", errors.New("no model")
	}
	return fmt.Sprintf("<%s:%s>", to, text), nil
}

func TestAsk_TranslatesQuestionAndAnswer(t *testing.T) {
	var gotQuestion atomic.Value
	up := &mockUpstream{callFn: func(_ context.Context, question string, _ int) (query.Result, error) {
		gotQuestion.Store(question)
		return query.Result{Answer: "June", Backend: query.BackendRemote, Sources: []query.Source{{Text: "s"}}}, nil
	}}
	h := newHarness(t, ModeRemote, up, bracketTranslator{})

	resp := h.orch.Ask(context.Background(), query.Request{Question: "ጤፍ", Limit: 3})

	if q := gotQuestion.Load(); q != "<en:ጤፍ>" {
		t.Errorf("upstream question = %v, want translated question only", q)
	}
	if strings.Contains(gotQuestion.Load().(string), "agricultural advisory assistant") {
		t.Error("system prompt leaked into the retrieval question")
	}
	if resp.Result.Answer != "<am:June>" {
		t.Errorf("Answer = %q, want back-translated", resp.Result.Answer)
	}
}

func TestAsk_TranslationFailureIsErrorResult(t *testing.T) {
	up := &mockUpstream{callFn: func(context.Context, string, int) (query.Result, error) {
		return query.Result{Answer: "June", Backend: query.BackendRemote, Sources: []query.Source{{Text: "s"}}}, nil
	}}
	h := newHarness(t, ModeRemote, up, bracketTranslator{failBack: true})

	resp := h.orch.Ask(context.Background(), query.Request{Question: "ጤፍ", Limit: 3})

	if resp.Result.Backend != query.BackendError {
		t.Errorf("Backend = %q, want error", resp.Result.Backend)
	}
	if resp.Result.Sources == nil {
		t.Error("Sources is nil, want empty list")
	}
	if len(h.rec.errs) != 1 || !strings.HasPrefix(h.rec.errs[0], resp.QuestionID) {
		t.Errorf("error log = %v, want one record for %s", h.rec.errs, resp.QuestionID)
	}
	if n := h.cacheSize(t); n != 0 {
		t.Errorf("cache entries = %d, want 0", n)
	}
}

func TestAsk_PanicBecomesErrorResult(t *testing.T) {
	up := &mockUpstream{callFn: func(context.Context, string, int) (query.Result, error) {
		panic("nil map write")
	}}
	h := newHarness(t, ModeRemote, up, nil)

	resp := h.orch.Ask(context.Background(), query.Request{Question: "q", Limit: 3})

	if resp.Result.Backend != query.BackendError || resp.Result.Answer != ErrorAnswer {
		t.Errorf("Result = %+v, want error result", resp.Result)
	}
	if len(h.rec.errs) != 1 {
		t.Errorf("error log = %v, want one record", h.rec.errs)
	}
}

func TestAsk_UnexpectedUpstreamErrorNotQueued(t *testing.T) {
	up := &mockUpstream{callFn: func(context.Context, string, int) (query.Result, error) {
		return query.Result{}, errors.New("marshaling request: bad")
	}}
	h := newHarness(t, ModeRemote, up, nil)

	resp := h.orch.Ask(context.Background(), query.Request{Question: "q", Limit: 3})
	if resp.Result.Backend != query.BackendError {
		t.Errorf("Backend = %q, want error", resp.Result.Backend)
	}
	if got := len(h.pending(t)); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestAsk_ConcurrentIdenticalQuestionsShareOneCall(t *testing.T) {
	release := make(chan struct{})
	up := &mockUpstream{callFn: func(context.Context, string, int) (query.Result, error) {
		<-release
		return query.Result{Answer: "a", Backend: query.BackendRemote, Sources: []query.Source{{Text: "s"}}}, nil
	}}
	h := newHarness(t, ModeRemote, up, nil)

	const n = 8
	var wg sync.WaitGroup
	results := make([]Response, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.orch.Ask(context.Background(), query.Request{Question: "same", Limit: 3})
		}()
	}
	for up.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if up.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls.Load())
	}
	ids := map[string]bool{}
	for _, r := range results {
		if r.Result.Answer != "a" {
			t.Errorf("Answer = %q, want a", r.Result.Answer)
		}
		ids[r.QuestionID] = true
	}
	if len(ids) != n {
		t.Errorf("got %d distinct question ids, want %d", len(ids), n)
	}
	if len(h.rec.queries) != n {
		t.Errorf("query log has %d records, want %d", len(h.rec.queries), n)
	}
}
