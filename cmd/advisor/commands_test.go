package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/advisor/internal/config"
	"github.com/kalambet/advisor/internal/orchestrator"
	"github.com/kalambet/advisor/internal/query"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAskCommand_PostsQuestion(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ask": `{"answer":"Plant teff in June.","backend":"remote","sources":[{"text":"Teff is sown in June.","metadata":{"page":3}}],"question_id":"q-1","answer_local":null}`,
	})

	answer, err := ts.client().ask(ctx, askRequest{Question: "When to plant teff?", K: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Backend != query.BackendRemote || answer.QuestionID != "q-1" {
		t.Errorf("answer = %+v", answer)
	}
	if len(answer.Sources) != 1 || answer.Sources[0].Metadata["page"] != float64(3) {
		t.Errorf("sources = %+v", answer.Sources)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/ask" {
		t.Errorf("request = %s %s, want POST /ask", r.Method, r.Path)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["question"] != "When to plant teff?" || body["k"] != float64(2) || body["translate_local"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestFeedbackCommand_Body(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /feedback": `{"message":"Feedback received","question_id":"q-9"}`,
	})

	resp, err := ts.client().post(ctx, "/feedback", map[string]any{
		"question_id": "q-9",
		"rating":      4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ack orchestrator.FeedbackAck
	if err := decodeJSON(resp, &ack); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if ack.QuestionID != "q-9" {
		t.Errorf("question_id = %q, want q-9", ack.QuestionID)
	}
	if !strings.Contains(ts.requests[0].Body, `"rating":4`) {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestFlushCommand_SendsToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /debug/flush_queue": `{"ok":true,"msg":"Flush scheduled"}`,
	})
	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.post(ctx, "/debug/flush_queue", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	r := ts.requests[0]
	if r.Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", r.Auth)
	}
	if r.Body != "" {
		t.Errorf("body = %q, want empty", r.Body)
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"healthy"}`})
	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"healthy","ml_online":true,"remote_url":"http://ml.local"}`,
	})

	if !reportServer(ctx, ts.client(), 8000) {
		t.Error("reportServer = false for a healthy server")
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
	if reportServer(ctx, client, 8000) {
		t.Error("reportServer = true for a stopped server")
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"error":{"message":"question is required","type":"invalid_request_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	_, err := client.ask(ctx, askRequest{})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "question is required") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPrintAnswer(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	local := "ጤፍ በሰኔ ይዘራል።"
	var buf bytes.Buffer
	printAnswer(&buf, askResponse{
		Answer:      "Plant teff in June.",
		Backend:     query.BackendRemote,
		QuestionID:  "q-1",
		AnswerLocal: &local,
		Sources: []query.Source{
			{Text: "Teff   is sown\nin June.", Metadata: map[string]any{}},
			{Text: strings.Repeat("x", 200)},
		},
	})

	out := buf.String()
	for _, want := range []string{
		"Plant teff in June.",
		local,
		"backend: remote",
		"question_id: q-1",
		"[1] Teff is sown in June.",
		"[2] " + strings.Repeat("x", 120) + "...",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBackendColor(t *testing.T) {
	if backendColor(query.BackendRemote) != colorGreen {
		t.Error("remote answers should be green")
	}
	if backendColor(query.BackendRemoteOffline) != colorYellow {
		t.Error("offline stubs should be yellow")
	}
	if backendColor(query.BackendError) != colorRed {
		t.Error("errors should be red")
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{5, "5"},
		{0, "0"},
		{-1, "unknown"},
	}
	for _, tt := range tests {
		if got := countLabel(tt.n); got != tt.want {
			t.Errorf("countLabel(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after remove")
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	var cfg config.Config
	cfg.Server.Port = 8000
	cfg.Storage.DataDir = dir
	cfg.Log.Dir = filepath.Join(dir, "logs")
	cfg.Upstream.Timeout = time.Second
	cfg.Upstream.MaxAttempts = 1
	return cfg
}

func TestBuildApp_MockMode(t *testing.T) {
	a, err := buildApp(testConfig(t))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	if a.orch.Mode() != orchestrator.ModeMock {
		t.Errorf("mode = %q, want mock", a.orch.Mode())
	}
	if a.client != nil || a.flusher != nil || a.previewer() != nil {
		t.Error("mock mode should not build remote components")
	}

	resp := a.orch.Ask(ctx, query.Request{Question: "When should I plant teff?", Limit: 1})
	if resp.Result.Backend != query.BackendMock {
		t.Errorf("backend = %q, want mock", resp.Result.Backend)
	}
}

func TestBuildApp_RemoteModeQueuesWhenOffline(t *testing.T) {
	ml := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ml.Close()

	cfg := testConfig(t)
	cfg.Upstream.URL = ml.URL
	a, err := buildApp(cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	if a.orch.Mode() != orchestrator.ModeRemote || a.flusher == nil || a.previewer() == nil {
		t.Fatal("remote mode should build client, queue and flusher")
	}

	resp := a.orch.Ask(ctx, query.Request{Question: "teff"})
	if resp.Result.Backend != query.BackendRemoteOffline {
		t.Fatalf("backend = %q, want remote-offline", resp.Result.Backend)
	}
	if n, _ := a.queue.Len(); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}

	// The server is still down: a flush cycle keeps the request queued.
	stats, err := a.flusher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Delivered != 0 || !stats.Stopped {
		t.Errorf("stats = %+v, want nothing delivered", stats)
	}
	if n, _ := a.queue.Len(); n != 1 {
		t.Errorf("queue length = %d after failed flush, want 1", n)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}
