// Package upstream talks to the remote retrieval-augmented inference service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/advisor/internal/metrics"
	"github.com/kalambet/advisor/internal/query"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 3
	defaultBaseBackoff = time.Second
	pingTimeout        = 2 * time.Second
	maxResponseBytes   = 8 << 20
)

// ErrUnavailable is returned when every attempt against the service failed.
// Callers treat it as a signal to degrade, not as a fault.
var ErrUnavailable = errors.New("upstream unavailable")

// Client calls the inference service with bounded retries.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts int
	baseBackoff time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each individual attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry sets the attempt budget and the base of the exponential backoff.
func WithRetry(maxAttempts int, baseBackoff time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if baseBackoff >= 0 {
			c.baseBackoff = baseBackoff
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the backoff wait (tests record waits instead of sleeping).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithMetrics records per-attempt outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{},
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		sleep:       sleepContext,
		tracer:      otel.Tracer("github.com/kalambet/advisor/internal/upstream"),
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

type askRequest struct {
	Question       string `json:"question"`
	K              int    `json:"k"`
	TranslateLocal bool   `json:"translate_local"`
}

// Call asks the service one question. After each failed attempt n (counting
// from zero) it waits baseBackoff*2^n, and once the attempt budget is spent it
// returns an error wrapping ErrUnavailable. A 2xx response that is not a JSON
// object is still a success, labelled remote-raw.
func (c *Client) Call(ctx context.Context, question string, limit int) (query.Result, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.Call",
		trace.WithAttributes(attribute.Int("advisor.result_limit", limit)))
	defer span.End()

	// Translation is handled by the orchestrator, never by the service.
	body, err := json.Marshal(askRequest{Question: question, K: limit, TranslateLocal: false})
	if err != nil {
		return query.Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	attempts := 0
	for attempt := range c.maxAttempts {
		attempts++
		res, err := c.ask(ctx, body)
		if err == nil {
			c.metrics.UpstreamAttempt(outcome(res))
			span.SetAttributes(
				attribute.Int("advisor.attempts", attempts),
				attribute.String("advisor.backend", string(res.Backend)),
			)
			return res, nil
		}
		lastErr = err
		c.metrics.UpstreamAttempt("error")

		wait := c.baseBackoff * (1 << uint(attempt))
		c.logger.WarnContext(ctx, "upstream attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.maxAttempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err)
		if err := c.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	span.SetAttributes(attribute.Int("advisor.attempts", attempts))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "upstream unavailable")
	return query.Result{}, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, attempts, lastErr)
}

func outcome(res query.Result) string {
	if res.Backend == query.BackendRemoteRaw {
		return "raw"
	}
	return "ok"
}

// statusError is returned for non-2xx responses.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func (c *Client) ask(ctx context.Context, body []byte) (query.Result, error) {
	raw, status, err := c.post(ctx, "/ask", body)
	if err != nil {
		return query.Result{}, err
	}
	if status < 200 || status > 299 {
		return query.Result{}, &statusError{status: status, body: truncate(string(raw), 200)}
	}
	return parseAnswer(raw), nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

// parseAnswer turns a 2xx body into a Result. Anything that is not a JSON
// object becomes a remote-raw answer carrying the body text.
func parseAnswer(body []byte) query.Result {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return query.Result{
			Answer:  string(body),
			Backend: query.BackendRemoteRaw,
			Sources: []query.Source{},
		}
	}

	var sources []json.RawMessage
	if raw, ok := obj["sources"]; ok {
		// A non-list "sources" is treated as no sources.
		_ = json.Unmarshal(raw, &sources)
	}

	res := query.Result{
		Answer:  stringField(obj["answer"]),
		Backend: query.BackendRemote,
		Sources: query.NormalizeSources(sources),
	}
	if raw, ok := obj["answer_local"]; ok {
		var local string
		if err := json.Unmarshal(raw, &local); err == nil {
			res.AnswerLocal = &local
		}
	}
	return res
}

func stringField(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Ping reports whether the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// Preview is the unprocessed reply to a single /ask attempt.
type Preview struct {
	Status int             `json:"status"`
	Raw    json.RawMessage `json:"raw,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// Preview sends one question without retries and returns the reply as is.
// It is a debugging aid for checking what the service actually returns.
func (c *Client) Preview(ctx context.Context, question string, limit int) (Preview, error) {
	body, err := json.Marshal(askRequest{Question: question, K: limit})
	if err != nil {
		return Preview{}, fmt.Errorf("marshaling request: %w", err)
	}
	raw, status, err := c.post(ctx, "/ask", body)
	if err != nil {
		return Preview{}, err
	}
	p := Preview{Status: status}
	if json.Valid(raw) {
		p.Raw = raw
	} else {
		p.Text = string(raw)
	}
	return p, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
