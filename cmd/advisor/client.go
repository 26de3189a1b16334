package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/advisor/internal/config"
	"github.com/kalambet/advisor/internal/query"
)

// apiClient talks to a running advisor server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// Questions can wait through the full retry schedule upstream.
	timeout := cfg.Upstream.Timeout*time.Duration(cfg.Upstream.MaxAttempts) + 30*time.Second
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.API.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is advisor running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type askRequest struct {
	Question       string `json:"question"`
	K              int    `json:"k"`
	TranslateLocal bool   `json:"translate_local"`
}

type askResponse struct {
	Answer      string         `json:"answer"`
	Backend     query.Backend  `json:"backend"`
	Sources     []query.Source `json:"sources"`
	QuestionID  string         `json:"question_id"`
	AnswerLocal *string        `json:"answer_local"`
}

func (c *apiClient) ask(ctx context.Context, req askRequest) (askResponse, error) {
	resp, err := c.post(ctx, "/ask", req)
	if err != nil {
		return askResponse{}, err
	}
	var out askResponse
	if err := decodeJSON(resp, &out); err != nil {
		return askResponse{}, err
	}
	return out, nil
}
