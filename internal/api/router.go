package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/advisor/internal/orchestrator"
	"github.com/kalambet/advisor/internal/query"
	"github.com/kalambet/advisor/internal/upstream"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	serviceName        = "advisor-api"
)

// Service is the question-answering surface shared by HTTP and MCP.
type Service interface {
	Ask(ctx context.Context, req query.Request) orchestrator.Response
	Feedback(ctx context.Context, fb orchestrator.Feedback) (orchestrator.FeedbackAck, error)
	Status(ctx context.Context) orchestrator.Status
	RemoteURL() string
	TriggerFlush() bool
}

// Previewer sends a single unprocessed question to the inference service.
type Previewer interface {
	Preview(ctx context.Context, question string, limit int) (upstream.Preview, error)
}

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Service   Service
	Previewer Previewer           // nil in mock mode; preview answers 503
	Gatherer  prometheus.Gatherer // nil disables /metrics
	// AllowedOrigins lists the CORS origins. Empty allows none.
	AllowedOrigins []string
	// DebugToken guards /debug/* when set.
	DebugToken string
}

// NewHandler returns the advisor HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(deps.Service))
	r.Post("/chat", handleChat(deps.Service))
	r.Post("/ask", handleChat(deps.Service))
	r.Post("/feedback", handleFeedback(deps.Service))
	r.Get("/rag_status", handleStatus(deps.Service))

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/debug", func(r chi.Router) {
		r.Use(BearerAuth(deps.DebugToken))
		r.Post("/flush_queue", handleFlush(deps.Service))
		r.Post("/remote_preview", handlePreview(deps.Previewer))
	})

	return r
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	MLOnline  bool   `json:"ml_online"`
	RemoteURL string `json:"remote_url,omitempty"`
}

func handleHealth(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remote := svc.RemoteURL()
		writeJSON(w, http.StatusOK, healthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Service:   serviceName,
			MLOnline:  remote != "",
			RemoteURL: remote,
		})
	}
}

type chatRequest struct {
	Question       string `json:"question"`
	K              *int   `json:"k"`
	TranslateLocal bool   `json:"translate_local"`
}

type chatResponse struct {
	Answer      string         `json:"answer"`
	Backend     query.Backend  `json:"backend"`
	Sources     []query.Source `json:"sources"`
	QuestionID  string         `json:"question_id"`
	AnswerLocal *string        `json:"answer_local"`
}

func toChatResponse(resp orchestrator.Response) chatResponse {
	sources := resp.Result.Sources
	if sources == nil {
		sources = []query.Source{}
	}
	return chatResponse{
		Answer:      resp.Result.Answer,
		Backend:     resp.Result.Backend,
		Sources:     sources,
		QuestionID:  resp.QuestionID,
		AnswerLocal: resp.Result.AnswerLocal,
	}
}

// limitOf maps the optional k field to a result limit. An explicit zero or
// negative value asks for the minimum, not the default.
func limitOf(k *int) int {
	if k == nil {
		return query.DefaultLimit
	}
	return query.ClampLimit(max(*k, query.MinLimit))
}

// handleChat serves /chat and /ask. Once the body is valid it always answers
// 200: failures are reported in-band with backend "error".
func handleChat(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required and must not be empty")
			return
		}

		resp := svc.Ask(r.Context(), query.Request{
			Question:       req.Question,
			Limit:          limitOf(req.K),
			TranslateLocal: req.TranslateLocal,
		})
		slog.Debug("question answered",
			"question_id", resp.QuestionID,
			"backend", resp.Result.Backend,
			"from_cache", resp.FromCache,
		)
		writeJSON(w, http.StatusOK, toChatResponse(resp))
	}
}

type feedbackRequest struct {
	QuestionID string `json:"question_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
}

func handleFeedback(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ack, err := svc.Feedback(r.Context(), orchestrator.Feedback{
			QuestionID: req.QuestionID,
			Rating:     req.Rating,
			Comment:    req.Comment,
		})
		if errors.Is(err, orchestrator.ErrInvalidFeedback) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recording feedback: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status(r.Context()))
	}
}

type flushResponse struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

func handleFlush(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !svc.TriggerFlush() {
			writeJSON(w, http.StatusOK, flushResponse{OK: false, Msg: "No offline queue in mock mode"})
			return
		}
		writeJSON(w, http.StatusOK, flushResponse{OK: true, Msg: "Flush scheduled"})
	}
}

type previewResponse struct {
	OK  bool             `json:"ok"`
	Raw upstream.Preview `json:"raw"`
}

// handlePreview takes its arguments from the query string:
// /debug/remote_preview?question=...&k=3
func handlePreview(p Previewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "remote inference is not configured")
			return
		}
		question := r.URL.Query().Get("question")
		if strings.TrimSpace(question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question query parameter is required")
			return
		}
		limit := query.DefaultLimit
		if raw := r.URL.Query().Get("k"); raw != "" {
			k, err := strconv.Atoi(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid k %q", raw)
				return
			}
			limit = limitOf(&k)
		}

		preview, err := p.Preview(r.Context(), question, limit)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, previewResponse{OK: true, Raw: preview})
	}
}
