package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"catalog-migrator/internal/extract"
	"catalog-migrator/internal/fetch"
	"catalog-migrator/internal/models"
	"catalog-migrator/internal/pipeline"
	"catalog-migrator/internal/progress"
	"catalog-migrator/internal/queue"
	"catalog-migrator/internal/ratelimit"
	"catalog-migrator/internal/telemetry"
)

// Limiter throttles submissions per user.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger func(ctx context.Context) error

// Server wires HTTP handlers for the import API.
type Server struct {
	pipeline *pipeline.Pipeline
	reporter *progress.Reporter
	streamer *progress.Streamer
	limiter  Limiter
	health   map[string]Pinger
	logger   *zap.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(p *pipeline.Pipeline, reporter *progress.Reporter, streamer *progress.Streamer, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pipeline: p,
		reporter: reporter,
		streamer: streamer,
		limiter:  limiter,
		health:   map[string]Pinger{},
		logger:   logger,
	}
}

// AddHealthCheck registers a dependency checked by /healthz.
func (s *Server) AddHealthCheck(name string, ping Pinger) {
	s.health[name] = ping
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/imports", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Post("/cancel", s.handleCancel)
		r.Get("/stats", s.handleStats)
		r.Get("/{requestID}/logs", s.handleLogs)
		r.Get("/{requestID}/events", s.handleEvents)
		r.Get("/{requestID}/ws", s.handleWebSocket)
	})
	r.Get("/results", s.handleResults)
	r.Post("/preview", s.handlePreview)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, ping := range s.health {
		if err := ping(r.Context()); err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

// linkList accepts product_links as a JSON array or one delimited string.
type linkList []string

func (l *linkList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("product_links must be a string or an array of strings")
	}
	*l = linkList{one}
	return nil
}

type submitRequest struct {
	SourceKind   string   `json:"source_kind"`
	SourceURL    string   `json:"source_url"`
	ProductLinks linkList `json:"product_links"`
	Mode         string   `json:"mode"`
	Cap          int      `json:"cap"`
	Priority     string   `json:"priority"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	userID := userFromRequest(r)

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			s.logger.Error("rate limit check failed", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.pipeline.Submit(r.Context(), pipeline.SubmitRequest{
		UserID:     userID,
		SourceKind: req.SourceKind,
		SourceURL:  req.SourceURL,
		Links:      req.ProductLinks,
		Mode:       models.ImportMode(strings.ToLower(strings.TrimSpace(req.Mode))),
		Cap:        req.Cap,
		Priority:   req.Priority,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case pipeline.IsValidationError(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "request_id": res.RequestID})
	case queue.IsQueueError(err):
		s.logger.Error("enqueue failed", zap.String("request_id", res.RequestID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "enqueue failed", "request_id": res.RequestID})
	default:
		s.logger.Error("submit failed", zap.String("request_id", res.RequestID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "request_id": res.RequestID})
	}
}

type cancelRequest struct {
	RequestID string `json:"request_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	removed, err := s.pipeline.Cancel(r.Context(), userFromRequest(r), req.RequestID)
	if err != nil {
		if pipeline.IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("cancel failed", zap.String("request_id", req.RequestID), zap.Error(err))
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": req.RequestID, "removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context(), userFromRequest(r), r.URL.Query().Get("request_id"))
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	logs, err := s.reporter.ListLogs(r.Context(), userFromRequest(r), requestID, limit)
	if err != nil {
		s.logger.Error("list logs failed", zap.String("request_id", requestID), zap.Error(err))
		http.Error(w, "logs unavailable", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "logs": logs})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	page, pageSize := queryInt(r, "page", 1), queryInt(r, "page_size", 20)
	var (
		res models.ResultPage
		err error
	)
	if requestID := r.URL.Query().Get("request_id"); requestID != "" {
		res, err = s.reporter.RequestResults(r.Context(), userID, requestID, page, pageSize)
	} else {
		res, err = s.reporter.ListResults(r.Context(), userID, page, pageSize)
	}
	if err != nil {
		s.logger.Error("list results failed", zap.Error(err))
		http.Error(w, "results unavailable", http.StatusInternalServerError)
		return
	}
	if res.Results == nil {
		res.Results = []models.ImportResult{}
	}
	writeJSON(w, http.StatusOK, res)
}

type previewRequest struct {
	URL        string `json:"url"`
	SourceKind string `json:"source_kind"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	pv, err := s.pipeline.Preview(r.Context(), req.SourceKind, req.URL)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pv)
	case pipeline.IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case extract.IsExtractionError(err):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case fetch.IsFetchError(err):
		var fe *fetch.FetchError
		errors.As(err, &fe)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "upstream_status": fe.Status})
	default:
		s.logger.Error("preview failed", zap.String("url", req.URL), zap.Error(err))
		http.Error(w, "preview failed", http.StatusInternalServerError)
	}
}

// userFromRequest reads the caller identity set by the fronting auth layer.
func userFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-User-ID")); v != "" {
		return v
	}
	return models.LocalUser
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
