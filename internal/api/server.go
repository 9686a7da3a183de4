package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"issuebot/internal/config"
	"issuebot/internal/dedup"
	"issuebot/internal/ingest"
	"issuebot/internal/logging"
	"issuebot/internal/models"
	"issuebot/internal/queue"
	"issuebot/internal/ratelimit"
	"issuebot/internal/telemetry"
)

// Deps are the components the HTTP surface exposes. Puller and Limiter may
// be nil.
type Deps struct {
	Queue    *queue.FileQueue
	Index    *dedup.Index
	Receiver *ingest.Receiver
	Puller   *ingest.Puller
	Limiter  *ratelimit.TokenBucket
	// Lifecycle bounds background work started from a request, such as the
	// pull loop. It defaults to context.Background.
	Lifecycle context.Context
}

// Server wires HTTP handlers for the bot.
type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Lifecycle == nil {
		deps.Lifecycle = context.Background()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the HTTP router. The webhook route exists only in PUSH and
// DUAL mode, the pull routes only in PULL and DUAL mode.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []string{"pong"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/status", s.handleStatus)
	r.Post("/retry", s.handleRetry)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/pending", s.handlePending)
		r.Get("/completed", s.handleCompleted)
		r.Get("/failed", s.handleFailed)
		r.Get("/processed", s.handleProcessed)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/", s.handleCreateTask)
	})

	if s.cfg.PushEnabled() {
		r.Post("/webhook", s.handleWebhook)
		s.logger.Info("webhook route registered", "mode", s.cfg.SystemMode)
	}
	if s.cfg.PullEnabled() && s.deps.Puller != nil {
		r.Post("/pull/start", s.handlePullStart)
		r.Post("/pull/manual", s.handlePullManual)
		r.Get("/pull/status", s.handlePullStatus)
		s.logger.Info("pull routes registered", "mode", s.cfg.SystemMode)
	}
	return r
}

type statusResponse struct {
	Status string `json:"status"`
	models.StoreStatus
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "running", StoreStatus: s.deps.Queue.Status(r.Context())})
}

type retryResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Queue.RetryAllFailed(r.Context())
	if n == 0 {
		writeJSON(w, http.StatusOK, retryResponse{Status: "no_failed_tasks"})
		return
	}
	telemetry.TasksRetried.Add(float64(n))
	writeJSON(w, http.StatusOK, retryResponse{Status: "retried", Count: n})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Queue.ListPending(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (s *Server) handleCompleted(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Queue.ListCompleted(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Queue.ListFailed(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := s.deps.Queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Task %s not found", id))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type processedResponse struct {
	Repository  string `json:"repository"`
	IssueNumber int    `json:"issue_number"`
	Processed   bool   `json:"processed"`
}

func (s *Server) handleProcessed(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	issue, err := strconv.Atoi(r.URL.Query().Get("issue"))
	if repo == "" || err != nil || issue <= 0 {
		writeError(w, http.StatusBadRequest, "repo and a positive issue are required")
		return
	}
	processed, err := s.deps.Index.AlreadyProcessed(r.Context(), repo, issue)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, processedResponse{Repository: repo, IssueNumber: issue, Processed: processed})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodePayload(w, r)
	if !ok {
		return
	}
	taskID, err := s.deps.Queue.Enqueue(r.Context(), payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	telemetry.TasksEnqueued.WithLabelValues("manual").Inc()
	writeJSON(w, http.StatusOK, ingest.Response{Status: ingest.StatusQueued, TaskID: taskID})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodePayload(w, r)
	if !ok {
		return
	}
	// Only deliveries that would be queued spend tokens.
	if s.deps.Limiter != nil && payload.Action() == "opened" {
		if repo := payload.Repository(); repo != "" {
			allowed, _, err := s.deps.Limiter.Allow(r.Context(), ratelimit.RepositoryKey(repo))
			switch {
			case err != nil:
				logging.FromContext(r.Context()).Warn("rate limiter unavailable, accepting delivery", "repo", repo, "err", err)
			case !allowed:
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
	}

	resp, err := s.deps.Receiver.Receive(r.Context(), payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type pullStartResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handlePullStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.deps.Puller.Start(s.deps.Lifecycle)
	switch {
	case errors.Is(err, ingest.ErrNoRepositories):
		writeJSON(w, http.StatusOK, pullStartResponse{Status: "error", Message: err.Error()})
	case err != nil:
		s.fail(w, r, err)
	case !started:
		writeJSON(w, http.StatusOK, pullStartResponse{Status: "already_running", Message: "Issue pulling is already running"})
	default:
		writeJSON(w, http.StatusOK, pullStartResponse{
			Status:  "started",
			Message: fmt.Sprintf("Issue pulling started for %v", s.cfg.PullingRepos),
		})
	}
}

func (s *Server) handlePullManual(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Puller.ManualPull(r.Context())
	if errors.Is(err, ingest.ErrNoRepositories) {
		writeJSON(w, http.StatusOK, pullStartResponse{Status: "error", Message: err.Error()})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePullStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Puller.Status())
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// decodePayload reads a JSON object body. It writes a 400 and returns false
// when the body is not one.
func decodePayload(w http.ResponseWriter, r *http.Request) (models.Payload, bool) {
	var payload models.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return nil, false
	}
	return payload, true
}

// requestID tags each request with an id, taken from X-Request-ID when the
// caller supplies one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context()).Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
