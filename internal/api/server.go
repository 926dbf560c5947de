package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"studio-job-queue/internal/models"
	"studio-job-queue/internal/queue"
	"studio-job-queue/internal/ratelimit"
	"studio-job-queue/internal/store"
	"studio-job-queue/internal/telemetry"
)

// Limiter throttles enqueue per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the producer and operator API.
type Server struct {
	svc     *queue.Service
	auth    Authenticator
	limiter Limiter
	logger  *logrus.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(svc *queue.Service, auth Authenticator, limiter Limiter, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{svc: svc, auth: auth, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Patch("/jobs/{id}", s.handlePatchJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)

		r.Group(func(r chi.Router) {
			r.Use(requireOperator)
			r.Post("/jobs/{id}/replay", s.handleReplay)
			r.Get("/dlq", s.handleDLQ)
			r.Delete("/dlq", s.handleDismiss)
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		if actor.Kind != models.ActorOperator {
			writeError(w, http.StatusForbidden, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health(r.Context()); err != nil {
		s.logger.WithError(err).Error("health check failed")
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req queue.EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), actor.ID)
		if err != nil {
			s.logger.WithError(err).WithField("actor", actor.String()).Error("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, existed, err := s.svc.Enqueue(r.Context(), req, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status:   models.Status(q.Get("status")),
		Type:     models.JobType(q.Get("type")),
		GroupKey: q.Get("groupKey"),
		Cursor:   q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit: must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	page, err := s.svc.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if page.Jobs == nil {
		page.Jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handlePatchJob is a raw document write. It always runs with client privileges.
func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var patch queue.JobPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.svc.ClientWrite(r.Context(), chi.URLParam(r, "id"), patch, models.Actor{ID: actor.ID, Kind: models.ActorClient})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	job, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type replayRequest struct {
	Kind   models.ReplayKind `json:"kind"`
	Reason string            `json:"reason"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req replayRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = models.ReplayJob
	}
	cmd, created, err := s.svc.RequestReplay(r.Context(), chi.URLParam(r, "id"), req.Kind, actor, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, cmd)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit: must be a non-negative integer")
			return
		}
		limit = n
	}
	items, err := s.svc.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []models.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type dismissRequest struct {
	DLQID string `json:"dlqId"`
	JobID string `json:"jobId"`
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req dismissRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dismissed, err := s.svc.Dismiss(r.Context(), req.DLQID, req.JobID, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "dismissed": dismissed})
}

// fail maps service errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case models.IsValidation(err),
		errors.Is(err, models.ErrNotCancellable),
		errors.Is(err, models.ErrNotReplayable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Serve runs handler on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
