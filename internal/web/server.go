package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kscalelabs/kodachrome/internal/db/repository"
	"github.com/kscalelabs/kodachrome/internal/orchestrator"
	"github.com/kscalelabs/kodachrome/internal/policy"
	"github.com/kscalelabs/kodachrome/internal/service/logger"
	limiter "github.com/kscalelabs/kodachrome/internal/web/middleware"
	"github.com/kscalelabs/kodachrome/model"
)

const (
	maxInflight    = 64
	maxQueued      = 256
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
	maxPolicyBytes = 512 << 20
)

// Evaluator is the orchestrator surface the API serves.
type Evaluator interface {
	Submit(ctx context.Context, req model.JobRequest) (uuid.UUID, error)
	Status(id uuid.UUID) (model.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (model.Job, error)
	Wait(ctx context.Context, id uuid.UUID) (model.Job, error)
	List() []model.Job
	Evict(id uuid.UUID) error
	Capacity() (limit, inUse int)
}

// OutcomeReader serves archived outcomes. *repository.OutcomeRepository
// implements it.
type OutcomeReader interface {
	GetOutcome(ctx context.Context, id uuid.UUID) (model.Outcome, error)
	ListOutcomes(ctx context.Context, before uuid.UUID) ([]model.Outcome, error)
}

// PolicyStore keeps uploaded policy files. *policy.Store implements it.
type PolicyStore interface {
	Save(filename string, r io.Reader) (string, error)
}

type Server struct {
	router   chi.Router
	eval     Evaluator
	outcomes OutcomeReader
	policies PolicyStore
}

type Option func(*Server)

// WithOutcomeHistory mounts /outcomes on top of r.
func WithOutcomeHistory(r OutcomeReader) Option {
	return func(s *Server) { s.outcomes = r }
}

// WithPolicyUpload mounts POST /policies, storing uploads in p.
func WithPolicyUpload(p PolicyStore) Option {
	return func(s *Server) { s.policies = p }
}

// PolicyResponse is returned for an accepted upload. Nickname is what jobs
// pass as their subject.
type PolicyResponse struct {
	Nickname string `json:"nickname"`
}

// HealthResponse is served on GET /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	MaxConcurrency int    `json:"maxConcurrency"`
	Running        int    `json:"running"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(eval Evaluator, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		eval:   eval,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// Router returns the instrumented handler for http.Server.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "eval-server")
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(limiter.NewLimiter(maxQueued, maxInflight).Limit)
		// The limiter serves requests on its own goroutines.
		r.Use(middleware.Recoverer)

		r.Post("/eval", s.handleSubmit)
		r.Get("/eval", s.handleList)
		r.Get("/eval/{id}", s.handleStatus)
		r.Post("/eval/{id}/cancel", s.handleCancel)
		r.Delete("/eval/{id}", s.handleEvict)

		if s.outcomes != nil {
			r.Get("/outcomes", s.handleListOutcomes)
			r.Get("/outcomes/{id}", s.handleGetOutcome)
		}
		if s.policies != nil {
			r.Post("/policies", s.handleUploadPolicy)
		}
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.JobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	id, err := s.eval.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.eval.Status(id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/eval/"+id.String())
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.eval.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.eval.Status(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancel returns the snapshot right after signalling. With ?wait=true it
// returns once the job is terminal.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "wait must be a boolean"})
			return
		}
		wait = b
	}

	job, err := s.eval.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wait && !job.Status.IsTerminal() {
		if job, err = s.eval.Wait(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.eval.Evict(id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListOutcomes pages newest first; pass the last id seen as ?before=.
func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	before := uuid.Nil
	if v := r.URL.Query().Get("before"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid before id"})
			return
		}
		before = id
	}
	out, err := s.outcomes.ListOutcomes(r.Context(), before)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.Outcome{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	out, err := s.outcomes.GetOutcome(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUploadPolicy streams the first "file" part of a multipart body into
// the policy store.
func (s *Server) handleUploadPolicy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPolicyBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected multipart/form-data: " + err.Error()})
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: `missing "file" part`})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart body: " + err.Error()})
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		nickname, err := s.policies.Save(part.FileName(), part)
		_ = part.Close()
		if err != nil {
			writeError(w, r, err)
			return
		}
		logger.FromContext(r.Context()).Info().
			Str("nickname", nickname).
			Str("filename", part.FileName()).
			Msg("policy uploaded")
		writeJSON(w, http.StatusCreated, PolicyResponse{Nickname: nickname})
		return
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	limit, inUse := s.eval.Capacity()
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", MaxConcurrency: limit, Running: inUse})
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, policy.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, repository.ErrOutcomeNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotTerminal):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrClosed), errors.Is(err, policy.ErrNoFreeName):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
