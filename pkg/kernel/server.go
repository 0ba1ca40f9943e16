// Package kernel serves the runtime's HTTP API: job submission, status,
// cancellation, event streams, tool health and the audit log.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
	"github.com/manthysbr/aulerun/internal/core/services"
)

// JobService is the scheduler surface the API needs.
type JobService interface {
	Submit(ctx context.Context, req services.SubmitRequest) (domain.JobID, error)
	Cancel(ctx context.Context, id domain.JobID) error
	Snapshot(ctx context.Context, id domain.JobID) (domain.Job, error)
	List() []domain.Job
}

// EventSource delivers live job events.
type EventSource interface {
	Subscribe(jobID domain.JobID) (<-chan domain.JobEvent, func())
}

// FailureService serves the tool repair queue.
type FailureService interface {
	BrokenTools(ctx context.Context, threshold int) ([]domain.ToolFailureRecord, error)
	Get(ctx context.Context, tool string) (domain.ToolFailureRecord, error)
	MarkRepaired(ctx context.Context, tool string) error
	RecordRepairAttempt(ctx context.Context, tool, buildResult string) error
}

// AuditQuerier reads the audit log.
type AuditQuerier interface {
	Query(ctx context.Context, filter ports.AuditFilter) ([]domain.AuditEntry, error)
}

// ToolLister lists registered tool manifests.
type ToolLister interface {
	List() []domain.ToolManifest
}

// Deps are the collaborators of the server. History and Events may be nil;
// the API then serves only what the scheduler holds in memory.
type Deps struct {
	Jobs     JobService
	Bus      EventSource
	History  ports.JobRepository
	Events   ports.EventRepository
	Tools    ToolLister
	Failures FailureService
	Audit    AuditQuerier
	// FailureThreshold is the default minimum error count for the broken
	// tools listing.
	FailureThreshold int
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

type Server struct {
	logger *slog.Logger
	deps   Deps
}

func NewServer(logger *slog.Logger, deps Deps) *Server {
	if deps.FailureThreshold < 1 {
		deps.FailureThreshold = 3
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	return &Server{logger: logger, deps: deps}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
			r.Post("/{jobID}/cancel", s.handleCancelJob)
			r.Get("/{jobID}/events", s.handleJobEvents)
		})
		r.Get("/tools", s.handleListTools)
		r.Get("/tools/failures", s.handleListFailures)
		r.Get("/tools/{tool}/failure", s.handleGetFailure)
		r.Post("/tools/{tool}/repair", s.handleRepairTool)
		r.Get("/audit", s.handleListAudit)
	})
	return r
}

type errorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeError maps err onto a status code. Only public messages leave the
// process; the cause is logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: "internal error"}

	var derr *domain.Error
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status, resp.Error = http.StatusNotFound, domain.ErrJobNotFound.Error()
	case errors.Is(err, domain.ErrFailureNotFound):
		status, resp.Error = http.StatusNotFound, domain.ErrFailureNotFound.Error()
	case errors.As(err, &derr):
		resp.Error, resp.Kind = domain.PublicMessage(err), derr.Kind
		switch derr.Kind {
		case domain.KindCapacityExceeded:
			status = http.StatusTooManyRequests
		case domain.KindInvalidArguments:
			status = http.StatusBadRequest
		case domain.KindSafetyBlocked:
			status = http.StatusUnprocessableEntity
		}
	}
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: domain.KindInvalidArguments})
}
