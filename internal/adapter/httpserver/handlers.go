package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/agent-taskplane/internal/config"
	"github.com/fairyhunter13/agent-taskplane/internal/domain"
	"github.com/fairyhunter13/agent-taskplane/internal/service/ratelimiter"
	"github.com/fairyhunter13/agent-taskplane/internal/usecase"
)

const serviceVersion = "1.0.0"

// Server aggregates handler dependencies for the task-intake gateway.
type Server struct {
	Cfg      config.Config
	Intake   *usecase.TaskIntakeService
	Presence domain.WorkerPresenceStore
	DBCheck  func(ctx context.Context) error
	KVCheck  func(ctx context.Context) error

	// Limiter is an optional global token-bucket guard on task intake, on
	// top of the per-IP httprate limit in the router. Unlike httprate it
	// is durable: its state mirrors to Postgres so a Redis flush doesn't
	// reset the bucket to full capacity. Nil disables it.
	Limiter *ratelimiter.RedisLuaLimiter
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, intake *usecase.TaskIntakeService, presence domain.WorkerPresenceStore, dbCheck, kvCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Intake: intake, Presence: presence, DBCheck: dbCheck, KVCheck: kvCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// MaxTicks is a pointer so an omitted field (nil) can default to 50 while
// an explicit max_ticks=0 still fails the gte=1 validation instead of
// silently falling back to the default.
type createTaskRequest struct {
	Mandate  string `json:"mandate" validate:"required"`
	MaxTicks *int   `json:"max_ticks" validate:"omitempty,gte=1,lte=1000"`
}

// TasksHandler handles POST /tasks: authenticates the caller, enforces the
// daily quota, and durably enqueues the mandate for a worker to pick up.
func (s *Server) TasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if s.Limiter != nil {
			if allowed, retryAfter, err := s.Limiter.Allow(r.Context(), "tasks", 1); err == nil && !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
				writeError(w, r, fmt.Errorf("%w: global task intake bucket exhausted", domain.ErrRateLimited), nil)
				return
			}
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		maxTicks := 50
		if req.MaxTicks != nil {
			maxTicks = *req.MaxTicks
		}
		bearer := r.Header.Get("Authorization")
		res, err := s.Intake.Enqueue(r.Context(), bearer, req.Mandate, maxTicks)
		if err != nil {
			writeError(w, r, err, map[string]any{"remaining": res.Remaining})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"correlation_id": res.CorrelationID})
	}
}

// TaskStatusHandler handles GET /tasks/{correlation_id}.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "correlation_id")
		if v := ValidateCorrelationID(id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid correlation id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		bearer := r.Header.Get("Authorization")
		task, err := s.Intake.GetTask(r.Context(), bearer, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if task == nil {
			writeError(w, r, fmt.Errorf("%w: task %s", domain.ErrNotFound, id), nil)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// AgentsCountHandler handles GET /agents/count.
func (s *Server) AgentsCountHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Presence == nil {
			writeJSON(w, http.StatusOK, map[string]int{"count": 0})
			return
		}
		count, err := s.Presence.WorkerCount(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": count})
	}
}

// HealthHandler handles GET /health: always 200, reporting component status
// informationally rather than gating the response code.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		components := map[string]string{}
		status := "ok"
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				components["db"] = "unavailable"
				status = "degraded"
			} else {
				components["db"] = "ok"
			}
		}
		if s.KVCheck != nil {
			if err := s.KVCheck(ctx); err != nil {
				components["kv"] = "unavailable"
				status = "degraded"
			} else {
				components["kv"] = "ok"
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     status,
			"service":    s.Cfg.OTELServiceName,
			"version":    serviceVersion,
			"components": components,
		})
	}
}

// ReadyzHandler returns a readiness handler that probes KV and (when
// configured) Postgres.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.KVCheck != nil {
			if err := s.KVCheck(ctx); err != nil {
				checks = append(checks, check{Name: "kv", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "kv", OK: true})
			}
		}
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
