package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/saleshub/api-go/internal/blob"
	"github.com/example/saleshub/api-go/internal/logging"
	"github.com/example/saleshub/api-go/internal/model"
	"github.com/example/saleshub/api-go/internal/queue"
	"github.com/example/saleshub/api-go/internal/runner"
	"github.com/example/saleshub/api-go/internal/store"
)

type Server struct {
	Queue          *queue.Service
	Runner         *runner.Manager
	Jobs           *store.SQLite
	Blobs          blob.LocalFS
	BaseURL        string // optional, for generating absolute result URLs
	Logger         *zap.Logger
	AllowedOrigins []string
}

func (s Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.logger()))
	r.Use(cors(s.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/queue", func(r chi.Router) {
		r.Get("/", s.handleListQueue)
		r.Post("/", s.handleJoinQueue)
		r.Delete("/", s.handleLeaveQueue)
	})

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleStartJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleCancelJob)
		r.Post("/{id}/lease", s.handleRenewLease)
		r.Get("/{id}/result", s.handleGetResult)
	})

	return r
}

func cors(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowOrigin(allowed, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Expose-Headers", jobIDHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowOrigin(allowed []string, origin string) string {
	if len(allowed) == 0 {
		return "*"
	}
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		switch parsed {
		case model.JobQueued, model.JobRunning, model.JobCompleted, model.JobFailed, model.JobCanceled:
			status = &parsed
		default:
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	jobs, err := s.Jobs.ListJobs(ctx, status, limit)
	if err != nil {
		s.logger().Error("list jobs", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, errors.New("job store unavailable"))
		return
	}

	resp := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobResponse(job, s.BaseURL))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Runner.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeJobErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.StatusView())
}

func (s Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	expires, err := s.Runner.RenewLease(r.Context(), id)
	if err != nil {
		s.writeJobErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "leaseExpiresAt": expires})
}

func (s Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Runner.Cancel(r.Context(), id); err != nil {
		s.writeJobErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "canceled": true})
}

func (s Server) writeJobErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeErr(w, http.StatusNotFound, errors.New("job not found"))
	case errors.Is(err, runner.ErrJobFinished):
		writeErr(w, http.StatusConflict, err)
	default:
		s.logger().Error("job request failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, errors.New("job store unavailable"))
	}
}

func (s Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		s.writeJobErr(w, err)
		return
	}
	if job.OutputKey == "" || !s.Blobs.Exists(job.OutputKey) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("result not ready"))
		return
	}
	f, err := s.Blobs.Open(job.OutputKey)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func jobResponse(job model.Job, baseURL string) map[string]any {
	resp := map[string]any{
		"id":          job.ID,
		"processType": job.ProcessType,
		"createdAt":   job.CreatedAt,
		"updatedAt":   job.UpdatedAt,
		"status":      job.Status,
		"progress":    job.Progress,
		"step":        job.Step,
		"outputKey":   job.OutputKey,
		"error":       job.Error,
	}
	if job.OutputKey != "" {
		base := strings.TrimRight(baseURL, "/")
		resp["resultUrl"] = fmt.Sprintf("%s/v1/jobs/%s/result", base, job.ID)
		resp["fileName"] = filepath.Base(job.OutputKey)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
