package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dockyard-paas/dockyard/internal/dockerfacts"
	"github.com/dockyard-paas/dockyard/internal/executor"
	"github.com/dockyard-paas/dockyard/internal/model"
)

type CreateJobRequest struct {
	Type model.Type `json:"type"`
	Meta model.Meta `json:"meta"`
}

type CreateJobResponse struct {
	ID string `json:"id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func httpError(w http.ResponseWriter, message string, code int) {
	respondJSON(w, code, ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// respondErr maps engine errors to status codes.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidType), errors.Is(err, model.ErrInvalidMeta):
		httpError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, executor.ErrNotFound):
		httpError(w, "job not found", http.StatusNotFound)
	case errors.Is(err, executor.ErrNotRetryable), errors.Is(err, executor.ErrNotCancelable):
		httpError(w, err.Error(), http.StatusConflict)
	default:
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, "internal error", http.StatusInternalServerError)
	}
}

func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	o := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if o == "" {
		httpError(w, OwnerHeader+" header is required", http.StatusBadRequest)
		return "", false
	}
	return o, true
}

// job loads the job named by the path. Jobs of other owners are
// reported as missing when the caller identifies itself.
func (h *Handlers) job(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	job, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err)
		return model.Job{}, false
	}
	if o := strings.TrimSpace(r.Header.Get(OwnerHeader)); o != "" && o != job.Owner {
		httpError(w, "job not found", http.StatusNotFound)
		return model.Job{}, false
	}
	return job, true
}

// CreateJob handles POST /jobs. The job runs asynchronously, the
// response only carries its id.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	var req CreateJobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Meta.Owner == "" {
		req.Meta.Owner = o
	}
	id, err := h.jobs.Submit(r.Context(), req.Type, req.Meta, o)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	respondJSON(w, http.StatusAccepted, CreateJobResponse{ID: id})
}

// ListJobs handles GET /jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	jobs, err := h.jobs.List(r.Context(), o)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(jobs))
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// RetryJob handles POST /jobs/{id}/retry.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Retry(r.Context(), job.ID); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, CreateJobResponse{ID: job.ID})
}

// CancelJob handles DELETE /jobs/{id}.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Cancel(r.Context(), job.ID); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActiveJobs handles GET /admin/jobs.
func (h *Handlers) ActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListActive(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(jobs))
}

// ListApps handles GET /apps, the containers of the caller as seen by
// the docker fact cache.
func (h *Handlers) ListApps(w http.ResponseWriter, r *http.Request) {
	o, ok := owner(w, r)
	if !ok {
		return
	}
	snap := h.facts.List(r.Context())
	apps := []dockerfacts.Container{}
	for _, c := range snap.Containers {
		if c.Owner == o {
			apps = append(apps, c)
		}
	}
	respondJSON(w, http.StatusOK, apps)
}

// Healthz handles GET /healthz.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			httpError(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func nonNil(jobs []model.Job) []model.Job {
	if jobs == nil {
		return []model.Job{}
	}
	return jobs
}
