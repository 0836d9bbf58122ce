package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/dxpops/internal/config"
	"github.com/BadgerOps/dxpops/internal/engine"
	"github.com/BadgerOps/dxpops/internal/jobs"
	"github.com/BadgerOps/dxpops/internal/poll"
	"github.com/BadgerOps/dxpops/internal/store"
)

const (
	maxWait      = 90 * time.Second
	maxBodyBytes = 64 << 10
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a bounded JSON body into v, writing the error response
// itself when it returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, config.ErrProjectNotFound),
		errors.Is(err, config.ErrContainerNotFound),
		errors.Is(err, config.ErrEnvironmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, config.ErrAmbiguousProject),
		errors.Is(err, config.ErrAmbiguousContainer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListJobs returns live jobs, or persisted history with ?history=1.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h, _ := strconv.ParseBool(q.Get("history")); !h {
		s.writeJSON(w, http.StatusOK, s.engine.Jobs())
		return
	}

	filter := store.JobFilter{
		Kind:    q.Get("kind"),
		State:   q.Get("state"),
		Project: q.Get("project"),
		Limit:   50,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	history, err := s.engine.History(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []jobs.Job{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

// handleGetJob returns one job. ?wait=30s blocks until it is terminal or
// the duration passes.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		if d > maxWait {
			d = maxWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		if _, err := s.engine.Wait(ctx, id); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jobs.ErrNotFound) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	j, err := s.engine.Job(id)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, j)
}

// DownloadRequestBody is the request body for POST /api/downloads.
type DownloadRequestBody struct {
	engine.DownloadRequest
	DryRun bool `json:"dry_run"`
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequestBody
	if !s.decodeBody(w, r, &req) {
		return
	}

	if req.DryRun {
		pv, err := s.engine.Preview(r.Context(), req.DownloadRequest)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, pv)
		return
	}

	sub, err := s.engine.StartDownload(req.DownloadRequest)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, admissionStatus(sub.Admission), sub)
}

// ExportRequestBody is the request body for POST /api/exports.
type ExportRequestBody struct {
	poll.ExportRequest
	Force bool `json:"force"`
}

func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequestBody
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.ExportRequest.Force = req.Force

	// The submission outlives this request.
	sub, err := s.engine.StartExport(context.WithoutCancel(r.Context()), req.ExportRequest)
	if err != nil {
		status := statusFor(err)
		if sub.Job.ID != "" {
			// Admitted but the remote submit failed; the job records why.
			status = http.StatusBadGateway
		}
		s.writeJSON(w, status, map[string]any{"error": err.Error(), "job": sub.Job})
		return
	}
	s.writeJSON(w, admissionStatus(sub.Admission), sub)
}

func admissionStatus(a jobs.Admission) int {
	if a == jobs.AdmissionNew {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.engine.FailedObjects(r.URL.Query().Get("container"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if failures == nil {
		failures = []store.FailedObject{}
	}
	s.writeJSON(w, http.StatusOK, failures)
}

func (s *Server) handleResolveFailure(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid failure id")
		return
	}
	if err := s.engine.ResolveFailure(id); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
