// Package poll supervises remote export jobs: it submits them, decides how
// a second request for the same resource is handled, polls until the
// remote side finishes, and optionally fetches the resulting artifact.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/BadgerOps/dxpops/internal/exportapi"
	"github.com/BadgerOps/dxpops/internal/jobs"
	"github.com/BadgerOps/dxpops/internal/manifest"
	"github.com/BadgerOps/dxpops/internal/metrics"
	"github.com/BadgerOps/dxpops/internal/remote"
	"github.com/BadgerOps/dxpops/internal/safety"
	"github.com/BadgerOps/dxpops/internal/transfer"
)

// ErrTimeout is recorded on jobs that exceed the maximum poll duration.
var ErrTimeout = errors.New("export did not finish in time")

const (
	PhaseSubmitting  = "submitting"
	PhasePolling     = "polling"
	PhaseDownloading = "downloading"
)

// API is the remote export service.
type API interface {
	Submit(ctx context.Context, req exportapi.Request) (exportapi.Ref, error)
	Status(ctx context.Context, ref exportapi.Ref) (exportapi.Status, error)
}

// APIResolver returns the API client for a project.
type APIResolver func(project string) (API, error)

// Fetcher downloads a finished export's artifact.
type Fetcher interface {
	Fetch(ctx context.Context, opts transfer.FetchOptions) (*transfer.FetchResult, error)
}

// Config tunes the supervisor.
type Config struct {
	Interval             time.Duration
	MaxDuration          time.Duration
	MaxConsecutiveErrors int
	// StateDir holds one resumable state file per in-flight export.
	StateDir string
	// ExportDir receives auto-fetched artifacts unless the request names
	// its own destination.
	ExportDir string
}

// DefaultConfig returns the standard poll timings.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		MaxDuration:          45 * time.Minute,
		MaxConsecutiveErrors: 5,
	}
}

// ExportRequest asks for a database export.
type ExportRequest struct {
	Project        string `json:"project"`
	Environment    string `json:"environment"`
	Database       string `json:"database"`
	DateRange      string `json:"date_range,omitempty"`
	RetentionHours int    `json:"retention_hours,omitempty"`
	AutoFetch      bool   `json:"auto_fetch"`
	Destination    string `json:"destination,omitempty"`
	Force          bool   `json:"-"`
}

// Descriptor is the job identity of the request. The destination only
// counts when the artifact is fetched.
func (r ExportRequest) Descriptor() jobs.Descriptor {
	d := jobs.Descriptor{
		Kind:        jobs.KindExport,
		Project:     r.Project,
		Environment: r.Environment,
		Target:      r.Database,
		Filter:      r.DateRange,
	}
	if r.AutoFetch {
		d.Destination = r.Destination
	}
	return d
}

// Submission reports what Submit did with a request.
type Submission struct {
	Job       jobs.Job       `json:"job"`
	Admission jobs.Admission `json:"admission"`
}

// Supervisor owns the poll loops of all in-flight exports.
type Supervisor struct {
	apis     APIResolver
	fetcher  Fetcher
	registry *jobs.Registry
	clock    Clock
	cfg      Config
	states   stateStore
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. A nil clock uses the wall clock.
func New(apis APIResolver, fetcher Fetcher, registry *jobs.Registry, cfg Config, clock Clock, logger *slog.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		apis:     apis,
		fetcher:  fetcher,
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		states:   stateStore{dir: cfg.StateDir},
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit attaches req to an identical live export, queues it behind a
// different export on the same project environment, or submits it. Only
// the last case contacts the remote service; its errors are returned and
// the job is marked failed.
func (s *Supervisor) Submit(ctx context.Context, req ExportRequest) (Submission, error) {
	if req.AutoFetch && req.Destination == "" {
		req.Destination = s.cfg.ExportDir
	}
	job, adm, err := s.registry.Admit(req.Descriptor(), jobs.AdmitOptions{
		Force:     req.Force,
		Exclusive: true,
		OnRelease: func(j jobs.Job) {
			if err := s.start(s.ctx, j.ID, req); err != nil {
				s.logger.Error("queued export failed to start", "job_id", j.ID, "error", err)
			}
		},
	})
	if err != nil {
		return Submission{}, err
	}

	switch adm {
	case jobs.AdmissionAttached:
		s.logger.Info("export already running, attaching", "job_id", job.ID, "database", req.Database)
		return Submission{Job: job, Admission: adm}, nil
	case jobs.AdmissionQueued:
		s.logger.Info("export queued", "job_id", job.ID, "blocked_by", job.BlockedBy, "database", req.Database)
		return Submission{Job: job, Admission: adm}, nil
	}

	err = s.start(ctx, job.ID, req)
	if latest, gerr := s.registry.Get(job.ID); gerr == nil {
		job = latest
	}
	return Submission{Job: job, Admission: adm}, err
}

// start submits a pending job to the remote service and begins polling.
func (s *Supervisor) start(ctx context.Context, jobID string, req ExportRequest) error {
	logger := s.logger.With("job_id", jobID)

	api, err := s.apis(req.Project)
	if err != nil {
		_, _ = s.registry.Fail(jobID, err.Error(), nil)
		return fmt.Errorf("resolving api for %s: %w", req.Project, err)
	}

	ref, err := api.Submit(ctx, exportapi.Request{
		Environment:    req.Environment,
		Database:       req.Database,
		RetentionHours: req.RetentionHours,
	})
	if err != nil {
		_, _ = s.registry.Fail(jobID, "submit failed: "+err.Error(), nil)
		return fmt.Errorf("submitting export: %w", err)
	}
	if err := s.registry.SetRemoteID(jobID, ref.ID); err != nil {
		return err
	}
	if _, err := s.registry.Start(jobID); err != nil {
		// Cancelled while the submission was in flight; the remote export
		// runs to completion on its own.
		logger.Warn("export job not started after submission", "remote_id", ref.ID, "error", err)
		return err
	}
	_ = s.registry.UpdateProgress(jobID, 0, PhasePolling, "")

	st := &State{
		JobID:       jobID,
		RemoteJobID: ref.ID,
		ResourceKey: req.Descriptor().ResourceKey(),
		StartedAt:   s.clock.Now(),
		Request:     req,
	}
	if err := s.states.save(st); err != nil {
		logger.Warn("could not persist poll state", "error", err)
	}
	s.spawn(st, api)
	return nil
}

// Resume picks up every export whose state file survived a restart.
func (s *Supervisor) Resume(ctx context.Context) ([]jobs.Job, error) {
	states, bad, err := s.states.load()
	if err != nil {
		return nil, err
	}
	for _, name := range bad {
		s.logger.Warn("skipping unreadable poll state", "file", name)
	}

	var resumed []jobs.Job
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		j, err := s.registry.Adopt(st.JobID, st.Request.Descriptor(), st.StartedAt, st.RemoteJobID)
		if errors.Is(err, jobs.ErrExists) {
			continue
		}
		if err != nil {
			return resumed, err
		}
		api, err := s.apis(st.Request.Project)
		if err != nil {
			_, _ = s.registry.Fail(st.JobID, err.Error(), nil)
			_ = s.states.remove(st.JobID)
			continue
		}
		s.logger.Info("resuming export", "job_id", st.JobID, "remote_id", st.RemoteJobID, "polls", st.PollCount)
		s.spawn(st, api)
		resumed = append(resumed, j)
	}
	return resumed, nil
}

// Wait blocks until every poll loop has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close stops all poll loops. State files stay behind for Resume.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) spawn(st *State, api API) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.ctx, st, api)
	}()
}

func (s *Supervisor) run(ctx context.Context, st *State, api API) {
	logger := s.logger.With("job_id", st.JobID, "remote_id", st.RemoteJobID)
	for {
		if !s.waitInterval(ctx, st) {
			return
		}
		if s.step(ctx, st, api, logger) {
			return
		}
	}
}

// waitInterval sleeps one poll interval while watching for a cancel
// request. It returns false when the loop must exit.
func (s *Supervisor) waitInterval(ctx context.Context, st *State) bool {
	timer := s.clock.After(s.cfg.Interval)
	for {
		changed := s.registry.Changed()
		if s.registry.CancelRequested(st.JobID) {
			s.finish(st, func() (jobs.Job, error) { return s.registry.MarkCancelled(st.JobID, nil) })
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer:
			return true
		case <-changed:
		}
	}
}

// step performs one poll and reports whether the job reached a terminal
// state.
func (s *Supervisor) step(ctx context.Context, st *State, api API, logger *slog.Logger) bool {
	status, err := api.Status(ctx, st.ref())
	st.PollCount++
	metrics.RecordPoll(err == nil)

	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		st.ConsecutiveErrors++
		logger.Warn("poll failed", "poll", st.PollCount, "consecutive_errors", st.ConsecutiveErrors, "error", err)
		if st.ConsecutiveErrors >= s.cfg.MaxConsecutiveErrors || !remote.IsRetryable(err) {
			msg := fmt.Sprintf("polling failed after %d consecutive errors: %v", st.ConsecutiveErrors, err)
			s.finish(st, func() (jobs.Job, error) { return s.registry.Fail(st.JobID, msg, nil) })
			return true
		}
	} else {
		st.ConsecutiveErrors = 0
		st.LastStatus = status.State
		switch status.State {
		case exportapi.StateSucceeded:
			s.succeed(ctx, st, status, logger)
			return true
		case exportapi.StateFailed:
			msg := "remote export failed"
			if status.Message != "" {
				msg += ": " + status.Message
			}
			s.finish(st, func() (jobs.Job, error) { return s.registry.Fail(st.JobID, msg, nil) })
			return true
		}
	}

	elapsed := s.clock.Now().Sub(st.StartedAt)
	if elapsed > s.cfg.MaxDuration {
		msg := fmt.Sprintf("%v after %s and %d polls", ErrTimeout, s.cfg.MaxDuration, st.PollCount)
		s.finish(st, func() (jobs.Job, error) { return s.registry.TimeOut(st.JobID, msg) })
		return true
	}

	percent := float64(elapsed) / float64(s.cfg.MaxDuration) * 100
	if err == nil && status.Percent > 0 {
		percent = status.Percent
	}
	if percent > 99 {
		percent = 99
	}
	_ = s.registry.UpdateProgress(st.JobID, percent, PhasePolling, fmt.Sprintf("poll %d: %s", st.PollCount, st.LastStatus))
	if err := s.states.save(st); err != nil {
		logger.Warn("could not persist poll state", "error", err)
	}
	return false
}

func (s *Supervisor) succeed(ctx context.Context, st *State, status exportapi.Status, logger *slog.Logger) {
	if !st.Request.AutoFetch || status.DownloadURL == "" {
		summary := &jobs.Summary{Outcome: string(transfer.OutcomeComplete)}
		if u, err := url.Parse(status.DownloadURL); err == nil && status.DownloadURL != "" {
			summary.Artifact = safety.RedactURL(u)
		}
		s.finish(st, func() (jobs.Job, error) { return s.registry.Complete(st.JobID, summary) })
		return
	}

	_ = s.registry.UpdateProgress(st.JobID, 0, PhaseDownloading, "fetching export artifact")
	path, n, err := s.fetchArtifact(ctx, st, status.DownloadURL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("artifact download failed", "error", err)
		summary := &jobs.Summary{Outcome: string(transfer.OutcomeFailed), Failed: 1}
		s.finish(st, func() (jobs.Job, error) {
			return s.registry.Fail(st.JobID, "artifact download failed: "+err.Error(), summary)
		})
		return
	}
	summary := &jobs.Summary{
		Outcome:    string(transfer.OutcomeComplete),
		Succeeded:  1,
		TotalBytes: n,
		Artifact:   path,
	}
	s.finish(st, func() (jobs.Job, error) { return s.registry.Complete(st.JobID, summary) })
}

func (s *Supervisor) fetchArtifact(ctx context.Context, st *State, rawURL string) (string, int64, error) {
	if s.fetcher == nil {
		return "", 0, fmt.Errorf("no artifact fetcher configured")
	}
	u, err := safety.ValidateDownloadURL(rawURL)
	if err != nil {
		return "", 0, err
	}
	name, err := safety.SafeFileName(u.Path)
	if err != nil {
		return "", 0, err
	}
	dir := st.Request.Destination
	if dir == "" {
		dir = s.cfg.ExportDir
	}
	if dir == "" {
		return "", 0, fmt.Errorf("no export directory configured")
	}
	dest, err := safety.ObjectPath(dir, name)
	if err != nil {
		return "", 0, err
	}

	res, err := s.fetcher.Fetch(ctx, transfer.FetchOptions{
		URL:        rawURL,
		DestPath:   dest,
		PartialKey: st.RemoteJobID,
		OnProgress: func(written, total int64) {
			if total > 0 {
				_ = s.registry.UpdateProgress(st.JobID, float64(written)/float64(total)*100, PhaseDownloading, "")
			}
		},
	})
	if err != nil {
		return "", 0, err
	}

	m := manifest.Open(dir, s.logger)
	defer m.Close()
	if err := m.Record(remote.Object{Name: name, Size: res.Size}, res.Size, "export:"+st.RemoteJobID); err != nil {
		s.logger.Warn("manifest update failed", "object", name, "error", err)
	}
	return res.Path, res.Size, nil
}

// finish applies a terminal transition and drops the state file.
func (s *Supervisor) finish(st *State, transition func() (jobs.Job, error)) {
	j, err := transition()
	if err != nil {
		s.logger.Warn("terminal transition rejected", "job_id", st.JobID, "error", err)
	} else {
		s.logger.Info("export finished", "job_id", j.ID, "state", j.State, "polls", st.PollCount)
	}
	if err := s.states.remove(st.JobID); err != nil {
		s.logger.Warn("could not remove poll state", "job_id", st.JobID, "error", err)
	}
}
