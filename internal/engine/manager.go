// Package engine wires the job registry, remote listers, the transfer
// executor and the export poll supervisor into the operations exposed by
// the CLI and the HTTP server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/dxpops/internal/config"
	"github.com/BadgerOps/dxpops/internal/diff"
	"github.com/BadgerOps/dxpops/internal/exportapi"
	"github.com/BadgerOps/dxpops/internal/jobs"
	"github.com/BadgerOps/dxpops/internal/manifest"
	"github.com/BadgerOps/dxpops/internal/metrics"
	"github.com/BadgerOps/dxpops/internal/poll"
	"github.com/BadgerOps/dxpops/internal/remote"
	"github.com/BadgerOps/dxpops/internal/safety"
	"github.com/BadgerOps/dxpops/internal/store"
	"github.com/BadgerOps/dxpops/internal/transfer"
)

// Phases of a download job.
const (
	PhaseListing     = "listing"
	PhaseDownloading = "downloading"
)

// ErrInvalidRequest marks requests rejected before any job was admitted.
var ErrInvalidRequest = errors.New("invalid request")

// Submission reports how a request was admitted.
type Submission = poll.Submission

// DownloadRequest asks for a container to be mirrored into a local directory.
type DownloadRequest struct {
	Project     string `json:"project"`
	Environment string `json:"environment"`
	Container   string `json:"container"`
	Prefix      string `json:"prefix,omitempty"`
	Filter      string `json:"filter,omitempty"`
	Destination string `json:"destination,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// Preview is the plan a download would execute.
type Preview struct {
	Descriptor      jobs.Descriptor `json:"descriptor"`
	Stats           diff.Stats      `json:"stats"`
	ToFetch         []remote.Object `json:"to_fetch"`
	Estimate        time.Duration   `json:"estimate"`
	ManifestWarning string          `json:"manifest_warning,omitempty"`
	// Overlapping lists live jobs doing the same work.
	Overlapping []jobs.Job `json:"overlapping,omitempty"`
}

// Options supply the Manager's collaborators. Zero values get production
// defaults.
type Options struct {
	Store      *store.Store
	Containers ContainerFactory
	APIs       poll.APIResolver
	Fetcher    poll.Fetcher
	Clock      poll.Clock
	Logger     *slog.Logger
}

// Manager is the entry point for starting, inspecting and cancelling jobs.
type Manager struct {
	cfg        *config.Config
	registry   *jobs.Registry
	supervisor *poll.Supervisor
	scheduler  *Scheduler
	containers ContainerFactory
	store      *store.Store
	logger     *slog.Logger

	apiMu sync.Mutex
	apis  map[string]poll.API

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager for cfg.
func NewManager(cfg *config.Config, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		scheduler:  NewScheduler(cfg.MaxConcurrentJobs, logger),
		containers: opts.Containers,
		store:      opts.Store,
		logger:     logger,
		apis:       make(map[string]poll.API),
		ctx:        ctx,
		cancel:     cancel,
	}
	if m.containers == nil {
		m.containers = DefaultContainers(logger)
	}

	regCfg := jobs.Config{HistoryLimit: cfg.HistoryLimit, Logger: logger}
	if m.store != nil {
		regCfg.History = storeHistory{st: m.store}
		if cfg.HistoryRetain > 0 {
			if n, err := m.store.PruneJobs(cfg.HistoryRetain); err != nil {
				logger.Warn("could not prune job history", "error", err)
			} else if n > 0 {
				logger.Info("pruned job history", "removed", n)
			}
		}
	}
	m.registry = jobs.NewRegistry(regCfg)
	m.registry.OnTransition(recordTransition)

	apis := opts.APIs
	if apis == nil {
		apis = m.apiFor
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = transfer.NewHTTPFetcher(nil, m.retryPolicy(), logger)
	}
	m.supervisor = poll.New(apis, fetcher, m.registry, poll.Config{
		Interval:             cfg.Poll.Interval,
		MaxDuration:          cfg.Poll.MaxDuration,
		MaxConsecutiveErrors: cfg.Poll.MaxConsecutiveErrors,
		StateDir:             cfg.StateDir(),
		ExportDir:            cfg.ExportDir(),
	}, opts.Clock, logger)

	return m
}

func recordTransition(from jobs.State, j jobs.Job) {
	kind := string(j.Descriptor.Kind)
	metrics.RecordTransition(kind, string(from), string(j.State), from.Live(), j.State.Live())
	if j.State.Terminal() && j.StartedAt != nil && j.CompletedAt != nil {
		metrics.RecordJobDuration(kind, string(j.State), j.CompletedAt.Sub(*j.StartedAt))
	}
}

func (m *Manager) retryPolicy() transfer.RetryPolicy {
	return transfer.RetryPolicy{
		Attempts:  m.cfg.Transfer.RetryAttempts,
		BaseDelay: m.cfg.Transfer.RetryBaseDelay,
		MaxDelay:  m.cfg.Transfer.RetryMaxDelay,
	}
}

func (m *Manager) transferConfig() transfer.Config {
	return transfer.Config{
		Retry:            m.retryPolicy(),
		ProgressEvery:    m.cfg.Transfer.ProgressEvery,
		ProgressInterval: m.cfg.Transfer.ProgressInterval,
		Throughput:       m.cfg.Throughput(),
	}
}

// apiFor returns a cached export API client for a configured project.
func (m *Manager) apiFor(project string) (poll.API, error) {
	p, err := m.cfg.ResolveProject(project)
	if err != nil {
		return nil, err
	}
	m.apiMu.Lock()
	defer m.apiMu.Unlock()
	if api, ok := m.apis[p.Name]; ok {
		return api, nil
	}
	client, err := exportapi.New(exportapi.Config{
		BaseURL:      p.BaseURL,
		ProjectID:    p.ID,
		ClientKey:    p.APIKey,
		ClientSecret: p.APISecret,
	}, m.logger)
	if err != nil {
		return nil, err
	}
	m.apis[p.Name] = client
	return client, nil
}

// downloadPlan is a resolved DownloadRequest.
type downloadPlan struct {
	desc      jobs.Descriptor
	container config.ContainerConfig
	prefix    string
	filter    *diff.Filter
	dest      string
	// dlqKey names the container in failed-object records.
	dlqKey string
}

func (m *Manager) resolveDownload(req DownloadRequest) (downloadPlan, error) {
	p, err := m.cfg.ResolveProject(req.Project)
	if err != nil {
		return downloadPlan{}, err
	}
	env := strings.TrimSpace(req.Environment)
	if env == "" {
		return downloadPlan{}, fmt.Errorf("%w: environment is required", ErrInvalidRequest)
	}
	ct, err := p.Container(env, req.Container)
	if err != nil {
		return downloadPlan{}, err
	}
	filter, err := diff.CompileFilter(req.Filter)
	if err != nil {
		return downloadPlan{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	dest := req.Destination
	if dest == "" {
		parts := []string{m.cfg.DownloadRoot()}
		for _, seg := range []string{p.Name, env, ct.Name} {
			name, err := safety.SafeFileName(seg)
			if err != nil {
				return downloadPlan{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			parts = append(parts, name)
		}
		dest = filepath.Join(parts...)
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return downloadPlan{}, fmt.Errorf("resolving destination: %w", err)
	}

	prefix := strings.Trim(req.Prefix, "/")
	target := ct.Name
	if prefix != "" {
		target += "/" + prefix
	}
	return downloadPlan{
		desc: jobs.Descriptor{
			Kind:        jobs.KindDownload,
			Project:     p.Name,
			Environment: env,
			Target:      target,
			Filter:      filter.String(),
			Destination: dest,
		},
		container: *ct,
		prefix:    req.Prefix,
		filter:    filter,
		dest:      dest,
		dlqKey:    p.Name + "/" + env + "/" + ct.Name,
	}, nil
}

// Preview lists the container and reports what a download would fetch
// without writing anything or registering a job.
func (m *Manager) Preview(ctx context.Context, req DownloadRequest) (*Preview, error) {
	plan, err := m.resolveDownload(req)
	if err != nil {
		return nil, err
	}
	src, err := m.containers(ctx, plan.container, plan.prefix)
	if err != nil {
		return nil, fmt.Errorf("opening container %s: %w", plan.container.Name, err)
	}
	objects, err := remote.ListAll(ctx, src)
	if err != nil {
		return nil, err
	}
	mf := manifest.Load(plan.dest, m.logger)
	result := diff.Diff(objects, mf, plan.filter)

	pv := &Preview{
		Descriptor:  plan.desc,
		Stats:       result.Stats,
		ToFetch:     result.ToFetch,
		Estimate:    result.Estimate(m.cfg.Throughput()),
		Overlapping: m.registry.CheckOverlap(plan.desc),
	}
	if err := mf.LoadErr(); err != nil {
		pv.ManifestWarning = err.Error()
	}
	return pv, nil
}

// StartDownload admits a download. A new job runs in the background once
// the scheduler has a free slot; an identical live job is attached to.
func (m *Manager) StartDownload(req DownloadRequest) (Submission, error) {
	plan, err := m.resolveDownload(req)
	if err != nil {
		return Submission{}, err
	}
	job, adm, err := m.registry.Admit(plan.desc, jobs.AdmitOptions{
		Force:     req.Force,
		Exclusive: true,
		OnRelease: func(j jobs.Job) { m.launch(j.ID, plan) },
	})
	if err != nil {
		return Submission{}, err
	}
	metrics.RecordAdmission(string(jobs.KindDownload), string(adm))

	switch adm {
	case jobs.AdmissionAttached:
		m.logger.Info("download already running, attaching", "job_id", job.ID, "container", plan.container.Name)
	case jobs.AdmissionQueued:
		m.logger.Info("download queued", "job_id", job.ID, "blocked_by", job.BlockedBy)
	default:
		m.launch(job.ID, plan)
	}
	return Submission{Job: job, Admission: adm}, nil
}

func (m *Manager) launch(id string, plan downloadPlan) {
	m.scheduler.Go(m.ctx, id, func(ctx context.Context) {
		m.runDownload(ctx, id, plan)
	}, func(error) {
		if _, err := m.registry.Cancel(id); err != nil {
			m.logger.Debug("could not cancel unscheduled job", "job_id", id, "error", err)
		}
	})
}

func (m *Manager) runDownload(ctx context.Context, id string, plan downloadPlan) {
	logger := m.logger.With("job_id", id, "container", plan.container.Name)
	if _, err := m.registry.Start(id); err != nil {
		// Cancelled while waiting for a slot.
		logger.Info("download no longer runnable", "error", err)
		return
	}
	_ = m.registry.UpdateProgress(id, 0, PhaseListing, "listing "+plan.desc.Target)

	src, err := m.containers(ctx, plan.container, plan.prefix)
	if err != nil {
		m.fail(logger, id, fmt.Sprintf("opening container: %v", err), nil)
		return
	}
	objects, err := remote.ListAll(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			m.cancelled(logger, id, &jobs.Summary{Outcome: string(transfer.OutcomePartial)})
			return
		}
		m.fail(logger, id, fmt.Sprintf("listing failed: %v", err), nil)
		return
	}
	if m.registry.CancelRequested(id) {
		m.cancelled(logger, id, &jobs.Summary{Outcome: string(transfer.OutcomePartial)})
		return
	}

	mf := manifest.Open(plan.dest, logger)
	defer mf.Close()
	result := diff.Diff(objects, mf, plan.filter)
	metrics.RecordSkipped(result.Stats.SkipCount)
	logger.Info("download planned",
		"filter", plan.filter.String(),
		"wildcard", plan.filter.IsWildcard(),
		"listed", result.Stats.ListedCount,
		"matched", result.Stats.FilteredCount,
		"fetch", result.Stats.FetchCount,
		"fetch_bytes", result.Stats.FetchBytes,
		"skip", result.Stats.SkipCount,
	)
	_ = m.registry.UpdateProgress(id, 0, PhaseDownloading, planMessage(result.Stats))

	exec := transfer.NewExecutor(src, m.transferConfig(), logger)
	sum, err := exec.Run(ctx, result.ToFetch, plan.dest, transfer.Options{
		Manifest: mf,
		Source:   plan.container.Name,
		OnProgress: func(p transfer.Progress) {
			_ = m.registry.UpdateProgress(id, p.Percent, PhaseDownloading, progressMessage(p))
		},
		OnObject: func(obj remote.Object, written int64, attempts int, err error) {
			m.recordObject(logger, id, plan, obj, written, attempts, err)
		},
		Cancelled: func() bool { return m.registry.CancelRequested(id) },
	})
	if err != nil {
		m.fail(logger, id, err.Error(), nil)
		return
	}

	summary := &jobs.Summary{
		Outcome:    string(sum.Outcome()),
		Succeeded:  len(sum.Succeeded),
		Failed:     len(sum.Failed),
		Skipped:    result.Stats.SkipCount,
		TotalBytes: sum.TotalBytes,
	}
	switch {
	case sum.Cancelled:
		m.cancelled(logger, id, summary)
	case sum.Outcome() == transfer.OutcomeFailed:
		msg := fmt.Sprintf("all %d objects failed; first error: %s", len(sum.Failed), sum.Failed[0].Error)
		m.fail(logger, id, msg, summary)
	default:
		if _, err := m.registry.Complete(id, summary); err != nil {
			logger.Error("could not complete job", "error", err)
		}
	}
}

func (m *Manager) fail(logger *slog.Logger, id, msg string, summary *jobs.Summary) {
	logger.Error("download failed", "error", msg)
	if _, err := m.registry.Fail(id, msg, summary); err != nil {
		logger.Error("could not mark job failed", "error", err)
	}
}

func (m *Manager) cancelled(logger *slog.Logger, id string, summary *jobs.Summary) {
	logger.Info("download cancelled")
	if _, err := m.registry.MarkCancelled(id, summary); err != nil {
		logger.Error("could not mark job cancelled", "error", err)
	}
}

// recordObject keeps metrics and the failed-object records in step with
// each executor result.
func (m *Manager) recordObject(logger *slog.Logger, id string, plan downloadPlan, obj remote.Object, written int64, attempts int, err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	metrics.RecordObject(written, err == nil)
	if m.store == nil {
		return
	}
	if err == nil {
		if _, rerr := m.store.ResolveFailedObjects(plan.dlqKey, obj.Name); rerr != nil {
			logger.Warn("could not resolve failed object record", "object", obj.Name, "error", rerr)
		}
		return
	}
	destPath, _ := safety.ObjectPath(plan.dest, obj.Name)
	rec := &store.FailedObject{
		Container:  plan.dlqKey,
		ObjectName: obj.Name,
		DestPath:   destPath,
		Size:       obj.Size,
		Error:      err.Error(),
		JobID:      id,
		RetryCount: attempts,
	}
	if serr := m.store.AddFailedObject(rec); serr != nil {
		logger.Warn("could not record failed object", "object", obj.Name, "error", serr)
	}
}

func planMessage(s diff.Stats) string {
	return fmt.Sprintf("fetching %d objects (%s), %d already current (%s)",
		s.FetchCount, humanize.IBytes(uint64(s.FetchBytes)),
		s.SkipCount, humanize.IBytes(uint64(s.SkipBytes)))
}

func progressMessage(p transfer.Progress) string {
	msg := fmt.Sprintf("%d/%d objects, %s of %s",
		p.Done, p.Total, humanize.IBytes(uint64(p.Bytes)), humanize.IBytes(uint64(p.TotalBytes)))
	if p.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", p.Failed)
	}
	if p.ETA > 0 {
		msg += ", about " + p.ETA.String() + " left"
	}
	return msg
}

// StartExport resolves the project and hands the request to the poll
// supervisor.
func (m *Manager) StartExport(ctx context.Context, req poll.ExportRequest) (Submission, error) {
	p, err := m.cfg.ResolveProject(req.Project)
	if err != nil {
		return Submission{}, err
	}
	if strings.TrimSpace(req.Environment) == "" || strings.TrimSpace(req.Database) == "" {
		return Submission{}, fmt.Errorf("%w: environment and database are required", ErrInvalidRequest)
	}
	if !p.HasEnvironment(req.Environment) {
		return Submission{}, fmt.Errorf("project %s: %q: %w", p.Name, req.Environment, config.ErrEnvironmentNotFound)
	}
	req.Project = p.Name
	if req.Destination != "" {
		abs, err := filepath.Abs(req.Destination)
		if err != nil {
			return Submission{}, fmt.Errorf("resolving destination: %w", err)
		}
		req.Destination = abs
	}

	sub, err := m.supervisor.Submit(ctx, req)
	if sub.Job.ID != "" {
		metrics.RecordAdmission(string(jobs.KindExport), string(sub.Admission))
	}
	return sub, err
}

// Resume picks up exports that were being polled when the process stopped.
func (m *Manager) Resume(ctx context.Context) ([]jobs.Job, error) {
	return m.supervisor.Resume(ctx)
}

// Cancel cancels a job. Active jobs stop at their next checkpoint.
func (m *Manager) Cancel(id string) (jobs.Job, error) {
	return m.registry.Cancel(id)
}

// Job returns a live or recently finished job, falling back to the
// persisted history.
func (m *Manager) Job(id string) (jobs.Job, error) {
	j, err := m.registry.Get(id)
	if err == nil || !errors.Is(err, jobs.ErrNotFound) || m.store == nil {
		return j, err
	}
	rec, serr := m.store.GetJob(id)
	if serr != nil {
		if errors.Is(serr, store.ErrNotFound) {
			return jobs.Job{}, err
		}
		return jobs.Job{}, serr
	}
	return jobFromRecord(*rec), nil
}

// Jobs lists the jobs held in memory, oldest first.
func (m *Manager) Jobs() []jobs.Job {
	return m.registry.List()
}

// History lists persisted finished jobs, newest first.
func (m *Manager) History(f store.JobFilter) ([]jobs.Job, error) {
	if m.store == nil {
		return nil, nil
	}
	recs, err := m.store.ListJobs(f)
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Job, 0, len(recs))
	for _, rec := range recs {
		out = append(out, jobFromRecord(rec))
	}
	return out, nil
}

// FailedObjects lists unresolved object failures. An empty container lists
// all of them.
func (m *Manager) FailedObjects(container string) ([]store.FailedObject, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListFailedObjects(container)
}

// ResolveFailure marks one failed-object record as handled.
func (m *Manager) ResolveFailure(id int64) error {
	if m.store == nil {
		return fmt.Errorf("failed object %d: %w", id, store.ErrNotFound)
	}
	return m.store.ResolveFailedObject(id)
}

// Wait blocks until the job is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (jobs.Job, error) {
	return m.registry.Wait(ctx, id)
}

// Changed returns a channel closed at the next job mutation.
func (m *Manager) Changed() <-chan struct{} {
	return m.registry.Changed()
}

// Close stops background work. Running downloads stop before their next
// object; polled exports keep their state files for Resume.
func (m *Manager) Close() {
	m.cancel()
	m.scheduler.Wait()
	m.supervisor.Close()
}
