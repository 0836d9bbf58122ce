package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// History persists finished jobs beyond the in-memory retention window.
type History interface {
	SaveJob(Job) error
}

// Admission says how a request was handled.
type Admission string

const (
	// AdmissionNew means a fresh pending job was created.
	AdmissionNew Admission = "new"
	// AdmissionAttached means an identical live job already existed.
	AdmissionAttached Admission = "attached"
	// AdmissionQueued means the job waits for a conflicting one to finish.
	AdmissionQueued Admission = "queued"
)

// AdmitOptions control overlap handling.
type AdmitOptions struct {
	// Force asks for a new job even when an identical one is live. The
	// existing job is asked to cancel and the new one queues behind it.
	Force bool
	// Exclusive serializes jobs that share a resource key.
	Exclusive bool
	// OnRelease runs, in its own goroutine, when a queued job becomes
	// pending.
	OnRelease func(Job)
}

// Config tunes a Registry.
type Config struct {
	// HistoryLimit caps finished jobs kept in memory.
	HistoryLimit int
	History      History
	Logger       *slog.Logger
	Now          func() time.Time
}

type record struct {
	job       Job
	seq       int
	exclusive bool
	onRelease func(Job)
}

type event struct {
	from     State
	job      Job
	released func(Job)
}

// Registry is the single owner of job state. All methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*record
	seq    int
	notify chan struct{}

	terminalHooks   []func(Job)
	transitionHooks []func(from State, j Job)

	historyLimit int
	history      History
	logger       *slog.Logger
	now          func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Registry{
		jobs:         make(map[string]*record),
		notify:       make(chan struct{}),
		historyLimit: cfg.HistoryLimit,
		history:      cfg.History,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// OnTerminal registers fn to run after any job reaches a terminal state.
func (r *Registry) OnTerminal(fn func(Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminalHooks = append(r.terminalHooks, fn)
}

// OnTransition registers fn to run after every state change, including
// job creation (from is empty then).
func (r *Registry) OnTransition(fn func(from State, j Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitionHooks = append(r.transitionHooks, fn)
}

// Changed returns a channel closed at the next mutation.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notify
}

// signalLocked closes the notify channel and replaces it. Must be called
// with r.mu held for writing.
func (r *Registry) signalLocked() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// Register creates a job for desc unless an identical one is live, in which
// case that job's id is returned with attached set.
func (r *Registry) Register(desc Descriptor, force bool) (string, bool, error) {
	j, adm, err := r.Admit(desc, AdmitOptions{Force: force})
	if err != nil {
		return "", false, err
	}
	return j.ID, adm == AdmissionAttached, nil
}

// Admit decides, atomically, whether desc attaches to a live job, queues
// behind a conflicting one, or starts fresh as a pending job.
func (r *Registry) Admit(desc Descriptor, opts AdmitOptions) (Job, Admission, error) {
	r.mu.Lock()

	fp := desc.Fingerprint()
	var events []event

	blockedBy := ""
	for {
		same := r.latestLiveLocked(func(j Job) bool { return j.Fingerprint == fp }, -1)
		if same == nil {
			break
		}
		if !opts.Force {
			j := same.job.clone()
			r.mu.Unlock()
			r.logger.Debug("attached to live job", "job_id", j.ID, "state", j.State)
			return j, AdmissionAttached, nil
		}
		if same.job.State == StateActive {
			same.job.CancelRequested = true
			blockedBy = same.job.ID
			break
		}
		// Waiting duplicates are superseded outright.
		from := same.job.State
		r.finishLocked(same, StateCancelled, "superseded by forced request", nil)
		events = append(events, event{from: from, job: same.job.clone()})
		events = append(events, r.releaseLocked(same.job.ID)...)
	}
	if blockedBy == "" && opts.Exclusive {
		key := desc.ResourceKey()
		if other := r.latestLiveLocked(func(j Job) bool { return j.ResourceKey == key }, -1); other != nil {
			blockedBy = other.job.ID
		}
	}

	r.seq++
	rec := &record{
		job: Job{
			ID:          uuid.NewString(),
			Fingerprint: fp,
			ResourceKey: desc.ResourceKey(),
			Descriptor:  desc,
			State:       StatePending,
			CreatedAt:   r.now(),
		},
		seq:       r.seq,
		exclusive: opts.Exclusive,
		onRelease: opts.OnRelease,
	}
	adm := AdmissionNew
	if blockedBy != "" {
		rec.job.State = StateQueued
		rec.job.BlockedBy = blockedBy
		rec.job.Message = "waiting for " + blockedBy
		adm = AdmissionQueued
	}
	r.jobs[rec.job.ID] = rec
	events = append(events, event{job: rec.job.clone()})
	r.pruneLocked()
	r.signalLocked()
	j := rec.job.clone()
	r.mu.Unlock()

	r.emit(events)
	r.logger.Info("job admitted", "job_id", j.ID, "kind", desc.Kind, "admission", adm, "blocked_by", blockedBy)
	return j, adm, nil
}

// Adopt restores a job that was active before a restart, keeping its id and
// original start time.
func (r *Registry) Adopt(id string, desc Descriptor, startedAt time.Time, remoteID string) (Job, error) {
	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	r.seq++
	started := startedAt
	rec := &record{
		job: Job{
			ID:          id,
			Fingerprint: desc.Fingerprint(),
			ResourceKey: desc.ResourceKey(),
			Descriptor:  desc,
			State:       StateActive,
			Phase:       "polling",
			RemoteID:    remoteID,
			CreatedAt:   startedAt,
			StartedAt:   &started,
		},
		seq:       r.seq,
		exclusive: desc.Kind == KindExport,
	}
	r.jobs[id] = rec
	r.signalLocked()
	j := rec.job.clone()
	r.mu.Unlock()

	r.emit([]event{{job: j}})
	return j, nil
}

// Start moves a pending job to active.
func (r *Registry) Start(id string) (Job, error) {
	return r.transition(id, StateActive, "", nil)
}

// Complete marks an active job succeeded.
func (r *Registry) Complete(id string, summary *Summary) (Job, error) {
	return r.transition(id, StateSucceeded, "", summary)
}

// Fail marks a pending or active job failed.
func (r *Registry) Fail(id, msg string, summary *Summary) (Job, error) {
	return r.transition(id, StateFailed, msg, summary)
}

// TimeOut marks an active job as having exceeded its time budget.
func (r *Registry) TimeOut(id, msg string) (Job, error) {
	return r.transition(id, StateTimedOut, msg, nil)
}

// MarkCancelled is called by the worker once it has honoured a cancel
// request.
func (r *Registry) MarkCancelled(id string, summary *Summary) (Job, error) {
	return r.transition(id, StateCancelled, "cancelled", summary)
}

// Cancel cancels a queued or pending job at once. An active job only has
// its cancel flag raised; the worker stops at its next checkpoint and calls
// MarkCancelled.
func (r *Registry) Cancel(id string) (Job, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch rec.job.State {
	case StateActive:
		rec.job.CancelRequested = true
		rec.job.Message = "cancel requested"
		r.signalLocked()
		j := rec.job.clone()
		r.mu.Unlock()
		r.logger.Info("cancel requested", "job_id", id)
		return j, nil
	case StateQueued, StatePending:
		r.mu.Unlock()
		return r.transition(id, StateCancelled, "cancelled", nil)
	default:
		from := rec.job.State
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, from)
	}
}

// CancelRequested reports whether the job should stop at its next checkpoint.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	return ok && rec.job.CancelRequested
}

// UpdateProgress records progress on an active job. Percent is clamped to
// 0..100; a phase change may move it backwards.
func (r *Registry) UpdateProgress(id string, percent float64, phase, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.job.State != StateActive {
		return fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, rec.job.State)
	}
	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}
	rec.job.Percent = percent
	if phase != "" {
		rec.job.Phase = phase
	}
	if message != "" {
		rec.job.Message = message
	}
	r.signalLocked()
	return nil
}

// SetRemoteID records the remote service's id for the job.
func (r *Registry) SetRemoteID(id, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.job.RemoteID = remoteID
	r.signalLocked()
	return nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.job.clone(), nil
}

// List returns all retained jobs, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.sortedLocked()
	out := make([]Job, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.job.clone())
	}
	return out
}

// CheckOverlap returns live jobs sharing desc's fingerprint without
// changing anything.
func (r *Registry) CheckOverlap(desc Descriptor) []Job {
	fp := desc.Fingerprint()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Job
	for _, rec := range r.sortedLocked() {
		if rec.job.State.Live() && rec.job.Fingerprint == fp {
			out = append(out, rec.job.clone())
		}
	}
	return out
}

// ActiveForResource returns the pending or active job holding key.
func (r *Registry) ActiveForResource(key string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.sortedLocked() {
		s := rec.job.State
		if rec.job.ResourceKey == key && (s == StatePending || s == StateActive) {
			return rec.job.clone(), true
		}
	}
	return Job{}, false
}

// Wait blocks until the job is terminal or ctx ends.
func (r *Registry) Wait(ctx context.Context, id string) (Job, error) {
	for {
		ch := r.Changed()
		j, err := r.Get(id)
		if err != nil {
			return Job{}, err
		}
		if j.State.Terminal() {
			return j, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return j, ctx.Err()
		}
	}
}

func (r *Registry) transition(id string, to State, msg string, summary *Summary) (Job, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := rec.job.State
	if !canTransition(from, to) {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var events []event
	if to.Terminal() {
		r.finishLocked(rec, to, msg, summary)
		events = append(events, event{from: from, job: rec.job.clone()})
		events = append(events, r.releaseLocked(id)...)
		r.pruneLocked()
	} else {
		rec.job.State = to
		if to == StateActive {
			now := r.now()
			rec.job.StartedAt = &now
			rec.job.Message = ""
		}
		events = append(events, event{from: from, job: rec.job.clone()})
	}
	r.signalLocked()
	j := rec.job.clone()
	r.mu.Unlock()

	r.emit(events)
	return j, nil
}

// finishLocked stamps a terminal state. Must be called with r.mu held.
func (r *Registry) finishLocked(rec *record, to State, msg string, summary *Summary) {
	now := r.now()
	rec.job.State = to
	rec.job.CompletedAt = &now
	rec.job.BlockedBy = ""
	if to == StateSucceeded {
		rec.job.Percent = 100
		rec.job.Phase = "complete"
	}
	if to != StateSucceeded && msg != "" {
		rec.job.Error = msg
	}
	if summary != nil {
		s := *summary
		rec.job.Summary = &s
	}
}

// releaseLocked re-evaluates every job queued behind id. A queued job whose
// conflict is gone becomes pending; otherwise it is re-pointed at the next
// live job it conflicts with. Must be called with r.mu held.
func (r *Registry) releaseLocked(id string) []event {
	var events []event
	for _, rec := range r.sortedLocked() {
		if rec.job.State != StateQueued || rec.job.BlockedBy != id {
			continue
		}
		waiter := rec
		conflicts := func(j Job) bool {
			if j.ID == waiter.job.ID {
				return false
			}
			if waiter.exclusive && j.ResourceKey == waiter.job.ResourceKey {
				return true
			}
			return j.Fingerprint == waiter.job.Fingerprint
		}
		if next := r.latestLiveLocked(conflicts, waiter.seq); next != nil {
			waiter.job.BlockedBy = next.job.ID
			waiter.job.Message = "waiting for " + next.job.ID
			continue
		}
		waiter.job.State = StatePending
		waiter.job.BlockedBy = ""
		waiter.job.Message = ""
		events = append(events, event{from: StateQueued, job: waiter.job.clone(), released: waiter.onRelease})
	}
	return events
}

// latestLiveLocked finds the most recently created live job matching fn,
// considering only jobs created before seq when seq is positive.
func (r *Registry) latestLiveLocked(fn func(Job) bool, seq int) *record {
	var best *record
	for _, rec := range r.jobs {
		if !rec.job.State.Live() || !fn(rec.job) {
			continue
		}
		if seq > 0 && rec.seq >= seq {
			continue
		}
		if best == nil || rec.seq > best.seq {
			best = rec
		}
	}
	return best
}

// pruneLocked drops the oldest finished jobs beyond the history limit.
func (r *Registry) pruneLocked() {
	var finished []*record
	for _, rec := range r.jobs {
		if rec.job.State.Terminal() {
			finished = append(finished, rec)
		}
	}
	if len(finished) <= r.historyLimit {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].seq < finished[j].seq })
	for _, rec := range finished[:len(finished)-r.historyLimit] {
		delete(r.jobs, rec.job.ID)
	}
}

func (r *Registry) sortedLocked() []*record {
	recs := make([]*record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	return recs
}

// emit runs hooks outside the lock.
func (r *Registry) emit(events []event) {
	if len(events) == 0 {
		return
	}
	r.mu.RLock()
	transitionHooks := slices.Clone(r.transitionHooks)
	terminalHooks := slices.Clone(r.terminalHooks)
	r.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range transitionHooks {
			fn(ev.from, ev.job)
		}
		if ev.job.State.Terminal() {
			r.logger.Info("job finished", "job_id", ev.job.ID, "state", ev.job.State, "error", ev.job.Error)
			if r.history != nil {
				if err := r.history.SaveJob(ev.job); err != nil {
					r.logger.Warn("failed to persist job history", "job_id", ev.job.ID, "error", err)
				}
			}
			for _, fn := range terminalHooks {
				fn(ev.job)
			}
		}
		if ev.released != nil {
			r.logger.Info("queued job released", "job_id", ev.job.ID)
			go ev.released(ev.job)
		}
	}
}
