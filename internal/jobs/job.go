// Package jobs tracks long-running transfer and export jobs so that
// overlapping requests attach to, or queue behind, the work already
// running instead of duplicating it.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// Kind distinguishes the two families of work.
type Kind string

const (
	KindDownload Kind = "download"
	KindExport   Kind = "export"
)

// State is a job's lifecycle position.
type State string

const (
	StateQueued    State = "queued"
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Live reports whether the job still holds, or waits for, its resource.
func (s State) Live() bool {
	return s == StateQueued || s == StatePending || s == StateActive
}

var transitions = map[State][]State{
	StateQueued:  {StatePending, StateCancelled},
	StatePending: {StateActive, StateFailed, StateCancelled},
	StateActive:  {StateSucceeded, StateFailed, StateCancelled, StateTimedOut},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrExists            = errors.New("job already exists")
)

// Descriptor identifies what a job works on.
type Descriptor struct {
	Kind        Kind   `json:"kind"`
	Project     string `json:"project"`
	Environment string `json:"environment"`
	// Target is the container for downloads or the database for exports.
	Target string `json:"target"`
	// Filter is the object filter for downloads or the date range for exports.
	Filter      string `json:"filter,omitempty"`
	Destination string `json:"destination,omitempty"`
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Fingerprint identifies requests for the same work. Case and surrounding
// whitespace in the remote-facing fields do not change it; the destination
// is compared as a cleaned path, case intact.
func (d Descriptor) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{string(d.Kind), d.Project, d.Target, d.Environment, d.Filter} {
		h.Write([]byte(normalize(part)))
		h.Write([]byte{0})
	}
	if d.Destination != "" {
		h.Write([]byte(filepath.Clean(d.Destination)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResourceKey names the resource a job contends for. Export jobs on one
// project environment share a key regardless of database; downloads share
// a key when they write into the same destination directory, since that
// directory has a single manifest.
func (d Descriptor) ResourceKey() string {
	if d.Kind == KindDownload && d.Destination != "" {
		return string(KindDownload) + ":" + filepath.Clean(d.Destination)
	}
	return normalize(string(d.Kind)) + "/" + normalize(d.Project) + "/" + normalize(d.Environment)
}

// Summary is the result attached to a finished job.
type Summary struct {
	Outcome    string `json:"outcome"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	TotalBytes int64  `json:"total_bytes"`
	Artifact   string `json:"artifact,omitempty"`
}

// Job is a snapshot of one tracked job. Values returned by the Registry are
// copies and may be kept or modified freely.
type Job struct {
	ID              string     `json:"id"`
	Fingerprint     string     `json:"fingerprint"`
	ResourceKey     string     `json:"resource_key"`
	Descriptor      Descriptor `json:"descriptor"`
	State           State      `json:"state"`
	Percent         float64    `json:"percent"`
	Phase           string     `json:"phase,omitempty"`
	Message         string     `json:"message,omitempty"`
	RemoteID        string     `json:"remote_id,omitempty"`
	BlockedBy       string     `json:"blocked_by,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	Summary         *Summary   `json:"summary,omitempty"`
}

func (j Job) clone() Job {
	c := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Summary != nil {
		s := *j.Summary
		c.Summary = &s
	}
	return c
}

// Elapsed is the time since the job started, or its total run time once
// finished.
func (j Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return now.Sub(*j.StartedAt)
}
