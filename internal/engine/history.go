package engine

import (
	"time"

	"github.com/BadgerOps/dxpops/internal/jobs"
	"github.com/BadgerOps/dxpops/internal/store"
)

// storeHistory persists finished jobs to SQLite.
type storeHistory struct {
	st *store.Store
}

func (h storeHistory) SaveJob(j jobs.Job) error {
	return h.st.SaveJob(recordFromJob(j))
}

func recordFromJob(j jobs.Job) *store.JobRecord {
	rec := &store.JobRecord{
		ID:          j.ID,
		Kind:        string(j.Descriptor.Kind),
		Project:     j.Descriptor.Project,
		Environment: j.Descriptor.Environment,
		Target:      j.Descriptor.Target,
		Filter:      j.Descriptor.Filter,
		Destination: j.Descriptor.Destination,
		Fingerprint: j.Fingerprint,
		State:       string(j.State),
		Phase:       j.Phase,
		Message:     j.Message,
		RemoteID:    j.RemoteID,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
	}
	if j.StartedAt != nil {
		rec.StartedAt = *j.StartedAt
	}
	if j.CompletedAt != nil {
		rec.CompletedAt = *j.CompletedAt
	}
	if s := j.Summary; s != nil {
		rec.Outcome = s.Outcome
		rec.Succeeded = s.Succeeded
		rec.Failed = s.Failed
		rec.Skipped = s.Skipped
		rec.TotalBytes = s.TotalBytes
		rec.Artifact = s.Artifact
	}
	return rec
}

func jobFromRecord(rec store.JobRecord) jobs.Job {
	desc := jobs.Descriptor{
		Kind:        jobs.Kind(rec.Kind),
		Project:     rec.Project,
		Environment: rec.Environment,
		Target:      rec.Target,
		Filter:      rec.Filter,
		Destination: rec.Destination,
	}
	j := jobs.Job{
		ID:          rec.ID,
		Fingerprint: rec.Fingerprint,
		ResourceKey: desc.ResourceKey(),
		Descriptor:  desc,
		State:       jobs.State(rec.State),
		Phase:       rec.Phase,
		Message:     rec.Message,
		RemoteID:    rec.RemoteID,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   timePtr(rec.StartedAt),
		CompletedAt: timePtr(rec.CompletedAt),
	}
	if j.State == jobs.StateSucceeded {
		j.Percent = 100
	}
	if rec.Outcome != "" {
		j.Summary = &jobs.Summary{
			Outcome:    rec.Outcome,
			Succeeded:  rec.Succeeded,
			Failed:     rec.Failed,
			Skipped:    rec.Skipped,
			TotalBytes: rec.TotalBytes,
			Artifact:   rec.Artifact,
		}
	}
	return j
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
