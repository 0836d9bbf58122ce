package store

import "time"

// JobRecord is the persisted form of a finished job.
type JobRecord struct {
	ID          string
	Kind        string // "download", "export"
	Project     string
	Environment string
	Target      string // container or database
	Filter      string
	Destination string
	Fingerprint string
	State       string // terminal job state
	Phase       string
	Message     string
	RemoteID    string
	Error       string
	Outcome     string
	Succeeded   int
	Failed      int
	Skipped     int
	TotalBytes  int64
	Artifact    string
	CreatedAt   time.Time
	StartedAt   time.Time // zero if the job never started
	CompletedAt time.Time
}

// FailedObject is a dead-letter entry for an object that exhausted its retries
type FailedObject struct {
	ID           int64     `json:"id"`
	Container    string    `json:"container"`
	ObjectName   string    `json:"object_name"`
	DestPath     string    `json:"dest_path,omitempty"`
	Size         int64     `json:"size"`
	Error        string    `json:"error"`
	JobID        string    `json:"job_id"`
	RetryCount   int       `json:"retry_count"`
	FirstFailure time.Time `json:"first_failure"`
	LastFailure  time.Time `json:"last_failure"`
	Resolved     bool      `json:"resolved"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Kind    string
	State   string
	Project string
	Limit   int
}
