// Package transfer streams remote objects to local disk one at a time,
// isolating per-object failures and keeping the destination manifest in
// step with what has actually been written.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/dxpops/internal/manifest"
	"github.com/BadgerOps/dxpops/internal/remote"
	"github.com/BadgerOps/dxpops/internal/safety"
)

// DefaultThroughput is the assumed transfer rate, in bytes per second, when
// Config.Throughput is unset.
const DefaultThroughput int64 = 10 << 20

// Estimate is the expected duration for bytes at throughput bytes per second.
func Estimate(bytes, throughput int64) time.Duration {
	if bytes <= 0 || throughput <= 0 {
		return 0
	}
	return time.Duration(float64(bytes) / float64(throughput) * float64(time.Second)).Round(time.Second)
}

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeEmpty    Outcome = "empty"
	OutcomeComplete Outcome = "complete"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
)

// Item is one successfully written object.
type Item struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FailedItem is an object that could not be written after all retries.
type FailedItem struct {
	Name     string `json:"name"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Summary reports what a run did.
type Summary struct {
	Succeeded  []Item        `json:"succeeded"`
	Failed     []FailedItem  `json:"failed"`
	TotalBytes int64         `json:"total_bytes"`
	Cancelled  bool          `json:"cancelled"`
	Duration   time.Duration `json:"duration"`
}

// Outcome distinguishes a clean run, a partial one, and an outright failure.
func (s *Summary) Outcome() Outcome {
	switch {
	case len(s.Succeeded) == 0 && len(s.Failed) == 0:
		if s.Cancelled {
			return OutcomePartial
		}
		return OutcomeEmpty
	case len(s.Succeeded) == 0:
		return OutcomeFailed
	case len(s.Failed) > 0 || s.Cancelled:
		return OutcomePartial
	default:
		return OutcomeComplete
	}
}

// Progress is published to Options.OnProgress.
type Progress struct {
	Done       int           `json:"done"`
	Total      int           `json:"total"`
	Failed     int           `json:"failed"`
	Bytes      int64         `json:"bytes"`
	TotalBytes int64         `json:"total_bytes"`
	Current    string        `json:"current,omitempty"`
	Percent    float64       `json:"percent"`
	ETA        time.Duration `json:"eta"`
}

// Options configure one Run.
type Options struct {
	// Manifest receives a record after each object is durably written.
	Manifest *manifest.Manifest
	// Source labels manifest entries, typically the container name.
	Source string
	// OnProgress receives throttled updates and always the final one.
	OnProgress func(Progress)
	// OnObject is told about every object's final result.
	OnObject func(obj remote.Object, written int64, attempts int, err error)
	// Cancelled is checked between objects.
	Cancelled func() bool
}

// Config tunes an Executor.
type Config struct {
	Retry            RetryPolicy
	ProgressEvery    int
	ProgressInterval time.Duration
	// Throughput is the assumed rate in bytes per second behind Progress.ETA.
	Throughput int64
}

// Executor writes objects from an Opener into a destination directory.
type Executor struct {
	opener remote.Opener
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an executor reading from opener.
func NewExecutor(opener remote.Opener, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProgressEvery <= 0 && cfg.ProgressInterval <= 0 {
		cfg.ProgressEvery = 25
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.Throughput <= 0 {
		cfg.Throughput = DefaultThroughput
	}
	return &Executor{opener: opener, cfg: cfg, logger: logger, now: time.Now}
}

// Run transfers objects into dest in the given order. Failures of single
// objects are collected in the Summary; Run itself only errors when dest
// cannot be prepared. Cancellation stops before the next object and leaves
// everything already written in place.
func (e *Executor) Run(ctx context.Context, objects []remote.Object, dest string, opts Options) (*Summary, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination %s: %w", dest, err)
	}

	start := e.now()
	sum := &Summary{Succeeded: []Item{}, Failed: []FailedItem{}}
	totalBytes := remote.TotalSize(objects)
	throttle := NewThrottle(e.cfg.ProgressEvery, e.cfg.ProgressInterval)
	throttle.now = e.now

	publish := func(current string) {
		if opts.OnProgress == nil {
			return
		}
		done := len(sum.Succeeded) + len(sum.Failed)
		p := Progress{
			Done:       done,
			Total:      len(objects),
			Failed:     len(sum.Failed),
			Bytes:      sum.TotalBytes,
			TotalBytes: totalBytes,
			Current:    current,
			ETA:        Estimate(totalBytes-sum.TotalBytes, e.cfg.Throughput),
		}
		if len(objects) > 0 {
			p.Percent = float64(done) / float64(len(objects)) * 100
		} else {
			p.Percent = 100
		}
		opts.OnProgress(p)
	}

	for _, obj := range objects {
		if ctx.Err() != nil || (opts.Cancelled != nil && opts.Cancelled()) {
			sum.Cancelled = true
			break
		}

		written, attempts, err := e.fetchWithRetry(ctx, obj, dest)
		if err == nil && opts.Manifest != nil {
			if merr := opts.Manifest.Record(obj, written, opts.Source); merr != nil {
				// The bytes are on disk; only the bookkeeping failed, so the
				// next run re-fetches this object.
				e.logger.Warn("manifest update failed", "object", obj.Name, "error", merr)
			}
		}

		if opts.OnObject != nil {
			opts.OnObject(obj, written, attempts, err)
		}

		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				sum.Cancelled = true
				break
			}
			e.logger.Error("object transfer failed", "object", obj.Name, "attempts", attempts, "error", err)
			sum.Failed = append(sum.Failed, FailedItem{Name: obj.Name, Error: err.Error(), Attempts: attempts})
		} else {
			e.logger.Debug("object transferred", "object", obj.Name, "bytes", written)
			sum.Succeeded = append(sum.Succeeded, Item{Name: obj.Name, Size: written})
			sum.TotalBytes += written
		}

		if throttle.Tick() {
			publish(obj.Name)
		}
	}

	sum.Duration = e.now().Sub(start)
	publish("")

	e.logger.Info("transfer run finished",
		"succeeded", len(sum.Succeeded),
		"failed", len(sum.Failed),
		"bytes", sum.TotalBytes,
		"cancelled", sum.Cancelled,
		"outcome", sum.Outcome(),
	)
	return sum, nil
}

func (e *Executor) fetchWithRetry(ctx context.Context, obj remote.Object, dest string) (int64, int, error) {
	target, err := safety.ObjectPath(dest, obj.Name)
	if err != nil {
		return 0, 0, fmt.Errorf("unsafe object name: %w", err)
	}

	attempts := e.cfg.Retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		n, err := e.fetchOnce(ctx, obj.Name, target)
		if err == nil {
			return n, attempt, nil
		}
		lastErr = err
		if !remote.IsRetryable(err) || attempt == attempts {
			return 0, attempt, lastErr
		}

		delay := e.cfg.Retry.Backoff(attempt)
		e.logger.Warn("retrying object", "object", obj.Name, "attempt", attempt, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return 0, attempt, err
		}
	}
	return 0, attempts, lastErr
}

// fetchOnce streams name into target via a sibling .partial file which is
// synced and renamed into place only after every byte has been written.
func (e *Executor) fetchOnce(ctx context.Context, name, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}

	body, err := e.opener.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	partial := target + safety.PartialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening partial file: %w", err)
	}

	n, err := io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &remote.TransportError{Op: "read " + name, Err: err}
	}

	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("finalizing %s: %w", name, err)
	}
	return n, nil
}
