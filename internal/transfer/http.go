package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/dxpops/internal/remote"
	"github.com/BadgerOps/dxpops/internal/safety"
)

// ByteProgressFunc reports bytes written so far and the expected total, or
// zero when the total is unknown.
type ByteProgressFunc func(written, total int64)

// FetchOptions describe a single artifact download.
type FetchOptions struct {
	URL          string
	DestPath     string
	ExpectedSize int64
	// PartialKey ties the resumable .partial file to one logical download,
	// such as a remote export id, so bytes left by a different download of
	// the same file name are never resumed.
	PartialKey string
	OnProgress ByteProgressFunc
}

// FetchResult describes a finished download.
type FetchResult struct {
	Path     string
	Size     int64
	SHA256   string
	Resumed  bool
	Attempts int
	Duration time.Duration
}

// HTTPFetcher downloads a single URL to disk. Interrupted downloads keep
// their .partial file and resume with a Range request on the next attempt.
type HTTPFetcher struct {
	client    *http.Client
	retry     RetryPolicy
	logger    *slog.Logger
	userAgent string
	// progressInterval limits how often OnProgress fires.
	progressInterval time.Duration
}

// NewHTTPFetcher creates a fetcher. A nil client gets one without an overall
// timeout so large artifacts can stream to completion.
func NewHTTPFetcher(client *http.Client, retry RetryPolicy, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = safety.NewHTTPClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		client:           client,
		retry:            retry,
		logger:           logger,
		userAgent:        "dxpops/1.0",
		progressInterval: 500 * time.Millisecond,
	}
}

// Fetch downloads opts.URL to opts.DestPath with retries.
func (f *HTTPFetcher) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	u, err := safety.ValidateDownloadURL(opts.URL)
	if err != nil {
		return nil, err
	}
	logURL := safety.RedactURL(u)

	if err := os.MkdirAll(filepath.Dir(opts.DestPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	partial := partialPath(opts.DestPath, opts.PartialKey)

	start := time.Now()
	attempts := f.retry.attempts()
	var lastErr error
	resumed := false

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("download cancelled: %w", err)
		}

		offset := int64(0)
		if fi, err := os.Stat(partial); err == nil {
			if opts.ExpectedSize <= 0 || fi.Size() < opts.ExpectedSize {
				offset = fi.Size()
			} else {
				_ = os.Remove(partial)
			}
		}

		size, err := f.attempt(ctx, opts, partial, offset)
		if err == nil {
			if err := os.Rename(partial, opts.DestPath); err != nil {
				return nil, fmt.Errorf("finalizing download: %w", err)
			}
			sum, err := hashFile(opts.DestPath)
			if err != nil {
				return nil, fmt.Errorf("hashing download: %w", err)
			}
			return &FetchResult{
				Path:     opts.DestPath,
				Size:     size,
				SHA256:   sum,
				Resumed:  resumed || offset > 0,
				Attempts: attempt,
				Duration: time.Since(start),
			}, nil
		}

		lastErr = err
		if offset > 0 {
			resumed = true
		}
		f.logger.Warn("download attempt failed", "url", logURL, "attempt", attempt, "error", err)

		// Cancellation keeps the partial file for a later resume.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if !remote.IsRetryable(err) {
			_ = os.Remove(partial)
			return nil, err
		}
		if attempt < attempts {
			delay := f.retry.Backoff(attempt)
			f.logger.Debug("retrying download", "url", logURL, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, fmt.Errorf("download cancelled during retry: %w", err)
			}
		}
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", attempts, lastErr)
}

func (f *HTTPFetcher) attempt(ctx context.Context, opts FetchOptions, partial string, offset int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &remote.TransportError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range; start over.
		offset = 0
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_ = os.Remove(partial)
		return 0, &remote.TransportError{Op: "download", StatusCode: resp.StatusCode, Err: errors.New("stale partial file")}
	default:
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		return 0, remote.StatusError("download", resp.StatusCode, fmt.Errorf("%s: %s", resp.Status, body))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening partial file: %w", err)
	}

	total := opts.ExpectedSize
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	var reader io.Reader = resp.Body
	if opts.OnProgress != nil {
		reader = &progressReader{
			reader:   resp.Body,
			callback: opts.OnProgress,
			current:  offset,
			total:    total,
			interval: f.progressInterval,
		}
	}

	n, err := io.Copy(file, reader)
	if err == nil {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &remote.TransportError{Op: "download", Err: err}
	}

	size := offset + n
	if opts.ExpectedSize > 0 && size != opts.ExpectedSize {
		_ = os.Remove(partial)
		return 0, &remote.TransportError{Op: "download", Err: fmt.Errorf("size mismatch: got %d bytes, expected %d", size, opts.ExpectedSize)}
	}
	if opts.OnProgress != nil {
		opts.OnProgress(size, total)
	}
	return size, nil
}

func partialPath(dest, key string) string {
	if key == "" {
		return dest + safety.PartialSuffix
	}
	sum := sha256.Sum256([]byte(key))
	return dest + "." + hex.EncodeToString(sum[:6]) + safety.PartialSuffix
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// progressReader reports bytes read, at most once per interval.
type progressReader struct {
	reader   io.Reader
	callback ByteProgressFunc
	current  int64
	total    int64
	interval time.Duration
	last     time.Time
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if now := time.Now(); now.Sub(pr.last) >= pr.interval {
			pr.last = now
			pr.callback(pr.current, pr.total)
		}
	}
	return n, err
}
