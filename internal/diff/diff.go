// Package diff decides which listed objects a run must fetch. Filtering is
// applied first and the manifest comparison second.
package diff

import (
	"time"

	"github.com/BadgerOps/dxpops/internal/manifest"
	"github.com/BadgerOps/dxpops/internal/remote"
)

// Stats summarises a Result.
type Stats struct {
	ListedCount   int   `json:"listed_count"`
	FilteredCount int   `json:"filtered_count"`
	SkipCount     int   `json:"skip_count"`
	SkipBytes     int64 `json:"skip_bytes"`
	FetchCount    int   `json:"fetch_count"`
	FetchBytes    int64 `json:"fetch_bytes"`
}

// Result is the outcome of a diff. It carries no side effects and doubles
// as a dry-run preview.
type Result struct {
	ToFetch []remote.Object
	ToSkip  []remote.Object
	Stats   Stats
}

// Diff filters objects and partitions the survivors against m. A nil
// manifest treats every object as missing.
func Diff(objects []remote.Object, m *manifest.Manifest, f *Filter) Result {
	matched := make([]remote.Object, 0, len(objects))
	for _, o := range objects {
		if f.Match(o.Name) {
			matched = append(matched, o)
		}
	}

	var plan manifest.Plan
	if m != nil {
		plan = m.Partition(matched)
	} else {
		plan.ToFetch = matched
	}

	return Result{
		ToFetch: plan.ToFetch,
		ToSkip:  plan.ToSkip,
		Stats: Stats{
			ListedCount:   len(objects),
			FilteredCount: len(matched),
			SkipCount:     len(plan.ToSkip),
			SkipBytes:     remote.TotalSize(plan.ToSkip),
			FetchCount:    len(plan.ToFetch),
			FetchBytes:    remote.TotalSize(plan.ToFetch),
		},
	}
}

// Estimate is the expected transfer time for the objects still to fetch at
// throughput bytes per second.
func (r Result) Estimate(throughput int64) time.Duration {
	if throughput <= 0 || r.Stats.FetchBytes <= 0 {
		return 0
	}
	secs := float64(r.Stats.FetchBytes) / float64(throughput)
	return time.Duration(secs * float64(time.Second)).Round(time.Second)
}
