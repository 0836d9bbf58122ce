package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/dxpops/internal/manifest"
	"github.com/BadgerOps/dxpops/internal/remote"
)

func names(objs []remote.Object) []string {
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Name)
	}
	return out
}

func TestSubstringFilter(t *testing.T) {
	objs := []remote.Object{{Name: "Report_Q1.PDF"}, {Name: "image.png"}}
	f, err := CompileFilter("pdf")
	require.NoError(t, err)
	assert.False(t, f.IsWildcard())

	r := Diff(objs, nil, f)
	assert.Equal(t, []string{"Report_Q1.PDF"}, names(r.ToFetch))
	assert.Equal(t, 1, r.Stats.FilteredCount)
}

func TestWildcardFilter(t *testing.T) {
	objs := []remote.Object{{Name: "a.jpg"}, {Name: "a.jpg.bak"}, {Name: "dir/B.JPG"}}
	f, err := CompileFilter("*.jpg")
	require.NoError(t, err)
	assert.True(t, f.IsWildcard())

	r := Diff(objs, nil, f)
	assert.Equal(t, []string{"a.jpg", "dir/B.JPG"}, names(r.ToFetch))
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"", "anything", true},
		{"  ", "anything", true},
		{"log", "logs/app.LOG", true},
		{"img?.png", "img1.png", true},
		{"img?.png", "img10.png", false},
		{"data[1].csv", "DATA[1].CSV", true},
		{"*(draft)*", "report (draft).docx", true},
		{"*.txt", "notes.txt.gz", false},
	}
	for _, tt := range tests {
		f, err := CompileFilter(tt.pattern)
		require.NoError(t, err)
		assert.Equal(t, tt.want, f.Match(tt.name), "pattern %q name %q", tt.pattern, tt.name)
	}
}

func TestNilFilterMatchesAll(t *testing.T) {
	var f *Filter
	assert.True(t, f.Match("x"))
	assert.Equal(t, "", f.String())
}

func TestDiffAgainstManifest(t *testing.T) {
	dir := t.TempDir()
	m := manifest.Load(dir, nil)
	require.NoError(t, m.Record(remote.Object{Name: "a.jpg", Size: 100}, 100, ""))

	objs := []remote.Object{
		{Name: "a.jpg", Size: 100},
		{Name: "b.jpg", Size: 200},
		{Name: "notes.txt", Size: 5},
	}
	f, err := CompileFilter("*.jpg")
	require.NoError(t, err)

	r := Diff(objs, m, f)
	assert.Equal(t, []string{"b.jpg"}, names(r.ToFetch))
	assert.Equal(t, []string{"a.jpg"}, names(r.ToSkip))
	assert.Equal(t, Stats{
		ListedCount:   3,
		FilteredCount: 2,
		SkipCount:     1,
		SkipBytes:     100,
		FetchCount:    1,
		FetchBytes:    200,
	}, r.Stats)
}

func TestEstimate(t *testing.T) {
	r := Result{Stats: Stats{FetchBytes: 100 << 20}}
	assert.Equal(t, 10*time.Second, r.Estimate(10<<20))
	assert.Equal(t, time.Duration(0), r.Estimate(0))
	assert.Equal(t, time.Duration(0), Result{}.Estimate(1))
}
