package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/dxpops/internal/remote"
)

func TestLoadMissingIsEmpty(t *testing.T) {
	m := Load(t.TempDir(), nil)
	assert.Equal(t, 0, m.Len())
	assert.NoError(t, m.LoadErr())
}

func TestLoadCorruptIsEmptyAndReported(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o644))

	m := Load(dir, nil)
	assert.Equal(t, 0, m.Len())
	assert.ErrorIs(t, m.LoadErr(), ErrCorrupt)

	// A successful record replaces the corrupt file.
	require.NoError(t, m.Record(remote.Object{Name: "a.jpg", Size: 3}, 3, "media"))
	assert.NoError(t, m.LoadErr())
	assert.Equal(t, 1, Load(dir, nil).Len())
}

func TestRecordPersistsImmediately(t *testing.T) {
	dir := t.TempDir()
	m := Load(dir, nil)
	require.NoError(t, m.Record(remote.Object{Name: "img/a.jpg", Size: 100}, 100, "media"))

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, formatVersion, doc.Version)
	assert.Equal(t, "media", doc.Source)
	require.Contains(t, doc.Entries, "img/a.jpg")
	assert.Equal(t, int64(100), doc.Entries["img/a.jpg"].Size)

	// No temp files are left behind.
	matches, err := filepath.Glob(filepath.Join(dir, FileName+".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIsCurrentComparesNameAndSizeOnly(t *testing.T) {
	m := Load(t.TempDir(), nil)
	require.NoError(t, m.Record(remote.Object{Name: "a.jpg", Size: 10}, 10, ""))

	assert.True(t, m.IsCurrent(remote.Object{Name: "a.jpg", Size: 10}))
	assert.False(t, m.IsCurrent(remote.Object{Name: "a.jpg", Size: 11}))
	assert.False(t, m.IsCurrent(remote.Object{Name: "b.jpg", Size: 10}))
}

func TestRecordUsesWrittenSize(t *testing.T) {
	m := Load(t.TempDir(), nil)
	require.NoError(t, m.Record(remote.Object{Name: "a.jpg", Size: 0}, 42, ""))
	e, ok := m.Lookup("a.jpg")
	require.True(t, ok)
	assert.Equal(t, int64(42), e.Size)
}

func TestPlanDownload(t *testing.T) {
	dir := t.TempDir()
	m := Load(dir, nil)
	require.NoError(t, m.Record(remote.Object{Name: "a.jpg", Size: 1}, 1, ""))
	require.NoError(t, m.Record(remote.Object{Name: "c.jpg", Size: 3}, 3, ""))

	candidates := []remote.Object{
		{Name: "a.jpg", Size: 1},
		{Name: "b.jpg", Size: 2},
		{Name: "c.jpg", Size: 30},
	}
	_, plan := PlanDownload(dir, candidates, nil)
	assert.Equal(t, []remote.Object{{Name: "a.jpg", Size: 1}}, plan.ToSkip)
	assert.Equal(t, []remote.Object{{Name: "b.jpg", Size: 2}, {Name: "c.jpg", Size: 30}}, plan.ToFetch)
}

func TestConcurrentRecord(t *testing.T) {
	dir := t.TempDir()
	m := Load(dir, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("f%02d", i)
			assert.NoError(t, m.Record(remote.Object{Name: name, Size: int64(i)}, int64(i), ""))
		}(i)
	}
	wg.Wait()

	reloaded := Load(dir, nil)
	assert.Equal(t, 20, reloaded.Len())
	entries := reloaded.Entries()
	assert.Equal(t, "f00", entries[0].Name)
	assert.Equal(t, "f19", entries[19].Name)
}

func TestOpenSharesOneManifestPerDirectory(t *testing.T) {
	dir := t.TempDir()
	download := Open(dir, nil)
	export := Open(filepath.Join(dir, "sub", ".."), nil)
	require.Same(t, download, export)

	require.NoError(t, download.Record(remote.Object{Name: "a.jpg", Size: 1}, 1, "media"))
	require.NoError(t, export.Record(remote.Object{Name: "epicms.bacpac", Size: 2}, 2, "export:r-1"))
	export.Close()
	require.NoError(t, download.Record(remote.Object{Name: "b.jpg", Size: 3}, 3, "media"))
	download.Close()

	assert.Equal(t, 3, Load(dir, nil).Len())

	// After the last Close the next Open reads the file again.
	require.NoError(t, os.Remove(filepath.Join(dir, FileName)))
	fresh := Open(dir, nil)
	defer fresh.Close()
	assert.NotSame(t, download, fresh)
	assert.Equal(t, 0, fresh.Len())
}

func TestCloseOnLoadedManifestIsNoop(t *testing.T) {
	m := Load(t.TempDir(), nil)
	m.Close()
	m.Close()
	assert.Equal(t, 0, m.Len())
}
