// Package manifest records which remote objects have already been written
// into a destination directory so later runs can skip them.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/dxpops/internal/remote"
)

// FileName is the manifest file kept at the root of every destination.
const FileName = ".dxpops-manifest.json"

const formatVersion = 1

// ErrCorrupt is reported when an existing manifest cannot be decoded.
var ErrCorrupt = errors.New("manifest corrupt")

// Entry is the local record of one written object.
type Entry struct {
	Name         string     `json:"name"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	Source       string     `json:"source,omitempty"`
	RecordedAt   time.Time  `json:"recorded_at"`
}

type document struct {
	Version int              `json:"version"`
	Source  string           `json:"source,omitempty"`
	Updated time.Time        `json:"updated"`
	Entries map[string]Entry `json:"entries"`
}

// Manifest is the in-memory view of a destination's manifest file. It is
// safe for concurrent use; every Record is flushed to disk before returning.
type Manifest struct {
	mu      sync.Mutex
	dir     string
	source  string
	entries map[string]Entry
	loadErr error
	logger  *slog.Logger

	// key and refs are guarded by sharedMu.
	key  string
	refs int
}

// Load reads the manifest in dir. A missing file yields an empty manifest.
// An unreadable or undecodable file also yields an empty manifest; the
// problem is logged and kept in LoadErr so callers can surface it, but it
// never stops a transfer.
func Load(dir string, logger *slog.Logger) *Manifest {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manifest{
		dir:     dir,
		entries: make(map[string]Entry),
		logger:  logger,
	}

	data, err := os.ReadFile(m.Path())
	if errors.Is(err, os.ErrNotExist) {
		return m
	}
	if err != nil {
		m.loadErr = fmt.Errorf("%w: %v", ErrCorrupt, err)
		logger.Warn("manifest unreadable, treating as empty", "path", m.Path(), "error", err)
		return m
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		m.loadErr = fmt.Errorf("%w: %v", ErrCorrupt, err)
		logger.Warn("manifest corrupt, treating as empty", "path", m.Path(), "error", err)
		return m
	}
	m.source = doc.Source
	for name, e := range doc.Entries {
		e.Name = name
		m.entries[name] = e
	}
	logger.Debug("manifest loaded", "path", m.Path(), "entries", len(m.entries))
	return m
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Manifest)
)

// Open returns the manifest for dir shared by every writer in this process.
// Writers that hold the same directory open at once record into one entry
// map, so a save by one never drops entries recorded by another. Each Open
// must be paired with Close; once the last holder closes, the next Open
// reads the file afresh.
func Open(dir string, logger *slog.Logger) *Manifest {
	key := sharedKey(dir)
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if m, ok := shared[key]; ok {
		m.refs++
		return m
	}
	m := Load(dir, logger)
	m.key = key
	m.refs = 1
	shared[key] = m
	return m
}

// Close releases a manifest obtained from Open. It is a no-op for one
// obtained from Load.
func (m *Manifest) Close() {
	if m.key == "" {
		return
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if m.refs <= 0 {
		return
	}
	m.refs--
	if m.refs == 0 && shared[m.key] == m {
		delete(shared, m.key)
	}
}

func sharedKey(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// Path is the manifest file location.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, FileName)
}

// Dir is the destination directory the manifest describes.
func (m *Manifest) Dir() string {
	return m.dir
}

// LoadErr returns the ErrCorrupt-wrapped problem found by Load, if any.
func (m *Manifest) LoadErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}

// Len is the number of recorded entries.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Lookup returns the entry for name.
func (m *Manifest) Lookup(name string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	return e, ok
}

// IsCurrent reports whether obj is already present locally. Freshness is
// decided by name and size only; timestamps are ignored.
func (m *Manifest) IsCurrent(obj remote.Object) bool {
	e, ok := m.Lookup(obj.Name)
	return ok && e.Size == obj.Size
}

// Entries returns all entries sorted by name.
func (m *Manifest) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Record stores obj as written with the given byte count and persists the
// manifest. Call it only after the object's bytes are fully on disk.
func (m *Manifest) Record(obj remote.Object, written int64, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[obj.Name] = Entry{
		Name:         obj.Name,
		Size:         written,
		LastModified: obj.LastModified,
		Source:       source,
		RecordedAt:   time.Now().UTC(),
	}
	if source != "" {
		m.source = source
	}
	return m.saveLocked()
}

// saveLocked writes the manifest through a temp file and rename so readers
// never observe a half-written document. Must be called with m.mu held.
func (m *Manifest) saveLocked() error {
	doc := document{
		Version: formatVersion,
		Source:  m.source,
		Updated: time.Now().UTC(),
		Entries: m.entries,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating manifest dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, m.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing manifest: %w", err)
	}
	m.loadErr = nil
	return nil
}

// Plan splits candidates into objects that still need fetching and objects
// already current in the manifest. Listing order is preserved in both.
type Plan struct {
	ToFetch []remote.Object
	ToSkip  []remote.Object
}

// Partition builds a Plan from m.
func (m *Manifest) Partition(candidates []remote.Object) Plan {
	m.mu.Lock()
	defer m.mu.Unlock()

	var p Plan
	for _, obj := range candidates {
		if e, ok := m.entries[obj.Name]; ok && e.Size == obj.Size {
			p.ToSkip = append(p.ToSkip, obj)
			continue
		}
		p.ToFetch = append(p.ToFetch, obj)
	}
	return p
}

// PlanDownload loads the manifest in dir and partitions candidates against it.
func PlanDownload(dir string, candidates []remote.Object, logger *slog.Logger) (*Manifest, Plan) {
	m := Load(dir, logger)
	return m, m.Partition(candidates)
}
