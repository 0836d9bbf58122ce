package poll

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BadgerOps/dxpops/internal/exportapi"
)

// State is the poll loop's view of one in-flight export. It is written to
// the state directory after every poll so a restarted process can resume.
type State struct {
	JobID             string          `json:"job_id"`
	RemoteJobID       string          `json:"remote_job_id"`
	ResourceKey       string          `json:"resource_key"`
	StartedAt         time.Time       `json:"started_at"`
	Request           ExportRequest   `json:"request"`
	PollCount         int             `json:"poll_count"`
	LastStatus        exportapi.State `json:"last_status,omitempty"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
}

func (s *State) ref() exportapi.Ref {
	return exportapi.Ref{Environment: s.Request.Environment, Database: s.Request.Database, ID: s.RemoteJobID}
}

type stateStore struct {
	dir string
}

func (st stateStore) path(jobID string) string {
	return filepath.Join(st.dir, jobID+".json")
}

func (st stateStore) save(s *State) error {
	if st.dir == "" {
		return nil
	}
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := st.path(s.JobID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing poll state: %w", err)
	}
	if err := os.Rename(tmp, st.path(s.JobID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing poll state: %w", err)
	}
	return nil
}

func (st stateStore) remove(jobID string) error {
	if st.dir == "" {
		return nil
	}
	if err := os.Remove(st.path(jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// load returns every decodable state file, oldest start first, and the
// names of files that could not be read.
func (st stateStore) load() ([]*State, []string, error) {
	if st.dir == "" {
		return nil, nil, nil
	}
	entries, err := os.ReadDir(st.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading state dir: %w", err)
	}

	var states []*State
	var bad []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(st.dir, e.Name()))
		if err != nil {
			bad = append(bad, e.Name())
			continue
		}
		var s State
		if err := json.Unmarshal(data, &s); err != nil || s.JobID == "" || s.RemoteJobID == "" {
			bad = append(bad, e.Name())
			continue
		}
		states = append(states, &s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StartedAt.Before(states[j].StartedAt) })
	return states, bad, nil
}
