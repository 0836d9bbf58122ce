package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/dxpops/internal/config"
	"github.com/BadgerOps/dxpops/internal/engine"
	"github.com/BadgerOps/dxpops/internal/jobs"
	"github.com/BadgerOps/dxpops/internal/store"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = orig })
	return &buf
}

func setupGlobals(t *testing.T) {
	t.Helper()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Projects = []config.ProjectConfig{{
		Name:         "acme",
		ID:           "p-1",
		APIKey:       "key",
		APISecret:    "hunter2",
		Environments: []string{"Production"},
		Containers: []config.ContainerConfig{{
			Name:        "media",
			Environment: "Production",
			SASURL:      "https://acct.blob.core.windows.net/media?sv=2022&sig=abc",
		}},
	}}

	origCfg, origStore, origMgr := globalCfg, globalStore, globalManager
	globalCfg = cfg
	globalStore = st
	globalManager = engine.NewManager(cfg, engine.Options{Store: st, Logger: logger})
	t.Cleanup(func() {
		closeComponents()
		globalCfg, globalStore, globalManager = origCfg, origStore, origMgr
	})
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	setupGlobals(t)
	out := captureStdout(t)

	if err := configShowRun(nil, nil); err != nil {
		t.Fatalf("configShowRun returned error: %v", err)
	}
	got := out.String()
	for _, secret := range []string{"sig=abc", "hunter2", "api_key: key"} {
		if strings.Contains(got, secret) {
			t.Errorf("output leaks %q:\n%s", secret, got)
		}
	}
	if !strings.Contains(got, "acct.blob.core.windows.net/media") {
		t.Errorf("expected container URL without query, got:\n%s", got)
	}
}

func TestConfigValidateRun(t *testing.T) {
	setupGlobals(t)
	out := captureStdout(t)

	if err := configValidateRun(nil, nil); err != nil {
		t.Fatalf("configValidateRun returned error: %v", err)
	}
	if !strings.Contains(out.String(), "1 projects, 1 containers") {
		t.Errorf("unexpected output: %s", out.String())
	}

	globalCfg.MaxConcurrentJobs = -1
	if err := configValidateRun(nil, nil); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestJobsListRun(t *testing.T) {
	setupGlobals(t)
	out := captureStdout(t)

	if err := jobsListRun(nil, nil); err != nil {
		t.Fatalf("jobsListRun returned error: %v", err)
	}
	if !strings.Contains(out.String(), "No jobs recorded.") {
		t.Fatalf("expected empty message, got: %s", out.String())
	}

	now := time.Now().UTC()
	for _, rec := range []*store.JobRecord{
		{ID: "d1", Kind: "download", Project: "acme", Environment: "Production", Target: "media", State: "succeeded", CreatedAt: now.Add(-time.Hour)},
		{ID: "e1", Kind: "export", Project: "acme", Environment: "Production", Target: "epicms", State: "failed", Error: "remote failed", CreatedAt: now},
	} {
		if err := globalStore.SaveJob(rec); err != nil {
			t.Fatalf("SaveJob() error: %v", err)
		}
	}

	out.Reset()
	jobsKind, jobsLimit = "", 20
	if err := jobsListRun(nil, nil); err != nil {
		t.Fatalf("jobsListRun returned error: %v", err)
	}
	got := out.String()
	if strings.Index(got, "e1") > strings.Index(got, "d1") {
		t.Errorf("expected newest job first:\n%s", got)
	}
	if !strings.Contains(got, "remote failed") {
		t.Errorf("expected error column, got:\n%s", got)
	}

	out.Reset()
	jobsKind = "EXPORT"
	t.Cleanup(func() { jobsKind = "" })
	if err := jobsListRun(nil, nil); err != nil {
		t.Fatalf("jobsListRun returned error: %v", err)
	}
	if strings.Contains(out.String(), "d1") {
		t.Errorf("kind filter not applied:\n%s", out.String())
	}
}

func TestFailuresRun(t *testing.T) {
	setupGlobals(t)
	out := captureStdout(t)

	if err := globalStore.AddFailedObject(&store.FailedObject{
		Container:  "acme/Production/media",
		ObjectName: "img/broken.jpg",
		Size:       2048,
		Error:      "connection reset",
		JobID:      "d1",
	}); err != nil {
		t.Fatalf("AddFailedObject() error: %v", err)
	}

	if err := failuresListRun(nil, nil); err != nil {
		t.Fatalf("failuresListRun returned error: %v", err)
	}
	if !strings.Contains(out.String(), "img/broken.jpg") || !strings.Contains(out.String(), "2.0 KiB") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	failures, err := globalStore.ListFailedObjects("")
	if err != nil || len(failures) != 1 {
		t.Fatalf("ListFailedObjects() = %v, %v", failures, err)
	}
	if err := failuresResolveRun(nil, []string{"x"}); err == nil {
		t.Error("expected error for non-numeric id")
	}
	if err := failuresResolveRun(nil, []string{"1"}); err != nil {
		t.Fatalf("failuresResolveRun returned error: %v", err)
	}

	out.Reset()
	if err := failuresListRun(nil, nil); err != nil {
		t.Fatalf("failuresListRun returned error: %v", err)
	}
	if !strings.Contains(out.String(), "No unresolved failures.") {
		t.Errorf("expected empty message, got:\n%s", out.String())
	}
}

func TestCancelRemoteJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		switch r.URL.Path {
		case "/api/jobs/j1/cancel":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(jobs.Job{ID: "j1", State: jobs.StateActive, CancelRequested: true})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "job not found: " + r.URL.Path})
		}
	}))
	defer srv.Close()

	j, err := cancelRemoteJob(srv.URL+"/", "j1")
	if err != nil {
		t.Fatalf("cancelRemoteJob returned error: %v", err)
	}
	if !j.CancelRequested {
		t.Errorf("expected cancel requested, got %+v", j)
	}

	_, err = cancelRemoteJob(srv.URL, "nope")
	if err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("expected server error message, got %v", err)
	}
}

func TestPrintJob(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)
	done := time.Now()
	j := jobs.Job{
		ID: "j1",
		Descriptor: jobs.Descriptor{
			Kind: jobs.KindDownload, Project: "acme", Environment: "Production",
			Target: "media", Filter: "*.pdf", Destination: "/data/media",
		},
		State:       jobs.StateSucceeded,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &done,
		Summary:     &jobs.Summary{Outcome: "partial", Succeeded: 8, Failed: 2, Skipped: 5, TotalBytes: 3 << 20},
	}

	var buf bytes.Buffer
	printJob(&buf, j)
	got := buf.String()
	for _, want := range []string{"Filter:      *.pdf", "8 downloaded, 2 failed, 5 skipped", "3.0 MiB", "Outcome:     partial"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestJobError(t *testing.T) {
	tests := []struct {
		name    string
		job     jobs.Job
		wantErr bool
	}{
		{"succeeded", jobs.Job{State: jobs.StateSucceeded, Summary: &jobs.Summary{Succeeded: 3}}, false},
		{"partial", jobs.Job{State: jobs.StateSucceeded, Summary: &jobs.Summary{Succeeded: 3, Failed: 1}}, true},
		{"failed", jobs.Job{State: jobs.StateFailed, Error: "boom"}, true},
		{"cancelled", jobs.Job{State: jobs.StateCancelled}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := jobError(tt.job); (err != nil) != tt.wantErr {
				t.Errorf("jobError() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("line one\nline two is long", 12); got != "line one ..." {
		t.Errorf("truncate() = %q", got)
	}
}

func TestShouldSkipComponentInit(t *testing.T) {
	root := NewRootCmd()
	show, _, err := root.Find([]string{"config", "show"})
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if !shouldSkipComponentInit(show) {
		t.Error("config subcommands should not open the store")
	}
	dl, _, err := root.Find([]string{"download"})
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if shouldSkipComponentInit(dl) {
		t.Error("download needs components")
	}
}
