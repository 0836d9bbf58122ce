package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/dxpops/internal/jobs"
)

var stdout io.Writer = os.Stdout

// errDetached is returned by followJob when the caller stopped following a
// job that keeps running in the background.
var errDetached = errors.New("stopped following job")

// followJob prints job messages as they change until the job is terminal.
// When ctx ends first, cancel decides whether the job is cancelled and
// followed to its end or left running.
func followJob(ctx context.Context, id string, cancel bool) (jobs.Job, error) {
	var last string
	for {
		changed := globalManager.Changed()
		j, err := globalManager.Job(id)
		if err != nil {
			return jobs.Job{}, err
		}
		if !quiet && j.Message != "" && j.Message != last {
			fmt.Fprintf(stdout, "  [%s] %s\n", j.State, j.Message)
			last = j.Message
		}
		if j.State.Terminal() {
			return j, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if !cancel {
				return j, errDetached
			}
			fmt.Fprintln(stdout, "\nInterrupted, cancelling job...")
			if _, err := globalManager.Cancel(id); err != nil {
				logger.Warn("cancel failed", "job_id", id, "error", err)
			}
			wctx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			return globalManager.Wait(wctx, id)
		}
	}
}

func printJob(w io.Writer, j jobs.Job) {
	d := j.Descriptor
	fmt.Fprintf(w, "Job:         %s\n", j.ID)
	fmt.Fprintf(w, "Kind:        %s\n", d.Kind)
	fmt.Fprintf(w, "Project:     %s\n", d.Project)
	fmt.Fprintf(w, "Environment: %s\n", d.Environment)
	fmt.Fprintf(w, "Target:      %s\n", d.Target)
	if d.Filter != "" {
		fmt.Fprintf(w, "Filter:      %s\n", d.Filter)
	}
	if d.Destination != "" {
		fmt.Fprintf(w, "Destination: %s\n", d.Destination)
	}
	fmt.Fprintf(w, "State:       %s\n", j.State)
	if j.RemoteID != "" {
		fmt.Fprintf(w, "Remote ID:   %s\n", j.RemoteID)
	}
	fmt.Fprintf(w, "Created:     %s (%s)\n", j.CreatedAt.Local().Format(time.DateTime), humanize.Time(j.CreatedAt))
	if j.StartedAt != nil {
		fmt.Fprintf(w, "Elapsed:     %s\n", j.Elapsed(time.Now()).Round(time.Second))
	}
	if j.Message != "" {
		fmt.Fprintf(w, "Message:     %s\n", j.Message)
	}
	if j.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", j.Error)
	}
	if s := j.Summary; s != nil {
		fmt.Fprintf(w, "Outcome:     %s\n", s.Outcome)
		if d.Kind == jobs.KindDownload {
			fmt.Fprintf(w, "Objects:     %d downloaded, %d failed, %d skipped\n", s.Succeeded, s.Failed, s.Skipped)
		}
		fmt.Fprintf(w, "Transferred: %s\n", humanize.IBytes(uint64(s.TotalBytes)))
		if s.Artifact != "" {
			fmt.Fprintf(w, "Artifact:    %s\n", s.Artifact)
		}
	}
}

func printJobTable(w io.Writer, list []jobs.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPROJECT\tENV\tTARGET\tSTATE\tCREATED\tMESSAGE")
	for _, j := range list {
		d := j.Descriptor
		msg := j.Message
		if j.Error != "" {
			msg = j.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, d.Kind, d.Project, d.Environment, d.Target, j.State,
			humanize.Time(j.CreatedAt), truncate(msg, 60))
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// jobError turns an unsuccessful terminal job into a command error.
func jobError(j jobs.Job) error {
	switch j.State {
	case jobs.StateSucceeded:
		if j.Summary != nil && j.Summary.Failed > 0 {
			return fmt.Errorf("job %s finished with %d failed objects", j.ID, j.Summary.Failed)
		}
		return nil
	case jobs.StateCancelled:
		return fmt.Errorf("job %s was cancelled", j.ID)
	default:
		return fmt.Errorf("job %s %s: %s", j.ID, j.State, j.Error)
	}
}
