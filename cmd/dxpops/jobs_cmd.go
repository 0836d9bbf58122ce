package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/dxpops/internal/jobs"
	"github.com/BadgerOps/dxpops/internal/safety"
	"github.com/BadgerOps/dxpops/internal/store"
)

var (
	jobsKind    string
	jobsState   string
	jobsProject string
	jobsLimit   int
	jobsServer  string
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control jobs",
		Long: `Inspect the job history and control jobs running in a "dxpops serve"
process.`,
		Example: `  dxpops jobs list
  dxpops jobs list --kind export --state failed
  dxpops jobs show 6f1c2a9e
  dxpops jobs cancel 6f1c2a9e`,
	}

	cmd.AddCommand(
		newJobsListCmd(),
		newJobsShowCmd(),
		newJobsCancelCmd(),
	)

	return cmd
}

func newJobsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded jobs, newest first",
		RunE:  jobsListRun,
	}
	cmd.Flags().StringVar(&jobsKind, "kind", "", "only jobs of this kind (download, export)")
	cmd.Flags().StringVar(&jobsState, "state", "", "only jobs in this state")
	cmd.Flags().StringVar(&jobsProject, "project", "", "only jobs of this project")
	cmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs to show (0 for all)")
	return cmd
}

func jobsListRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}

	list, err := globalManager.History(store.JobFilter{
		Kind:    strings.ToLower(jobsKind),
		State:   strings.ToLower(jobsState),
		Project: jobsProject,
		Limit:   jobsLimit,
	})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No jobs recorded.")
		return nil
	}
	printJobTable(stdout, list)
	return nil
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE:  jobsShowRun,
	}
}

func jobsShowRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}
	j, err := globalManager.Job(args[0])
	if err != nil {
		return err
	}
	printJob(stdout, j)
	return nil
}

func newJobsCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a job running in a dxpops server",
		Long: `Ask a running "dxpops serve" process to cancel a job. Pending jobs are
cancelled at once; active jobs stop at their next checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: jobsCancelRun,
	}
	cmd.Flags().StringVar(&jobsServer, "server", "", "server base URL (default: http://<server.listen>)")
	return cmd
}

func jobsCancelRun(cmd *cobra.Command, args []string) error {
	base := jobsServer
	if base == "" {
		base = "http://" + globalCfg.Server.Listen
	}
	j, err := cancelRemoteJob(base, args[0])
	if err != nil {
		return err
	}
	if j.State == jobs.StateCancelled {
		fmt.Fprintf(stdout, "Job %s cancelled\n", j.ID)
	} else {
		fmt.Fprintf(stdout, "Cancel requested for job %s (%s)\n", j.ID, j.State)
	}
	return nil
}

func cancelRemoteJob(base, id string) (jobs.Job, error) {
	url := strings.TrimRight(base, "/") + "/api/jobs/" + id + "/cancel"
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("creating request: %w", err)
	}
	resp, err := safety.NewHTTPClient(30 * time.Second).Do(req)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	data, err := safety.ReadAllWithLimit(resp.Body, 1<<20)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return jobs.Job{}, errors.New(e.Error)
		}
		return jobs.Job{}, fmt.Errorf("server returned %s", resp.Status)
	}

	var j jobs.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return jobs.Job{}, fmt.Errorf("decoding response: %w", err)
	}
	return j, nil
}
