package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dxpops/internal/engine"
	"github.com/BadgerOps/dxpops/internal/jobs"
)

var (
	dlProject   string
	dlEnv       string
	dlContainer string
	dlPrefix    string
	dlFilter    string
	dlDest      string
	dlDryRun    bool
	dlForce     bool
	dlNoWait    bool
)

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Mirror a blob container into a local directory",
		Long: `Mirror a blob container of a project environment into a local directory.

The download command will:
  1. List the container (optionally under --prefix)
  2. Compare the listing with the destination's manifest
  3. Fetch new and changed objects matching --filter
  4. Record the result in the manifest and the job history

Objects that fail are recorded and retried on the next run. An identical
download that is already running is attached to instead of started twice.`,
		Example: `  dxpops download --env Production --container mysitemedia
  dxpops download --project acme --env Integration --container assets --prefix 2024/
  dxpops download --env Production --container mysitemedia --filter '*.pdf' --dry-run`,
		RunE: downloadRun,
	}

	cmd.Flags().StringVar(&dlProject, "project", "", "project name or id (optional with a single project)")
	cmd.Flags().StringVar(&dlEnv, "env", "", "environment name")
	cmd.Flags().StringVar(&dlContainer, "container", "", "container name (optional if the environment has one)")
	cmd.Flags().StringVar(&dlPrefix, "prefix", "", "only list objects under this prefix")
	cmd.Flags().StringVar(&dlFilter, "filter", "", "glob or substring filter on object names")
	cmd.Flags().StringVar(&dlDest, "dest", "", "destination directory (default under the download root)")
	cmd.Flags().BoolVar(&dlDryRun, "dry-run", false, "show what would be downloaded without fetching")
	cmd.Flags().BoolVar(&dlForce, "force", false, "start a new job even if an identical one is running")
	cmd.Flags().BoolVar(&dlNoWait, "no-wait", false, "return after admission instead of following the job")
	cmd.MarkFlagRequired("env")

	return cmd
}

func downloadRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}

	req := engine.DownloadRequest{
		Project:     dlProject,
		Environment: dlEnv,
		Container:   dlContainer,
		Prefix:      dlPrefix,
		Filter:      dlFilter,
		Destination: dlDest,
		Force:       dlForce,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dlDryRun {
		pv, err := globalManager.Preview(ctx, req)
		if err != nil {
			return err
		}
		printPreview(pv)
		return nil
	}

	sub, err := globalManager.StartDownload(req)
	if err != nil {
		return err
	}
	d := sub.Job.Descriptor
	switch sub.Admission {
	case jobs.AdmissionAttached:
		fmt.Fprintf(stdout, "Attached to running job %s\n", sub.Job.ID)
	case jobs.AdmissionQueued:
		fmt.Fprintf(stdout, "Job %s queued behind %s\n", sub.Job.ID, sub.Job.BlockedBy)
	default:
		fmt.Fprintf(stdout, "Started job %s: %s/%s/%s -> %s\n", sub.Job.ID, d.Project, d.Environment, d.Target, d.Destination)
	}
	if dlNoWait {
		return nil
	}

	j, err := followJob(ctx, sub.Job.ID, true)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	printJob(stdout, j)
	return jobError(j)
}

func printPreview(pv *engine.Preview) {
	d := pv.Descriptor
	fmt.Fprintln(stdout, "DRY RUN: nothing will be downloaded")
	fmt.Fprintf(stdout, "Source:      %s/%s/%s\n", d.Project, d.Environment, d.Target)
	fmt.Fprintf(stdout, "Destination: %s\n", d.Destination)
	if d.Filter != "" {
		fmt.Fprintf(stdout, "Filter:      %s\n", d.Filter)
	}
	if pv.ManifestWarning != "" {
		fmt.Fprintf(stdout, "Warning:     manifest unreadable, treating every object as new (%s)\n", pv.ManifestWarning)
	}
	s := pv.Stats
	fmt.Fprintf(stdout, "\nListed %d objects, %d match the filter\n", s.ListedCount, s.FilteredCount)
	fmt.Fprintf(stdout, "Up to date:  %d objects (%s)\n", s.SkipCount, humanize.IBytes(uint64(s.SkipBytes)))
	fmt.Fprintf(stdout, "To fetch:    %d objects (%s), about %s\n",
		s.FetchCount, humanize.IBytes(uint64(s.FetchBytes)), pv.Estimate)

	if len(pv.ToFetch) > 0 && !quiet {
		fmt.Fprintln(stdout)
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "OBJECT\tSIZE\tMODIFIED")
		for _, o := range pv.ToFetch {
			modified := "-"
			if o.LastModified != nil {
				modified = o.LastModified.Local().Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Name, humanize.IBytes(uint64(o.Size)), modified)
		}
		tw.Flush()
	}
	for _, j := range pv.Overlapping {
		fmt.Fprintf(stdout, "\nNote: job %s (%s) is already doing this work\n", j.ID, j.State)
	}
}
