package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/dxpops/internal/jobs"
	"github.com/BadgerOps/dxpops/internal/poll"
)

var (
	exportProject   string
	exportEnv       string
	exportDatabase  string
	exportDateRange string
	exportRetention int
	exportAutoFetch bool
	exportDest      string
	exportForce     bool
	exportWait      bool
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a database through the deployment API",
		Long: `Submit a database export for a project environment and poll it until the
remote side finishes. With --auto-fetch the finished bacpac is downloaded into
the export directory (or --dest).

Without --wait the command returns once the export is submitted. Polling
state is saved, so "dxpops resume" or "dxpops serve" picks the export up
again later.`,
		Example: `  dxpops export --env Integration --database epicms --wait
  dxpops export --project acme --env Production --database epicommerce --auto-fetch --wait
  dxpops export --env Production --database epicms --retention 48`,
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportProject, "project", "", "project name or id (optional with a single project)")
	cmd.Flags().StringVar(&exportEnv, "env", "", "environment name")
	cmd.Flags().StringVar(&exportDatabase, "database", "", "database name (e.g. epicms, epicommerce)")
	cmd.Flags().StringVar(&exportDateRange, "date-range", "", "label recorded with the export, such as a reporting window")
	cmd.Flags().IntVar(&exportRetention, "retention", 24, "hours the remote side keeps the bacpac")
	cmd.Flags().BoolVar(&exportAutoFetch, "auto-fetch", false, "download the bacpac when the export succeeds")
	cmd.Flags().StringVar(&exportDest, "dest", "", "directory for the fetched bacpac (default: export dir)")
	cmd.Flags().BoolVar(&exportForce, "force", false, "start a new export even if one is running for the environment")
	cmd.Flags().BoolVar(&exportWait, "wait", false, "follow the export until it finishes")
	cmd.MarkFlagRequired("env")
	cmd.MarkFlagRequired("database")

	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub, err := globalManager.StartExport(ctx, poll.ExportRequest{
		Project:        exportProject,
		Environment:    exportEnv,
		Database:       exportDatabase,
		DateRange:      exportDateRange,
		RetentionHours: exportRetention,
		AutoFetch:      exportAutoFetch,
		Destination:    exportDest,
		Force:          exportForce,
	})
	if err != nil {
		if sub.Job.ID != "" {
			return fmt.Errorf("export job %s: %w", sub.Job.ID, err)
		}
		return err
	}

	switch sub.Admission {
	case jobs.AdmissionAttached:
		fmt.Fprintf(stdout, "Attached to running export %s\n", sub.Job.ID)
	case jobs.AdmissionQueued:
		fmt.Fprintf(stdout, "Export %s queued behind %s\n", sub.Job.ID, sub.Job.BlockedBy)
	default:
		fmt.Fprintf(stdout, "Submitted export %s (remote id %s)\n", sub.Job.ID, sub.Job.RemoteID)
	}
	if !exportWait {
		fmt.Fprintln(stdout, "Run \"dxpops resume\" to keep polling it.")
		return nil
	}

	j, err := followJob(ctx, sub.Job.ID, false)
	if errors.Is(err, errDetached) {
		fmt.Fprintln(stdout, "\nStopped polling; run \"dxpops resume\" to continue.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	printJob(stdout, j)
	return jobError(j)
}
