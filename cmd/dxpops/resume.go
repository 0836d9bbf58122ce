package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume polling exports left running by an earlier process",
		Long: `Reload the poll state of exports that were in flight when a previous
dxpops process stopped and follow each of them until it finishes. Exports
that ran past the poll deadline while nothing was polling them time out.`,
		RunE: resumeRun,
	}
}

func resumeRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resumed, err := globalManager.Resume(ctx)
	if err != nil {
		return err
	}
	if len(resumed) == 0 {
		fmt.Fprintln(stdout, "No exports to resume.")
		return nil
	}

	var failed int
	for _, r := range resumed {
		fmt.Fprintf(stdout, "Resuming export %s (%s/%s)\n", r.ID, r.Descriptor.Environment, r.Descriptor.Target)
		j, err := followJob(ctx, r.ID, false)
		if errors.Is(err, errDetached) {
			fmt.Fprintln(stdout, "\nStopped polling; state is kept for the next resume.")
			return nil
		}
		if err != nil {
			return err
		}
		if err := jobError(j); err != nil {
			fmt.Fprintf(stdout, "  %v\n", err)
			failed++
			continue
		}
		fmt.Fprintf(stdout, "  %s\n", j.State)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d resumed exports did not succeed", failed, len(resumed))
	}
	return nil
}
