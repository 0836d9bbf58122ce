package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var failuresContainer string

func newFailuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List objects that failed to download",
		Long: `List objects whose last download attempt failed. Entries are keyed by
project/environment/container and are resolved automatically when a later
download fetches the object; "failures resolve" clears one by hand.`,
		Example: `  dxpops failures
  dxpops failures --container acme/Production/mysitemedia
  dxpops failures resolve 42`,
		RunE: failuresListRun,
	}
	cmd.Flags().StringVar(&failuresContainer, "container", "", "only failures of this project/environment/container")

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve ID",
		Short: "Mark a failure as resolved",
		Args:  cobra.ExactArgs(1),
		RunE:  failuresResolveRun,
	})

	return cmd
}

func failuresListRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}
	failures, err := globalManager.FailedObjects(failuresContainer)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		fmt.Fprintln(stdout, "No unresolved failures.")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONTAINER\tOBJECT\tSIZE\tRETRIES\tLAST FAILURE\tERROR")
	for _, f := range failures {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			f.ID, f.Container, f.ObjectName, humanize.IBytes(uint64(f.Size)),
			f.RetryCount, humanize.Time(f.LastFailure), truncate(f.Error, 60))
	}
	tw.Flush()
	return nil
}

func failuresResolveRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid failure id %q", args[0])
	}
	if err := globalManager.ResolveFailure(id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Failure %d resolved\n", id)
	return nil
}
