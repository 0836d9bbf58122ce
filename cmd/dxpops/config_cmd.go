package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect the effective dxpops configuration: the config file merged with
DXPOPS_* environment variables and command-line overrides.`,
		Example: `  dxpops config show
  dxpops config validate --config /etc/dxpops/dxpops.yaml`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Display the effective configuration with secrets redacted",
			RunE:  configShowRun,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration for errors",
			RunE:  configValidateRun,
		},
	)

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(globalCfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if cfgPath != "" {
		fmt.Fprintf(stdout, "# loaded from %s\n", cfgPath)
	}
	fmt.Fprint(stdout, string(data))
	return nil
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return err
	}
	var containers int
	for _, p := range globalCfg.Projects {
		containers += len(p.Containers)
	}
	fmt.Fprintf(stdout, "Configuration OK: %d projects, %d containers\n", len(globalCfg.Projects), containers)
	return nil
}
