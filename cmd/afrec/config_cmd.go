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
		Long: `Inspect afrec configuration. Settings come from the config file, then
the environment (AFREC_*, DROPBOX_APP_KEY, DROPBOX_APP_SECRET), then
command-line flags.`,
		Example: `  afrec config show
  afrec config show --config /etc/afrec/afrec.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format, with any
environment and command-line overrides applied. The app secret is masked.`,
		Example: `  afrec config show
  afrec config show --config /etc/afrec/afrec.yaml`,
		RunE: configShowRun,
	}

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

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}
