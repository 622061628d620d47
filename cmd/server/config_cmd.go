package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aware-engine/backend/internal/config"
)

// newConfigCmd creates the "config" subcommand, which prints the effective
// configuration as YAML with secrets redacted.
func newConfigCmd(flags *config.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.LLM.APIKey != "" {
				redacted.LLM.APIKey = "<redacted>"
			}
			if redacted.Caption.APIKey != "" {
				redacted.Caption.APIKey = "<redacted>"
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&redacted); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
