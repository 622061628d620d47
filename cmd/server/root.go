package main

import (
	"github.com/spf13/cobra"

	"github.com/aware-engine/backend/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// newRootCmd creates the root command. Running it without a subcommand
// starts the server.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aware-broker",
		Short:         "Accessibility fix broker",
		Long:          "aware-broker connects the analysis extension with editor agents that\nsupply source code, and returns fix suggestions for accessibility violations.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("aware-broker {{.Version}}\n")

	flags := config.RegisterFlags(cmd.PersistentFlags())
	serve := newServeCmd(flags)
	cmd.RunE = serve.RunE

	cmd.AddCommand(
		serve,
		newConfigCmd(flags),
	)
	return cmd
}

// loadConfig layers defaults, file, environment and flags, then validates.
func loadConfig(flags *config.Flags) (*config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
