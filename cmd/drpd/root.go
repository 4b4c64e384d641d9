package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cr0hn/drpd/internal/config"
)

const redacted = "<redacted>"

// newRootCommand builds the drpd command tree. Running drpd without a
// subcommand is the same as "drpd run".
func newRootCommand() *cobra.Command {
	cli := config.DefaultConfig()

	root := &cobra.Command{
		Use:   "drpd",
		Short: "drpd: data reduction proxy daemon",
		Long: `drpd is a local forwarding proxy that sends traffic through the data
reduction proxies, keeps their configuration fresh from the config service
and falls back to direct connections when they fail.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, cli)
		},
	}
	config.RegisterFlags(root.PersistentFlags(), cli)

	root.AddCommand(newRunCommand(cli))
	root.AddCommand(newProbeCommand(cli))
	root.AddCommand(newDumpConfigCommand(cli))
	return root
}

func newRunCommand(cli *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the proxy daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, cli)
		},
	}
}

func newDumpConfigCommand(cli *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), cli)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redact(cfg))
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// redact returns a copy of cfg with credentials masked.
func redact(cfg *config.Config) *config.Config {
	c := *cfg
	if c.Auth != "" {
		c.Auth = redacted
	}
	if c.APIKey != "" {
		c.APIKey = redacted
	}
	return &c
}
