package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cr0hn/drpd/internal/config"
	"github.com/cr0hn/drpd/internal/drpconfig"
	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/probe"
)

var errSecureProxyRestricted = errors.New("secure proxy restricted")

func newProbeCommand(cli *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Run the secure proxy check once and report the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), cli)
			if err != nil {
				return err
			}
			logger.Init(cfg.LogLevel, cfg.LogFormat)
			return runProbe(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

// runProbe checks cfg.SecureProxyCheckURL and prints the outcome. It
// returns errSecureProxyRestricted when the secure tier would be disabled.
func runProbe(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.SecureProxyCheckURL == "" {
		return errors.New("no secure proxy check URL configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pcfg := probe.DefaultConfig()
	pcfg.Timeout = cfg.ProbeTimeout
	checker := probe.NewChecker(pcfg)

	result := make(chan probe.Response, 1)
	checker.CheckIfSecureProxyIsAllowed(ctx, cfg.SecureProxyCheckURL, func(resp probe.Response) {
		result <- resp
	})
	checker.Wait()

	var resp probe.Response
	select {
	case resp = <-result:
	default:
		return errors.New("secure proxy check canceled")
	}

	fmt.Fprintf(out, "url: %s\nstatus: %s\nhttp_code: %d\n", cfg.SecureProxyCheckURL, resp.Status, resp.HTTPCode)
	if resp.Err != nil {
		fmt.Fprintf(out, "error: %v\n", resp.Err)
	}
	if !drpconfig.SecureProxyCheckSucceeded(resp) {
		fmt.Fprintln(out, "secure_proxy: restricted")
		return errSecureProxyRestricted
	}
	fmt.Fprintln(out, "secure_proxy: allowed")
	return nil
}
