package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anweddol/anwdlserver/internal/network"
	"github.com/anweddol/anwdlserver/internal/orchestrator"
)

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and the host environment",
	Long: `Checks that the configuration is valid, that the container network interfaces
exist and are up, and that the hypervisor answers on the configured driver URI.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 10*time.Second, "Hypervisor connection timeout")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var errs []error
	report := func(name string, err error) {
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s: %v\n", name, err)
			errs = append(errs, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK    %s\n", name)
	}

	report("configuration", cfg.Validate())
	report("network interfaces", network.CheckInterfaces(cfg.Container.NATInterface, cfg.Container.BridgeInterface))

	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()
	hv, err := orchestrator.DialLibvirt(ctx, cfg.Container.DriverURI)
	if err == nil {
		hv.Close()
	}
	report("hypervisor "+cfg.Container.DriverURI, err)

	if len(errs) > 0 {
		return errors.New("environment check failed")
	}
	return nil
}
