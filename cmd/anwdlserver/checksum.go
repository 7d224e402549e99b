package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anweddol/anwdlserver/internal/orchestrator"
)

var checksumCmd = &cobra.Command{
	Use:   "checksum [iso]",
	Short: "Print the SHA-256 of the container ISO",
	Long: `Prints the SHA-256 checksum clients receive for the container ISO. The ISO
defaults to container.iso_path from the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChecksum,
}

func init() {
	rootCmd.AddCommand(checksumCmd)
}

func runChecksum(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.Container.ISOPath
	}
	if path == "" {
		return fmt.Errorf("no ISO given and container.iso_path is not set")
	}

	sum, err := orchestrator.ISOChecksum(cmd.Context(), path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, path)
	return nil
}
