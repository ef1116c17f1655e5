package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultConfigFilePath = "./kvslave.yml"

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	var configFilePath string

	root := &cobra.Command{
		Use:           "kvslave",
		Short:         "Replication slave of a key-value store",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	root.PersistentFlags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath,
		"set the path for the YAML configuration file")

	start := &cobra.Command{
		Use:     "start",
		Short:   "Start replicating from the master",
		Example: "kvslave start --config <path>",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(configFilePath)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			initLogger(&cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, cfg); err != nil {
				slog.Error("kvslave failed", "error", err)
				return err
			}
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Forget the saved replication position so the next start copies everything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(configFilePath)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			initLogger(&cfg)

			if err := resetCheckpoint(cfg); err != nil {
				slog.Error("reset failed", "error", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint of %q removed\n", cfg.Slave.ID)
			return nil
		},
	}

	root.AddCommand(start, reset)
	return root
}
