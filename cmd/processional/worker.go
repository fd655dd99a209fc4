package main

import (
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve the builtin functions to the master that spawned this process",
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		slave, err := newSlave(cfg, logger)
		if err != nil {
			return err
		}
		return slave.RunChild()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
