package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	processional "github.com/processional/golang"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect the service directory",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered services",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := directory()
		if err != nil {
			return err
		}
		services, err := dir.List()
		if err != nil {
			return err
		}
		if len(services) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no services registered")
			return nil
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(services)
	},
}

var servicesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every registered service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := directory()
		if err != nil {
			return err
		}
		if err := dir.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", dir.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
	servicesCmd.AddCommand(servicesListCmd, servicesClearCmd)
}

func directory() (*processional.ServiceDirectory, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	defer logger.Sync()
	return processional.NewServiceDirectory(cfg.Directory), nil
}
