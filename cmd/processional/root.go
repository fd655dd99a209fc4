package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	processional "github.com/processional/golang"
	"github.com/processional/golang/internal/config"
	"github.com/processional/golang/internal/observability"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:           "processional",
	Short:         "Run work on slave threads, processes and servers",
	Version:       processional.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// setup loads the configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, logger, nil
}

func codecFor(cfg *config.Config) (processional.Codec, error) {
	return processional.LookupCodec(cfg.Codec)
}

func newSlave(cfg *config.Config, logger *zap.Logger) (*processional.Slave, error) {
	codec, err := codecFor(cfg)
	if err != nil {
		return nil, err
	}
	slave, err := processional.NewSlave(processional.SlaveConfig{
		Codec:    codec,
		Logger:   logger,
		PoolSize: cfg.Server.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	if err := registerBuiltins(slave); err != nil {
		slave.Close()
		return nil, err
	}
	return slave, nil
}
