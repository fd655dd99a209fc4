package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	processional "github.com/processional/golang"
)

var (
	serveNetwork    string
	serveAddress    string
	serveServiceID  string
	serveIdleExit   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the builtin functions to any number of masters",
	Example: `  processional serve --address 127.0.0.1:7700
  processional serve --network zmq --address tcp://127.0.0.1:7701 --service-id math
  processional serve --network unix --address /tmp/processional.sock`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveNetwork, "network", "", "tcp, unix or zmq (overrides config)")
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveServiceID, "service-id", "", "register in the service directory under this id")
	serveCmd.Flags().BoolVar(&serveIdleExit, "exit-when-idle", false, "stop once the last client leaves, unless a client asked to persist")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if serveNetwork != "" {
		cfg.Server.Network = serveNetwork
	}
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}
	if serveServiceID != "" {
		cfg.Server.ServiceID = serveServiceID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slave, err := newSlave(cfg, logger)
	if err != nil {
		return err
	}
	defer slave.Close()

	var ln processional.Listener
	if cfg.Server.Network == processional.TransportZMQ {
		ln, err = processional.ListenZMQ(ctx, cfg.Server.Address)
	} else {
		ln, err = processional.ListenStream(cfg.Server.Network, cfg.Server.Address)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", cfg.Server.Network, cfg.Server.Address, err)
	}

	srv := processional.NewServer(slave, ln, processional.ServerConfig{
		ServiceID:  cfg.Server.ServiceID,
		Directory:  processional.NewServiceDirectory(cfg.Directory),
		Persistent: cfg.Server.Persistent,
		Attached:   serveIdleExit,
		MaxClients: cfg.Server.MaxClients,
		Logger:     logger,
	})
	logger.Info("server ready",
		zap.String("network", srv.Network()),
		zap.String("addr", srv.Addr()),
		zap.Strings("functions", slave.Functions()))
	return srv.Serve(ctx)
}
