package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	processional "github.com/processional/golang"
	"github.com/processional/golang/internal/config"
)

var (
	callNetwork   string
	callAddress   string
	callServiceID string
	callThreaded  bool
	callMetrics   bool
	callSpawn     bool
)

var callCmd = &cobra.Command{
	Use:   "call <function> [args...]",
	Short: "Call a function on a slave and print its result",
	Example: `  processional call double 21
  processional call --service-id math divide 1 0
  processional call --spawn add 1 2`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure the round trip to a slave",
	RunE:  runPing,
}

func init() {
	for _, c := range []*cobra.Command{callCmd, pingCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVar(&callNetwork, "network", "", "tcp, unix or zmq (overrides config)")
		c.Flags().StringVar(&callAddress, "address", "", "server address (overrides config)")
		c.Flags().StringVar(&callServiceID, "service-id", "", "discover the server in the service directory")
		c.Flags().BoolVar(&callSpawn, "spawn", false, "spawn a worker process instead of connecting")
	}
	callCmd.Flags().BoolVar(&callThreaded, "threaded", false, "run on the slave's pool instead of its serial executor")
	callCmd.Flags().BoolVar(&callMetrics, "metrics", false, "print handle metrics after the call")
}

// connect opens a handle as selected by flags and configuration.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*processional.SlaveHandle, error) {
	codec, err := codecFor(cfg)
	if err != nil {
		return nil, err
	}
	hcfg := processional.HandleConfig{
		Codec:             codec,
		Logger:            logger,
		DefaultTimeout:    cfg.Client.Timeout,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
	}

	if callNetwork != "" {
		cfg.Client.Network = callNetwork
	}
	if callAddress != "" {
		cfg.Client.Address = callAddress
	}
	if callServiceID != "" {
		cfg.Client.ServiceID = callServiceID
	}

	switch {
	case callSpawn:
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		args := []string{"worker"}
		if cfgFile != "" {
			args = append(args, "--config", cfgFile)
		}
		return processional.SpawnProcess(ctx, processional.ProcessConfig{Path: exe, Args: args, Handle: hcfg})
	case cfg.Client.ServiceID != "":
		return processional.Connect(ctx, processional.NewServiceDirectory(cfg.Directory), cfg.Client.ServiceID, hcfg)
	case cfg.Client.Network == processional.TransportZMQ:
		return processional.DialZMQ(ctx, cfg.Client.Address, hcfg)
	default:
		return processional.Dial(ctx, cfg.Client.Network, cfg.Client.Address, hcfg)
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.Timeout)
	defer cancel()

	h, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	f, err := h.Submit(ctx, processional.Task{
		Callable: processional.Ref(args[0]),
		Args:     parseArgs(args[1:]),
		Threaded: callThreaded,
	})
	if err != nil {
		return err
	}
	v, err := f.Value(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, formatValue(v))
	if callMetrics {
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(map[string]any{"metrics": h.Metrics()})
	}
	return nil
}

func runPing(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.Timeout)
	defer cancel()

	h, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	rtt, err := h.Ping(ctx)
	if err != nil {
		return err
	}
	id := h.Identity()
	fmt.Fprintf(cmd.OutOrStdout(), "%s pid=%d session=%s rtt=%v\n", id.Host, id.PID, id.Session, rtt)
	return nil
}

func formatValue(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := yaml.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
