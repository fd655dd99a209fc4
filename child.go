package processional

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// IsChild reports whether this process was started by SpawnProcess.
func IsChild() bool {
	return os.Getenv(EnvTransport) != ""
}

// ServeChild serves the master that spawned this process until it shuts the
// slave down or ctx is done.
func ServeChild(ctx context.Context, slave *Slave) error {
	if want := os.Getenv(EnvCodec); want != "" && want != slave.Codec().Name() {
		slave.log.Warn("codec differs from the master's",
			zap.String("master", want),
			zap.String("slave", slave.Codec().Name()))
	}
	hooks := sessionHooks{detached: os.Getenv(EnvDetach) == "1"}

	switch transport := os.Getenv(EnvTransport); transport {
	case TransportStdio:
		// stdout carries frames; stray prints go to stderr
		out := os.Stdout
		os.Stdout = os.Stderr
		defer func() { os.Stdout = out }()

		t := newStreamTransport(os.Stdin, out, out.Close)
		return slave.serve(ctx, t, hooks)

	case TransportZMQ:
		endpoint := os.Getenv(EnvEndpoint)
		if endpoint == "" {
			return fmt.Errorf("%s is not set", EnvEndpoint)
		}
		router, err := newZMQRouter(ctx, endpoint, false)
		if err != nil {
			return err
		}
		defer router.Close()

		t, err := router.Accept(ctx)
		if err != nil {
			return err
		}
		return slave.serve(ctx, t, hooks)

	case "":
		return errors.New("not started by a processional master")
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrBadArguments, transport)
	}
}

// RunChild serves the spawning master with signal handling and releases the
// slave afterwards.
func (s *Slave) RunChild() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer s.Close()

	err := ServeChild(ctx, s)
	if ctx.Err() != nil {
		s.log.Info("received signal, shutting down")
		return nil
	}
	return err
}
