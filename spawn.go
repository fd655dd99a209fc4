package processional

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Environment passed from a spawning master to its child process.
const (
	EnvTransport = "PROCESSIONAL_TRANSPORT"
	EnvEndpoint  = "PROCESSIONAL_ZMQ_ENDPOINT"
	EnvCodec     = "PROCESSIONAL_CODEC"
	EnvDetach    = "PROCESSIONAL_DETACH"
)

// Child process transports.
const (
	TransportStdio = "stdio"
	TransportZMQ   = "zmq"
)

// SpawnThread runs slave in this process and returns a handle to it. Thread
// slaves accept Func callables. Heartbeats are off unless cfg asks for them.
func SpawnThread(ctx context.Context, slave *Slave, cfg HandleConfig) (*SlaveHandle, error) {
	if cfg.Codec == nil {
		cfg.Codec = slave.Codec()
	}
	if cfg.Name == "" {
		cfg.Name = "thread"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = -1
	}

	master, worker := NewPipe()
	closures := newClosureTable()

	h := newHandle(master, cfg)
	h.closures = closures

	var (
		exitErr error
		exited  = make(chan struct{})
	)
	go func() {
		defer close(exited)
		exitErr = slave.serve(context.Background(), worker, sessionHooks{closures: closures})
	}()
	h.join = func(ctx context.Context) error {
		select {
		case <-exited:
			return exitErr
		case <-ctx.Done():
			worker.Close()
			<-exited
			return ctx.Err()
		}
	}

	if err := h.start(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// ProcessConfig describes a child process slave.
type ProcessConfig struct {
	// Path of the executable. The child must call ServeChild or RunChild.
	Path string
	Args []string
	// Env is appended to the master's environment.
	Env []string
	Dir string
	// Transport is TransportStdio (default) or TransportZMQ.
	Transport string
	// Detach lets the child finish threaded work after the master leaves and
	// keeps Close from killing it.
	Detach bool
	// Stderr receives the child's stderr. Defaults to os.Stderr.
	Stderr io.Writer
	Handle HandleConfig
}

// SpawnProcess starts a child process slave and returns a handle to it.
func SpawnProcess(ctx context.Context, cfg ProcessConfig) (*SlaveHandle, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty executable path", ErrBadArguments)
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	hcfg := cfg.Handle
	if hcfg.Codec == nil {
		hcfg.Codec = MsgpackCodec()
	}
	if hcfg.Name == "" {
		hcfg.Name = cfg.Path
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Stderr = cfg.Stderr
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvTransport+"="+cfg.Transport,
		EnvCodec+"="+hcfg.Codec.Name(),
	)
	if cfg.Detach {
		cmd.Env = append(cmd.Env, EnvDetach+"=1")
	}

	var (
		t          Transport
		childPipes []*os.File
	)
	switch cfg.Transport {
	case TransportStdio:
		// the child's ends are closed here once it has started
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			stdinR.Close()
			stdinW.Close()
			return nil, err
		}
		cmd.Stdin = stdinR
		cmd.Stdout = stdoutW
		childPipes = []*os.File{stdinR, stdoutW}
		t = newStreamTransport(stdoutR, stdinW, func() error {
			stdinW.Close()
			return stdoutR.Close()
		})
	case TransportZMQ:
		port := findFreePort()
		dealer, err := newZMQDealer(context.Background(), fmt.Sprintf("tcp://*:%d", port), true)
		if err != nil {
			return nil, err
		}
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=tcp://127.0.0.1:%d", EnvEndpoint, port))
		t = dealer
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrBadArguments, cfg.Transport)
	}

	err := cmd.Start()
	for _, f := range childPipes {
		f.Close()
	}
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := newHandle(t, hcfg)
	p := &childProcess{cmd: cmd, exited: make(chan struct{}), detach: cfg.Detach}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
		h.lose(fmt.Errorf("slave process exited: %w", exitError(p.err)))
	}()
	h.join = p.join
	h.terminate = p.kill

	if err := h.start(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

type childProcess struct {
	cmd    *exec.Cmd
	detach bool

	exited  chan struct{}
	err     error
	killMu  sync.Mutex
	stopped bool
}

// join waits for the child to exit. Past ctx it is interrupted, then
// killed; detached children are left running.
func (p *childProcess) join(ctx context.Context) error {
	select {
	case <-p.exited:
		return p.err
	case <-ctx.Done():
	}
	if p.detach {
		return nil
	}

	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.exited:
		return p.err
	case <-time.After(2 * time.Second):
	}
	_ = p.kill()
	<-p.exited
	return p.err
}

func (p *childProcess) kill() error {
	p.killMu.Lock()
	defer p.killMu.Unlock()
	select {
	case <-p.exited:
		return nil
	default:
	}
	if p.stopped {
		return nil
	}
	p.stopped = true
	return p.cmd.Process.Kill()
}

func exitError(err error) error {
	if err == nil {
		return io.EOF
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return errors.New(exit.ProcessState.String())
	}
	return err
}

// Dial connects to a stream server slave.
func Dial(ctx context.Context, network, address string, cfg HandleConfig) (*SlaveHandle, error) {
	t, err := DialStream(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = address
	}
	return NewHandle(ctx, t, cfg)
}

// DialZMQ connects to a ZeroMQ server slave.
func DialZMQ(ctx context.Context, endpoint string, cfg HandleConfig) (*SlaveHandle, error) {
	t, err := DialZMQTransport(context.Background(), endpoint)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = endpoint
	}
	return NewHandle(ctx, t, cfg)
}

// Connect looks serviceID up in dir, waiting for it to appear until ctx is
// done, and connects to it.
func Connect(ctx context.Context, dir *ServiceDirectory, serviceID string, cfg HandleConfig) (*SlaveHandle, error) {
	if dir == nil {
		dir = NewServiceDirectory("")
	}
	info, err := dir.Discover(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to discover service '%s': %w", serviceID, err)
	}
	if cfg.Name == "" {
		cfg.Name = serviceID
	}
	if info.Network == TransportZMQ {
		return DialZMQ(ctx, info.Address, cfg)
	}
	return Dial(ctx, info.Network, info.Address, cfg)
}
