package processional

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandleState is the lifecycle of a SlaveHandle.
type HandleState int32

const (
	HandleStarting HandleState = iota
	HandleAlive
	HandleStopping
	HandleDead
)

func (s HandleState) String() string {
	switch s {
	case HandleStarting:
		return "starting"
	case HandleAlive:
		return "alive"
	case HandleStopping:
		return "stopping"
	case HandleDead:
		return "dead"
	}
	return fmt.Sprintf("handle_state(%d)", int32(s))
}

// Mode selects whether Submit waits for the outcome.
type Mode int

const (
	Blocking Mode = iota
	Background
)

// Task is one unit of work submitted to a slave.
type Task struct {
	Callable Callable
	Args     []any
	// Kwargs fill the trailing options struct of the called function.
	Kwargs map[string]any
	Mode   Mode
	// Threaded runs the task on the slave's pool instead of its serial
	// executor.
	Threaded bool
}

// Identity describes the slave at the other end of a handle.
type Identity struct {
	Session   string
	Host      string
	PID       int
	Codec     string
	Functions []string
}

// HandleConfig holds configuration for a SlaveHandle
type HandleConfig struct {
	// Name labels log lines.
	Name string
	// Codec must match the slave's codec. Defaults to msgpack.
	Codec  Codec
	Logger *zap.Logger
	// ReadyTimeout bounds the wait for the slave's readiness message.
	ReadyTimeout time.Duration
	// DefaultTimeout applies to blocking waits whose context has no deadline.
	// Zero waits forever.
	DefaultTimeout time.Duration
	// HeartbeatInterval between pings. Zero selects the default, negative
	// disables heartbeats.
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatMaxMisses int
	// ShutdownTimeout bounds how long Close waits for the slave to exit.
	ShutdownTimeout time.Duration
}

const (
	DefaultReadyTimeout       = 10 * time.Second
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultHeartbeatTimeout   = 3 * time.Second
	DefaultHeartbeatMaxMisses = 3
	DefaultShutdownTimeout    = 5 * time.Second
)

func (c HandleConfig) withDefaults() HandleConfig {
	if c.Name == "" {
		c.Name = "slave"
	}
	if c.Codec == nil {
		c.Codec = MsgpackCodec()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatMaxMisses <= 0 {
		c.HeartbeatMaxMisses = DefaultHeartbeatMaxMisses
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// SlaveHandle is the master-side representative of one slave. It owns the
// transport, allocates correlation ids and routes every inbound envelope to
// the request waiting for it.
type SlaveHandle struct {
	cfg       HandleConfig
	codec     Codec
	log       *zap.Logger
	transport Transport
	closures  *closureTable
	metrics   *Metrics

	mu       sync.Mutex
	state    HandleState
	identity Identity
	nextID   uint64
	pending  map[uint64]*Future
	pings    map[uint64]chan error
	objects  map[uint64]int
	cause    error

	// join waits for the slave's execution context to end; terminate kills it.
	join      func(ctx context.Context) error
	terminate func() error

	loopCtx    context.Context
	loopCancel context.CancelFunc
	recvDone   chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error

	hbStop     chan struct{}
	hbStopOnce sync.Once

	closeOnce sync.Once
	dead      chan struct{}
	deadOnce  sync.Once
}

func newHandle(t Transport, cfg HandleConfig) *SlaveHandle {
	cfg = cfg.withDefaults()
	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &SlaveHandle{
		cfg:        cfg,
		codec:      cfg.Codec,
		log:        cfg.Logger.With(zap.String("slave", cfg.Name)),
		transport:  t,
		metrics:    NewMetrics(),
		pending:    make(map[uint64]*Future),
		pings:      make(map[uint64]chan error),
		objects:    make(map[uint64]int),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		recvDone:   make(chan struct{}),
		ready:      make(chan struct{}),
		hbStop:     make(chan struct{}),
		dead:       make(chan struct{}),
	}
}

// NewHandle starts a handle over an already connected transport and waits
// for the slave to report ready.
func NewHandle(ctx context.Context, t Transport, cfg HandleConfig) (*SlaveHandle, error) {
	h := newHandle(t, cfg)
	if err := h.start(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *SlaveHandle) start(ctx context.Context) error {
	go h.recvLoop()
	go h.hello()

	timer := time.NewTimer(h.cfg.ReadyTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-h.ready:
		err = h.readyErr
	case <-timer.C:
		err = fmt.Errorf("slave not ready after %v", h.cfg.ReadyTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		h.lose(err)
		if h.terminate != nil {
			_ = h.terminate()
		}
		return fmt.Errorf("failed to start %s: %w", h.cfg.Name, err)
	}

	if h.cfg.HeartbeatInterval > 0 {
		go h.heartbeatLoop()
	}
	h.log.Debug("slave ready",
		zap.String("host", h.identity.Host),
		zap.Int("pid", h.identity.PID),
		zap.String("session", h.identity.Session))
	return nil
}

// hello pings until the slave answers with readiness. Routed transports only
// learn the master's address from its first message.
func (h *SlaveHandle) hello() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		body, _ := packPayload(pingPayload{Timestamp: time.Now().UnixNano()})
		if frame, err := EncodeEnvelope(Envelope{Kind: MessagePing, Payload: body}); err == nil {
			_ = h.transport.Send(frame)
		}
		select {
		case <-h.ready:
			return
		case <-h.loopCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *SlaveHandle) setReady(err error) {
	h.readyOnce.Do(func() {
		h.readyErr = err
		close(h.ready)
	})
}

func (h *SlaveHandle) recvLoop() {
	defer close(h.recvDone)
	for {
		frame, err := h.transport.Receive(h.loopCtx)
		if err != nil {
			h.lose(err)
			return
		}
		env, err := DecodeEnvelope(frame)
		if err != nil {
			h.lose(err)
			return
		}
		if err := h.dispatch(env); err != nil {
			h.lose(err)
			return
		}
	}
}

func (h *SlaveHandle) dispatch(env Envelope) error {
	switch env.Kind {
	case MessageReady:
		var p readyPayload
		if err := unpackPayload(env.Payload, &p); err != nil {
			return err
		}
		if p.Codec != h.codec.Name() {
			h.setReady(fmt.Errorf("codec mismatch: slave uses %q, handle uses %q", p.Codec, h.codec.Name()))
			return nil
		}
		h.mu.Lock()
		h.identity = Identity{Session: p.Session, Host: p.Host, PID: p.PID, Codec: p.Codec, Functions: p.Functions}
		if h.state == HandleStarting {
			h.state = HandleAlive
		}
		h.mu.Unlock()
		h.setReady(nil)

	case MessageStarted:
		h.mu.Lock()
		f := h.pending[env.ID]
		h.mu.Unlock()
		if f != nil {
			f.advance(StateRunning)
		}

	case MessageResult:
		var p resultPayload
		err := unpackPayload(env.Payload, &p)
		f := h.take(env.ID)
		if err != nil {
			if f != nil {
				f.fail(err)
			}
			return err
		}
		if f == nil {
			h.log.Debug("discarding result with no waiter", zap.Uint64("id", env.ID))
			if p.Object != 0 {
				h.sendRelease(p.Object)
			}
			return nil
		}
		f.complete(p.Value, p.Object)

	case MessageFailure:
		var p failurePayload
		err := unpackPayload(env.Payload, &p)
		f := h.take(env.ID)
		if err != nil {
			if f != nil {
				f.fail(err)
			}
			return err
		}
		remote := &RemoteError{Kind: p.Kind, Message: p.Message, Trace: p.Trace}
		if f == nil {
			h.log.Warn("remote failure with no waiter", zap.Uint64("id", env.ID), zap.Error(remote))
			return nil
		}
		f.fail(remote)

	case MessagePing:
		h.mu.Lock()
		ch := h.pings[env.ID]
		delete(h.pings, env.ID)
		h.mu.Unlock()
		if ch != nil {
			ch <- nil
		}

	default:
		h.log.Warn("unexpected envelope", zap.Stringer("kind", env.Kind), zap.Uint64("id", env.ID))
	}
	return nil
}

func (h *SlaveHandle) take(id uint64) *Future {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.pending[id]
	delete(h.pending, id)
	return f
}

// drainLocked empties the pending and ping tables. h.mu must be held.
func (h *SlaveHandle) drainLocked() ([]*Future, []chan error) {
	futures := make([]*Future, 0, len(h.pending))
	for _, f := range h.pending {
		futures = append(futures, f)
	}
	pings := make([]chan error, 0, len(h.pings))
	for _, ch := range h.pings {
		pings = append(pings, ch)
	}
	h.pending = make(map[uint64]*Future)
	h.pings = make(map[uint64]chan error)
	return futures, pings
}

// lose marks the handle dead after a transport or protocol failure and fails
// every pending request with ErrConnectionLost.
func (h *SlaveHandle) lose(cause error) {
	h.mu.Lock()
	if h.state == HandleStopping || h.state == HandleDead {
		h.mu.Unlock()
		return
	}
	h.state = HandleDead
	h.cause = cause
	futures, pings := h.drainLocked()
	h.mu.Unlock()

	err := connectionLost(cause)
	h.log.Warn("slave connection lost", zap.Error(cause), zap.Int("pending", len(futures)))
	for _, f := range futures {
		f.fail(err)
	}
	for _, ch := range pings {
		ch <- err
	}
	h.setReady(err)
	h.stopHeartbeat()
	h.loopCancel()
	h.transport.Close()
	go h.reap()
}

func (h *SlaveHandle) reap() {
	if h.join != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
		if err := h.join(ctx); err != nil {
			h.log.Debug("slave exit", zap.Error(err))
		}
		cancel()
	}
	h.deadOnce.Do(func() { close(h.dead) })
}

func (h *SlaveHandle) stopHeartbeat() {
	h.hbStopOnce.Do(func() { close(h.hbStop) })
}

// Shutdown stops the slave: pending requests are cancelled with
// ErrHandleClosed, a Shutdown envelope is sent and the slave's execution
// context is joined. With wait it returns once the handle is dead or ctx is
// done. Safe to call more than once.
func (h *SlaveHandle) Shutdown(ctx context.Context, wait bool) error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		alive := h.state == HandleStarting || h.state == HandleAlive
		if alive {
			h.state = HandleStopping
		}
		futures, pings := h.drainLocked()
		h.mu.Unlock()

		h.stopHeartbeat()
		if !alive {
			return
		}
		if frame, err := EncodeEnvelope(Envelope{Kind: MessageShutdown}); err == nil {
			_ = h.transport.Send(frame)
		}
		for _, f := range futures {
			f.cancel(ErrHandleClosed)
		}
		for _, ch := range pings {
			ch <- ErrHandleClosed
		}
		h.setReady(ErrHandleClosed)
		go h.finish()
	})

	if !wait {
		return nil
	}
	select {
	case <-h.dead:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *SlaveHandle) finish() {
	if h.join != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
		if err := h.join(ctx); err != nil {
			h.log.Debug("slave exit", zap.Error(err))
		}
		cancel()
	}
	h.loopCancel()
	h.transport.Close()
	<-h.recvDone

	h.mu.Lock()
	h.state = HandleDead
	h.mu.Unlock()
	h.deadOnce.Do(func() { close(h.dead) })
	h.log.Debug("slave stopped")
}

// Close shuts the slave down and waits for it.
func (h *SlaveHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	return h.Shutdown(ctx, true)
}

// Terminate kills a process-backed slave. Pending requests then fail with
// ErrConnectionLost.
func (h *SlaveHandle) Terminate() error {
	if h.terminate == nil {
		return errors.New("terminate is only supported for process slaves")
	}
	return h.terminate()
}

func (h *SlaveHandle) closedError() error {
	if h.cause != nil {
		return fmt.Errorf("%w: %w", ErrHandleClosed, connectionLost(h.cause))
	}
	return ErrHandleClosed
}

// register allocates a correlation id and a pending future.
func (h *SlaveHandle) register() (*Future, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleAlive {
		return nil, h.closedError()
	}
	h.nextID++
	f := newFuture(h.nextID, h, h.codec)
	start := h.metrics.StartRequest()
	f.onDone = func(f *Future) { h.metrics.EndRequest(start, f.State()) }
	h.pending[f.id] = f
	return f, nil
}

func (h *SlaveHandle) checkAlive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleAlive {
		return h.closedError()
	}
	return nil
}

func (h *SlaveHandle) sendFrame(kind MessageKind, id uint64, body []byte) error {
	frame, err := EncodeEnvelope(Envelope{Kind: kind, ID: id, Payload: body})
	if err != nil {
		return err
	}
	if err := h.transport.Send(frame); err != nil {
		h.lose(err)
		return connectionLost(err)
	}
	return nil
}

// request sends one envelope expecting a Result or Failure.
func (h *SlaveHandle) request(ctx context.Context, kind MessageKind, payload any, background bool) (*Future, error) {
	body, err := packPayload(payload)
	if err != nil {
		return nil, err
	}
	f, err := h.register()
	if err != nil {
		return nil, err
	}
	if err := h.sendFrame(kind, f.id, body); err != nil {
		h.take(f.id)
		f.fail(err)
		return f, err
	}
	f.advance(StateSent)
	if background {
		return f, nil
	}
	return f, h.wait(ctx, f)
}

func (h *SlaveHandle) wait(ctx context.Context, f *Future) error {
	if _, ok := ctx.Deadline(); !ok && h.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.DefaultTimeout)
		defer cancel()
	}
	return f.Wait(ctx)
}

func (h *SlaveHandle) callPayload(c Callable, args []any, kwargs map[string]any, threaded bool) (callPayload, error) {
	if err := c.validate(); err != nil {
		return callPayload{}, err
	}
	encArgs, err := encodeArgs(h.codec, args)
	if err != nil {
		return callPayload{}, err
	}
	encKwargs, err := encodeKwargs(h.codec, kwargs)
	if err != nil {
		return callPayload{}, err
	}

	ref := callableRef{Name: c.name}
	if c.fn != nil {
		if h.closures == nil {
			return callPayload{}, fmt.Errorf("%w: function values only reach thread slaves, register %T on the slave and use Ref", ErrUnserializable, c.fn)
		}
		ref.Closure = h.closures.put(c.fn)
	}
	return callPayload{Callable: ref, Args: encArgs, Kwargs: encKwargs, Threaded: threaded}, nil
}

// Submit sends task to the slave. In Blocking mode it waits for the outcome
// and returns the task's failure as the error; in Background mode it returns
// as soon as the request is sent.
func (h *SlaveHandle) Submit(ctx context.Context, task Task) (*Future, error) {
	if err := h.checkAlive(); err != nil {
		return nil, err
	}
	payload, err := h.callPayload(task.Callable, task.Args, task.Kwargs, task.Threaded)
	if err != nil {
		return nil, err
	}
	return h.request(ctx, MessageCall, payload, task.Mode == Background)
}

// Invoke runs c on the slave's serial executor and waits for it.
func (h *SlaveHandle) Invoke(ctx context.Context, c Callable, args ...any) (*Future, error) {
	return h.Submit(ctx, Task{Callable: c, Args: args})
}

// Schedule queues c on the slave's serial executor without waiting.
func (h *SlaveHandle) Schedule(c Callable, args ...any) (*Future, error) {
	return h.Submit(context.Background(), Task{Callable: c, Args: args, Mode: Background})
}

// Thread runs c concurrently on the slave's pool without waiting.
func (h *SlaveHandle) Thread(c Callable, args ...any) (*Future, error) {
	return h.Submit(context.Background(), Task{Callable: c, Args: args, Mode: Background, Threaded: true})
}

// Call invokes c and decodes its result as T.
func Call[T any](ctx context.Context, h *SlaveHandle, c Callable, args ...any) (T, error) {
	var out T
	f, err := h.Invoke(ctx, c, args...)
	if err != nil {
		return out, err
	}
	err = f.Decode(ctx, &out)
	return out, err
}

// RequestCancel cancels task id. A task not yet seen running is resolved
// Cancelled at once and dropped from the slave's queue. A running task is
// interrupted and RequestCancel waits, bounded by ctx, for its outcome;
// ErrCancellationUnconfirmed means none arrived in time.
func (h *SlaveHandle) RequestCancel(ctx context.Context, id uint64) error {
	h.mu.Lock()
	f := h.pending[id]
	h.mu.Unlock()
	if f == nil {
		return nil
	}

	if f.State() != StateRunning {
		if h.take(id) != nil {
			f.cancel(nil)
		}
		if err := h.sendFrame(MessageCancel, id, nil); err != nil {
			return err
		}
		return nil
	}

	if err := h.sendFrame(MessageCancel, id, nil); err != nil {
		return err
	}
	select {
	case <-f.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: task %d: %w", ErrCancellationUnconfirmed, id, ctx.Err())
	}
}

// Stop asks a server slave to stop serving every client.
func (h *SlaveHandle) Stop() error {
	return h.control(MessageStop)
}

// Persist keeps a server slave running after its last client leaves.
func (h *SlaveHandle) Persist() error {
	return h.control(MessagePersist)
}

// Detach lets the slave outlive this master: in-flight threaded work is
// finished instead of interrupted when the connection ends.
func (h *SlaveHandle) Detach() error {
	return h.control(MessageDetach)
}

func (h *SlaveHandle) control(kind MessageKind) error {
	if err := h.checkAlive(); err != nil {
		return err
	}
	return h.sendFrame(kind, 0, nil)
}

// State returns the handle's lifecycle state.
func (h *SlaveHandle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Identity returns what the slave reported when it became ready.
func (h *SlaveHandle) Identity() Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

// Name returns the configured label.
func (h *SlaveHandle) Name() string { return h.cfg.Name }

// Pending returns the number of requests awaiting an outcome.
func (h *SlaveHandle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Done is closed once the handle is dead and its slave has been joined.
func (h *SlaveHandle) Done() <-chan struct{} { return h.dead }

// Err returns the failure that killed the handle, if any.
func (h *SlaveHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// Metrics returns a snapshot of request and heartbeat metrics.
func (h *SlaveHandle) Metrics() MetricsSnapshot {
	return h.metrics.Snapshot()
}

// LiveObjects lists the remote object ids this handle still holds proxies for.
func (h *SlaveHandle) LiveObjects() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uint64, 0, len(h.objects))
	for id := range h.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *SlaveHandle) String() string {
	return fmt.Sprintf("SlaveHandle(%s, %s)", h.cfg.Name, h.State())
}
