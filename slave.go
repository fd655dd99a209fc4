package processional

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// SlaveConfig holds configuration for creating a Slave
type SlaveConfig struct {
	// Codec encodes argument and result values. Defaults to msgpack.
	Codec Codec
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// PoolSize bounds concurrently running threaded tasks. Defaults to 64.
	PoolSize int
}

// Slave executes requests coming from one or more masters. Plain calls and
// every proxy operation run one at a time in arrival order; threaded calls
// run on a bounded goroutine pool.
type Slave struct {
	codec Codec
	log   *zap.Logger

	mu      sync.RWMutex
	entries map[string]reflect.Value

	objects    *objectTable
	exec       *executor
	interrupts *interruptController
	pool       *ants.Pool

	sessionSeq atomic.Uint64
	closeOnce  sync.Once
}

// NewSlave creates a Slave with no registered functions.
func NewSlave(cfg SlaveConfig) (*Slave, error) {
	if cfg.Codec == nil {
		cfg.Codec = MsgpackCodec()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 64
	}

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create task pool: %w", err)
	}

	return &Slave{
		codec:      cfg.Codec,
		log:        cfg.Logger,
		entries:    make(map[string]reflect.Value),
		objects:    newObjectTable(),
		exec:       newExecutor(),
		interrupts: newInterruptController(),
		pool:       pool,
	}, nil
}

// Register exposes v under name. Functions are called with the request's
// arguments; any other value is returned as is when called without
// arguments.
func (s *Slave) Register(name string, v any) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadArguments)
	}
	if v == nil {
		return fmt.Errorf("%w: nil value for %q", ErrBadArguments, name)
	}
	s.mu.Lock()
	s.entries[name] = reflect.ValueOf(v)
	s.mu.Unlock()
	return nil
}

// RegisterMethods exposes every exported method of receiver under its own
// name.
func (s *Slave) RegisterMethods(receiver any) error {
	v := reflect.ValueOf(receiver)
	if !v.IsValid() {
		return fmt.Errorf("%w: nil receiver", ErrBadArguments)
	}
	t := v.Type()
	if t.NumMethod() == 0 {
		return fmt.Errorf("%w: %s has no exported methods", ErrBadArguments, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < t.NumMethod(); i++ {
		s.entries[t.Method(i).Name] = v.Method(i)
	}
	return nil
}

// Functions returns the registered names in sorted order.
func (s *Slave) Functions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Objects returns the number of objects currently held for proxies.
func (s *Slave) Objects() int { return s.objects.Len() }

// Codec returns the value codec.
func (s *Slave) Codec() Codec { return s.codec }

// Serve runs one session over t until the master shuts it down, the
// transport fails, or ctx is done.
func (s *Slave) Serve(ctx context.Context, t Transport) error {
	return s.serve(ctx, t, sessionHooks{})
}

func (s *Slave) serve(ctx context.Context, t Transport, hooks sessionHooks) error {
	sess := newSession(s, t, hooks)
	return sess.run(ctx)
}

// Close stops the executor and the task pool. Sessions still running lose
// their queued work.
func (s *Slave) Close() {
	s.closeOnce.Do(func() {
		s.exec.close()
		s.pool.Release()
	})
}

func (s *Slave) resolve(ref callableRef, closures *closureTable) (reflect.Value, error) {
	if ref.Closure != 0 {
		if closures == nil {
			return reflect.Value{}, fmt.Errorf("%w: function values need an in-process slave", ErrUnserializable)
		}
		fn, ok := closures.take(ref.Closure)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%w: function value %d", ErrFunctionNotFound, ref.Closure)
		}
		return reflect.ValueOf(fn), nil
	}

	if strings.HasPrefix(ref.Name, "_") {
		return reflect.Value{}, fmt.Errorf("%w: cannot call private function %q", ErrFunctionNotFound, ref.Name)
	}
	s.mu.RLock()
	v, ok := s.entries[ref.Name]
	s.mu.RUnlock()
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w: %q", ErrFunctionNotFound, ref.Name)
	}
	return v, nil
}

// invokeTarget calls target, or returns it when it is a plain value.
func (s *Slave) invokeTarget(ctx context.Context, target reflect.Value, args [][]byte, kwargs []byte) (any, error) {
	if target.Kind() != reflect.Func {
		if len(args) > 0 || kwargs != nil {
			return nil, fmt.Errorf("%w: %s is not callable", ErrBadArguments, target.Type())
		}
		return target.Interface(), nil
	}
	return call(ctx, s.codec, target, args, kwargs)
}
