package processional

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// FutureState is the lifecycle position of a submitted task.
type FutureState int32

const (
	StatePending FutureState = iota
	StateSent
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s FutureState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s can no longer change.
func (s FutureState) Terminal() bool {
	return s >= StateCompleted
}

// Future tracks one request sent to a slave. It is resolved at most once.
type Future struct {
	id     uint64
	handle *SlaveHandle
	codec  Codec

	mu     sync.Mutex
	state  FutureState
	raw    []byte
	object uint64
	err    error
	done   chan struct{}
	onDone func(*Future)
}

func newFuture(id uint64, handle *SlaveHandle, codec Codec) *Future {
	return &Future{
		id:     id,
		handle: handle,
		codec:  codec,
		done:   make(chan struct{}),
	}
}

// ID returns the correlation id of the request.
func (f *Future) ID() uint64 { return f.id }

// State returns the current state.
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done is closed once the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.done }

// Poll reports whether the future is terminal without blocking.
func (f *Future) Poll() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the failure or cancellation cause of a terminal future, or nil.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Future) advance(to FutureState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state < to && !f.state.Terminal() {
		f.state = to
	}
}

func (f *Future) resolve(state FutureState, raw []byte, object uint64, err error) bool {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return false
	}
	f.state = state
	f.raw = raw
	f.object = object
	f.err = err
	onDone := f.onDone
	close(f.done)
	f.mu.Unlock()

	if onDone != nil {
		onDone(f)
	}
	return true
}

func (f *Future) complete(raw []byte, object uint64) bool {
	return f.resolve(StateCompleted, raw, object, nil)
}

func (f *Future) fail(err error) bool {
	return f.resolve(StateFailed, nil, 0, err)
}

func (f *Future) cancel(cause error) bool {
	return f.resolve(StateCancelled, nil, 0, cancelled(cause))
}

// Wait blocks until the future is terminal or ctx is done. It returns the
// task's failure, if any. Giving up on a wait leaves the future untouched.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	default:
	}
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// WaitTimeout is Wait with a relative deadline.
func (f *Future) WaitTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Wait(ctx)
}

// Decode waits for the result and decodes it into out.
func (f *Future) Decode(ctx context.Context, out any) error {
	if err := f.Wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	raw := f.raw
	f.mu.Unlock()
	if len(raw) == 0 || out == nil {
		return nil
	}
	return decodeValue(f.codec, raw, out)
}

// Value waits for the result and decodes it into a generic value.
func (f *Future) Value(ctx context.Context) (any, error) {
	var v any
	if err := f.Decode(ctx, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Cancel asks the owning handle to cancel this task.
func (f *Future) Cancel(ctx context.Context) error {
	return f.handle.RequestCancel(ctx, f.id)
}

func (f *Future) objectID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.object
}

// Await waits for f and decodes its result as T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var out T
	err := f.Decode(ctx, &out)
	return out, err
}
