package processional

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// remoteObject is the master-side record of one object held by a slave.
// Every Proxy cloned from the same origin shares it; the slave is told to
// drop its reference when the last of them is released.
type remoteObject struct {
	id     uint64
	handle *SlaveHandle
	refs   atomic.Int64
}

// Proxy references an object living on a slave. Attribute reads, writes and
// method calls are forwarded to the slave's serial executor, so operations
// issued in order through one handle take effect in that order.
//
// A Proxy must be released exactly once; Clone gives out further references
// to the same object.
type Proxy struct {
	obj      *remoteObject
	released atomic.Bool
}

func (h *SlaveHandle) newProxy(id uint64) *Proxy {
	h.mu.Lock()
	h.objects[id]++
	h.mu.Unlock()

	obj := &remoteObject{id: id, handle: h}
	obj.refs.Store(1)
	return &Proxy{obj: obj}
}

func (h *SlaveHandle) dropObject(id uint64) {
	h.mu.Lock()
	h.objects[id]--
	if h.objects[id] <= 0 {
		delete(h.objects, id)
	}
	alive := h.state == HandleAlive
	h.mu.Unlock()

	if alive {
		h.sendRelease(id)
	}
}

func (h *SlaveHandle) sendRelease(id uint64) {
	body, err := packPayload(proxyPayload{Object: id})
	if err != nil {
		return
	}
	if err := h.sendFrame(MessageProxyRelease, 0, body); err != nil {
		h.log.Debug("release not delivered", zap.Uint64("object", id), zap.Error(err))
	}
}

// Wrap runs c on the slave and keeps its result there, returning a Proxy to
// it instead of a copy.
func (h *SlaveHandle) Wrap(ctx context.Context, c Callable, args ...any) (*Proxy, error) {
	if err := h.checkAlive(); err != nil {
		return nil, err
	}
	payload, err := h.callPayload(c, args, nil, false)
	if err != nil {
		return nil, err
	}
	f, err := h.request(ctx, MessageProxyCreate, payload, false)
	return h.proxyFor(f, err)
}

// proxyFor turns the outcome of an object-producing request into a Proxy. If
// the wait ended before the outcome, the request is abandoned so that a late
// result releases its object instead of completing an unheld future.
func (h *SlaveHandle) proxyFor(f *Future, err error) (*Proxy, error) {
	if err == nil {
		return h.newProxy(f.objectID()), nil
	}
	if f == nil {
		return nil, err
	}
	if h.take(f.id) != nil {
		f.cancel(err)
		return nil, err
	}
	// the receive loop already owns the outcome
	<-f.Done()
	if f.State() == StateCompleted && f.objectID() != 0 {
		h.sendRelease(f.objectID())
	}
	return nil, err
}

// Attach returns a new Proxy to an object the slave already holds, for
// example one whose id was handed over by another master.
func Attach(ctx context.Context, h *SlaveHandle, id uint64) (*Proxy, error) {
	f, err := h.request(ctx, MessageProxyAcquire, proxyPayload{Object: id}, false)
	return h.proxyFor(f, err)
}

// ID returns the slave-side object id.
func (p *Proxy) ID() uint64 { return p.obj.id }

// Handle returns the handle the object lives behind.
func (p *Proxy) Handle() *SlaveHandle { return p.obj.handle }

// Released reports whether Release was called on p.
func (p *Proxy) Released() bool { return p.released.Load() }

// Clone returns another reference to the same remote object. It must be
// released independently.
func (p *Proxy) Clone() (*Proxy, error) {
	if p.released.Load() {
		return nil, ErrProxyReleased
	}
	p.obj.refs.Add(1)
	return &Proxy{obj: p.obj}, nil
}

// Release drops this reference. Releasing twice is a no-op.
func (p *Proxy) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.obj.refs.Add(-1) == 0 {
		p.obj.handle.dropObject(p.obj.id)
	}
}

func (p *Proxy) check() error {
	if p.released.Load() {
		return ErrProxyReleased
	}
	return p.obj.handle.checkAlive()
}

func (p *Proxy) do(ctx context.Context, kind MessageKind, payload proxyPayload, background bool) (*Future, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	payload.Object = p.obj.id
	return p.obj.handle.request(ctx, kind, payload, background)
}

// Get reads attribute attr of the remote object and waits for it.
func (p *Proxy) Get(ctx context.Context, attr string) (*Future, error) {
	return p.do(ctx, MessageProxyAttr, proxyPayload{Name: attr}, false)
}

// Set assigns value to attribute attr of the remote object.
func (p *Proxy) Set(ctx context.Context, attr string, value any) error {
	raw, err := encodeValue(p.obj.handle.codec, value)
	if err != nil {
		return err
	}
	_, err = p.do(ctx, MessageProxySet, proxyPayload{Name: attr, Value: raw}, false)
	return err
}

// Call invokes method on the remote object and waits for it.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (*Future, error) {
	return p.CallKwargs(ctx, method, args, nil)
}

// CallKwargs is Call with options filling the method's trailing struct
// parameter.
func (p *Proxy) CallKwargs(ctx context.Context, method string, args []any, kwargs map[string]any) (*Future, error) {
	payload, err := p.callPayload(method, args, kwargs, false)
	if err != nil {
		return nil, err
	}
	return p.do(ctx, MessageProxyCall, payload, false)
}

// Go invokes method on the remote object without waiting.
func (p *Proxy) Go(method string, args ...any) (*Future, error) {
	payload, err := p.callPayload(method, args, nil, false)
	if err != nil {
		return nil, err
	}
	return p.do(context.Background(), MessageProxyCall, payload, true)
}

// CallProxy invokes method and keeps its result on the slave.
func (p *Proxy) CallProxy(ctx context.Context, method string, args ...any) (*Proxy, error) {
	payload, err := p.callPayload(method, args, nil, true)
	if err != nil {
		return nil, err
	}
	f, err := p.do(ctx, MessageProxyCall, payload, false)
	return p.obj.handle.proxyFor(f, err)
}

// Value copies the whole remote object into out.
func (p *Proxy) Value(ctx context.Context, out any) error {
	f, err := p.Get(ctx, "")
	if err != nil {
		return err
	}
	return f.Decode(ctx, out)
}

func (p *Proxy) callPayload(method string, args []any, kwargs map[string]any, proxy bool) (proxyPayload, error) {
	if method == "" {
		return proxyPayload{}, fmt.Errorf("%w: empty method name", ErrBadArguments)
	}
	codec := p.obj.handle.codec
	encArgs, err := encodeArgs(codec, args)
	if err != nil {
		return proxyPayload{}, err
	}
	encKwargs, err := encodeKwargs(codec, kwargs)
	if err != nil {
		return proxyPayload{}, err
	}
	return proxyPayload{Name: method, Args: encArgs, Kwargs: encKwargs, Proxy: proxy}, nil
}

func (p *Proxy) String() string {
	state := "live"
	if p.released.Load() {
		state = "released"
	}
	return fmt.Sprintf("Proxy(%d@%s, %s)", p.obj.id, p.obj.handle.Name(), state)
}

// GetAs reads attr and decodes it as T.
func GetAs[T any](ctx context.Context, p *Proxy, attr string) (T, error) {
	var out T
	f, err := p.Get(ctx, attr)
	if err != nil {
		return out, err
	}
	err = f.Decode(ctx, &out)
	return out, err
}

// CallAs invokes method and decodes its result as T.
func CallAs[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	var out T
	f, err := p.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	err = f.Decode(ctx, &out)
	return out, err
}
