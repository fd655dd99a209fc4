package processional

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sessionHooks connect a session to whatever hosts it.
type sessionHooks struct {
	closures *closureTable
	persist  func()
	detach   func()
	stop     func()
	detached bool
}

type session struct {
	slave *Slave
	seq   uint64
	id    string
	t     Transport
	hooks sessionHooks
	log   *zap.Logger

	detached atomic.Bool

	// task contexts derive from ctx so that detached sessions can outlive
	// the serve context
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	owned map[uint64]int

	threads sync.WaitGroup
}

func newSession(s *Slave, t Transport, hooks sessionHooks) *session {
	seq := s.sessionSeq.Add(1)
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		slave:  s,
		seq:    seq,
		id:     id,
		t:      t,
		hooks:  hooks,
		log:    s.log.With(zap.String("session", id)),
		ctx:    ctx,
		cancel: cancel,
		owned:  make(map[uint64]int),
	}
	sess.detached.Store(hooks.detached)
	return sess
}

func (se *session) run(ctx context.Context) error {
	if err := se.sendReady(); err != nil {
		se.teardown()
		return fmt.Errorf("failed to send readiness: %w", err)
	}
	se.log.Debug("session ready")

	var err error
	for {
		frame, rerr := se.t.Receive(ctx)
		if rerr != nil {
			if !isClosedError(rerr) && ctx.Err() == nil {
				err = rerr
				se.log.Warn("receive failed", zap.Error(rerr))
			}
			break
		}
		env, derr := DecodeEnvelope(frame)
		if derr != nil {
			err = derr
			se.log.Error("dropping desynchronized transport", zap.Error(derr))
			break
		}
		if !se.handle(env) {
			break
		}
	}

	se.teardown()
	return err
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, context.Canceled)
}

func (se *session) sendReady() error {
	host, _ := os.Hostname()
	return se.send(MessageReady, 0, readyPayload{
		Session:   se.id,
		Host:      host,
		PID:       os.Getpid(),
		Codec:     se.slave.codec.Name(),
		Functions: se.slave.Functions(),
	})
}

// handle processes one envelope and reports whether the session continues.
func (se *session) handle(env Envelope) bool {
	switch env.Kind {
	case MessageCall:
		se.onCall(env)
	case MessageProxyCreate:
		se.onProxyCreate(env)
	case MessageProxyAttr, MessageProxyCall, MessageProxySet, MessageProxyAcquire:
		se.onProxy(env)
	case MessageProxyRelease:
		se.onRelease(env)
	case MessageCancel:
		se.onCancel(env.ID)
	case MessagePing:
		se.sendRaw(MessagePing, env.ID, env.Payload)
	case MessagePersist:
		if se.hooks.persist != nil {
			se.hooks.persist()
		}
	case MessageDetach:
		se.detached.Store(true)
		if se.hooks.detach != nil {
			se.hooks.detach()
		}
	case MessageStop:
		if se.hooks.stop == nil {
			return false
		}
		se.hooks.stop()
	case MessageShutdown:
		se.log.Debug("shutdown requested")
		return false
	default:
		se.log.Warn("unexpected envelope", zap.Stringer("kind", env.Kind), zap.Uint64("id", env.ID))
	}
	return true
}

func (se *session) key(id uint64) taskKey {
	return taskKey{session: se.seq, id: id}
}

func (se *session) onCall(env Envelope) {
	var p callPayload
	if err := unpackPayload(env.Payload, &p); err != nil {
		se.fail(env.ID, err)
		return
	}
	target, err := se.slave.resolve(p.Callable, se.hooks.closures)
	if err != nil {
		se.fail(env.ID, err)
		return
	}

	run := func(ctx context.Context) {
		se.sendRaw(MessageStarted, env.ID, nil)
		v, err := protect(func() (any, error) {
			return se.slave.invokeTarget(ctx, target, p.Args, p.Kwargs)
		})
		se.respond(env.ID, v, err)
	}
	if p.Threaded {
		se.thread(env.ID, run)
		return
	}
	se.enqueue(env.ID, run)
}

func (se *session) onProxyCreate(env Envelope) {
	var p callPayload
	if err := unpackPayload(env.Payload, &p); err != nil {
		se.fail(env.ID, err)
		return
	}
	target, err := se.slave.resolve(p.Callable, se.hooks.closures)
	if err != nil {
		se.fail(env.ID, err)
		return
	}

	se.enqueue(env.ID, func(ctx context.Context) {
		se.sendRaw(MessageStarted, env.ID, nil)
		v, err := protect(func() (any, error) {
			return se.slave.invokeTarget(ctx, target, p.Args, p.Kwargs)
		})
		if err != nil {
			se.fail(env.ID, err)
			return
		}
		se.wrap(env.ID, v)
	})
}

func (se *session) onProxy(env Envelope) {
	var p proxyPayload
	if err := unpackPayload(env.Payload, &p); err != nil {
		se.fail(env.ID, err)
		return
	}

	se.enqueue(env.ID, func(ctx context.Context) {
		if env.Kind == MessageProxyAcquire {
			if err := se.slave.objects.acquire(p.Object); err != nil {
				se.fail(env.ID, err)
				return
			}
			se.own(p.Object, 1)
			se.send(MessageResult, env.ID, resultPayload{Object: p.Object})
			return
		}

		obj, err := se.slave.objects.lookup(p.Object)
		if err != nil {
			se.fail(env.ID, err)
			return
		}
		se.sendRaw(MessageStarted, env.ID, nil)

		switch env.Kind {
		case MessageProxyAttr:
			v, err := protect(func() (any, error) { return getAttr(obj, p.Name) })
			se.respond(env.ID, v, err)
		case MessageProxySet:
			_, err := protect(func() (any, error) { return nil, setAttr(se.slave.codec, obj, p.Name, p.Value) })
			se.respond(env.ID, nil, err)
		case MessageProxyCall:
			v, err := protect(func() (any, error) {
				m, err := methodOf(obj, p.Name)
				if err != nil {
					return nil, err
				}
				return call(ctx, se.slave.codec, m, p.Args, p.Kwargs)
			})
			if err != nil || !p.Proxy {
				se.respond(env.ID, v, err)
				return
			}
			se.wrap(env.ID, v)
		}
	})
}

// wrap stores v as a live object owned by this session and replies with its id.
func (se *session) wrap(id uint64, v any) {
	if v == nil {
		se.fail(id, errors.New("nothing to wrap: callable returned nil"))
		return
	}
	obj := se.slave.objects.store(v)
	se.own(obj, 1)
	se.send(MessageResult, id, resultPayload{Object: obj})
}

func (se *session) onRelease(env Envelope) {
	var p proxyPayload
	if err := unpackPayload(env.Payload, &p); err != nil {
		se.log.Warn("invalid release", zap.Error(err))
		return
	}
	se.slave.exec.push(&job{
		key: taskKey{session: se.seq},
		run: func(context.Context) {
			removed, err := se.slave.objects.release(p.Object)
			if err != nil {
				se.log.Warn("release of unknown object", zap.Uint64("object", p.Object))
				return
			}
			se.own(p.Object, -1)
			if removed {
				se.log.Debug("object released", zap.Uint64("object", p.Object))
			}
		},
	})
}

func (se *session) onCancel(id uint64) {
	key := se.key(id)
	if se.slave.exec.remove(key) {
		se.log.Debug("queued task cancelled", zap.Uint64("id", id))
		return
	}
	if se.slave.interrupts.interrupt(key) {
		se.log.Debug("running task interrupted", zap.Uint64("id", id))
	}
}

func (se *session) own(obj uint64, delta int) {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.owned[obj] += delta
	if se.owned[obj] == 0 {
		delete(se.owned, obj)
	}
}

// enqueue schedules run on the slave's serial executor.
func (se *session) enqueue(id uint64, run func(ctx context.Context)) {
	key := se.key(id)
	ctx, done := se.slave.interrupts.track(se.ctx, key)
	j := &job{
		key: key,
		ctx: ctx,
		run: func(ctx context.Context) {
			defer done()
			run(ctx)
		},
		drop: done,
	}
	if !se.slave.exec.push(j) {
		done()
		se.fail(id, errors.New("slave is closed"))
	}
}

// thread runs run on the task pool, outside the serial executor.
func (se *session) thread(id uint64, run func(ctx context.Context)) {
	ctx, done := se.slave.interrupts.track(se.ctx, se.key(id))
	se.threads.Add(1)
	err := se.slave.pool.Submit(func() {
		defer se.threads.Done()
		defer done()
		run(ctx)
	})
	if err != nil {
		se.threads.Done()
		done()
		se.fail(id, fmt.Errorf("threaded task rejected: %w", err))
	}
}

func (se *session) respond(id uint64, v any, err error) {
	if err != nil {
		se.fail(id, err)
		return
	}
	raw, err := encodeValue(se.slave.codec, v)
	if err != nil {
		se.fail(id, err)
		return
	}
	se.send(MessageResult, id, resultPayload{Value: raw})
}

func (se *session) fail(id uint64, err error) {
	se.log.Debug("task failed", zap.Uint64("id", id), zap.Error(err))
	se.send(MessageFailure, id, failureOf(err))
}

func (se *session) send(kind MessageKind, id uint64, payload any) error {
	body, err := packPayload(payload)
	if err != nil {
		se.log.Error("failed to pack payload", zap.Stringer("kind", kind), zap.Error(err))
		return err
	}
	return se.sendRaw(kind, id, body)
}

func (se *session) sendRaw(kind MessageKind, id uint64, body []byte) error {
	frame, err := EncodeEnvelope(Envelope{Kind: kind, ID: id, Payload: body})
	if err != nil {
		if kind == MessageResult {
			return se.send(MessageFailure, id, failureOf(err))
		}
		se.log.Error("failed to encode envelope", zap.Stringer("kind", kind), zap.Error(err))
		return err
	}
	if err := se.t.Send(frame); err != nil {
		if kind == MessageFailure {
			se.log.Warn("failure not reported because the master disconnected", zap.Uint64("id", id))
		}
		return err
	}
	return nil
}

// teardown abandons queued work, interrupts or drains running work, and
// drops the objects this session still owned.
func (se *session) teardown() {

	se.slave.exec.removeSession(se.seq)
	if se.detached.Load() {
		se.threads.Wait()
	} else {
		se.slave.interrupts.interruptSession(se.seq)
	}
	se.cancel()

	// queued releases of this session still run first, keeping the counts exact
	release := &job{key: taskKey{session: se.seq}, run: func(context.Context) { se.releaseOwned() }}
	if !se.slave.exec.push(release) {
		se.releaseOwned()
	}

	se.t.Close()
	se.log.Debug("session terminated")
}

func (se *session) releaseOwned() {
	se.mu.Lock()
	owned := se.owned
	se.owned = make(map[uint64]int)
	se.mu.Unlock()

	for obj, n := range owned {
		for i := 0; i < n; i++ {
			if _, err := se.slave.objects.release(obj); err != nil {
				break
			}
		}
	}
	if len(owned) > 0 {
		se.log.Debug("dropped objects of disconnected master", zap.Int("objects", len(owned)))
	}
}
