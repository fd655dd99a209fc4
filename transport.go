package processional

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// Transport carries whole envelope frames between a master and a slave, in
// send order.
type Transport interface {
	Send(frame []byte) error
	// Receive blocks until a frame arrives, the transport fails, or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Listener accepts transports for a multi-client server.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Addr() string
	Network() string
	Close() error
}

var ErrTransportClosed = errors.New("transport closed")

type frameResult struct {
	frame []byte
	err   error
}

// streamTransport frames envelopes over any ordered byte stream.
type streamTransport struct {
	r      *bufio.Reader
	w      *bufio.Writer
	wmu    sync.Mutex
	closer func() error

	frames    chan frameResult
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport wraps a bidirectional stream such as a net.Conn.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return newStreamTransport(rwc, rwc, rwc.Close)
}

func newStreamTransport(r io.Reader, w io.Writer, closer func() error) *streamTransport {
	t := &streamTransport{
		r:      bufio.NewReader(r),
		w:      bufio.NewWriter(w),
		closer: closer,
		frames: make(chan frameResult, 64),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *streamTransport) readLoop() {
	for {
		frame, err := ReadFrame(t.r)
		select {
		case t.frames <- frameResult{frame: frame, err: err}:
		case <-t.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *streamTransport) Send(frame []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *streamTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case res := <-t.frames:
		return res.frame, res.err
	case <-t.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *streamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.closer != nil {
			t.closeErr = t.closer()
		}
	})
	return t.closeErr
}

// NewPipe returns two connected in-memory transports.
func NewPipe() (Transport, Transport) {
	a, b := net.Pipe()
	return NewStreamTransport(a), NewStreamTransport(b)
}
