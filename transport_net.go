package processional

import (
	"context"
	"net"
	"sync"
)

// DialStream connects to a stream server on network ("tcp" or "unix").
func DialStream(ctx context.Context, network, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewStreamTransport(conn), nil
}

// ListenStream listens for stream clients on network ("tcp" or "unix").
func ListenStream(network, address string) (Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	nl := &netListener{
		l:       l,
		conns:   make(chan net.Conn, 8),
		closeCh: make(chan struct{}),
	}
	go nl.acceptLoop()
	return nl, nil
}

type netListener struct {
	l         net.Listener
	conns     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *netListener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			l.Close()
			return
		}
		select {
		case l.conns <- c:
		case <-l.closeCh:
			c.Close()
			return
		}
	}
}

func (l *netListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-l.conns:
		return NewStreamTransport(c), nil
	case <-l.closeCh:
		return nil, ErrTransportClosed
	}
}

func (l *netListener) Addr() string    { return l.l.Addr().String() }
func (l *netListener) Network() string { return l.l.Addr().Network() }

func (l *netListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}
