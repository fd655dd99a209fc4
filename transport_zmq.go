package processional

import (
	"context"
	"fmt"
	"sync"

	zmq "github.com/go-zeromq/zmq4"
)

// zmqDealer is the master end of a ZeroMQ link. DEALER frames are
// [empty_frame, envelope].
type zmqDealer struct {
	sock      zmq.Socket
	mu        sync.Mutex
	frames    chan frameResult
	closed    chan struct{}
	closeOnce sync.Once
}

// DialZMQTransport connects a DEALER socket to a slave's ROUTER endpoint.
func DialZMQTransport(ctx context.Context, endpoint string) (Transport, error) {
	return newZMQDealer(ctx, endpoint, false)
}

func newZMQDealer(ctx context.Context, endpoint string, bind bool) (*zmqDealer, error) {
	sock := zmq.NewDealer(ctx)
	if bind {
		if err := sock.Listen(endpoint); err != nil {
			sock.Close()
			return nil, fmt.Errorf("failed to bind to %s: %w", endpoint, err)
		}
	} else if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	d := &zmqDealer{
		sock:   sock,
		frames: make(chan frameResult, 64),
		closed: make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *zmqDealer) readLoop() {
	for {
		msg, err := d.sock.Recv()
		var res frameResult
		switch {
		case err != nil:
			res.err = err
		case len(msg.Frames) >= 2:
			res.frame = msg.Frames[1]
		case len(msg.Frames) == 1:
			res.frame = msg.Frames[0]
		default:
			continue
		}
		select {
		case d.frames <- res:
		case <-d.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *zmqDealer) Send(frame []byte) error {
	select {
	case <-d.closed:
		return ErrTransportClosed
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sock.Send(zmq.NewMsgFrom([]byte{}, frame))
}

func (d *zmqDealer) Receive(ctx context.Context) ([]byte, error) {
	select {
	case res := <-d.frames:
		return res.frame, res.err
	case <-d.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *zmqDealer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.sock.Close()
	})
	return err
}

// zmqRouter is the slave end. It demultiplexes peers by routing identity;
// ROUTER frames are [sender_id, empty_frame, envelope].
type zmqRouter struct {
	sock     zmq.Socket
	endpoint string
	sendMu   sync.Mutex

	mu       sync.Mutex
	peers    map[string]*zmqPeer
	incoming chan *zmqPeer

	closed    chan struct{}
	closeOnce sync.Once
}

// ListenZMQ binds a ROUTER socket; every distinct DEALER becomes one accepted
// transport.
func ListenZMQ(ctx context.Context, endpoint string) (Listener, error) {
	return newZMQRouter(ctx, endpoint, true)
}

func newZMQRouter(ctx context.Context, endpoint string, bind bool) (*zmqRouter, error) {
	sock := zmq.NewRouter(ctx)
	if bind {
		if err := sock.Listen(endpoint); err != nil {
			sock.Close()
			return nil, fmt.Errorf("failed to bind to %s: %w", endpoint, err)
		}
	} else if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	r := &zmqRouter{
		sock:     sock,
		endpoint: endpoint,
		peers:    make(map[string]*zmqPeer),
		incoming: make(chan *zmqPeer, 8),
		closed:   make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *zmqRouter) readLoop() {
	for {
		msg, err := r.sock.Recv()
		if err != nil {
			r.shutdown(err)
			return
		}
		if len(msg.Frames) < 3 {
			continue
		}
		peer, fresh := r.peer(msg.Frames[0])
		if fresh {
			select {
			case r.incoming <- peer:
			case <-r.closed:
				return
			}
		}
		peer.deliver(frameResult{frame: msg.Frames[2]})
	}
}

func (r *zmqRouter) peer(id []byte) (*zmqPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[string(id)]; ok {
		return p, false
	}
	p := &zmqPeer{
		router: r,
		id:     append([]byte(nil), id...),
		frames: make(chan frameResult, 64),
		closed: make(chan struct{}),
	}
	r.peers[string(id)] = p
	return p, true
}

func (r *zmqRouter) send(id, frame []byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.sock.Send(zmq.NewMsgFrom(id, []byte{}, frame))
}

func (r *zmqRouter) forget(p *zmqPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[string(p.id)] == p {
		delete(r.peers, string(p.id))
	}
}

func (r *zmqRouter) shutdown(cause error) {
	r.mu.Lock()
	peers := make([]*zmqPeer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.deliver(frameResult{err: cause})
	}
	r.Close()
}

func (r *zmqRouter) Accept(ctx context.Context) (Transport, error) {
	select {
	case p := <-r.incoming:
		return p, nil
	case <-r.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *zmqRouter) Addr() string {
	if addr := r.sock.Addr(); addr != nil {
		return "tcp://" + addr.String()
	}
	return r.endpoint
}

func (r *zmqRouter) Network() string { return "zmq" }

func (r *zmqRouter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.sock.Close()
	})
	return err
}

type zmqPeer struct {
	router    *zmqRouter
	id        []byte
	frames    chan frameResult
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *zmqPeer) deliver(res frameResult) {
	select {
	case p.frames <- res:
	case <-p.closed:
	}
}

func (p *zmqPeer) Send(frame []byte) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	return p.router.send(p.id, frame)
}

func (p *zmqPeer) Receive(ctx context.Context) ([]byte, error) {
	select {
	case res := <-p.frames:
		return res.frame, res.err
	case <-p.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *zmqPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.router.forget(p)
	})
	return nil
}
