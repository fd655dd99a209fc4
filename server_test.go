package processional

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serving records the outcome of a Serve call running in the background.
// done is closed once err is set, so any number of readers can wait on it.
type serving struct {
	done chan struct{}
	err  error
}

// startServer runs a TCP server on a free port in the background.
func startServer(t *testing.T, slave *Slave, cfg ServerConfig) (*Server, *serving) {
	t.Helper()
	ln, err := ListenStream("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(slave, ln, cfg)
	run := &serving{done: make(chan struct{})}
	go func() {
		run.err = srv.Serve(context.Background())
		close(run.done)
	}()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case <-run.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, run
}

func dialServer(t *testing.T, srv *Server) *SlaveHandle {
	t.Helper()
	h, err := Dial(testContext(t), srv.Network(), srv.Addr(), HandleConfig{HeartbeatInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func waitServed(t *testing.T, run *serving) error {
	t.Helper()
	select {
	case <-run.done:
		return run.err
	case <-time.After(5 * time.Second):
		t.Fatal("server still running")
		return nil
	}
}

func TestServer_Clients(t *testing.T) {
	slave := newTestSlave(t)
	srv, _ := startServer(t, slave, ServerConfig{})
	ctx := testContext(t)

	a := dialServer(t, srv)
	b := dialServer(t, srv)

	t.Run("both clients are served", func(t *testing.T) {
		n, err := Call[int](ctx, a, Ref("double"), 21)
		require.NoError(t, err)
		assert.Equal(t, 42, n)

		n, err = Call[int](ctx, b, Ref("add"), 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		assert.Equal(t, 2, srv.Clients())
		assert.NotEqual(t, a.Identity().Session, b.Identity().Session)
	})

	t.Run("clients share one object table", func(t *testing.T) {
		p, err := a.Wrap(ctx, Ref("newList"), "shared")
		require.NoError(t, err)
		defer p.Release()
		_, err = p.Call(ctx, "Append", 5)
		require.NoError(t, err)

		q, err := Attach(ctx, b, p.ID())
		require.NoError(t, err)
		defer q.Release()
		sum, err := CallAs[int](ctx, q, "Sum")
		require.NoError(t, err)
		assert.Equal(t, 5, sum)
	})

	t.Run("function values are refused", func(t *testing.T) {
		_, err := a.Invoke(ctx, Func(func() {}))
		assert.ErrorIs(t, err, ErrUnserializable)
	})
}

func TestServer_Disconnect(t *testing.T) {
	slave := newTestSlave(t)
	srv, _ := startServer(t, slave, ServerConfig{})
	ctx := testContext(t)

	a := dialServer(t, srv)
	b := dialServer(t, srv)

	_, err := a.Wrap(ctx, Ref("newList"), "from-a")
	require.NoError(t, err)
	kept, err := b.Wrap(ctx, Ref("newList"), "from-b")
	require.NoError(t, err)
	defer kept.Release()
	require.Equal(t, 2, slave.Objects())

	// a leaves without releasing its proxy
	require.NoError(t, a.Close())

	assert.Eventually(t, func() bool { return slave.Objects() == 1 && srv.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	name, err := GetAs[string](ctx, kept, "Name")
	require.NoError(t, err)
	assert.Equal(t, "from-b", name)
}

func TestServer_Lifetime(t *testing.T) {
	t.Run("stop from a client", func(t *testing.T) {
		slave := newTestSlave(t)
		srv, run := startServer(t, slave, ServerConfig{})
		h := dialServer(t, srv)

		require.NoError(t, h.Stop())
		assert.NoError(t, waitServed(t, run))
	})

	t.Run("attached server stops after the last client", func(t *testing.T) {
		slave := newTestSlave(t)
		srv, run := startServer(t, slave, ServerConfig{Attached: true})
		a := dialServer(t, srv)
		b := dialServer(t, srv)

		require.NoError(t, a.Close())
		select {
		case <-run.done:
			t.Fatal("server stopped while a client was connected")
		case <-time.After(100 * time.Millisecond):
		}

		require.NoError(t, b.Close())
		assert.NoError(t, waitServed(t, run))
	})

	t.Run("persist keeps an attached server running", func(t *testing.T) {
		slave := newTestSlave(t)
		srv, run := startServer(t, slave, ServerConfig{Attached: true})
		h := dialServer(t, srv)

		require.NoError(t, h.Persist())
		require.NoError(t, h.Close())

		select {
		case <-run.done:
			t.Fatal("persistent server stopped")
		case <-time.After(200 * time.Millisecond):
		}
		assert.Equal(t, 0, srv.Clients())

		again := dialServer(t, srv)
		n, err := Call[int](testContext(t), again, Ref("double"), 2)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("detach clears attachment", func(t *testing.T) {
		slave := newTestSlave(t)
		srv, run := startServer(t, slave, ServerConfig{Attached: true})
		h := dialServer(t, srv)

		require.NoError(t, h.Detach())
		require.NoError(t, h.Close())

		select {
		case <-run.done:
			t.Fatal("detached server stopped")
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("stopping the server loses its clients", func(t *testing.T) {
		slave := newTestSlave(t)
		srv, run := startServer(t, slave, ServerConfig{})
		h := dialServer(t, srv)
		ctx := testContext(t)

		f, err := h.Schedule(Ref("block"))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return f.State() == StateRunning }, 5*time.Second, 5*time.Millisecond)

		srv.Stop()
		assert.NoError(t, waitServed(t, run))

		// the interrupted outcome may beat the disconnect
		err = f.Wait(ctx)
		assert.True(t, errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrInterrupted), "got %v", err)
		assert.Eventually(t, func() bool { return h.State() == HandleDead }, 5*time.Second, 10*time.Millisecond)
	})
}

func TestServer_Directory(t *testing.T) {
	dir := NewServiceDirectory(filepath.Join(t.TempDir(), DirectoryFileName))
	slave := newTestSlave(t)
	srv, run := startServer(t, slave, ServerConfig{ServiceID: "math", Directory: dir})
	ctx := testContext(t)

	h, err := Connect(ctx, dir, "math", HandleConfig{HeartbeatInterval: -1})
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, "math", h.Name())

	n, err := Call[int](ctx, h, Ref("double"), 5)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	info, err := dir.Lookup("math")
	require.NoError(t, err)
	assert.Equal(t, srv.Addr(), info.Address)
	assert.Equal(t, "tcp", info.Network)

	srv.Stop()
	require.NoError(t, waitServed(t, run))
	_, err = dir.Lookup("math")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestServer_ZMQ(t *testing.T) {
	slave := newTestSlave(t)
	ln, err := ListenZMQ(context.Background(), "tcp://127.0.0.1:"+strconv.Itoa(findFreePort()))
	require.NoError(t, err)
	srv := NewServer(slave, ln, ServerConfig{})

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	defer func() {
		srv.Stop()
		<-done
	}()

	ctx := testContext(t)
	h, err := DialZMQ(ctx, srv.Addr(), HandleConfig{HeartbeatInterval: -1})
	require.NoError(t, err)
	defer h.Close()

	n, err := Call[int](ctx, h, Ref("double"), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	p, err := h.Wrap(ctx, Ref("newList"), "z")
	require.NoError(t, err)
	_, err = p.Call(ctx, "Append", 3)
	require.NoError(t, err)
	sum, err := CallAs[int](ctx, p, "Sum")
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
	p.Release()
}
