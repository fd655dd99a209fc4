package processional

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServerConfig holds configuration for a Server
type ServerConfig struct {
	// ServiceID, when set, publishes the listener address in Directory
	// while the server runs.
	ServiceID string
	// Directory defaults to the host-wide directory file.
	Directory *ServiceDirectory
	// Persistent keeps serving after the last client disconnects.
	Persistent bool
	// Attached stops the server once the last client disconnects, unless it
	// is persistent. A client can clear it with Detach.
	Attached bool
	// MaxClients bounds concurrently served clients. Zero means no bound.
	MaxClients int
	Logger     *zap.Logger
}

// Server hosts one Slave for any number of masters. All clients share the
// slave's executor and object table; each client's objects are released
// when it disconnects.
type Server struct {
	slave *Slave
	ln    Listener
	cfg   ServerConfig
	log   *zap.Logger

	persistent atomic.Bool
	attached   atomic.Bool
	clients    atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server for slave on ln.
func NewServer(slave *Slave, ln Listener, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		slave: slave,
		ln:    ln,
		cfg:   cfg,
		log:   cfg.Logger.With(zap.String("addr", ln.Addr())),
		stop:  make(chan struct{}),
	}
	s.persistent.Store(cfg.Persistent)
	s.attached.Store(cfg.Attached)
	return s
}

// Addr returns the listener address.
func (s *Server) Addr() string { return s.ln.Addr() }

// Network returns the listener network.
func (s *Server) Network() string { return s.ln.Network() }

// Clients returns the number of connected masters.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// Persist keeps the server running after its last client leaves.
func (s *Server) Persist() {
	s.persistent.Store(true)
	s.log.Debug("server persists")
}

// Detach clears the attached flag.
func (s *Server) Detach() {
	s.attached.Store(false)
}

// Stop ends Serve. Connected sessions are shut down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Serve accepts masters until Stop is called, ctx is done, or the listener
// fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.ServiceID != "" {
		dir := s.cfg.Directory
		if dir == nil {
			dir = NewServiceDirectory("")
		}
		if err := dir.Register(s.cfg.ServiceID, ServiceInfo{Network: s.ln.Network(), Address: s.ln.Addr()}); err != nil {
			return err
		}
		s.log.Info("service registered", zap.String("service", s.cfg.ServiceID))
		defer func() {
			if err := dir.Unregister(s.cfg.ServiceID); err != nil {
				s.log.Warn("failed to unregister service", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var g errgroup.Group
	if s.cfg.MaxClients > 0 {
		g.SetLimit(s.cfg.MaxClients)
	}

	s.log.Info("serving", zap.String("network", s.ln.Network()))
	var serveErr error
	for {
		t, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrTransportClosed) {
				serveErr = err
			}
			break
		}
		s.clients.Add(1)
		g.Go(func() error {
			defer s.leave()
			hooks := sessionHooks{persist: s.Persist, detach: s.Detach, stop: s.Stop}
			if err := s.slave.serve(ctx, t, hooks); err != nil {
				s.log.Warn("client session ended with error", zap.Error(err))
			}
			return nil
		})
	}

	s.ln.Close()
	cancel()
	g.Wait()
	s.log.Info("server stopped")
	return serveErr
}

func (s *Server) leave() {
	left := s.clients.Add(-1)
	s.log.Debug("client disconnected", zap.Int64("clients", left))
	if left == 0 && s.attached.Load() && !s.persistent.Load() {
		s.log.Info("last client left, stopping")
		s.Stop()
	}
}
