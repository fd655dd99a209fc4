package processional

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor keeps track of the slaves a master started so they can be shut
// down together. Handles are removed once they die.
type Supervisor struct {
	log *zap.Logger

	mu      sync.Mutex
	handles map[*SlaveHandle]struct{}
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{log: logger, handles: make(map[*SlaveHandle]struct{})}
}

// Add registers h.
func (s *Supervisor) Add(h *SlaveHandle) {
	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-h.Done()
		s.Remove(h)
	}()
}

// Remove forgets h without stopping it.
func (s *Supervisor) Remove(h *SlaveHandle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}

// Handles returns the registered handles.
func (s *Supervisor) Handles() []*SlaveHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SlaveHandle, 0, len(s.handles))
	for h := range s.handles {
		out = append(out, h)
	}
	return out
}

// Len returns the number of registered handles.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// SpawnThread starts a thread slave and registers it.
func (s *Supervisor) SpawnThread(ctx context.Context, slave *Slave, cfg HandleConfig) (*SlaveHandle, error) {
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	h, err := SpawnThread(ctx, slave, cfg)
	if err != nil {
		return nil, err
	}
	s.Add(h)
	return h, nil
}

// SpawnProcess starts a child process slave and registers it.
func (s *Supervisor) SpawnProcess(ctx context.Context, cfg ProcessConfig) (*SlaveHandle, error) {
	if cfg.Handle.Logger == nil {
		cfg.Handle.Logger = s.log
	}
	h, err := SpawnProcess(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.Add(h)
	return h, nil
}

// Dial connects to a server slave and registers the handle.
func (s *Supervisor) Dial(ctx context.Context, network, address string, cfg HandleConfig) (*SlaveHandle, error) {
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	h, err := Dial(ctx, network, address, cfg)
	if err != nil {
		return nil, err
	}
	s.Add(h)
	return h, nil
}

// ShutdownAll shuts every registered slave down concurrently and waits for
// them, bounded by ctx.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	handles := s.Handles()
	s.log.Debug("shutting down slaves", zap.Int("count", len(handles)))

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			return h.Shutdown(ctx, true)
		})
	}
	return g.Wait()
}
