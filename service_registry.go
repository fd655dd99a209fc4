package processional

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	DirectoryFileName     = "processional_services.json"
	DirectoryPollInterval = 100 * time.Millisecond
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrServiceExists   = errors.New("service already registered by a live process")
)

// ServiceInfo is where a server slave can be reached.
type ServiceInfo struct {
	Network   string    `json:"network" yaml:"network"`
	Address   string    `json:"address" yaml:"address"`
	PID       int       `json:"pid" yaml:"pid"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
}

// ServiceDirectory maps service ids to server addresses through a JSON file
// shared by every process on the host.
type ServiceDirectory struct {
	mu   sync.Mutex
	path string
}

// DefaultDirectoryPath returns the directory file in the system temp dir.
func DefaultDirectoryPath() string {
	return filepath.Join(os.TempDir(), DirectoryFileName)
}

// NewServiceDirectory opens the directory stored at path, or at
// DefaultDirectoryPath when path is empty.
func NewServiceDirectory(path string) *ServiceDirectory {
	if path == "" {
		path = DefaultDirectoryPath()
	}
	return &ServiceDirectory{path: path}
}

// Path returns the backing file.
func (d *ServiceDirectory) Path() string { return d.path }

// update runs fn over the current entries under the cross-process lock and
// writes the result back.
func (d *ServiceDirectory) update(fn func(services map[string]ServiceInfo) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	unlock, err := lockFile(d.path + ".lock")
	if err != nil {
		return fmt.Errorf("failed to lock service directory: %w", err)
	}
	defer unlock()

	services, err := d.load()
	if err != nil {
		return err
	}
	if err := fn(services); err != nil {
		return err
	}
	return d.save(services)
}

func (d *ServiceDirectory) load() (map[string]ServiceInfo, error) {
	services := make(map[string]ServiceInfo)
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return services, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return services, nil
	}
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("failed to parse service directory %s: %w", d.path, err)
	}
	return services, nil
}

func (d *ServiceDirectory) save(services map[string]ServiceInfo) error {
	data, err := json.MarshalIndent(services, "", "  ")
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}

// Register records id. An entry held by another live process is not
// replaced.
func (d *ServiceDirectory) Register(id string, info ServiceInfo) error {
	if id == "" {
		return fmt.Errorf("%w: empty service id", ErrBadArguments)
	}
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}
	return d.update(func(services map[string]ServiceInfo) error {
		if old, ok := services[id]; ok && old.PID != info.PID && isProcessAlive(old.PID) {
			return fmt.Errorf("%w: %q (pid %d)", ErrServiceExists, id, old.PID)
		}
		services[id] = info
		return nil
	})
}

// Unregister removes id.
func (d *ServiceDirectory) Unregister(id string) error {
	return d.update(func(services map[string]ServiceInfo) error {
		delete(services, id)
		return nil
	})
}

// Lookup returns id's entry. Entries whose process has exited are pruned.
func (d *ServiceDirectory) Lookup(id string) (ServiceInfo, error) {
	var (
		info  ServiceInfo
		found bool
	)
	err := d.update(func(services map[string]ServiceInfo) error {
		entry, ok := services[id]
		if !ok {
			return nil
		}
		if !isProcessAlive(entry.PID) {
			delete(services, id)
			return nil
		}
		info, found = entry, true
		return nil
	})
	if err != nil {
		return ServiceInfo{}, err
	}
	if !found {
		return ServiceInfo{}, fmt.Errorf("%w: %q", ErrServiceNotFound, id)
	}
	return info, nil
}

// Discover polls for id until it shows up or ctx is done.
func (d *ServiceDirectory) Discover(ctx context.Context, id string) (ServiceInfo, error) {
	ticker := time.NewTicker(DirectoryPollInterval)
	defer ticker.Stop()
	for {
		info, err := d.Lookup(id)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrServiceNotFound) {
			return ServiceInfo{}, err
		}
		select {
		case <-ctx.Done():
			return ServiceInfo{}, fmt.Errorf("%w: %q: %w", ErrServiceNotFound, id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// List returns every entry.
func (d *ServiceDirectory) List() (map[string]ServiceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load()
}

// Clear removes every entry.
func (d *ServiceDirectory) Clear() error {
	return d.update(func(services map[string]ServiceInfo) error {
		for id := range services {
			delete(services, id)
		}
		return nil
	})
}

// isProcessAlive checks if a process with the given PID is running
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
