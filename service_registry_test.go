package processional

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) *ServiceDirectory {
	t.Helper()
	return NewServiceDirectory(filepath.Join(t.TempDir(), DirectoryFileName))
}

func TestServiceRegistry_Paths(t *testing.T) {
	t.Run("default path", func(t *testing.T) {
		path := DefaultDirectoryPath()
		assert.Contains(t, path, DirectoryFileName)
		assert.Equal(t, path, NewServiceDirectory("").Path())
	})

	t.Run("custom path", func(t *testing.T) {
		d := NewServiceDirectory("/tmp/custom.json")
		assert.Equal(t, "/tmp/custom.json", d.Path())
	})
}

func TestServiceRegistry_Lifecycle(t *testing.T) {
	t.Run("register and lookup", func(t *testing.T) {
		d := newTestDirectory(t)
		require.NoError(t, d.Register("svc", ServiceInfo{Network: "tcp", Address: "127.0.0.1:7000"}))

		info, err := d.Lookup("svc")
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:7000", info.Address)
		assert.Equal(t, os.Getpid(), info.PID)
		assert.False(t, info.StartTime.IsZero())
	})

	t.Run("unregister", func(t *testing.T) {
		d := newTestDirectory(t)
		require.NoError(t, d.Register("svc", ServiceInfo{Network: "tcp", Address: "a"}))
		require.NoError(t, d.Unregister("svc"))
		_, err := d.Lookup("svc")
		assert.ErrorIs(t, err, ErrServiceNotFound)
	})

	t.Run("empty id", func(t *testing.T) {
		d := newTestDirectory(t)
		assert.ErrorIs(t, d.Register("", ServiceInfo{}), ErrBadArguments)
	})

	t.Run("same process may re-register", func(t *testing.T) {
		d := newTestDirectory(t)
		require.NoError(t, d.Register("svc", ServiceInfo{Network: "tcp", Address: "a"}))
		require.NoError(t, d.Register("svc", ServiceInfo{Network: "tcp", Address: "b"}))
		info, err := d.Lookup("svc")
		require.NoError(t, err)
		assert.Equal(t, "b", info.Address)
	})

	t.Run("live owner blocks takeover", func(t *testing.T) {
		d := newTestDirectory(t)
		require.NoError(t, d.Register("svc", ServiceInfo{Network: "tcp", Address: "a", PID: os.Getppid()}))
		err := d.Register("svc", ServiceInfo{Network: "tcp", Address: "b"})
		assert.ErrorIs(t, err, ErrServiceExists)
	})

	t.Run("dead owner is pruned", func(t *testing.T) {
		d := newTestDirectory(t)
		require.NoError(t, d.Register("svc", ServiceInfo{Network: "tcp", Address: "a", PID: 999999}))

		_, err := d.Lookup("svc")
		assert.ErrorIs(t, err, ErrServiceNotFound)

		services, err := d.List()
		require.NoError(t, err)
		assert.NotContains(t, services, "svc")

		require.NoError(t, d.Register("svc", ServiceInfo{Network: "tcp", Address: "b", PID: 999999}))
		require.NoError(t, d.Register("svc", ServiceInfo{Network: "tcp", Address: "c"}))
	})

	t.Run("list and clear", func(t *testing.T) {
		d := newTestDirectory(t)
		require.NoError(t, d.Register("a", ServiceInfo{Network: "tcp", Address: "1"}))
		require.NoError(t, d.Register("b", ServiceInfo{Network: "unix", Address: "/tmp/b.sock"}))

		services, err := d.List()
		require.NoError(t, err)
		assert.Len(t, services, 2)
		assert.Equal(t, "unix", services["b"].Network)

		require.NoError(t, d.Clear())
		services, err = d.List()
		require.NoError(t, err)
		assert.Empty(t, services)
	})

	t.Run("corrupt file", func(t *testing.T) {
		d := newTestDirectory(t)
		require.NoError(t, os.WriteFile(d.Path(), []byte("{not json"), 0o644))
		_, err := d.Lookup("svc")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrServiceNotFound)
	})
}

func TestServiceRegistry_Discover(t *testing.T) {
	t.Run("waits for registration", func(t *testing.T) {
		d := newTestDirectory(t)
		go func() {
			time.Sleep(3 * DirectoryPollInterval)
			d.Register("late", ServiceInfo{Network: "tcp", Address: "x"})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		info, err := d.Discover(ctx, "late")
		require.NoError(t, err)
		assert.Equal(t, "x", info.Address)
	})

	t.Run("gives up with the context", func(t *testing.T) {
		d := newTestDirectory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 3*DirectoryPollInterval)
		defer cancel()
		_, err := d.Discover(ctx, "never")
		assert.ErrorIs(t, err, ErrServiceNotFound)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestServiceRegistry_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), DirectoryFileName)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// separate instances contend on the file lock only
			d := NewServiceDirectory(path)
			assert.NoError(t, d.Register("svc-"+string(rune('a'+i)), ServiceInfo{Network: "tcp", Address: "x"}))
		}()
	}
	wg.Wait()

	services, err := NewServiceDirectory(path).List()
	require.NoError(t, err)
	assert.Len(t, services, 10)
}
