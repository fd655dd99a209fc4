package processional

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_ShutdownAll(t *testing.T) {
	slave := newTestSlave(t)
	sup := NewSupervisor(nil)
	ctx := testContext(t)

	handles := make([]*SlaveHandle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := sup.SpawnThread(ctx, slave, HandleConfig{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 3, sup.Len())
	assert.Len(t, sup.Handles(), 3)

	pending, err := handles[0].Schedule(Ref("block"))
	require.NoError(t, err)

	require.NoError(t, sup.ShutdownAll(ctx))
	for _, h := range handles {
		assert.Equal(t, HandleDead, h.State())
	}
	assert.ErrorIs(t, pending.Err(), ErrHandleClosed)
	assert.Eventually(t, func() bool { return sup.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_Membership(t *testing.T) {
	slave := newTestSlave(t)
	sup := NewSupervisor(nil)
	ctx := testContext(t)

	t.Run("dead handles leave", func(t *testing.T) {
		h, err := sup.SpawnThread(ctx, slave, HandleConfig{})
		require.NoError(t, err)
		require.Equal(t, 1, sup.Len())

		require.NoError(t, h.Close())
		assert.Eventually(t, func() bool { return sup.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("remove keeps the slave running", func(t *testing.T) {
		h, err := sup.SpawnThread(ctx, slave, HandleConfig{})
		require.NoError(t, err)
		defer h.Close()

		sup.Remove(h)
		assert.Equal(t, 0, sup.Len())
		require.NoError(t, sup.ShutdownAll(ctx))

		n, err := Call[int](ctx, h, Ref("double"), 2)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("dial a server", func(t *testing.T) {
		srv, _ := startServer(t, slave, ServerConfig{})
		h, err := sup.Dial(ctx, srv.Network(), srv.Addr(), HandleConfig{HeartbeatInterval: -1})
		require.NoError(t, err)
		assert.Equal(t, 1, sup.Len())
		require.NoError(t, sup.ShutdownAll(ctx))
		assert.Equal(t, HandleDead, h.State())
	})
}
