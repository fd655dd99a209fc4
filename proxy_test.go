package processional

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestProxy_Operations(t *testing.T) {
	slave := newTestSlave(t)
	h := newThreadHandle(t, slave, HandleConfig{})
	ctx := testContext(t)

	p, err := h.Wrap(ctx, Ref("newList"), "numbers")
	require.NoError(t, err)
	defer p.Release()

	t.Run("object stays on the slave", func(t *testing.T) {
		assert.NotZero(t, p.ID())
		assert.Equal(t, 1, slave.Objects())
		assert.Equal(t, []uint64{p.ID()}, h.LiveObjects())
		assert.Same(t, h, p.Handle())
	})

	t.Run("get", func(t *testing.T) {
		name, err := GetAs[string](ctx, p, "Name")
		require.NoError(t, err)
		assert.Equal(t, "numbers", name)
	})

	t.Run("call mutates the remote object", func(t *testing.T) {
		for _, v := range []int{1, 2, 3} {
			_, err := p.Call(ctx, "Append", v)
			require.NoError(t, err)
		}
		n, err := CallAs[int](ctx, p, "Len")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		sum, err := CallAs[int](ctx, p, "Sum")
		require.NoError(t, err)
		assert.Equal(t, 6, sum)
	})

	t.Run("set", func(t *testing.T) {
		require.NoError(t, p.Set(ctx, "Name", "renamed"))
		name, err := GetAs[string](ctx, p, "Name")
		require.NoError(t, err)
		assert.Equal(t, "renamed", name)
	})

	t.Run("value copies the object", func(t *testing.T) {
		var l List
		require.NoError(t, p.Value(ctx, &l))
		assert.Equal(t, "renamed", l.Name)
		assert.Equal(t, []int{1, 2, 3}, l.Items)
	})

	t.Run("call returning a proxy", func(t *testing.T) {
		tail, err := p.CallProxy(ctx, "Tail", 1)
		require.NoError(t, err)
		assert.NotEqual(t, p.ID(), tail.ID())
		assert.Equal(t, 2, slave.Objects())

		items, err := GetAs[[]int](ctx, tail, "Items")
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, items)

		tail.Release()
		assert.Eventually(t, func() bool { return slave.Objects() == 1 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("missing attribute and method", func(t *testing.T) {
		_, err := p.Get(ctx, "Missing")
		assert.ErrorIs(t, err, ErrNoAttribute)
		_, err = p.Call(ctx, "Pop")
		assert.ErrorIs(t, err, ErrNoAttribute)
		require.Error(t, p.Set(ctx, "Items", "not a slice"))
	})

	t.Run("method panic", func(t *testing.T) {
		_, err := p.Call(ctx, "Tail", -1)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, FailurePanic, remote.Kind)

		n, err := CallAs[int](ctx, p, "Len")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("empty method name", func(t *testing.T) {
		_, err := p.Call(ctx, "")
		assert.ErrorIs(t, err, ErrBadArguments)
	})
}

func TestProxy_Maps(t *testing.T) {
	slave := newTestSlave(t)
	h := newThreadHandle(t, slave, HandleConfig{})
	ctx := testContext(t)

	p, err := h.Wrap(ctx, Ref("newCounts"))
	require.NoError(t, err)
	defer p.Release()

	require.NoError(t, p.Set(ctx, "b", 2))
	b, err := GetAs[int](ctx, p, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, b)

	var m map[string]int
	require.NoError(t, p.Value(ctx, &m))
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, m)
}

func TestProxy_Ordering(t *testing.T) {
	slave := newTestSlave(t)
	h := newThreadHandle(t, slave, HandleConfig{})
	ctx := testContext(t)

	a, err := h.Wrap(ctx, Ref("newList"), "shared")
	require.NoError(t, err)
	defer a.Release()
	b, err := a.Clone()
	require.NoError(t, err)
	defer b.Release()

	futures := make([]*Future, 0, 100)
	for i := 0; i < 100; i++ {
		p := a
		if i%2 == 1 {
			p = b
		}
		f, err := p.Go("Append", i)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		require.NoError(t, f.Wait(ctx))
	}

	items, err := GetAs[[]int](ctx, b, "Items")
	require.NoError(t, err)
	require.Len(t, items, 100)
	for i, v := range items {
		assert.Equal(t, i, v)
	}
}

func TestProxy_Release(t *testing.T) {
	t.Run("clones share one remote reference", func(t *testing.T) {
		slave := newTestSlave(t)
		h := newThreadHandle(t, slave, HandleConfig{})
		ctx := testContext(t)

		p, err := h.Wrap(ctx, Ref("newList"), "x")
		require.NoError(t, err)

		clones := make([]*Proxy, 0, 5)
		for i := 0; i < 5; i++ {
			c, err := p.Clone()
			require.NoError(t, err)
			clones = append(clones, c)
		}
		for _, c := range clones {
			c.Release()
		}

		n, err := CallAs[int](ctx, p, "Len")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, 1, slave.Objects())

		p.Release()
		assert.Eventually(t, func() bool { return slave.Objects() == 0 }, 5*time.Second, 10*time.Millisecond)
		assert.Empty(t, h.LiveObjects())
	})

	t.Run("released proxy is unusable", func(t *testing.T) {
		slave := newTestSlave(t)
		h := newThreadHandle(t, slave, HandleConfig{})
		ctx := testContext(t)

		p, err := h.Wrap(ctx, Ref("newList"), "x")
		require.NoError(t, err)
		p.Release()
		p.Release()

		assert.True(t, p.Released())
		_, err = p.Get(ctx, "Name")
		assert.ErrorIs(t, err, ErrProxyReleased)
		_, err = p.Clone()
		assert.ErrorIs(t, err, ErrProxyReleased)
		assert.ErrorIs(t, p.Set(ctx, "Name", "y"), ErrProxyReleased)
		assert.Contains(t, p.String(), "released")
	})

	t.Run("concurrent releases", func(t *testing.T) {
		slave := newTestSlave(t)
		h := newThreadHandle(t, slave, HandleConfig{})
		ctx := testContext(t)

		p, err := h.Wrap(ctx, Ref("newList"), "x")
		require.NoError(t, err)
		refs := []*Proxy{p}
		for i := 0; i < 20; i++ {
			c, err := p.Clone()
			require.NoError(t, err)
			refs = append(refs, c)
		}

		var wg sync.WaitGroup
		for _, r := range refs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Release()
				r.Release()
			}()
		}
		wg.Wait()

		assert.Eventually(t, func() bool { return slave.Objects() == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("wrapping nil fails", func(t *testing.T) {
		slave := newTestSlave(t)
		h := newThreadHandle(t, slave, HandleConfig{})

		_, err := h.Wrap(testContext(t), Ref("nothing"))
		require.Error(t, err)
		assert.Equal(t, 0, slave.Objects())
	})
}

func TestProxy_Attach(t *testing.T) {
	slave := newTestSlave(t)
	h := newThreadHandle(t, slave, HandleConfig{})
	ctx := testContext(t)

	t.Run("second owner keeps the object alive", func(t *testing.T) {
		p, err := h.Wrap(ctx, Ref("newList"), "x")
		require.NoError(t, err)

		q, err := Attach(ctx, h, p.ID())
		require.NoError(t, err)
		assert.Equal(t, p.ID(), q.ID())
		assert.Equal(t, 2, slave.objects.owners(p.ID()))

		p.Release()
		name, err := GetAs[string](ctx, q, "Name")
		require.NoError(t, err)
		assert.Equal(t, "x", name)

		q.Release()
		assert.Eventually(t, func() bool { return slave.Objects() == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, err := Attach(ctx, h, 9999)
		assert.ErrorIs(t, err, ErrUnknownReference)
		assert.Empty(t, h.LiveObjects())
	})
}

// listMaker hands out lists only once its gate opens.
type listMaker struct {
	gate chan struct{}
}

func (m *listMaker) Make(name string) *List {
	<-m.gate
	return &List{Name: name}
}

func TestProxy_WaitGivenUp(t *testing.T) {
	slave := newTestSlave(t)
	gate := make(chan struct{})
	require.NoError(t, slave.Register("gatedList", func(name string) *List {
		<-gate
		return &List{Name: name}
	}))
	require.NoError(t, slave.Register("listMaker", func() *listMaker {
		return &listMaker{gate: gate}
	}))
	h := newThreadHandle(t, slave, HandleConfig{})
	ctx := testContext(t)

	// barrier runs behind everything already queued on the slave
	barrier := func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := Call[int](ctx, h, Ref("double"), 1)
			require.NoError(t, err)
		}
	}

	t.Run("wrap", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		p, err := h.Wrap(short, Ref("gatedList"), "late")
		assert.Nil(t, p)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, h.Pending())

		gate <- struct{}{}
		barrier(t)
		assert.Eventually(t, func() bool { return slave.Objects() == 0 }, 5*time.Second, 10*time.Millisecond)
		assert.Empty(t, h.LiveObjects())
	})

	t.Run("call proxy", func(t *testing.T) {
		maker, err := h.Wrap(ctx, Ref("listMaker"))
		require.NoError(t, err)
		require.Equal(t, 1, slave.Objects())

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		p, err := maker.CallProxy(short, "Make", "late")
		assert.Nil(t, p)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, h.Pending())

		gate <- struct{}{}
		barrier(t)
		assert.Eventually(t, func() bool { return slave.Objects() == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, []uint64{maker.ID()}, h.LiveObjects())

		maker.Release()
		barrier(t)
		assert.Eventually(t, func() bool { return slave.Objects() == 0 }, 5*time.Second, 10*time.Millisecond)
	})
}

func TestProxy_HandleClosed(t *testing.T) {
	slave := newTestSlave(t)
	h := newThreadHandle(t, slave, HandleConfig{})
	ctx := testContext(t)

	p, err := h.Wrap(ctx, Ref("newList"), "x")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = p.Get(ctx, "Name")
	assert.ErrorIs(t, err, ErrHandleClosed)
	_, err = h.Wrap(ctx, Ref("newList"), "y")
	assert.ErrorIs(t, err, ErrHandleClosed)
	p.Release()
}

func TestProperty_ProxyRefcount(t *testing.T) {
	slave := newTestSlave(t)
	h := newThreadHandle(t, slave, HandleConfig{})
	ctx := testContext(t)

	rapid.Check(t, func(rt *rapid.T) {
		p, err := h.Wrap(ctx, Ref("newList"), "r")
		if err != nil {
			rt.Fatalf("wrap: %v", err)
		}
		refs := []*Proxy{p}
		clones := rapid.IntRange(0, 10).Draw(rt, "clones")
		for i := 0; i < clones; i++ {
			c, err := refs[rapid.IntRange(0, len(refs)-1).Draw(rt, "from")].Clone()
			if err != nil {
				rt.Fatalf("clone: %v", err)
			}
			refs = append(refs, c)
		}

		order := rapid.Permutation(refs).Draw(rt, "order")
		for i, r := range order {
			r.Release()
			// releases and calls share the executor, so a round trip settles
			// every release sent before it
			if _, err := Call[int](ctx, h, Ref("double"), 1); err != nil {
				rt.Fatalf("barrier: %v", err)
			}
			live := slave.objects.owners(p.ID())
			if i < len(order)-1 && live != 1 {
				rt.Fatalf("after %d of %d releases the slave holds %d owners", i+1, len(order), live)
			}
			if i == len(order)-1 && live != 0 {
				rt.Fatalf("object still held after the last release")
			}
		}
		if slave.Objects() != 0 {
			rt.Fatalf("slave holds %d objects", slave.Objects())
		}
	})
}
