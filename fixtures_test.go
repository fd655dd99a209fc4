package processional

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// List is the remote object most proxy tests work with.
type List struct {
	Name  string
	Items []int
}

func (l *List) Append(v int) { l.Items = append(l.Items, v) }

func (l *List) Len() int { return len(l.Items) }

func (l *List) Sum() int {
	total := 0
	for _, v := range l.Items {
		total += v
	}
	return total
}

// Tail returns a new list holding the items after the first n.
func (l *List) Tail(n int) *List {
	if n > len(l.Items) {
		n = len(l.Items)
	}
	return &List{Name: l.Name + "-tail", Items: append([]int(nil), l.Items[n:]...)}
}

type greetOptions struct {
	Greeting string `msgpack:"greeting" json:"greeting" cbor:"greeting"`
	Loud     bool   `msgpack:"loud" json:"loud" cbor:"loud"`
}

// registerTestFunctions installs the functions shared by thread, server and
// child process slaves.
func registerTestFunctions(s *Slave) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(s.Register("double", func(x int) int { return x * 2 }))
	must(s.Register("add", func(a, b int) int { return a + b }))
	must(s.Register("sum", func(xs ...int) int {
		total := 0
		for _, x := range xs {
			total += x
		}
		return total
	}))
	must(s.Register("divide", func(a, b int) int { return a / b }))
	must(s.Register("safeDivide", func(a, b int) (int, error) {
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	}))
	must(s.Register("greet", func(name string, opts greetOptions) string {
		greeting := opts.Greeting
		if greeting == "" {
			greeting = "hello"
		}
		out := greeting + ", " + name
		if opts.Loud {
			out += "!"
		}
		return out
	}))
	must(s.Register("sleep", func(ctx context.Context, ms int) error {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}))
	must(s.Register("block", func(ctx context.Context) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}))
	must(s.Register("pid", os.Getpid))
	must(s.Register("answer", 42))
	must(s.Register("newList", func(name string) *List { return &List{Name: name} }))
	must(s.Register("newCounts", func() map[string]int { return map[string]int{"a": 1} }))
	must(s.Register("nothing", func() any { return nil }))
	must(s.Register("_hidden", func() int { return 1 }))
}

func newTestSlave(t *testing.T) *Slave {
	t.Helper()
	s, err := NewSlave(SlaveConfig{PoolSize: 8})
	require.NoError(t, err)
	registerTestFunctions(s)
	t.Cleanup(s.Close)
	return s
}

// newThreadHandle starts a thread slave for the test and closes it afterwards.
func newThreadHandle(t *testing.T, s *Slave, cfg HandleConfig) *SlaveHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := SpawnThread(ctx, s, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeSlave answers the first frame with a readiness message and then
// swallows everything, so tests can drive a handle against a slave that
// never responds.
func fakeSlave(t *testing.T, codec string) Transport {
	t.Helper()
	master, worker := NewPipe()
	go func() {
		ctx := context.Background()
		if _, err := worker.Receive(ctx); err != nil {
			return
		}
		body, _ := packPayload(readyPayload{Session: "fake", Host: "localhost", PID: 1, Codec: codec})
		frame, _ := EncodeEnvelope(Envelope{Kind: MessageReady, Payload: body})
		if err := worker.Send(frame); err != nil {
			return
		}
		for {
			if _, err := worker.Receive(ctx); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { worker.Close() })
	return master
}
