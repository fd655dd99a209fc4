package processional

import (
	"fmt"
	"reflect"
	"sync"
)

// Callable names the work a slave should run: either a function registered
// on the slave under a name, or a function value handed across an in-process
// transport.
type Callable struct {
	name string
	fn   any
}

// Ref returns a Callable resolved by name on the slave.
func Ref(name string) Callable {
	return Callable{name: name}
}

// Func returns a Callable carrying fn itself. Only thread slaves can run it;
// process and socket handles reject it with ErrUnserializable.
func Func(fn any) Callable {
	return Callable{fn: fn}
}

// Name returns the registered name, or "" for a function value.
func (c Callable) Name() string { return c.name }

// IsFunc reports whether c carries a function value.
func (c Callable) IsFunc() bool { return c.fn != nil }

func (c Callable) String() string {
	if c.fn != nil {
		return fmt.Sprintf("func(%T)", c.fn)
	}
	return c.name
}

func (c Callable) validate() error {
	if c.fn != nil {
		if reflect.TypeOf(c.fn).Kind() != reflect.Func {
			return fmt.Errorf("%w: %T is not a function", ErrBadArguments, c.fn)
		}
		return nil
	}
	if c.name == "" {
		return fmt.Errorf("%w: empty callable", ErrBadArguments)
	}
	return nil
}

// closureTable hands function values from a master to a thread slave that
// share an address space. One table belongs to one handle/session pair.
type closureTable struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]any
}

func newClosureTable() *closureTable {
	return &closureTable{fns: make(map[uint64]any)}
}

func (t *closureTable) put(fn any) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.fns[t.next] = fn
	return t.next
}

// take removes and returns the function stored under id.
func (t *closureTable) take(id uint64) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn, ok := t.fns[id]
	delete(t.fns, id)
	return fn, ok
}

func (t *closureTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fns)
}
