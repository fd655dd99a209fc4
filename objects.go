package processional

import (
	"fmt"
	"reflect"
	"sync"
)

type liveObject struct {
	value  reflect.Value
	owners int
}

// objectTable holds the objects a slave has handed out as proxies. An entry
// lives while its owner count is positive.
type objectTable struct {
	mu      sync.Mutex
	next    uint64
	objects map[uint64]*liveObject
}

func newObjectTable() *objectTable {
	return &objectTable{objects: make(map[uint64]*liveObject)}
}

// store registers v with one owner and returns its id.
func (t *objectTable) store(v any) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.objects[t.next] = &liveObject{value: reflect.ValueOf(v), owners: 1}
	return t.next
}

func (t *objectTable) lookup(id uint64) (reflect.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[id]
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w: object %d", ErrUnknownReference, id)
	}
	return obj.value, nil
}

func (t *objectTable) acquire(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[id]
	if !ok {
		return fmt.Errorf("%w: object %d", ErrUnknownReference, id)
	}
	obj.owners++
	return nil
}

// release drops one owner and reports whether the object was removed.
func (t *objectTable) release(id uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[id]
	if !ok {
		return false, fmt.Errorf("%w: object %d", ErrUnknownReference, id)
	}
	obj.owners--
	if obj.owners <= 0 {
		delete(t.objects, id)
		return true, nil
	}
	return false, nil
}

func (t *objectTable) owners(id uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obj, ok := t.objects[id]; ok {
		return obj.owners
	}
	return 0
}

// Len returns the number of live objects.
func (t *objectTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}
