package processional

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// SegmentRef names a shared memory segment. It is small and serializable, so
// it can be passed as a task argument instead of the bytes themselves.
type SegmentRef struct {
	Path string `msgpack:"path" json:"path" cbor:"path"`
	Size int    `msgpack:"size" json:"size" cbor:"size"`
}

// Segment is a mapped shared memory segment. The owner removes the backing
// file on Release.
type Segment struct {
	ref   SegmentRef
	data  []byte
	owner bool
}

// Ref returns the segment's reference.
func (s *Segment) Ref() SegmentRef { return s.ref }

// Bytes returns the mapped memory. It is invalid after Release.
func (s *Segment) Bytes() []byte { return s.data }

// Owner reports whether releasing s removes the backing file.
func (s *Segment) Owner() bool { return s.owner }

// Handoff gives up ownership and returns the reference for the side that
// will Adopt it.
func (s *Segment) Handoff() SegmentRef {
	s.owner = false
	return s.ref
}

var ErrSegmentReleased = errors.New("segment released")

// SharedMemory allocates and maps file-backed shared memory segments. A
// master and its process slaves exchange SegmentRefs to share large buffers
// without copying them through the transport.
type SharedMemory struct {
	dir string

	mu     sync.Mutex
	mapped map[*Segment]struct{}
}

// NewSharedMemory creates segments under dir. An empty dir selects /dev/shm
// when present, the temp dir otherwise.
func NewSharedMemory(dir string) *SharedMemory {
	if dir == "" {
		dir = os.TempDir()
		if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
			dir = "/dev/shm"
		}
	}
	return &SharedMemory{dir: dir, mapped: make(map[*Segment]struct{})}
}

// Allocate creates and maps a zeroed segment of size bytes owned by the
// caller.
func (m *SharedMemory) Allocate(size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: segment size %d", ErrBadArguments, size)
	}
	f, err := os.CreateTemp(m.dir, "processional-shm-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create segment: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to size segment: %w", err)
	}
	data, err := mmapFile(f, size)
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	return m.track(&Segment{ref: SegmentRef{Path: f.Name(), Size: size}, data: data, owner: true}), nil
}

// Map maps a segment allocated elsewhere without taking ownership.
func (m *SharedMemory) Map(ref SegmentRef) (*Segment, error) {
	return m.open(ref, false)
}

// Adopt maps a segment handed off by its previous owner.
func (m *SharedMemory) Adopt(ref SegmentRef) (*Segment, error) {
	return m.open(ref, true)
}

func (m *SharedMemory) open(ref SegmentRef, owner bool) (*Segment, error) {
	f, err := os.OpenFile(ref.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: segment %s: %w", ErrUnknownReference, ref.Path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < int64(ref.Size) || ref.Size <= 0 {
		return nil, fmt.Errorf("%w: segment %s has %d bytes, reference says %d", ErrCorrupt, ref.Path, fi.Size(), ref.Size)
	}
	data, err := mmapFile(f, ref.Size)
	if err != nil {
		return nil, err
	}
	return m.track(&Segment{ref: ref, data: data, owner: owner}), nil
}

func (m *SharedMemory) track(s *Segment) *Segment {
	m.mu.Lock()
	m.mapped[s] = struct{}{}
	m.mu.Unlock()
	return s
}

// Release unmaps s and, if it owns the segment, removes the backing file.
func (m *SharedMemory) Release(s *Segment) error {
	m.mu.Lock()
	_, ok := m.mapped[s]
	delete(m.mapped, s)
	m.mu.Unlock()
	if !ok {
		return ErrSegmentReleased
	}

	err := munmap(s.data)
	s.data = nil
	if s.owner {
		if rerr := os.Remove(s.ref.Path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

// Mapped returns the number of segments still mapped.
func (m *SharedMemory) Mapped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mapped)
}

// Close releases every mapped segment.
func (m *SharedMemory) Close() error {
	m.mu.Lock()
	segs := make([]*Segment, 0, len(m.mapped))
	for s := range m.mapped {
		segs = append(segs, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range segs {
		if err := m.Release(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
