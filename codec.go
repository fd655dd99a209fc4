package processional

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes argument and result values. Implementations may refuse
// values they cannot represent.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	CodecMsgpack = "msgpack"
	CodecCBOR    = "cbor"
	CodecJSON    = "json"
)

type msgpackCodec struct{}

// MsgpackCodec returns the default value codec.
func MsgpackCodec() Codec { return msgpackCodec{} }

func (msgpackCodec) Name() string                       { return CodecMsgpack }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBORCodec returns a deterministic CBOR codec.
func CBORCodec() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) Name() string                       { return CodecCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type jsonCodec struct{}

// JSONCodec returns a codec backed by encoding/json.
func JSONCodec() Codec { return jsonCodec{} }

func (jsonCodec) Name() string                       { return CodecJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CodecRegistry maps codec names to codecs.
type CodecRegistry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// NewCodecRegistry returns a registry preloaded with msgpack, CBOR and JSON.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{byName: make(map[string]Codec)}
	r.Register(MsgpackCodec())
	r.Register(JSONCodec())
	if c, err := CBORCodec(); err == nil {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a codec.
func (r *CodecRegistry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.Name()] = c
}

// Get returns the codec registered under name.
func (r *CodecRegistry) Get(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	return c, nil
}

// Names lists registered codec names in sorted order.
func (r *CodecRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupCodec resolves one of the built-in codecs by name. An empty name
// selects msgpack.
func LookupCodec(name string) (Codec, error) {
	if name == "" {
		return MsgpackCodec(), nil
	}
	return NewCodecRegistry().Get(name)
}

func encodeValue(c Codec, v any) ([]byte, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnserializable, err)
	}
	return data, nil
}

func decodeValue(c Codec, data []byte, out any) error {
	if err := c.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}

func encodeArgs(c Codec, args []any) ([][]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	encoded := make([][]byte, len(args))
	for i, arg := range args {
		data, err := encodeValue(c, arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		encoded[i] = data
	}
	return encoded, nil
}

func encodeKwargs(c Codec, kwargs map[string]any) ([]byte, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	data, err := encodeValue(c, kwargs)
	if err != nil {
		return nil, fmt.Errorf("keyword arguments: %w", err)
	}
	return data, nil
}
