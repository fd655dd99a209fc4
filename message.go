package processional

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind identifies the purpose of an envelope.
type MessageKind uint8

const (
	MessageCall MessageKind = iota + 1
	MessageResult
	MessageFailure
	MessageProxyCreate
	MessageProxyAttr
	MessageProxyCall
	MessageProxySet
	MessageProxyRelease
	MessageProxyAcquire
	MessageCancel
	MessageShutdown
	MessagePing
	MessageReady
	MessageStarted
	MessagePersist
	MessageDetach
	MessageStop

	maxMessageKind = MessageStop
)

var messageKindNames = map[MessageKind]string{
	MessageCall:         "call",
	MessageResult:       "result",
	MessageFailure:      "failure",
	MessageProxyCreate:  "proxy_create",
	MessageProxyAttr:    "proxy_attr",
	MessageProxyCall:    "proxy_call",
	MessageProxySet:     "proxy_set",
	MessageProxyRelease: "proxy_release",
	MessageProxyAcquire: "proxy_acquire",
	MessageCancel:       "cancel",
	MessageShutdown:     "shutdown",
	MessagePing:         "ping",
	MessageReady:        "ready",
	MessageStarted:      "started",
	MessagePersist:      "persist",
	MessageDetach:       "detach",
	MessageStop:         "stop",
}

func (k MessageKind) String() string {
	if name, ok := messageKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known envelope kind.
func (k MessageKind) Valid() bool {
	return k >= MessageCall && k <= maxMessageKind
}

// Envelope is one framed protocol message. ID correlates requests with their
// Result or Failure and is unique per in-flight request on one transport.
type Envelope struct {
	Kind    MessageKind
	ID      uint64
	Payload []byte
}

const (
	lengthPrefixSize = 4
	envelopeHeader   = 1 + 8
	maxMessageSize   = 64 * 1024 * 1024 // 64MB
)

// EncodeEnvelope frames env as [u32 length][u8 kind][u64 id][payload], big endian.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, uint8(env.Kind))
	}
	bodyLen := envelopeHeader + len(env.Payload)
	if bodyLen > maxMessageSize {
		return nil, fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrUnserializable, bodyLen, maxMessageSize)
	}

	frame := make([]byte, lengthPrefixSize+bodyLen)
	binary.BigEndian.PutUint32(frame[0:4], uint32(bodyLen))
	frame[4] = byte(env.Kind)
	binary.BigEndian.PutUint64(frame[5:13], env.ID)
	copy(frame[13:], env.Payload)
	return frame, nil
}

// DecodeEnvelope parses one complete frame produced by EncodeEnvelope.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	if len(frame) < lengthPrefixSize+envelopeHeader {
		return Envelope{}, fmt.Errorf("%w: truncated frame of %d bytes", ErrMalformedEnvelope, len(frame))
	}
	bodyLen := int(binary.BigEndian.Uint32(frame[0:4]))
	if bodyLen > maxMessageSize {
		return Envelope{}, fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrMalformedEnvelope, bodyLen, maxMessageSize)
	}
	if bodyLen != len(frame)-lengthPrefixSize {
		return Envelope{}, fmt.Errorf("%w: length prefix %d does not match body of %d bytes",
			ErrMalformedEnvelope, bodyLen, len(frame)-lengthPrefixSize)
	}

	env := Envelope{
		Kind: MessageKind(frame[4]),
		ID:   binary.BigEndian.Uint64(frame[5:13]),
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, frame[4])
	}
	if bodyLen > envelopeHeader {
		env.Payload = frame[13:]
	}
	return env, nil
}

// ReadFrame reads one length-prefixed frame from r. A clean end of stream
// before the first byte is reported as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
		}
		return nil, err
	}
	bodyLen := int(binary.BigEndian.Uint32(prefix[:]))
	if bodyLen < envelopeHeader || bodyLen > maxMessageSize {
		return nil, fmt.Errorf("%w: invalid frame size %d", ErrMalformedEnvelope, bodyLen)
	}

	frame := make([]byte, lengthPrefixSize+bodyLen)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(r, frame[lengthPrefixSize:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return frame, nil
}

// Envelope payloads. These are always msgpack so both sides can read the
// readiness message before agreeing on a value codec; argument and result
// values inside them are pre-encoded with the session codec.

type callableRef struct {
	Name    string `msgpack:"n,omitempty"`
	Closure uint64 `msgpack:"f,omitempty"`
}

type callPayload struct {
	Callable callableRef `msgpack:"c"`
	Args     [][]byte    `msgpack:"a,omitempty"`
	Kwargs   []byte      `msgpack:"k,omitempty"`
	Threaded bool        `msgpack:"t,omitempty"`
}

type proxyPayload struct {
	Object uint64   `msgpack:"o"`
	Name   string   `msgpack:"n,omitempty"`
	Args   [][]byte `msgpack:"a,omitempty"`
	Kwargs []byte   `msgpack:"k,omitempty"`
	Value  []byte   `msgpack:"v,omitempty"`
	Proxy  bool     `msgpack:"p,omitempty"`
}

type resultPayload struct {
	Value  []byte `msgpack:"v,omitempty"`
	Object uint64 `msgpack:"o,omitempty"`
}

type failurePayload struct {
	Kind    FailureKind `msgpack:"k"`
	Message string      `msgpack:"m"`
	Trace   string      `msgpack:"t,omitempty"`
}

type readyPayload struct {
	Session   string   `msgpack:"s"`
	Host      string   `msgpack:"h"`
	PID       int      `msgpack:"p"`
	Codec     string   `msgpack:"c"`
	Functions []string `msgpack:"f,omitempty"`
}

type pingPayload struct {
	Timestamp int64 `msgpack:"ts"`
}

func packPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnserializable, err)
	}
	return data, nil
}

func unpackPayload(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode failed: %w", ErrCorrupt, err)
	}
	return nil
}
