package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message on the wire. A length prefix beyond
// this is treated as corruption rather than an allocation request.
const MaxFrameSize = 16 << 20

// ErrorKind classifies protocol failures.
type ErrorKind string

const (
	// KindMalformed marks truncated or corrupt input.
	KindMalformed ErrorKind = "malformed"
	// KindVersionMismatch marks an incompatible peer version.
	KindVersionMismatch ErrorKind = "version_mismatch"
)

// ProtocolError is fatal to the current connection but not to the process.
type ProtocolError struct {
	Kind ErrorKind
	Msg  string
	err  error
}

func (e *ProtocolError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("protocol %s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("protocol %s: %s", e.Kind, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.err }

func malformed(msg string, err error) *ProtocolError {
	return &ProtocolError{Kind: KindMalformed, Msg: msg, err: err}
}

// IsMalformed reports whether err is a malformed-input protocol error.
func IsMalformed(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Kind == KindMalformed
}

// IsVersionMismatch reports whether err is a version-mismatch protocol error.
func IsVersionMismatch(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Kind == KindVersionMismatch
}

// envelope is the versioned wire form of every message.
type envelope struct {
	V    int             `json:"v"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes a message into its versioned envelope bytes (without the
// length prefix; see WriteFrame).
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", TypeOf(m), err)
	}
	env := envelope{V: Version, Type: TypeOf(m), Data: data}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses envelope bytes back into a typed message. It fails with a
// malformed ProtocolError on corrupt input, a version-mismatch ProtocolError
// on an incompatible envelope version, and rejects unknown type tags.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("invalid envelope", err)
	}
	if env.V != Version {
		return nil, &ProtocolError{
			Kind: KindVersionMismatch,
			Msg:  fmt.Sprintf("peer speaks v%d, this build speaks v%d", env.V, Version),
		}
	}

	var (
		m   Message
		err error
	)
	switch env.Type {
	case TypeHello:
		m, err = decodePayload[Hello](env.Data)
	case TypeTaskStart:
		m, err = decodePayload[TaskStart](env.Data)
	case TypeTaskResult:
		m, err = decodePayload[TaskResult](env.Data)
	case TypeTaskFail:
		m, err = decodePayload[TaskFail](env.Data)
	case TypeHostUnreachable:
		m, err = decodePayload[HostUnreachable](env.Data)
	case TypePlayRecap:
		m, err = decodePayload[PlayRecap](env.Data)
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeControl:
		m, err = decodePayload[Control](env.Data)
	default:
		return nil, malformed(fmt.Sprintf("unknown message type %q", env.Type), nil)
	}
	if err != nil {
		return nil, malformed(fmt.Sprintf("invalid %s payload", env.Type), err)
	}
	return m, nil
}

// decodePayload returns a pointer so the decoded message matches the
// pointer type assertions consumers use.
func decodePayload[T Message](data json.RawMessage) (*T, error) {
	v := new(T)
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// WriteFrame writes a message as a 4-byte big-endian length prefix followed
// by the envelope bytes.
func WriteFrame(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message. io.EOF at a frame boundary is
// returned as-is so callers can distinguish a clean close from truncation.
func ReadFrame(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, malformed("truncated frame prefix", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > MaxFrameSize {
		return nil, malformed(fmt.Sprintf("frame length %d out of range", n), nil)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, malformed("truncated frame body", err)
	}
	return Decode(data)
}
