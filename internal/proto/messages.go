// Package proto defines the IPC message catalogue and framing used between
// clippy wrappers/clients and the clippyd broker over a Unix domain socket.
//
// Every message is one frame: a 4-byte big-endian unsigned length followed by
// a MessagePack map.  Connections are persistent; a client sends requests with
// a per-connection unique id and the broker echoes that id on the response.
// The id 0 is reserved for the hello handshake and for unsolicited
// broker → wrapper messages (inject), so an inject can never be mistaken for
// a response.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the protocol version carried in the hello handshake.
const Version = 1

// MaxPayload is the maximum frame payload size.  Larger frames fail with
// ReasonPayloadTooLarge and close the connection.
const MaxPayload = 16 * 1024 * 1024

// Connection roles, declared in hello.
const (
	RoleWrapper = "wrapper"
	RoleClient  = "client"
)

// Message type constants.
const (
	TypeHello         = "hello"
	TypeHelloAck      = "hello_ack"
	TypeRegister      = "register"
	TypeDeregister    = "deregister"
	TypeTurnCompleted = "turn_completed"
	TypeCapture       = "capture"
	TypePaste         = "paste"
	TypeListSessions  = "list_sessions"
	TypeInject        = "inject"
	TypeResponse      = "response"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error reasons returned in error responses.
const (
	ReasonSessionNotFound     = "session_not_found"
	ReasonNoTurn              = "no_turn"
	ReasonBufferEmpty         = "buffer_empty"
	ReasonSessionDisconnected = "session_disconnected"
	ReasonDuplicateSession    = "duplicate_session"
	ReasonVersionMismatch     = "version_mismatch"
	ReasonUnknownType         = "unknown_type"
	ReasonPayloadTooLarge     = "payload_too_large"
)

// ErrFrameTooLarge is returned by ReadFrame and WriteFrame when a payload
// exceeds MaxPayload.  The connection is no longer usable afterwards.
var ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")

// SessionInfo is a point-in-time snapshot of one registered session,
// returned by list_sessions.
type SessionInfo struct {
	Session string `msgpack:"session"`
	PID     int    `msgpack:"pid"`
	HasTurn bool   `msgpack:"has_turn"`
	Pattern string `msgpack:"pattern,omitempty"`
}

// Message is the single wire shape for every request, response, and
// unsolicited command.  Fields not used by a given type are omitted from the
// encoded map; unrecognized fields on the wire are ignored on decode, which
// is what keeps the format additive across protocol revisions.
type Message struct {
	Type string `msgpack:"type"`
	ID   uint32 `msgpack:"id"`

	// hello
	Version int    `msgpack:"version,omitempty"`
	Role    string `msgpack:"role,omitempty"`

	// register / deregister / turn_completed / capture / paste
	Session     string `msgpack:"session,omitempty"`
	PID         int    `msgpack:"pid,omitempty"`
	Pattern     string `msgpack:"pattern,omitempty"`
	Content     []byte `msgpack:"content,omitempty"`
	Interrupted bool   `msgpack:"interrupted,omitempty"`
	Truncated   bool   `msgpack:"truncated,omitempty"`

	// response / hello_ack
	Status   string        `msgpack:"status,omitempty"`
	Reason   string        `msgpack:"reason,omitempty"`
	Size     int           `msgpack:"size,omitempty"`
	TurnID   string        `msgpack:"turn_id,omitempty"`
	Sessions []SessionInfo `msgpack:"sessions,omitempty"`
}

// OK builds a success response echoing the request id.
func OK(id uint32) Message {
	return Message{Type: TypeResponse, ID: id, Status: StatusOK}
}

// Err builds an error response echoing the request id.
func Err(id uint32, reason string) Message {
	return Message{Type: TypeResponse, ID: id, Status: StatusError, Reason: reason}
}

// WriteFrame encodes m and writes it to w as one length-prefixed frame.
func WriteFrame(w io.Writer, m *Message) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(payload) > MaxPayload {
		return ErrFrameTooLarge
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r and decodes it.
// It returns ErrFrameTooLarge without consuming the payload when the length
// prefix exceeds MaxPayload; the caller must close the connection.
func ReadFrame(r io.Reader) (*Message, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxPayload {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("bad frame: %w", err)
	}
	return &m, nil
}
