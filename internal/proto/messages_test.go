package proto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, in Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &in))
	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	return out
}

func TestRoundTripCatalogue(t *testing.T) {
	msgs := []Message{
		{Type: TypeHello, ID: 0, Version: Version, Role: RoleWrapper},
		{Type: TypeHelloAck, ID: 0, Status: StatusOK},
		{Type: TypeRegister, ID: 1, Session: "s-1", PID: 4242, Pattern: `^> $`},
		{Type: TypeDeregister, ID: 2, Session: "s-1"},
		{Type: TypeTurnCompleted, ID: 3, Session: "s-1", Content: []byte("hello\x1b[1m world\n"), Interrupted: true},
		{Type: TypeTurnCompleted, ID: 4, Session: "s-1", Content: []byte{0x00, 0xff, 0x1b}, Truncated: true},
		{Type: TypeCapture, ID: 5, Session: "s-1"},
		{Type: TypePaste, ID: 6, Session: "s-2"},
		{Type: TypeListSessions, ID: 7},
		{Type: TypeInject, ID: 0, Content: []byte("pasted bytes")},
		{Type: TypeResponse, ID: 5, Status: StatusOK, Size: 6, TurnID: "t-1"},
		{Type: TypeResponse, ID: 6, Status: StatusError, Reason: ReasonBufferEmpty},
		{Type: TypeResponse, ID: 7, Status: StatusOK, Sessions: []SessionInfo{
			{Session: "s-1", PID: 4242, HasTurn: true, Pattern: `^> $`},
			{Session: "s-2", PID: 4243},
		}},
	}
	for _, in := range msgs {
		out := roundTrip(t, in)
		assert.Equal(t, &in, out, "type %s", in.Type)
	}
}

func TestRoundTripPreservesContentBytes(t *testing.T) {
	// Every byte value must survive the codec untouched.
	content := make([]byte, 256)
	for i := range content {
		content[i] = byte(i)
	}
	out := roundTrip(t, Message{Type: TypeTurnCompleted, ID: 9, Session: "s", Content: content})
	assert.Equal(t, content, out.Content)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Message{Type: TypeHello, Version: Version, Role: RoleClient}))
	require.NoError(t, WriteFrame(&buf, &Message{Type: TypeListSessions, ID: 1}))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeHello, first.Type)

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeListSessions, second.Type)
	assert.Equal(t, uint32(1), second.ID)
}

// encodedOverhead measures how many payload bytes the codec adds around the
// content field, so the boundary tests can hit MaxPayload exactly.
func encodedOverhead(t *testing.T) int {
	t.Helper()
	const probe = 1 << 20
	var buf bytes.Buffer
	m := Message{Type: TypeTurnCompleted, ID: 1, Session: "s", Content: make([]byte, probe)}
	require.NoError(t, WriteFrame(&buf, &m))
	return buf.Len() - 4 - probe
}

func TestPayloadAtExactlyMaxSucceeds(t *testing.T) {
	overhead := encodedOverhead(t)
	m := Message{Type: TypeTurnCompleted, ID: 1, Session: "s", Content: make([]byte, MaxPayload-overhead)}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &m))
	assert.Equal(t, 4+MaxPayload, buf.Len())

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, len(m.Content), len(out.Content))
}

func TestPayloadOverMaxFailsOnWrite(t *testing.T) {
	overhead := encodedOverhead(t)
	m := Message{Type: TypeTurnCompleted, ID: 1, Session: "s", Content: make([]byte, MaxPayload-overhead+1)}
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buf, &m), ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "no partial frame may be written")
}

func TestOversizeLengthPrefixFailsOnRead(t *testing.T) {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, MaxPayload+1)
	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// A v1+ peer may add fields; decoding must not fail.
	// Hand-build a map payload: {"type":"response","id":1,"future":"x"}.
	payload := []byte{
		0x83,                                     // fixmap, 3 entries
		0xa4, 't', 'y', 'p', 'e',                 // "type"
		0xa8, 'r', 'e', 's', 'p', 'o', 'n', 's', 'e',
		0xa2, 'i', 'd', // "id"
		0x01,
		0xa6, 'f', 'u', 't', 'u', 'r', 'e', // "future"
		0xa1, 'x',
	}
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	buf.Write(hdr)
	buf.Write(payload)

	m, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, m.Type)
	assert.Equal(t, uint32(1), m.ID)
}
