// Package broker implements the clippyd daemon.
//
// The broker is the single holder of shared state: the session table, each
// session's latest completed turn, and the global relay buffer.  It listens
// on a user-scoped Unix domain socket and serves framed MessagePack requests
// from wrapper and client connections (see internal/proto for the wire
// format).  All state mutations run under one mutex, so every request's
// effect on the table and the relay buffer is atomic.
package broker

import (
	"errors"
	"io"
	"log"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/justapithecus/clippy/internal/proto"
)

// Turn is one completed turn as stored broker-side.
type Turn struct {
	ID          string
	Content     []byte
	Interrupted bool
	Truncated   bool
}

// session is one entry in the session table.  The broker mirrors the
// wrapper-owned session: it keeps the connection handle for inject delivery
// and the latest-turn buffer for capture.
type session struct {
	id      string
	pid     int
	pattern string
	conn    *conn
	turn    *Turn
}

// Broker is the central daemon state.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*session
	// seen holds every session ID ever registered.  IDs are never reused
	// within the daemon's lifetime, so a tombstoned ID cannot re-register.
	seen map[string]bool

	// The global relay buffer: one slot, written by capture, read by
	// paste, cleared only by overwrite or daemon exit.
	relayContent []byte
	relaySource  string
	relayTurnID  string

	closed   bool
	listener net.Listener
	conns    map[*conn]bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		sessions: make(map[string]*session),
		seen:     make(map[string]bool),
		conns:    make(map[*conn]bool),
	}
}

// Run accepts connections on l until the listener is closed.
func (b *Broker) Run(l net.Listener) error {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()

	log.Printf("clippyd listening on %s", l.Addr())

	for {
		nc, err := l.Accept()
		if err != nil {
			// Listener was closed (shutdown).
			return nil
		}
		go b.ServeConn(nc)
	}
}

// Close stops accepting and drops every connection.  Wrappers observe the
// disconnect and continue serving their child independently.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	l := b.listener
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.nc.Close()
	}
}

// ─── Connection handling ──────────────────────────────────────────────────────

// conn is one live connection.  Frame writes are serialized by writeMu so a
// response and a concurrently synthesized inject never interleave.
type conn struct {
	nc      net.Conn
	role    string
	writeMu sync.Mutex
	// IDs of the sessions registered over this connection; used for the
	// implicit deregister on connection loss.
	owned map[string]bool
}

func (c *conn) send(m proto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return proto.WriteFrame(c.nc, &m)
}

// ServeConn runs the request loop for one accepted connection.  Exported so
// tests can drive the broker over synthetic pipes.
func (b *Broker) ServeConn(nc net.Conn) {
	c := &conn{nc: nc, owned: make(map[string]bool)}
	defer func() {
		nc.Close()
		b.dropConn(c)
	}()

	if !b.handshake(c) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.conns[c] = true
	b.mu.Unlock()

	for {
		m, err := proto.ReadFrame(nc)
		if err != nil {
			if errors.Is(err, proto.ErrFrameTooLarge) {
				// Respond where possible, then close: oversize is a
				// framing-level fault and the stream is unusable.
				c.send(proto.Err(0, proto.ReasonPayloadTooLarge))
			} else if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("connection read: %v", err)
			}
			return
		}
		if !b.dispatch(c, m) {
			return
		}
	}
}

// handshake reads and validates the mandatory hello.
func (b *Broker) handshake(c *conn) bool {
	m, err := proto.ReadFrame(c.nc)
	if err != nil {
		if errors.Is(err, proto.ErrFrameTooLarge) {
			c.send(proto.Err(0, proto.ReasonPayloadTooLarge))
		}
		return false
	}
	if m.Type != proto.TypeHello || m.Version != proto.Version {
		c.send(proto.Message{
			Type:   proto.TypeHelloAck,
			ID:     m.ID,
			Status: proto.StatusError,
			Reason: proto.ReasonVersionMismatch,
		})
		return false
	}
	role := m.Role
	if role != proto.RoleWrapper && role != proto.RoleClient {
		c.send(proto.Message{
			Type:   proto.TypeHelloAck,
			ID:     m.ID,
			Status: proto.StatusError,
			Reason: proto.ReasonVersionMismatch,
		})
		return false
	}
	c.role = role
	return c.send(proto.Message{Type: proto.TypeHelloAck, ID: m.ID, Status: proto.StatusOK}) == nil
}

// dispatch handles one request.  Returns false when the connection must
// close.  Request-level errors keep the connection usable.
func (b *Broker) dispatch(c *conn, m *proto.Message) bool {
	switch m.Type {
	case proto.TypeRegister:
		c.send(b.register(c, m))
	case proto.TypeDeregister:
		c.send(b.deregister(c, m))
	case proto.TypeTurnCompleted:
		c.send(b.turnCompleted(m))
	case proto.TypeCapture:
		c.send(b.capture(m))
	case proto.TypePaste:
		c.send(b.paste(m))
	case proto.TypeListSessions:
		c.send(b.listSessions(m))
	default:
		c.send(proto.Err(m.ID, proto.ReasonUnknownType))
	}
	return true
}

// dropConn performs the implicit deregister for a lost connection.
func (b *Broker) dropConn(c *conn) {
	b.mu.Lock()
	delete(b.conns, c)
	var dropped []string
	for id := range c.owned {
		if s, ok := b.sessions[id]; ok && s.conn == c {
			delete(b.sessions, id)
			dropped = append(dropped, id)
		}
	}
	b.mu.Unlock()

	for _, id := range dropped {
		log.Printf("session %s: wrapper connection lost, deregistered", id)
	}
}

// ─── Request handlers ─────────────────────────────────────────────────────────

func (b *Broker) register(c *conn, m *proto.Message) proto.Message {
	if m.Session == "" {
		return proto.Err(m.ID, proto.ReasonSessionNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seen[m.Session] {
		return proto.Err(m.ID, proto.ReasonDuplicateSession)
	}
	b.seen[m.Session] = true
	b.sessions[m.Session] = &session{
		id:      m.Session,
		pid:     m.PID,
		pattern: m.Pattern,
		conn:    c,
	}
	c.owned[m.Session] = true

	log.Printf("session %s registered (pid %d)", m.Session, m.PID)
	return proto.OK(m.ID)
}

func (b *Broker) deregister(c *conn, m *proto.Message) proto.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Idempotent: succeeds even when the session is absent.
	if s, ok := b.sessions[m.Session]; ok && s.conn == c {
		delete(b.sessions, m.Session)
		delete(c.owned, m.Session)
		log.Printf("session %s deregistered", m.Session)
	}
	return proto.OK(m.ID)
}

func (b *Broker) turnCompleted(m *proto.Message) proto.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[m.Session]
	if !ok {
		return proto.Err(m.ID, proto.ReasonSessionNotFound)
	}

	content := make([]byte, len(m.Content))
	copy(content, m.Content)
	// Atomically replaces the prior latest turn.
	s.turn = &Turn{
		ID:          uuid.NewString(),
		Content:     content,
		Interrupted: m.Interrupted,
		Truncated:   m.Truncated,
	}

	resp := proto.OK(m.ID)
	resp.TurnID = s.turn.ID
	return resp
}

func (b *Broker) capture(m *proto.Message) proto.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[m.Session]
	if !ok {
		return proto.Err(m.ID, proto.ReasonSessionNotFound)
	}
	if s.turn == nil {
		return proto.Err(m.ID, proto.ReasonNoTurn)
	}

	// Copy into the relay slot; the source buffer is not cleared.
	b.relayContent = make([]byte, len(s.turn.Content))
	copy(b.relayContent, s.turn.Content)
	b.relaySource = s.id
	b.relayTurnID = s.turn.ID

	resp := proto.OK(m.ID)
	resp.Size = len(b.relayContent)
	resp.TurnID = b.relayTurnID
	return resp
}

func (b *Broker) paste(m *proto.Message) proto.Message {
	b.mu.Lock()

	s, ok := b.sessions[m.Session]
	if !ok {
		b.mu.Unlock()
		return proto.Err(m.ID, proto.ReasonSessionNotFound)
	}
	if b.relayContent == nil {
		b.mu.Unlock()
		return proto.Err(m.ID, proto.ReasonBufferEmpty)
	}

	target := s.conn
	content := make([]byte, len(b.relayContent))
	copy(content, b.relayContent)
	b.mu.Unlock()

	// The inject is enqueued on the wrapper's connection before the client
	// gets its response; the relay buffer keeps its bytes either way.
	inject := proto.Message{Type: proto.TypeInject, ID: 0, Content: content}
	if err := target.send(inject); err != nil {
		return proto.Err(m.ID, proto.ReasonSessionDisconnected)
	}
	return proto.OK(m.ID)
}

func (b *Broker) listSessions(m *proto.Message) proto.Message {
	b.mu.Lock()
	infos := make([]proto.SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		infos = append(infos, proto.SessionInfo{
			Session: s.id,
			PID:     s.pid,
			HasTurn: s.turn != nil,
			Pattern: s.pattern,
		})
	}
	b.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Session < infos[j].Session })

	resp := proto.OK(m.ID)
	resp.Sessions = infos
	return resp
}
