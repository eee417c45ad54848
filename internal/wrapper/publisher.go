package wrapper

// publisher.go – the wrapper's broker connection.
//
// The publisher owns the persistent clippyd connection: it registers the
// session, reports completed turns, and receives unsolicited inject commands.
// The broker being down is never fatal — the wrapper keeps serving its child
// and the publisher keeps the latest unreported turn in a single local slot,
// retrying opportunistically until registration succeeds or the session ends.

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/justapithecus/clippy/internal/broker"
	"github.com/justapithecus/clippy/internal/detect"
	"github.com/justapithecus/clippy/internal/proto"
)

// dialTimeout bounds a single broker connect attempt.
const dialTimeout = 500 * time.Millisecond

// spawnWait bounds how long the wrapper waits for an autostarted broker to
// come up before running without one.
const spawnWait = time.Second

// retryDelay paces publish retries while the broker is unreachable.
const retryDelay = time.Second

type publisherConfig struct {
	socketPath  string
	spawnBroker bool
	sessionID   string
	pid         int
	patternBody string
	inject      func([]byte)
}

type publisher struct {
	cfg publisherConfig

	// slot is the local latest-turn buffer: capacity one, latest wins.
	slot chan detect.Turn
	done chan struct{}

	mu         sync.Mutex
	nc         net.Conn
	writeMu    sync.Mutex
	nextID     uint32
	pending    map[uint32]chan *proto.Message
	broken     bool // registration permanently refused; stop retrying
	spawnTried bool

	stopOnce sync.Once
}

func newPublisher(cfg publisherConfig) *publisher {
	return &publisher{
		cfg:     cfg,
		slot:    make(chan detect.Turn, 1),
		done:    make(chan struct{}),
		pending: make(map[uint32]chan *proto.Message),
	}
}

// start attempts the initial registration and launches the publish loop.
// Registration failure is non-fatal by contract; the error is returned so
// the caller can report it once the terminal is no longer being mediated.
func (p *publisher) start() error {
	err := p.ensure()
	go p.loop()
	return err
}

// offer replaces the local slot with the newest completed turn.
// Never blocks the caller (the PTY read path).
func (p *publisher) offer(t detect.Turn) {
	for {
		select {
		case p.slot <- t:
			return
		default:
		}
		select {
		case <-p.slot: // discard the superseded turn
		default:
		}
	}
}

func (p *publisher) loop() {
	for {
		select {
		case <-p.done:
			return
		case t := <-p.slot:
			if err := p.publish(t); err != nil {
				// Keep the turn unless a newer one replaced it, then
				// back off before the next attempt.
				p.requeue(t)
				select {
				case <-p.done:
					return
				case <-time.After(retryDelay):
				}
			}
		}
	}
}

func (p *publisher) requeue(t detect.Turn) {
	select {
	case p.slot <- t:
	default: // a newer turn already occupies the slot
	}
}

// publish reports one completed turn, reconnecting first if needed.
func (p *publisher) publish(t detect.Turn) error {
	p.mu.Lock()
	broken := p.broken
	p.mu.Unlock()
	if broken {
		return nil // silently drop; the session cannot re-register
	}

	if err := p.ensure(); err != nil {
		return err
	}
	resp, err := p.request(proto.Message{
		Type:        proto.TypeTurnCompleted,
		ID:          p.id(),
		Session:     p.cfg.sessionID,
		Content:     t.Content,
		Interrupted: t.Interrupted,
		Truncated:   t.Truncated,
	})
	if err != nil {
		return err
	}
	if resp.Status != proto.StatusOK {
		return fmt.Errorf("turn_completed: %s", resp.Reason)
	}
	return nil
}

// stop deregisters best-effort and drops the connection.
func (p *publisher) stop() {
	p.stopOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		nc := p.nc
		p.mu.Unlock()
		if nc == nil {
			return
		}
		// Fire and forget: waiting on a wedged broker must not delay the
		// terminal restore.
		m := proto.Message{Type: proto.TypeDeregister, ID: p.id(), Session: p.cfg.sessionID}
		p.writeMu.Lock()
		proto.WriteFrame(nc, &m)
		p.writeMu.Unlock()
		nc.Close()
	})
}

// ─── Connection management ────────────────────────────────────────────────────

// ensure dials, handshakes, and registers if not already connected.
func (p *publisher) ensure() error {
	p.mu.Lock()
	if p.nc != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	path := p.cfg.socketPath
	if path == "" {
		var err error
		if path, err = broker.SocketPath(); err != nil {
			return err
		}
	}

	nc, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil && p.cfg.spawnBroker && !p.spawnTried {
		p.spawnTried = true
		if spawnErr := spawnBroker(path); spawnErr == nil {
			nc, err = net.DialTimeout("unix", path, dialTimeout)
		}
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.nc = nc
	p.nextID = 0
	p.pending = make(map[uint32]chan *proto.Message)
	p.mu.Unlock()
	go p.readLoop(nc)

	// Handshake uses the reserved id 0.
	resp, err := p.request(proto.Message{
		Type:    proto.TypeHello,
		Version: proto.Version,
		Role:    proto.RoleWrapper,
	})
	if err != nil {
		p.disconnect(nc)
		return err
	}
	if resp.Status != proto.StatusOK {
		p.disconnect(nc)
		return fmt.Errorf("handshake refused: %s", resp.Reason)
	}

	resp, err = p.request(proto.Message{
		Type:    proto.TypeRegister,
		ID:      p.id(),
		Session: p.cfg.sessionID,
		PID:     p.cfg.pid,
		Pattern: p.cfg.patternBody,
	})
	if err != nil {
		p.disconnect(nc)
		return err
	}
	if resp.Status != proto.StatusOK {
		p.disconnect(nc)
		if resp.Reason == proto.ReasonDuplicateSession {
			// The broker refuses this session id for its lifetime.
			p.mu.Lock()
			p.broken = true
			p.mu.Unlock()
		}
		return fmt.Errorf("register: %s", resp.Reason)
	}
	return nil
}

func (p *publisher) disconnect(nc net.Conn) {
	nc.Close()
	p.mu.Lock()
	if p.nc == nc {
		p.nc = nil
	}
	p.mu.Unlock()
}

// id returns the next request id for this connection (0 is reserved).
func (p *publisher) id() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}

// request sends one frame and waits for the response with the same id.
func (p *publisher) request(m proto.Message) (*proto.Message, error) {
	p.mu.Lock()
	nc := p.nc
	if nc == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	ch := make(chan *proto.Message, 1)
	p.pending[m.ID] = ch
	p.mu.Unlock()

	p.writeMu.Lock()
	err := proto.WriteFrame(nc, &m)
	p.writeMu.Unlock()
	if err != nil {
		p.mu.Lock()
		delete(p.pending, m.ID)
		p.mu.Unlock()
		return nil, err
	}

	resp, ok := <-ch
	if !ok {
		return nil, fmt.Errorf("connection lost")
	}
	return resp, nil
}

// readLoop demultiplexes the persistent connection: responses are routed to
// their waiting request, injects go straight to the PTY master.
func (p *publisher) readLoop(nc net.Conn) {
	for {
		m, err := proto.ReadFrame(nc)
		if err != nil {
			break
		}
		if m.Type == proto.TypeInject {
			// Promptly and without modification; no acknowledgment.
			p.cfg.inject(m.Content)
			continue
		}
		p.mu.Lock()
		if ch, ok := p.pending[m.ID]; ok {
			delete(p.pending, m.ID)
			ch <- m
		}
		p.mu.Unlock()
	}

	// Connection lost: fail outstanding requests and allow a reconnect.
	p.mu.Lock()
	if p.nc == nc {
		p.nc = nil
	}
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()
	nc.Close()
}

// spawnBroker starts clippyd in the background, preferring the binary next
// to the current executable, and waits briefly for its socket to come up.
func spawnBroker(socketPath string) error {
	bin := "clippyd"
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "clippyd")
		if _, err := os.Stat(sibling); err == nil {
			bin = sibling
		}
	}

	cmd := exec.Command(bin, "--socket", socketPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()

	deadline := time.Now().Add(spawnWait)
	for time.Now().Before(deadline) {
		if c, err := net.DialTimeout("unix", socketPath, dialTimeout); err == nil {
			c.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("clippyd did not start in time")
}
