// Package wrapper runs one agent process under a transparent pseudoterminal.
//
// The wrapper mediates bytes between the user's terminal and the agent so
// faithfully that the agent cannot tell it is wrapped: output reaches the
// terminal unmodified, input reaches the PTY master unmodified, the child
// inherits the environment untouched, and signals are forwarded to the
// child's process group.  A copy of the output stream feeds the turn
// detector; completed turns are published to the clippyd broker, which may
// in return inject bytes into the PTY master (indistinguishable from typed
// input to the child).
//
// Architecture overview
// ─────────────────────
//
//	┌──────────────────────────────────────┐
//	│  Wrapper                             │
//	│  ┌────────────┐                      │
//	│  │ agent proc │◄── PTY slave         │
//	│  └────────────┘                      │
//	│         ▲  ▼                         │
//	│       PTY master                     │
//	│     ▲      │                         │
//	│  stdin     ├─► user terminal (raw)   │
//	│  loop      └─► turn detector ──► publisher ──► broker
//	│     ▲                                │
//	│  inject ◄── broker connection        │
//	└──────────────────────────────────────┘
package wrapper

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/justapithecus/clippy/internal/detect"
)

// drainTimeout bounds the wait for residual PTY output after the child has
// been reaped.  Descendants holding the slave open must not wedge shutdown.
const drainTimeout = 500 * time.Millisecond

// Config describes one wrapper session.
type Config struct {
	// Command is the agent argv.  Must be non-empty.
	Command []string
	// Pattern is the session's compiled prompt pattern; PatternBody is the
	// source text reported to the broker.
	Pattern     *regexp.Regexp
	PatternBody string
	// MaxTurnBytes caps the detector accumulator; 0 selects the default.
	MaxTurnBytes int
	// SocketPath overrides the broker socket; "" resolves the default.
	SocketPath string
	// SpawnBroker starts clippyd when the broker is unreachable.
	SpawnBroker bool
}

// ExitStatus is how the wrapped child ended.  When Signal is non-zero the
// caller should re-raise it after cleanup so the shell observes the child's
// true disposition.
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
}

// Run wraps the agent and blocks until it exits.  The terminal is restored
// on every return path.  Fatal setup failures (PTY allocation, raw mode,
// spawn) return an error; broker unreachability does not.
func Run(cfg Config) (ExitStatus, error) {
	if len(cfg.Command) == 0 {
		return ExitStatus{}, fmt.Errorf("no agent command")
	}

	sessionID := uuid.NewString()
	stdin := os.Stdin
	stdinFd := int(stdin.Fd())

	// Snapshot the user's terminal geometry before raw mode.
	winsize, err := pty.GetsizeFull(stdin)
	if err != nil {
		winsize = &pty.Winsize{Rows: 24, Cols: 80}
	}

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("cannot enter raw mode: %w", err)
	}
	var restoreOnce sync.Once
	restore := func() {
		restoreOnce.Do(func() {
			if rerr := term.Restore(stdinFd, oldState); rerr != nil {
				// Cleanup failure: report, never halt shutdown.
				fmt.Fprintf(os.Stderr, "clippy: restore terminal: %v\n", rerr)
			}
		})
	}
	defer restore()

	// The child inherits the environment unchanged: nothing in it may
	// reveal the wrapper's presence.
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = os.Environ()

	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		restore()
		return ExitStatus{}, fmt.Errorf("pty start: %w", err)
	}
	defer ptmx.Close()

	childPid := cmd.Process.Pid

	det := detect.New(cfg.Pattern, cfg.MaxTurnBytes)
	var detMu sync.Mutex

	// PTY master writes are shared between the stdin loop and broker
	// injects; serialize them so injected bytes are never interleaved
	// mid-write with user bytes.
	var ptmxWriteMu sync.Mutex
	writeMaster := func(p []byte) {
		ptmxWriteMu.Lock()
		ptmx.Write(p)
		ptmxWriteMu.Unlock()
	}

	pub := newPublisher(publisherConfig{
		socketPath:  cfg.SocketPath,
		spawnBroker: cfg.SpawnBroker,
		sessionID:   sessionID,
		pid:         childPid,
		patternBody: cfg.PatternBody,
		inject: func(p []byte) {
			// Injected bytes are user input as far as the child and the
			// detector are concerned.
			writeMaster(p)
			scanInput(p, det, &detMu)
		},
	})
	startErr := pub.start()
	defer pub.stop()

	// ── running: begin I/O mediation ─────────────────────────────────────────

	// Stdin loop: user bytes go to the master verbatim; the same bytes are
	// scanned to drive the detector's input-submission and interrupt cues.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := stdin.Read(buf)
			if n > 0 {
				writeMaster(buf[:n])
				scanInput(buf[:n], det, &detMu)
			}
			if rerr != nil {
				return
			}
		}
	}()

	// Signal loop: forward everything the child would have received had it
	// been run directly.  SIGWINCH is translated into a resize instead (the
	// kernel delivers the resulting SIGWINCH to the child itself).
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh)
	defer signal.Stop(sigCh)
	go forwardSignals(sigCh, stdin, ptmx, childPid)

	// Waiter: reap the child, then bound the output drain.
	waitDone := make(chan error, 1)
	go func() {
		werr := cmd.Wait()
		// ── draining: residual output until EOF or the deadline ──
		ptmx.SetReadDeadline(time.Now().Add(drainTimeout))
		waitDone <- werr
	}()

	// Output loop (this goroutine): master → user terminal, then detector.
	// The terminal write comes first so detector work can never delay what
	// the user sees.
	buf := make([]byte, 32*1024)
	for {
		n, rerr := ptmx.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
			detMu.Lock()
			turns := det.Feed(buf[:n])
			detMu.Unlock()
			for _, t := range turns {
				pub.offer(t)
			}
		}
		if rerr != nil {
			// EIO when the last slave closes, or the drain deadline.
			break
		}
	}

	waitErr := <-waitDone

	// ── closing: deregister (best effort), restore, close PTY ────────────────
	pub.stop()
	restore()

	if startErr != nil {
		fmt.Fprintf(os.Stderr, "clippy: broker was unreachable at startup: %v\n", startErr)
	}

	return exitStatus(waitErr), nil
}

// scanInput drives the detector from the bytes the user sent to the child.
// A line terminator is an input submission; ETX is the interrupt character.
func scanInput(p []byte, det *detect.Detector, mu *sync.Mutex) {
	relevant := false
	for _, b := range p {
		if b == '\r' || b == '\n' || b == 0x03 {
			relevant = true
			break
		}
	}
	if !relevant {
		return
	}
	mu.Lock()
	for _, b := range p {
		switch b {
		case '\r', '\n':
			det.Submitted()
		case 0x03:
			det.Interrupt()
		}
	}
	mu.Unlock()
}

// forwardSignals implements the signal forwarding table.
func forwardSignals(ch <-chan os.Signal, stdin, ptmx *os.File, childPid int) {
	for sig := range ch {
		s, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		switch s {
		case syscall.SIGWINCH:
			// Resize only; the kernel tells the child.
			pty.InheritSize(stdin, ptmx)
		case syscall.SIGCHLD, syscall.SIGURG, syscall.SIGPIPE:
			// Runtime and bookkeeping noise, never meant for the child.
		case syscall.SIGTSTP:
			signalChild(childPid, s)
			// Suspend ourselves too; SIGCONT resumes both.
			syscall.Kill(syscall.Getpid(), syscall.SIGSTOP)
		default:
			// SIGINT, SIGTERM, SIGHUP, SIGQUIT, SIGCONT, and anything
			// unlisted: the child would have received it unwrapped.
			// SIGTERM additionally begins shutdown — the child exiting
			// unwinds the wrapper.
			signalChild(childPid, s)
		}
	}
}

// signalChild delivers a signal to the child's process group.  pty.Start
// runs the child with setsid, so the group id equals the child pid; Getpgid
// keeps this robust anyway.
func signalChild(pid int, sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		syscall.Kill(-pgid, sig)
		return
	}
	syscall.Kill(pid, sig)
}

// exitStatus derives the wrapper's exit disposition from cmd.Wait's error.
func exitStatus(waitErr error) ExitStatus {
	if waitErr == nil {
		return ExitStatus{Code: 0}
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Code: 128 + int(ws.Signal()), Signal: ws.Signal()}
			}
			return ExitStatus{Code: ws.ExitStatus()}
		}
		return ExitStatus{Code: ee.ExitCode()}
	}
	return ExitStatus{Code: 1}
}
