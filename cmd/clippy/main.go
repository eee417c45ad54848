// clippy – wrap interactive AI agents and relay their latest turns.
//
// Usage:
//
//	clippy run [flags] -- <agent> [args...]   – run an agent under a wrapped PTY
//	clippy list                               – list registered sessions
//	clippy capture <session-id>               – copy a session's latest turn into the relay buffer
//	clippy paste <session-id>                 – inject the relay buffer into a session
//	clippy presets                            – show the prompt-pattern presets
//
// clippy run starts the clippyd broker automatically if it is not already
// running.  The wrapped agent behaves exactly as if run directly; detach by
// letting the agent exit.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/justapithecus/clippy/internal/broker"
	"github.com/justapithecus/clippy/internal/pattern"
	"github.com/justapithecus/clippy/internal/proto"
	"github.com/justapithecus/clippy/internal/wrapper"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "list":
		cmdList()
	case "capture":
		cmdCapture()
	case "paste":
		cmdPaste()
	case "presets":
		cmdPresets()
	default:
		fmt.Fprintf(os.Stderr, "clippy: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `clippy – relay turns between wrapped AI agent sessions

Session commands:
  run [flags] -- <agent> [args...]
                           Run an agent under a wrapped PTY
    --pattern <name|regex>   prompt pattern preset or custom regex (default "generic")
    --max-turn <bytes>       cap a single turn's captured size (default 4 MiB)
    --socket <path>          broker socket path override
    --no-spawn               do not autostart clippyd

Relay commands:
  list                     List registered sessions
  capture <session-id>     Copy a session's latest turn into the relay buffer
  paste <session-id>       Inject the relay buffer into a session
  presets                  Show the available prompt-pattern presets`)
}

// ─── Subcommand implementations ───────────────────────────────────────────────

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	patternArg := fs.String("pattern", "generic", "prompt pattern preset name or custom regex")
	maxTurn := fs.Int("max-turn", 0, "cap a single turn's captured size in bytes (0 = default)")
	socketPath := fs.String("socket", "", "broker socket path override")
	noSpawn := fs.Bool("no-spawn", false, "do not autostart clippyd")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: clippy run [--pattern <name|regex>] [--max-turn <bytes>] [--no-spawn] -- <agent> [args...]")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	args := fs.Args()
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	re, body, err := pattern.Resolve(*patternArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clippy: %v\n", err)
		os.Exit(1)
	}

	status, err := wrapper.Run(wrapper.Config{
		Command:      args,
		Pattern:      re,
		PatternBody:  body,
		MaxTurnBytes: *maxTurn,
		SocketPath:   *socketPath,
		SpawnBroker:  !*noSpawn,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "clippy: %v\n", err)
		os.Exit(1)
	}

	// The shell must observe the child's true disposition: re-raise a fatal
	// signal after cleanup, otherwise propagate the exit code.
	if status.Signal != 0 {
		signal.Reset(status.Signal)
		syscall.Kill(syscall.Getpid(), status.Signal)
	}
	os.Exit(status.Code)
}

func cmdList() {
	resp := mustRequest(proto.Message{Type: proto.TypeListSessions})

	if len(resp.Sessions) == 0 {
		fmt.Println("no sessions")
		return
	}

	fmt.Printf("%-38s  %-8s  %-5s  %s\n", "SESSION", "PID", "TURN", "PATTERN")
	fmt.Printf("%-38s  %-8s  %-5s  %s\n", "--------------------------------------", "--------", "-----", "-------")
	for _, s := range resp.Sessions {
		turn := "-"
		if s.HasTurn {
			turn = "yes"
		}
		fmt.Printf("%-38s  %-8d  %-5s  %s\n", s.Session, s.PID, turn, s.Pattern)
	}
}

func cmdCapture() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: clippy capture <session-id>")
		os.Exit(1)
	}
	resp := mustRequest(proto.Message{Type: proto.TypeCapture, Session: os.Args[2]})
	fmt.Printf("captured %d bytes from %s (turn %s)\n", resp.Size, os.Args[2], resp.TurnID)
}

func cmdPaste() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: clippy paste <session-id>")
		os.Exit(1)
	}
	mustRequest(proto.Message{Type: proto.TypePaste, Session: os.Args[2]})
	fmt.Printf("pasted relay buffer into %s\n", os.Args[2])
}

func cmdPresets() {
	presets := pattern.Presets()
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-12s  %s\n", "NAME", "PATTERN")
	fmt.Printf("%-12s  %s\n", "------------", "-------")
	for _, name := range names {
		fmt.Printf("%-12s  %s\n", name, presets[name])
	}
}

// ─── Broker connection helpers ────────────────────────────────────────────────

// mustRequest performs one client-role request against the broker and exits
// on any failure.
func mustRequest(req proto.Message) *proto.Message {
	socketPath, err := broker.SocketPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clippy: %v\n", err)
		os.Exit(1)
	}

	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clippy: cannot connect to broker: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()

	hello := proto.Message{Type: proto.TypeHello, Version: proto.Version, Role: proto.RoleClient}
	if err := proto.WriteFrame(nc, &hello); err != nil {
		fmt.Fprintf(os.Stderr, "clippy: %v\n", err)
		os.Exit(1)
	}
	ack, err := proto.ReadFrame(nc)
	if err != nil || ack.Status != proto.StatusOK {
		reason := "handshake failed"
		if err != nil {
			reason = err.Error()
		} else if ack.Reason != "" {
			reason = ack.Reason
		}
		fmt.Fprintf(os.Stderr, "clippy: %s\n", reason)
		os.Exit(1)
	}

	req.ID = 1
	if err := proto.WriteFrame(nc, &req); err != nil {
		fmt.Fprintf(os.Stderr, "clippy: %v\n", err)
		os.Exit(1)
	}
	resp, err := proto.ReadFrame(nc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clippy: %v\n", err)
		os.Exit(1)
	}
	if resp.Status != proto.StatusOK {
		fmt.Fprintf(os.Stderr, "clippy: %s\n", resp.Reason)
		os.Exit(1)
	}
	return resp
}
