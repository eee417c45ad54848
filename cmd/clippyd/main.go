// clippyd – the broker daemon that holds clippy's shared state.
//
// Usage:
//
//	clippyd [--socket <path>]
//
// The daemon listens on a Unix domain socket at
// $XDG_RUNTIME_DIR/clippy/broker.sock and serves wrapper and client
// connections.  It refuses to start when XDG_RUNTIME_DIR is unset rather
// than fall back to a world-writable location.  It is normally started
// automatically by `clippy run`; you do not need to run it by hand.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/justapithecus/clippy/internal/broker"
)

func main() {
	socketFlag := flag.String("socket", "", "broker socket path (default: $XDG_RUNTIME_DIR/clippy/broker.sock; env: CLIPPY_SOCKET)")
	flag.Parse()

	socketPath := *socketFlag
	if socketPath == "" {
		var err error
		socketPath, err = broker.SocketPath()
		if err != nil {
			log.Fatalf("clippyd: %v", err)
		}
	}

	l, err := broker.Listen(socketPath)
	if err != nil {
		log.Fatalf("clippyd: %v", err)
	}

	b := broker.New()

	// Graceful shutdown on SIGINT / SIGTERM: stop accepting, drop all
	// connections (wrappers carry on by themselves), unlink the socket.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		b.Close()
		os.Remove(socketPath)
		os.Exit(0)
	}()

	if err := b.Run(l); err != nil {
		log.Fatalf("clippyd: %v", err)
	}
	os.Remove(socketPath)
}
