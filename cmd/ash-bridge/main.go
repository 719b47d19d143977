// Package main implements the reference bridge binary. It speaks the ash
// bridge protocol over a Unix domain socket and generates deterministic
// canned replies, standing in for a real agent runtime in dev setups and
// end-to-end tests.
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

func main() {
	socketPath := os.Getenv("ASH_BRIDGE_SOCKET")
	if socketPath == "" {
		fmt.Fprintln(os.Stderr, "ash-bridge: ASH_BRIDGE_SOCKET is not set")
		os.Exit(1)
	}

	a := newAgent(agentConfig{
		WorkspaceDir: os.Getenv("ASH_WORKSPACE_DIR"),
		SessionID:    os.Getenv("ASH_SESSION_ID"),
		ChunkDelay:   25 * time.Millisecond,
		Timing:       os.Getenv("ASH_TIMING") != "",
	})

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ash-bridge: failed to bind %s: %v\n", socketPath, err)
		os.Exit(1)
	}
	defer ln.Close()

	// The socket is bound and the accept is next; signal readiness. The
	// supervisor reads exactly this one byte from stdout, so nothing else
	// may be printed there.
	if _, err := os.Stdout.Write([]byte{'R'}); err != nil {
		os.Exit(1)
	}

	conn, err := ln.Accept()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ash-bridge: accept failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := a.run(conn); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(os.Stderr, "ash-bridge: %v\n", err)
		os.Exit(1)
	}
}
