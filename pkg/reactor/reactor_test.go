package reactor

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/tunnel"
)

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// TestRunBridgesBothDirectionsEndToEnd wires a client reactor and a server
// reactor around a real client/server Tunnel pair, each fed by one side of
// an in-process net.Pipe, and checks that a byte written into the client's
// external endpoint is observed on the server's external endpoint, and
// that closing the client's endpoint tears the whole session down cleanly.
func TestRunBridgesBothDirectionsEndToEnd(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	server := tunnel.NewServer(ln, 4096, tunnel.Options{}, nil)
	client := tunnel.NewClient(tunnel.Destination{Host: "127.0.0.1", Port: port}, 4096, tunnel.Options{}, nil)

	clientPipe, clientDriver := net.Pipe()
	serverPipe, serverObserver := net.Pipe()

	clientDone := make(chan error, 1)
	serverDone := make(chan error, 1)
	go func() { clientDone <- Run(NetEndpoint(clientPipe), client) }()
	go func() { serverDone <- Run(NetEndpoint(serverPipe), server) }()

	msg := []byte("hello through the tunnel")
	writeErr := make(chan error, 1)
	go func() {
		_, err := clientDriver.Write(msg)
		writeErr <- err
	}()

	serverObserver.SetReadDeadline(time.Now().Add(10 * time.Second))
	got := make([]byte, len(msg))
	if _, err := readFull(serverObserver, got); err != nil {
		t.Fatalf("reading observed bytes: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("observed %q, want %q", got, msg)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("driver write: %v", err)
	}

	clientDriver.Close()

	if err := <-clientDone; err != nil {
		t.Fatalf("client reactor: %v", err)
	}
	serverObserver.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := <-serverDone; err != nil {
		t.Fatalf("server reactor: %v", err)
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestNextTimeoutClampsToZeroWhenOverdue(t *testing.T) {
	cfg := Config{KeepAlive: time.Second}
	stale := time.Now().Add(-10 * time.Second)
	got, isFlush := nextTimeout(cfg, stale)
	if got != 0 {
		t.Fatalf("expected clamped zero timeout, got %v", got)
	}
	if isFlush {
		t.Fatalf("expected a keepalive wakeup, got buffer-flush")
	}
}

func TestNextTimeoutPrefersBufferFlushWhenShorter(t *testing.T) {
	cfg := Config{KeepAlive: time.Second, BufferFlushSize: 64, BufferFlushTimeout: 10 * time.Millisecond}
	got, isFlush := nextTimeout(cfg, time.Now())
	if !isFlush {
		t.Fatalf("expected buffer-flush wakeup")
	}
	if got != cfg.BufferFlushTimeout {
		t.Fatalf("expected %v, got %v", cfg.BufferFlushTimeout, got)
	}
}

func TestNextTimeoutIgnoresBufferFlushWhenLonger(t *testing.T) {
	cfg := Config{KeepAlive: 5 * time.Millisecond, BufferFlushSize: 64, BufferFlushTimeout: time.Second}
	got, isFlush := nextTimeout(cfg, time.Now())
	if isFlush {
		t.Fatalf("buffer-flush timeout is longer than keepalive, should not be selected")
	}
	if got > cfg.KeepAlive {
		t.Fatalf("expected timeout <= keepalive, got %v", got)
	}
}
