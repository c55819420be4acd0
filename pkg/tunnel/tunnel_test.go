package tunnel

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/httpmsg"
	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
)

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func clientFor(ln net.Listener, contentLength int, opts Options) *Tunnel {
	port := ln.Addr().(*net.TCPAddr).Port
	return NewClient(Destination{Host: "127.0.0.1", Port: port}, contentLength, opts, nil)
}

// primeClientReadSide opens the client's GET (download) connection without
// blocking on an actual frame read, so the server's accept-pairing loop
// (which needs both halves before any transfer can proceed) can complete
// even in a test that only exercises one direction.
func primeClientReadSide(c *Tunnel) {
	buf := make([]byte, 1)
	c.Read(buf)
}

func drainUntil(t *testing.T, r *Tunnel, want int) []byte {
	t.Helper()
	got := make([]byte, 0, want)
	buf := make([]byte, 4096)
	deadline := time.Now().Add(10 * time.Second)
	for len(got) < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after reading %d/%d bytes", len(got), want)
		}
		n, err := r.Read(buf)
		if err != nil {
			if terrors.Of(err, terrors.Again) {
				continue
			}
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	return got
}

func TestClientToServerRoundTrip(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()

	server := NewServer(ln, 4096, Options{}, nil)
	defer server.Destroy()
	client := clientFor(ln, 4096, Options{})
	defer client.Destroy()

	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 20)

	clientDone := make(chan error, 1)
	go func() {
		if _, err := client.Write(data); err != nil {
			clientDone <- err
			return
		}
		clientDone <- client.Close()
	}()
	go primeClientReadSide(client)

	got := drainUntil(t, server, len(data))
	if err := <-clientDone; err != nil {
		t.Fatalf("client side: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestRoundTripAcrossMultipleWindows(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()

	const window = 64
	server := NewServer(ln, window, Options{}, nil)
	defer server.Destroy()
	client := clientFor(ln, window, Options{})
	defer client.Destroy()

	data := bytes.Repeat([]byte("0123456789"), 50) // 500 bytes, several windows wide

	clientDone := make(chan error, 1)
	go func() {
		if _, err := client.Write(data); err != nil {
			clientDone <- err
			return
		}
		clientDone <- client.Close()
	}()
	go primeClientReadSide(client)

	got := drainUntil(t, server, len(data))
	if err := <-clientDone; err != nil {
		t.Fatalf("client side: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch across windows: got %d want %d", len(got), len(data))
	}
}

func TestPaddingIsTransparentToThePayload(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()

	server := NewServer(ln, 4096, Options{}, nil)
	defer server.Destroy()
	client := clientFor(ln, 4096, Options{})
	defer client.Destroy()

	data := []byte("payload surrounded by padding")

	clientDone := make(chan error, 1)
	go func() {
		if err := client.Padding(37); err != nil {
			clientDone <- err
			return
		}
		if _, err := client.Write(data); err != nil {
			clientDone <- err
			return
		}
		if err := client.MaybePad(16); err != nil {
			clientDone <- err
			return
		}
		clientDone <- client.Close()
	}()
	go primeClientReadSide(client)

	got := drainUntil(t, server, len(data))
	if err := <-clientDone; err != nil {
		t.Fatalf("client side: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("padding leaked into payload: got %q want %q", got, data)
	}
}

func TestStrictContentLengthClose(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()

	opts := Options{StrictContentLength: true}
	server := NewServer(ln, 256, opts, nil)
	defer server.Destroy()
	client := clientFor(ln, 256, opts)
	defer client.Destroy()

	data := []byte("short message")

	clientDone := make(chan error, 1)
	go func() {
		if _, err := client.Write(data); err != nil {
			clientDone <- err
			return
		}
		clientDone <- client.Close()
	}()
	go primeClientReadSide(client)

	got := drainUntil(t, server, len(data))
	if err := <-clientDone; err != nil {
		t.Fatalf("client side: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("strict-mode round trip mismatch: got %q want %q", got, data)
	}
}

// TestServerAdvertisesExactWindowContentLength guards against the
// off-by-one that once made a server's GET response carry Content-Length
// W+1 instead of W: it dials the accept loop directly (standing in for a
// real client) and reads the raw Content-Length header off the wire.
func TestServerAdvertisesExactWindowContentLength(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()

	const window = 4096
	server := NewServer(ln, window, Options{}, nil)
	defer server.Destroy()

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- server.Accept()
	}()

	postConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial upload half: %v", err)
	}
	defer postConn.Close()
	if _, err := postConn.Write([]byte("POST /index.html?crap=1 HTTP/1.1\r\nHost: x\r\nContent-Length: " + strconv.Itoa(window+1) + "\r\n\r\n")); err != nil {
		t.Fatalf("write POST: %v", err)
	}

	getConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial download half: %v", err)
	}
	defer getConn.Close()
	if _, err := getConn.Write([]byte("GET /index.html?crap=1 HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write GET: %v", err)
	}

	resp, err := httpmsg.ParseResponse(bufio.NewReader(getConn))
	if err != nil {
		t.Fatalf("parse download response: %v", err)
	}
	cl, ok := resp.Headers.Get("Content-Length")
	if !ok {
		t.Fatalf("response missing Content-Length header")
	}
	if cl != strconv.Itoa(window) {
		t.Fatalf("Content-Length = %q, want %q (the full content window, not window+1)", cl, strconv.Itoa(window))
	}

	if err := <-acceptErr; err != nil {
		t.Fatalf("accept: %v", err)
	}
}

// TestReadAfterCloseReturnsEOFTwiceWithoutReconnecting covers S6: once a
// CLOSE frame has been read off the inbound side, every subsequent Read must
// keep returning (0, io.EOF) without attempting to parse another frame or
// reconnect — without the inClosed latch the second Read would find no
// inbound connection and re-enter the server's accept loop.
func TestReadAfterCloseReturnsEOFTwiceWithoutReconnecting(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()

	server := NewServer(ln, 4096, Options{}, nil)
	defer server.Destroy()
	client := clientFor(ln, 4096, Options{})
	defer client.Destroy()

	data := []byte("closing soon")

	clientDone := make(chan error, 1)
	go func() {
		if _, err := client.Write(data); err != nil {
			clientDone <- err
			return
		}
		clientDone <- client.Close()
	}()
	go primeClientReadSide(client)

	got := drainUntil(t, server, len(data))
	if err := <-clientDone; err != nil {
		t.Fatalf("client side: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("payload mismatch before close: got %q want %q", got, data)
	}

	deadline := time.Now().Add(10 * time.Second)
	buf := make([]byte, 16)
	var n int
	var err error
	for time.Now().Before(deadline) {
		n, err = server.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil && !terrors.Of(err, terrors.Again) {
			t.Fatalf("unexpected error waiting for CLOSE: %v", err)
		}
	}
	if err != io.EOF || n != 0 {
		t.Fatalf("first read after CLOSE = (%d, %v), want (0, io.EOF)", n, err)
	}

	n, err = server.Read(buf)
	if err != io.EOF || n != 0 {
		t.Fatalf("second read after CLOSE = (%d, %v), want (0, io.EOF) with no reconnection attempt", n, err)
	}
}

func TestSetOptionGetOptionRoundTrip(t *testing.T) {
	tun := NewClient(Destination{Host: "example.com", Port: 80}, 4096, Options{}, nil)

	if err := tun.SetOption("strict_content_length", true); err != nil {
		t.Fatalf("set strict_content_length: %v", err)
	}
	v, err := tun.GetOption("strict_content_length")
	if err != nil || v != true {
		t.Fatalf("get strict_content_length: %v %v", v, err)
	}

	if err := tun.SetOption("keep_alive", 30*time.Second); err != nil {
		t.Fatalf("set keep_alive: %v", err)
	}
	v, err = tun.GetOption("keep_alive")
	if err != nil || v != 30*time.Second {
		t.Fatalf("get keep_alive: %v %v", v, err)
	}

	if err := tun.SetOption("user_agent", "httptunnel/1.0"); err != nil {
		t.Fatalf("set user_agent: %v", err)
	}
	v, err = tun.GetOption("user_agent")
	if err != nil || v != "httptunnel/1.0" {
		t.Fatalf("get user_agent: %v %v", v, err)
	}
}

func TestSetOptionUnknownNameIsInvalidArgument(t *testing.T) {
	tun := NewClient(Destination{Host: "example.com", Port: 80}, 4096, Options{}, nil)
	err := tun.SetOption("not_a_real_option", 1)
	if !terrors.Of(err, terrors.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	_, err = tun.GetOption("not_a_real_option")
	if !terrors.Of(err, terrors.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSetOptionWrongTypeIsInvalidArgument(t *testing.T) {
	tun := NewClient(Destination{Host: "example.com", Port: 80}, 4096, Options{}, nil)
	if err := tun.SetOption("strict_content_length", "yes"); !terrors.Of(err, terrors.InvalidArgument) {
		t.Fatalf("expected InvalidArgument for wrong type, got %v", err)
	}
}

func TestMaybePadNoopWhenDisconnected(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()
	server := NewServer(ln, 4096, Options{}, nil)
	defer server.Destroy()
	client := clientFor(ln, 4096, Options{})
	defer client.Destroy()

	// MaybePad before any connection exists is a documented no-op.
	if err := client.MaybePad(16); err != nil {
		t.Fatalf("MaybePad on disconnected tunnel: %v", err)
	}
}
