// Package reactor implements the front-end loop of §4.5: it plugs an
// external byte source (serial device, forwarded TCP socket, or process
// stdio) into a *tunnel.Tunnel, copying bytes in both directions and
// injecting keepalive / buffer-flush padding whenever the link goes idle
// long enough for a buffering proxy to start withholding bytes.
//
// The original is a single poll(2) call over two file descriptors with a
// millisecond timeout recomputed every iteration. Go has no portable
// equivalent over arbitrary io.Readers, so this translates the loop into
// the idiomatic Go shape: one goroutine per direction performing a
// blocking read and reporting its result on a channel, and a select over
// both channels plus a timer that reproduces the original's keepalive-vs-
// buffer-flush deadline math. Grounded on original_source/common.c's
// handle_device_input/handle_tunnel_input (the 10240-byte copy buffers,
// the "never close fd 0" rule) and original_source/htc.c's main loop (the
// 1000*(K-(now-last_write)) timeout computation and its substitution by a
// smaller buffer-flush timeout).
package reactor

import (
	"errors"
	"io"
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/ioutil"
	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
	"github.com/larsbrinkhoff/httptunnel/pkg/tunnel"
)

// copyChunk is the maximum number of bytes copied per direction per
// wakeup, matching the original's fixed 10240-byte buffers.
const copyChunk = 10240

// Endpoint is the external byte source/sink the reactor bridges into the
// tunnel: a serial device, a forwarded TCP socket, or process stdio.
// Close is invoked once the session ends unless IsStdin is set, mirroring
// the original's "fd ? fd : 1" substitution that never closes descriptor 0.
type Endpoint struct {
	io.Reader
	io.Writer
	Closer  io.Closer
	IsStdin bool
}

func (e Endpoint) close() {
	if e.IsStdin || e.Closer == nil {
		return
	}
	e.Closer.Close()
}

// NetEndpoint wraps a forwarded TCP connection as an Endpoint.
func NetEndpoint(conn io.ReadWriteCloser) Endpoint {
	return Endpoint{Reader: conn, Writer: conn, Closer: conn}
}

// StdioEndpoint wraps the process's standard input/output as an Endpoint,
// never closing either stream when the session ends.
func StdioEndpoint(in io.Reader, out io.Writer) Endpoint {
	return Endpoint{Reader: in, Writer: out, IsStdin: true}
}

// Config holds the reactor's tunable parameters (§4.5).
type Config struct {
	// KeepAlive is K: the idle interval after which a PAD1 keepalive frame
	// is emitted. Zero disables keepalive padding.
	KeepAlive time.Duration

	// BufferFlushSize and BufferFlushTimeout are B/Tb: a shorter-than-
	// keepalive wakeup used to defeat proxies that buffer until full
	// before forwarding. Client-only; a server reactor simply leaves
	// these at zero. Both must be positive to take effect.
	BufferFlushSize    int
	BufferFlushTimeout time.Duration

	Logger tunnel.Logger
}

func (c Config) logger() tunnel.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return tunnel.NewStdLogger(0)
}

// result is what one direction's background reader reports back.
type result struct {
	n   int
	buf []byte
	err error
}

// Run drives one Endpoint through t until either side reaches a clean EOF
// (returns nil) or an unrecoverable error (returned to the caller), mirroring
// the original main loop's per-session lifetime. It always closes t before
// returning, and closes ext unless ext.IsStdin. The caller's outer loop is
// expected to construct a fresh Tunnel (client: dial again; server: accept
// the next pair) and call Run again for the next session.
func Run(ext Endpoint, t *tunnel.Tunnel) error {
	return RunWithConfig(ext, t, Config{})
}

// RunWithConfig is Run with explicit keepalive/buffer-flush tuning.
func RunWithConfig(ext Endpoint, t *tunnel.Tunnel, cfg Config) error {
	logger := cfg.logger()
	defer ext.close()

	extCh := make(chan result, 1)
	tunCh := make(chan result, 1)

	readExt := func() {
		buf := make([]byte, copyChunk)
		n, err := ext.Read(buf)
		extCh <- result{n: n, buf: buf[:n], err: err}
	}
	readTun := func() {
		buf := make([]byte, copyChunk)
		n, err := t.Read(buf)
		tunCh <- result{n: n, buf: buf[:n], err: err}
	}

	go readExt()
	go readTun()

	lastWrite := time.Now()

	for {
		timeout, isFlush := nextTimeout(cfg, lastWrite)
		timer := time.NewTimer(timeout)

		select {
		case <-timer.C:
			if isFlush {
				before := t.Counters().OutRaw
				if err := t.MaybePad(cfg.BufferFlushSize); err != nil {
					logger.Debug("reactor: buffer-flush pad: %v", err)
				} else if t.Counters().OutRaw != before {
					lastWrite = time.Now()
				}
			} else if cfg.KeepAlive > 0 {
				if err := t.Padding(1); err != nil {
					logger.Debug("reactor: keepalive pad: %v", err)
				} else {
					lastWrite = time.Now()
				}
			}

		case res := <-extCh:
			timer.Stop()
			if res.n > 0 {
				if _, err := t.Write(res.buf[:res.n]); err != nil {
					t.Close()
					return err
				}
				lastWrite = time.Now()
			}
			if res.err != nil {
				t.Close()
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				logger.Error("reactor: external read: %v", res.err)
				return res.err
			}
			go readExt()

		case res := <-tunCh:
			timer.Stop()
			if res.n > 0 {
				if _, err := ioutil.WriteAll(ext, res.buf[:res.n]); err != nil {
					t.Close()
					return err
				}
			}
			if res.err != nil {
				if terrors.Of(res.err, terrors.Again) {
					go readTun()
					continue
				}
				if errors.Is(res.err, io.EOF) || terrors.Of(res.err, terrors.Closed) {
					t.Close()
					return nil
				}
				t.Close()
				logger.Error("reactor: tunnel read: %v", res.err)
				return res.err
			}
			go readTun()
		}
	}
}

// nextTimeout computes the original main loop's poll timeout: T =
// 1000*(K-(now-last_write)) clamped to zero, substituted by the shorter
// buffer-flush timeout Tb when one is configured and would fire sooner.
// The returned bool reports whether the timeout represents a buffer-flush
// wakeup rather than a keepalive one.
func nextTimeout(cfg Config, lastWrite time.Time) (time.Duration, bool) {
	t := 24 * time.Hour // no keepalive configured: effectively never
	if cfg.KeepAlive > 0 {
		t = cfg.KeepAlive - time.Since(lastWrite)
		if t < 0 {
			t = 0
		}
	}
	if cfg.BufferFlushSize > 0 && cfg.BufferFlushTimeout > 0 && cfg.BufferFlushTimeout < t {
		return cfg.BufferFlushTimeout, true
	}
	return t, false
}
