// Package tunnel implements the HTTP-tunneling engine: the content-window
// based framing of an ordinary byte stream over paired HTTP/1.1 requests,
// with automatic window rollover and reconnection. It is a direct Go
// translation of tunnel.c's Tunnel type and its tunnel_write_request /
// tunnel_read_request / tunnel_accept state machines, generalized from raw
// file descriptors and poll(2) to net.Conn and blocking reads with an
// explicit Again error used as the original's EAGAIN control-flow signal.
package tunnel

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/frame"
	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
	"github.com/larsbrinkhoff/httptunnel/pkg/timing"
)

// Role distinguishes the two tunnel endpoints. The client dials out twice per
// window (one POST to upload, one GET to download); the server accepts both
// halves from a single listening socket and pairs them.
type Role int

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

// Destination describes where a client Tunnel connects: the real endpoint,
// and optionally an HTTP proxy (the protocol's own destination indirection,
// distinct from a SOCKS5 proxy used only to reach that HTTP endpoint).
type Destination struct {
	Host string
	Port int

	ProxyHost string
	ProxyPort int

	ProxyAuthorization string
	UserAgent          string

	// SOCKS5Addr, if non-empty, is dialed via golang.org/x/net/proxy instead
	// of net.Dial to reach Host/Port (or ProxyHost/ProxyPort) — grounded in
	// the teacher's connectViaSOCKS5Proxy, which delegates to the same
	// package rather than hand-rolling the SOCKS5 handshake.
	SOCKS5Addr     string
	SOCKS5User     string
	SOCKS5Password string

	// SOCKS4Addr, if non-empty, is dialed with the minimal hand-rolled
	// SOCKS4 handshake (socks4Dial) instead of net.Dial or SOCKS5.
	SOCKS4Addr string
	SOCKS4User string
}

func (d Destination) useProxy() bool { return d.ProxyHost != "" }

func (d Destination) remote() (string, int) {
	if d.useProxy() {
		return d.ProxyHost, d.ProxyPort
	}
	return d.Host, d.Port
}

// Options are the tunnel's runtime-tunable parameters, settable individually
// via SetOption to match tunnel_setopt's string-keyed interface, or all at
// once at construction time.
type Options struct {
	StrictContentLength bool
	KeepAlive           time.Duration
	MaxConnectionAge    time.Duration
}

const (
	// acceptTimeout bounds how long tunnel_accept waits for the second half
	// of a pair once the first half is already held.
	acceptTimeout = 10 * time.Second
	// readTrailTimeout bounds how long tunnel_close waits draining a
	// disconnecting peer's trailing bytes.
	readTrailTimeout = 1000 * time.Millisecond
	// stagingBufferSize matches the original's fixed 64 KiB reassembly
	// buffer (tunnel->buf).
	stagingBufferSize = 64 * 1024
)

// Tunnel is one end of an HTTP-tunneled byte stream. Every exported method
// holds the internal mutex for its whole duration, so calls are serialized:
// a Read that is blocked waiting for the next inbound frame keeps a
// concurrent Write, Padding or Close waiting until that Read returns.
type Tunnel struct {
	mu sync.Mutex

	role Role
	dest Destination
	opts Options

	listener net.Listener // server only

	inConn  net.Conn
	inReader *bufio.Reader
	outConn net.Conn

	// contentLength is W-1 for both roles: one byte of every window is
	// reserved for a trailing DISCONNECT frame.
	contentLength int
	bytes         int
	windowOpened  time.Time

	staging    []byte
	stagingPos int

	// inClosed latches once a CLOSE frame has been read from the inbound
	// side, so every subsequent Read short-circuits to io.EOF (spec §8 S6:
	// "subsequent read also returns 0; no reconnection is attempted").
	// The CLOSE branch has already closed the inbound connection, so without
	// this latch the next Read would reconnect the inbound side (client) or
	// re-enter the accept loop (server).
	inClosed bool

	// paddingOnly suppresses MaybePad, for a tunnel direction carrying no
	// real payload (mirrors tunnel->padding_only). It is reset true every
	// time a fresh outbound window opens and cleared the first time a DATA
	// frame is written into that window.
	paddingOnly bool

	// sentOpen tracks whether the mandatory first-ever OPEN frame has been
	// written on a client tunnel. It is set exactly once per Tunnel
	// lifetime, never again on window rollover or reconnect.
	sentOpen bool

	inTotalRaw, inTotalData   int64
	outTotalRaw, outTotalData int64

	logger Logger
	timer  *timing.Timer
	last   timing.Metrics

	dialFunc func(network, addr string) (net.Conn, error)
}

// NewClient builds a client-role Tunnel dialing dest, with contentLength
// being W, the full configured content-window size (the reserved DISCONNECT
// byte is accounted for internally).
func NewClient(dest Destination, contentLength int, opts Options, logger Logger) *Tunnel {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Tunnel{
		role:          Client,
		dest:          dest,
		opts:          opts,
		contentLength: contentLength - 1,
		logger:        logger,
		dialFunc:      net.Dial,
	}
}

// NewServer builds a server-role Tunnel accepting both request halves from
// listener. The reserved DISCONNECT byte applies to both roles (per
// tunnel_new_server's own `content_length - 1`), so contentLength is
// adjusted here exactly as NewClient adjusts it.
func NewServer(listener net.Listener, contentLength int, opts Options, logger Logger) *Tunnel {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Tunnel{
		role:          Server,
		opts:          opts,
		listener:      listener,
		contentLength: contentLength - 1,
		logger:        logger,
	}
}

// isConnected reports whether the write side currently holds an open
// outbound connection, mirroring tunnel_is_connected.
func (t *Tunnel) isConnected() bool { return t.outConn != nil }

// Connect implements tunnel_connect for a client Tunnel: it opens the
// outbound window (the OPEN frame goes out as part of opening it, see
// reconnectOutLocked), then opens the inbound window and validates the
// server's response status and HTTP version. Calling Connect up front is
// optional — Write and Read establish both halves lazily on first use with
// identical wire behavior — but a front-end that wants to fail fast on an
// unreachable destination before queuing any payload should call it
// explicitly before the reactor loop starts.
func (t *Tunnel) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.role != Client {
		return terrors.Invalid("connect", "connect is client-only; servers use Accept")
	}
	if t.isConnected() || t.inConn != nil {
		return terrors.Invalid("connect", "tunnel is already connected")
	}
	if err := t.reconnectOutLocked(); err != nil {
		return err
	}
	return t.reconnectInLocked()
}

// Accept implements tunnel_accept for a server Tunnel: it loops accepting
// connections on the listener until both the upload (POST/PUT) and
// download (GET) halves of one pair are held, pairing them in whichever
// order they arrive. Calling Accept up front is optional for the same
// reason Connect is: Read and Write trigger the same pairing loop lazily.
func (t *Tunnel) Accept() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.role != Server {
		return terrors.Invalid("accept", "accept is server-only; clients use Connect")
	}
	return t.ensureAcceptedLocked()
}

// SetOption sets one of the five original tunnel_setopt keys. An unknown
// name is an InvalidArgument error, matching tunnel_opt's EINVAL fallback.
func (t *Tunnel) SetOption(name string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch name {
	case "strict_content_length":
		v, ok := value.(bool)
		if !ok {
			return terrors.Invalid("set_option", "strict_content_length wants bool")
		}
		t.opts.StrictContentLength = v
	case "keep_alive":
		v, ok := value.(time.Duration)
		if !ok {
			return terrors.Invalid("set_option", "keep_alive wants time.Duration")
		}
		t.opts.KeepAlive = v
	case "max_connection_age":
		v, ok := value.(time.Duration)
		if !ok {
			return terrors.Invalid("set_option", "max_connection_age wants time.Duration")
		}
		t.opts.MaxConnectionAge = v
	case "proxy_authorization":
		v, ok := value.(string)
		if !ok {
			return terrors.Invalid("set_option", "proxy_authorization wants string")
		}
		t.dest.ProxyAuthorization = v
	case "user_agent":
		v, ok := value.(string)
		if !ok {
			return terrors.Invalid("set_option", "user_agent wants string")
		}
		t.dest.UserAgent = v
	default:
		return terrors.Invalid("set_option", "unknown option: "+name)
	}
	return nil
}

// GetOption retrieves one of the five original tunnel_getopt keys.
func (t *Tunnel) GetOption(name string) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch name {
	case "strict_content_length":
		return t.opts.StrictContentLength, nil
	case "keep_alive":
		return t.opts.KeepAlive, nil
	case "max_connection_age":
		return t.opts.MaxConnectionAge, nil
	case "proxy_authorization":
		return t.dest.ProxyAuthorization, nil
	case "user_agent":
		return t.dest.UserAgent, nil
	default:
		return nil, terrors.Invalid("get_option", "unknown option: "+name)
	}
}

// PollDescriptor returns the net.Conn a reactor should currently be watching
// for readability, mirroring tunnel_pollin_fd: a server tunnel missing
// either half of its pair must watch its listener instead of a stale or
// absent in-connection.
func (t *Tunnel) PollDescriptor() (conn net.Conn, watchListener bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.role == Server && (t.inConn == nil || t.outConn == nil) {
		return nil, true
	}
	return t.inConn, false
}

// SetPaddingOnly sets the padding-only flag that makes MaybePad a no-op. The
// flag is reset to true whenever a new outbound window opens and cleared by
// the next DATA frame, so a value set here lasts only until one of those
// happens.
func (t *Tunnel) SetPaddingOnly(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paddingOnly = v
}

// LastWindowMetrics returns the dial/TTFB/total timing of the most recently
// opened read window.
func (t *Tunnel) LastWindowMetrics() timing.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Counters reports the raw (wire) and data (payload) byte totals seen in
// each direction, for diagnostics/logging.
type Counters struct {
	InRaw, InData   int64
	OutRaw, OutData int64
}

func (t *Tunnel) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Counters{t.inTotalRaw, t.inTotalData, t.outTotalRaw, t.outTotalData}
}

// disconnectIn closes and clears the inbound connection.
func (t *Tunnel) disconnectIn() {
	if t.inConn != nil {
		t.inConn.Close()
		t.inConn = nil
	}
	t.inReader = nil
}

// disconnectOut closes and clears the outbound connection.
func (t *Tunnel) disconnectOut() {
	if t.outConn != nil {
		t.outConn.Close()
		t.outConn = nil
	}
	t.bytes = 0
}

// Close implements tunnel_close: in strict mode pad the current outbound
// window to exactly content_length-1 bytes before the final DISCONNECT (so
// the remote peer's Content-Length is honored precisely), write CLOSE,
// disconnect the outbound side, then drain the inbound side for up to
// readTrailTimeout before tearing it down too.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Tunnel) closeLocked() error {
	if t.isConnected() {
		if t.opts.StrictContentLength {
			pad := t.contentLength - t.bytes - 1
			if pad > 0 {
				if err := t.paddingLocked(pad); err != nil {
					return err
				}
			}
		}
		if err := t.writeFrameLocked(frame.Close, nil); err != nil {
			t.logger.Debug("close: write CLOSE: %v", err)
		}
		t.disconnectOut()
	}

	if t.inConn != nil {
		deadline := time.Now().Add(readTrailTimeout)
		chunk := make([]byte, 4096)
		drained := 0
		for {
			t.inConn.SetReadDeadline(deadline)
			n, err := t.inConn.Read(chunk)
			drained += n
			if err != nil {
				break
			}
		}
		t.inConn.SetReadDeadline(time.Time{})
		if drained > 0 {
			t.logger.Debug("close: drained %d trailing bytes from peer", drained)
		}
		t.disconnectIn()
	}

	t.bytes = 0
	t.stagingPos = 0
	t.staging = nil
	t.inClosed = false
	return nil
}

// Destroy implements tunnel_destroy: close any live connection, then the
// server's listening socket.
func (t *Tunnel) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isConnected() || t.inConn != nil {
		t.closeLocked()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
