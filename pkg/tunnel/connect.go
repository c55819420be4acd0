package tunnel

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/larsbrinkhoff/httptunnel/pkg/frame"
	"github.com/larsbrinkhoff/httptunnel/pkg/httpmsg"
	"github.com/larsbrinkhoff/httptunnel/pkg/ioutil"
	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
	"github.com/larsbrinkhoff/httptunnel/pkg/timing"
)

// reconnectOutLocked opens a fresh outbound window: for a client, a new
// POST upload connection; for a server, running (or joining) the accept
// pairing loop. On a client, the very first outbound window of the
// tunnel's lifetime carries the mandatory OPEN frame (one dummy payload
// byte) as its first bytes, written here rather than left to the caller so
// every write path — explicit Connect, or the first lazy Write — gets it
// exactly once.
func (t *Tunnel) reconnectOutLocked() error {
	if t.role == Server {
		return t.ensureAcceptedLocked()
	}

	conn, err := t.dialLocked()
	if err != nil {
		return err
	}
	applyOutboundSocketOptions(conn, t.logger)

	req := httpmsg.Request{
		Method: "POST",
		URI:    httpmsg.RequestPath(t.dest.Host, t.dest.Port, t.dest.useProxy(), time.Now()),
		Major:  1,
		Minor:  1,
	}
	req.Headers.Add("Host", fmt.Sprintf("%s:%d", t.dest.Host, t.dest.Port))
	req.Headers.Add("Content-Length", strconv.Itoa(t.contentLength+1))
	req.Headers.Add("Connection", "close")
	req.Headers.Add("Pragma", "no-cache")
	if t.dest.UserAgent != "" {
		req.Headers.Add("User-Agent", t.dest.UserAgent)
	}
	if t.dest.ProxyAuthorization != "" {
		req.Headers.Add("Proxy-Authorization", t.dest.ProxyAuthorization)
	}

	if _, err := ioutil.WriteAll(conn, httpmsg.WriteRequest(req)); err != nil {
		conn.Close()
		return terrors.IO("connect_out", "writing POST request", err)
	}

	t.outConn = conn
	t.bytes = 0
	t.windowOpened = time.Now()
	t.paddingOnly = true

	if !t.sentOpen {
		t.sentOpen = true
		if err := t.writeFrameLocked(frame.Open, []byte{0}); err != nil {
			return err
		}
	}
	return nil
}

// reconnectInLocked opens a fresh inbound window: for a client, a new GET
// download connection whose response must be a 200 per the status mapping
// of spec §7; for a server, the shared accept pairing loop.
func (t *Tunnel) reconnectInLocked() error {
	if t.role == Server {
		return t.ensureAcceptedLocked()
	}

	timer := timing.NewTimer()
	timer.StartConnect()
	conn, err := t.dialLocked()
	timer.EndConnect()
	if err != nil {
		return err
	}

	req := httpmsg.Request{
		Method: "GET",
		URI:    httpmsg.RequestPath(t.dest.Host, t.dest.Port, t.dest.useProxy(), time.Now()),
		Major:  1,
		Minor:  1,
	}
	req.Headers.Add("Host", fmt.Sprintf("%s:%d", t.dest.Host, t.dest.Port))
	req.Headers.Add("Pragma", "no-cache")
	if t.dest.UserAgent != "" {
		req.Headers.Add("User-Agent", t.dest.UserAgent)
	}
	if t.dest.ProxyAuthorization != "" {
		req.Headers.Add("Proxy-Authorization", t.dest.ProxyAuthorization)
	}

	if _, err := ioutil.WriteAll(conn, httpmsg.WriteRequest(req)); err != nil {
		conn.Close()
		return terrors.IO("connect_in", "writing GET request", err)
	}

	br := bufio.NewReader(conn)
	resp, err := httpmsg.ParseResponse(br)
	if err != nil {
		conn.Close()
		return terrors.Protocol("connect_in", "parsing download response", err)
	}
	if resp.Major != 1 || (resp.Minor != 0 && resp.Minor != 1) {
		conn.Close()
		return terrors.Protocol("connect_in", fmt.Sprintf("unsupported HTTP version %d.%d", resp.Major, resp.Minor), nil)
	}
	if kind := terrors.StatusToKind(resp.StatusCode); kind != "" {
		conn.Close()
		return terrors.New(kind, "connect_in", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	applyInboundSocketOptions(conn, t.logger)
	t.inConn = conn
	t.inReader = br
	timer.StartTTFB()
	t.timer = timer
	return nil
}

// ensureAcceptedLocked implements tunnel_accept: it accepts connections
// from the listener until both the upload (POST/PUT) and download (GET)
// halves of a pair are held, rejecting a duplicate of either half. Once one
// half is already held, the wait for the other is bounded by acceptTimeout;
// a timeout there tears down whichever half was held so the next call
// starts clean.
func (t *Tunnel) ensureAcceptedLocked() error {
	for t.inConn == nil || t.outConn == nil {
		if tl, ok := t.listener.(*net.TCPListener); ok {
			if t.inConn != nil || t.outConn != nil {
				tl.SetDeadline(time.Now().Add(acceptTimeout))
			} else {
				tl.SetDeadline(time.Time{})
			}
		}

		conn, err := t.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.disconnectIn()
				t.disconnectOut()
				return terrors.IO("accept", "timed out waiting for paired connection", err)
			}
			return terrors.IO("accept", "accept failed", err)
		}

		br := bufio.NewReader(conn)
		req, err := httpmsg.ParseRequest(br)
		if err != nil {
			conn.Close()
			continue
		}

		switch req.Method {
		case "POST", "PUT":
			if t.inConn != nil {
				conn.Close()
				continue
			}
			applyInboundSocketOptions(conn, t.logger)
			t.inConn = conn
			t.inReader = br
		case "GET":
			if t.outConn != nil {
				conn.Close()
				continue
			}
			applyOutboundSocketOptions(conn, t.logger)
			resp := httpmsg.Response{
				Major: 1, Minor: 1, StatusCode: 200, StatusMessage: "OK",
				Headers: httpmsg.Response200Headers(t.contentLength + 1),
			}
			if _, err := ioutil.WriteAll(conn, httpmsg.WriteResponse(resp)); err != nil {
				conn.Close()
				continue
			}
			t.outConn = conn
			t.bytes = 0
			t.windowOpened = time.Now()
			t.paddingOnly = true
		default:
			conn.Close()
		}
	}
	return nil
}

// dialLocked reaches the client's configured remote (direct, via the
// protocol's own HTTP-proxy destination indirection, or via a SOCKS5
// proxy), mirroring connectViaSOCKS5Proxy's delegation to
// golang.org/x/net/proxy rather than a hand-rolled handshake.
func (t *Tunnel) dialLocked() (net.Conn, error) {
	host, port := t.dest.remote()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	if t.dest.SOCKS5Addr != "" {
		var auth *proxy.Auth
		if t.dest.SOCKS5User != "" {
			auth = &proxy.Auth{User: t.dest.SOCKS5User, Password: t.dest.SOCKS5Password}
		}
		dialer, err := proxy.SOCKS5("tcp", t.dest.SOCKS5Addr, auth, proxy.Direct)
		if err != nil {
			return nil, terrors.IO("dial", "building SOCKS5 dialer", err)
		}
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, terrors.IO("dial", "SOCKS5 dial to "+addr, err)
		}
		return conn, nil
	}

	if t.dest.SOCKS4Addr != "" {
		ipAddr, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return nil, terrors.IO("dial", "resolving "+host+" for SOCKS4", err)
		}
		return socks4Dial(t.dest.SOCKS4Addr, t.dest.SOCKS4User, ipAddr.IP, port)
	}

	dial := t.dialFunc
	if dial == nil {
		dial = net.Dial
	}
	conn, err := dial("tcp", addr)
	if err != nil {
		return nil, terrors.IO("dial", "dialing "+addr, err)
	}
	return conn, nil
}

// applyOutboundSocketOptions best-effort configures the write-side socket
// after the original's tunnel_out_setsockopts: low latency (TCP_NODELAY), a
// bounded close (SO_LINGER), and keepalives. SO_SNDLOWAT is not set, since
// net.TCPConn has no setter for it. Every setter
// is tolerant of failure and only logged at debug level, matching the
// original's "ignore setsockopt errors" posture — these are optimizations,
// not correctness requirements.
func applyOutboundSocketOptions(conn net.Conn, logger Logger) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		logger.Debug("setsockopt TCP_NODELAY: %v", err)
	}
	if err := tc.SetLinger(20); err != nil {
		logger.Debug("setsockopt SO_LINGER: %v", err)
	}
	if err := tc.SetKeepAlive(true); err != nil {
		logger.Debug("setsockopt SO_KEEPALIVE: %v", err)
	}
}

// applyInboundSocketOptions mirrors tunnel_in_setsockopts. The original
// also sets SO_RCVLOWAT; Go's net.TCPConn exposes no equivalent setter (see
// DESIGN.md), so this is presently a documented no-op rather than a
// syscall-level workaround.
func applyInboundSocketOptions(conn net.Conn, logger Logger) {
	_ = conn
	_ = logger
}
