package tunnel

import (
	"encoding/binary"
	"io"
	"net"
	"net/url"
	"strconv"

	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
)

// ProxyTarget describes a proxy a client Tunnel should reach its
// destination through, parsed from a scheme://[user[:pass]@]host[:port]
// URL by ParseProxyURL.
type ProxyTarget struct {
	Kind     string // "http", "https", "socks4", "socks5"
	Host     string
	Port     int
	User     string
	Password string
}

// ParseProxyURL parses a --proxy flag value into a ProxyTarget, adapted
// from the teacher's ParseProxyURL: same scheme/host/port/credential
// extraction and default-port table, retargeted to this package's error
// taxonomy and to the narrower set of proxy kinds the tunnel dial path
// (ApplyProxy, dialLocked, socks4Dial) understands.
func ParseProxyURL(raw string) (*ProxyTarget, error) {
	if raw == "" {
		return nil, terrors.Invalid("parse_proxy_url", "proxy URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, terrors.Invalid("parse_proxy_url", "invalid proxy URL: "+err.Error())
	}

	switch u.Scheme {
	case "http", "https", "socks4", "socks5":
	case "":
		return nil, terrors.Invalid("parse_proxy_url", "proxy URL must include a scheme (http://, https://, socks4://, socks5://)")
	default:
		return nil, terrors.Invalid("parse_proxy_url", "unsupported proxy scheme: "+u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, terrors.Invalid("parse_proxy_url", "proxy URL must include a host")
	}

	var port int
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, terrors.Invalid("parse_proxy_url", "invalid proxy port: "+portStr)
		}
	} else {
		switch u.Scheme {
		case "http":
			port = 8080
		case "https":
			port = 443
		case "socks4", "socks5":
			port = 1080
		}
	}

	var user, password string
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyTarget{Kind: u.Scheme, Host: host, Port: port, User: user, Password: password}, nil
}

// ApplyProxy configures dest to reach host:port through target: http/https
// become the protocol's own absolute-URI proxy indirection (ProxyHost/
// ProxyPort, handled by RequestPath and dialLocked); socks5 is dialed via
// golang.org/x/net/proxy in dialLocked; socks4 is dialed with the minimal
// handshake in socks4Dial below.
func (target *ProxyTarget) ApplyProxy(dest *Destination) {
	switch target.Kind {
	case "http", "https":
		dest.ProxyHost = target.Host
		dest.ProxyPort = target.Port
	case "socks5":
		dest.SOCKS5Addr = net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
		dest.SOCKS5User = target.User
		dest.SOCKS5Password = target.Password
	case "socks4":
		dest.SOCKS4Addr = net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
		dest.SOCKS4User = target.User
	}
}

// socks4Dial performs the minimal SOCKS4 CONNECT handshake, adapted from
// the teacher's connectViaSOCKS4Proxy: a fixed VER/CMD/PORT/IP/USERID/NULL
// request and an 8-byte reply whose second byte must be 0x5A (request
// granted). Unlike SOCKS5 there is no library for this in the example
// pack's dependency set, so it is hand-rolled exactly as the teacher does.
func socks4Dial(proxyAddr, userID string, destIP net.IP, destPort int) (net.Conn, error) {
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		return nil, terrors.IO("socks4_dial", "dialing proxy "+proxyAddr, err)
	}

	ip4 := destIP.To4()
	if ip4 == nil {
		conn.Close()
		return nil, terrors.Invalid("socks4_dial", "SOCKS4 requires an IPv4 destination address")
	}

	req := make([]byte, 0, 9+len(userID)+1)
	req = append(req, 0x04, 0x01) // VER=4, CMD=CONNECT
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(destPort))
	req = append(req, portBuf...)
	req = append(req, ip4...)
	req = append(req, []byte(userID)...)
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, terrors.IO("socks4_dial", "writing SOCKS4 request", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, terrors.IO("socks4_dial", "reading SOCKS4 reply", err)
	}
	if reply[1] != 0x5A {
		conn.Close()
		return nil, terrors.IO("socks4_dial", "SOCKS4 proxy rejected connection, code "+strconv.Itoa(int(reply[1])), nil)
	}
	return conn, nil
}
