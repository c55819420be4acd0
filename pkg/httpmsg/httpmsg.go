// Package httpmsg implements the thin HTTP/1.1 request/response construction,
// serialization and parsing the tunnel engine needs: method/URI/version
// handling, an ordered header list, and the status-code/error mapping.
// Headers are modeled as an ordered sequence of (name, value) pairs with an
// iterative writer and parser, not a recursive linked list, per the design
// note to drop the original's recursive header model. Lookup is
// case-sensitive exact-match and folded/continuation header lines are not
// supported — both deliberate, documented limitations matching the source
// this protocol was distilled from.
package httpmsg

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
)

// MaxHeaderBytes bounds how much header data a parse will accept before
// failing, guarding against a misbehaving peer.
const MaxHeaderBytes = 64 * 1024

// Methods recognized by this layer.
var Methods = map[string]bool{
	"GET": true, "PUT": true, "POST": true, "OPTIONS": true,
	"HEAD": true, "DELETE": true, "TRACE": true,
}

// Header is an ordered list of (name, value) pairs, preserving first
// insertion order.
type Header struct {
	pairs []HeaderPair
}

// HeaderPair is one (name, value) entry in an ordered Header list.
type HeaderPair struct {
	Name  string
	Value string
}

// Add appends a header pair, preserving insertion order even if name repeats.
func (h *Header) Add(name, value string) {
	h.pairs = append(h.pairs, HeaderPair{Name: name, Value: value})
}

// Get returns the first value for name using case-sensitive exact match, or
// "" with ok=false if absent. Implementers may upgrade this to
// case-insensitive matching without changing wire behavior since only fixed
// header names are ever looked up (see spec Design Notes); this
// implementation keeps the original's case-sensitive semantics.
func (h *Header) Get(name string) (string, bool) {
	for _, p := range h.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Pairs returns the ordered (name, value) list for iteration/serialization.
func (h *Header) Pairs() []HeaderPair { return h.pairs }

// Request is a parsed or to-be-serialized HTTP request line plus headers.
type Request struct {
	Method       string
	URI          string
	Major, Minor int
	Headers      Header
}

// Response is a parsed or to-be-serialized HTTP status line plus headers.
type Response struct {
	Major, Minor  int
	StatusCode    int
	StatusMessage string
	Headers       Header
}

func writeVersion(b *strings.Builder, major, minor int) {
	fmt.Fprintf(b, "HTTP/%d.%d", major, minor)
}

func writeHeaders(b *strings.Builder, h Header) {
	for _, p := range h.pairs {
		fmt.Fprintf(b, "%s: %s\r\n", p.Name, p.Value)
	}
	b.WriteString("\r\n")
}

// WriteRequest serializes req as "METHOD URI HTTP/M.m\r\n" followed by its
// headers and the terminating blank line.
func WriteRequest(req Request) []byte {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URI)
	b.WriteByte(' ')
	writeVersion(&b, req.Major, req.Minor)
	b.WriteString("\r\n")
	writeHeaders(&b, req.Headers)
	return []byte(b.String())
}

// WriteResponse serializes resp as a status line followed by its headers and
// the terminating blank line.
func WriteResponse(resp Response) []byte {
	var b strings.Builder
	writeVersion(&b, resp.Major, resp.Minor)
	fmt.Fprintf(&b, " %d %s\r\n", resp.StatusCode, resp.StatusMessage)
	writeHeaders(&b, resp.Headers)
	return []byte(b.String())
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", terrors.Protocol("read_line", "reading line", err)
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return "", terrors.Protocol("read_line", "line not terminated by CRLF", nil)
}

func parseVersion(tok string) (int, int, error) {
	var major, minor int
	if n, err := fmt.Sscanf(tok, "HTTP/%d.%d", &major, &minor); err != nil || n != 2 {
		return 0, 0, terrors.Protocol("parse_version", "malformed HTTP version token: "+tok, err)
	}
	return major, minor, nil
}

// parseRequestLine parses "METHOD URI HTTP/M.m" and fails with a
// ProtocolError if the method is unrecognized or the version token is
// malformed. The CRLF terminator is checked and stripped earlier, by readLine.
func parseRequestLine(line string) (method, uri string, major, minor int, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", 0, 0, terrors.Protocol("parse_request_line", "malformed request line", nil)
	}
	if !Methods[parts[0]] {
		return "", "", 0, 0, terrors.Protocol("parse_request_line", "unrecognized method: "+parts[0], nil)
	}
	major, minor, err = parseVersion(parts[2])
	if err != nil {
		return "", "", 0, 0, err
	}
	return parts[0], parts[1], major, minor, nil
}

// ReadHeaders reads header lines until the terminating blank line. It does
// not support folded/continuation header lines: a line beginning with
// whitespace is treated as a malformed header (matching the source, which
// has no continuation support either).
func ReadHeaders(r *bufio.Reader) (Header, error) {
	var h Header
	total := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return Header{}, terrors.Protocol("read_headers", "reading header line", err)
		}
		total += len(line)
		if total > MaxHeaderBytes {
			return Header{}, terrors.Protocol("read_headers", "headers exceed maximum size", nil)
		}
		if line == "\r\n" {
			break
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			return Header{}, terrors.Protocol("read_headers", "folded headers not supported", nil)
		}
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			return Header{}, terrors.Protocol("read_headers", "malformed header line: "+trimmed, nil)
		}
		h.Add(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
	return h, nil
}

// ParseRequest reads a full request line and header block from r.
func ParseRequest(r *bufio.Reader) (Request, error) {
	line, err := readLine(r)
	if err != nil {
		return Request{}, err
	}
	method, uri, major, minor, err := parseRequestLine(line)
	if err != nil {
		return Request{}, err
	}
	headers, err := ReadHeaders(r)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: method, URI: uri, Major: major, Minor: minor, Headers: headers}, nil
}

// ParseResponse reads a full status line and header block from r.
func ParseResponse(r *bufio.Reader) (Response, error) {
	line, err := readLine(r)
	if err != nil {
		return Response{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return Response{}, terrors.Protocol("parse_response", "malformed status line", nil)
	}
	major, minor, err := parseVersion(parts[0])
	if err != nil {
		return Response{}, err
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return Response{}, terrors.Protocol("parse_response", "malformed status code", err)
	}
	msg := ""
	if len(parts) == 3 {
		msg = parts[2]
	}
	headers, err := ReadHeaders(r)
	if err != nil {
		return Response{}, err
	}
	return Response{Major: major, Minor: minor, StatusCode: code, StatusMessage: msg, Headers: headers}, nil
}

// CacheBustingQuery returns "?crap=<unix_time>", the mandatory query
// parameter appended to every tunnel GET/POST path to defeat caching
// intermediaries.
func CacheBustingQuery(now time.Time) string {
	return fmt.Sprintf("?crap=%d", now.Unix())
}

// RequestPath builds the path used for both the outbound POST and the
// inbound GET: absolute (http://host:port/index.html?crap=...) when routed
// through a proxy, relative (/index.html?crap=...) otherwise.
func RequestPath(host string, port int, useProxy bool, now time.Time) string {
	q := CacheBustingQuery(now)
	if useProxy {
		return fmt.Sprintf("http://%s:%d/index.html%s", host, port, q)
	}
	return "/index.html" + q
}

// Response200Headers builds the canned 200 response header set the server
// sends on the GET/download body: Content-Length, Connection: close, and the
// no-cache directives of §4.2.
func Response200Headers(contentLength int) Header {
	var h Header
	h.Add("Content-Length", strconv.Itoa(contentLength))
	h.Add("Connection", "close")
	h.Add("Pragma", "no-cache")
	h.Add("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Add("Expires", "0")
	h.Add("Content-Type", "text/html")
	return h
}
