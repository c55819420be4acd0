// Package ioutil provides the tunnel's blocking read-exactly / write-all
// primitives, the Go counterpart of the original's read_exact/write_all
// helpers over numeric file descriptors. The original's third helper,
// poll_readable (a multi-fd poll(2) wrapper), has no Go equivalent worth
// keeping as a standalone primitive: pkg/reactor's goroutine/select
// translation is the realization of that concern for the multi-endpoint
// case (see DESIGN.md), and nothing in this tree needs single-descriptor
// readiness polling outside of it.
package ioutil

import (
	"io"

	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
)

// ReadExact reads exactly n bytes from r, or returns what it has on EOF.
// It mirrors read_exact's contract: the returned slice is nil on clean peer
// close before any byte arrives, and a short read below n with a non-nil,
// non-EOF error is an Io error. frame.ReadFrom uses this for each
// fixed-size piece of a frame (tag, length, payload) exactly as
// tunnel_read_request reads a frame through read_exact.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err == io.EOF && read == 0 {
		return nil, nil
	}
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:read], terrors.IO("read_exact", "unexpected EOF", err)
	}
	if err != nil {
		return buf[:read], terrors.IO("read_exact", "read failed", err)
	}
	return buf, nil
}

// WriteAll writes all of buf to w, looping over short writes as write_all
// does; any write error, or a write that makes no progress, ends the loop
// with an Io error. Go's net.Conn.Write already
// blocks until all bytes are accepted or an error occurs, but callers may
// pass arbitrary io.Writers, so the loop is kept explicit.
func WriteAll(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, terrors.IO("write_all", "write failed", err)
		}
		if n == 0 {
			return total, terrors.IO("write_all", "zero-length write", nil)
		}
	}
	return total, nil
}
