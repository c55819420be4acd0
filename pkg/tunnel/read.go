package tunnel

import (
	"io"

	"github.com/larsbrinkhoff/httptunnel/pkg/frame"
	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
)

// Read delivers the next chunk of tunneled data into p, mirroring
// tunnel_read's dispatch over incoming frame kinds. It returns an Again
// error (the Go analogue of EAGAIN) whenever the caller should try again
// later rather than being blocked indefinitely: right after a reconnect,
// after discarding PADDING/PAD1 framing, or after a peer-initiated
// DISCONNECT. An OPEN frame is skipped and the next frame is read in the
// same call. A clean CLOSE is reported as io.EOF.
func (t *Tunnel) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readLocked(p)
}

func (t *Tunnel) readLocked(p []byte) (int, error) {
	if t.stagingPos < len(t.staging) {
		n := copy(p, t.staging[t.stagingPos:])
		t.stagingPos += n
		if t.stagingPos >= len(t.staging) {
			t.staging = nil
			t.stagingPos = 0
		}
		return n, nil
	}

	if t.inClosed {
		return 0, io.EOF
	}

	if t.inConn == nil {
		if err := t.reconnectInLocked(); err != nil {
			return 0, err
		}
		return 0, terrors.AgainErr("read")
	}
	if t.role == Server && t.outConn == nil {
		if err := t.ensureAcceptedLocked(); err != nil {
			return 0, err
		}
		return 0, terrors.AgainErr("read")
	}

	f, err := frame.ReadFrom(t.inReader)
	if err == io.EOF {
		t.disconnectIn()
		if t.role == Client {
			if rerr := t.reconnectInLocked(); rerr != nil {
				return 0, rerr
			}
		}
		return 0, terrors.AgainErr("read")
	}
	if err != nil {
		return 0, err
	}
	t.inTotalRaw += int64(frame.HeaderSize(f.Tag) + len(f.Payload))

	switch f.Tag {
	case frame.Open:
		return t.readLocked(p)
	case frame.Data:
		t.inTotalData += int64(len(f.Payload))
		t.staging = f.Payload
		t.stagingPos = 0
		if t.timer != nil {
			t.timer.EndTTFB()
			t.last = t.timer.GetMetrics()
			t.timer = nil
		}
		return t.readLocked(p)
	case frame.Padding, frame.PAD1:
		return 0, terrors.AgainErr("read")
	case frame.ErrorFrame:
		t.logger.Error("peer reported error: %s", string(f.Payload))
		return 0, terrors.IO("read", "peer reported error: "+string(f.Payload), nil)
	case frame.Close:
		t.disconnectIn()
		t.inClosed = true
		return 0, io.EOF
	case frame.Disconnect:
		t.disconnectIn()
		if t.role == Client {
			if rerr := t.reconnectInLocked(); rerr != nil {
				return 0, rerr
			}
		}
		return 0, terrors.AgainErr("read")
	default:
		return 0, terrors.Protocol("read", "unknown frame tag", nil)
	}
}
