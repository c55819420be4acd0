package tunnel

import (
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/frame"
	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
)

// Write sends p as one or more DATA frames, opening and rolling over
// outbound windows as needed. It blocks until all of p has been accepted
// onto the wire or an unrecoverable error occurs.
func (t *Tunnel) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeOrPaddingLocked(frame.Data, p)
}

// writeOrPaddingLocked implements tunnel_write_or_padding: it segments
// payload across as many frames (and, via rollover, as many windows) as
// necessary, never writing a chunk that would itself overflow the window
// once its own header is accounted for.
func (t *Tunnel) writeOrPaddingLocked(tag frame.Tag, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, t.writeFrameLocked(tag, nil)
	}
	written := 0
	for written < len(payload) {
		if err := t.ensureWindowLocked(); err != nil {
			return written, err
		}
		hdr := frame.HeaderSize(tag)
		avail := t.contentLength - t.bytes - hdr
		if avail <= 0 {
			if err := t.rolloverLocked(); err != nil {
				return written, err
			}
			continue
		}
		chunk := len(payload) - written
		if chunk > avail {
			chunk = avail
		}
		if chunk > frame.MaxPayload {
			chunk = frame.MaxPayload
		}
		if err := t.writeFrameLocked(tag, payload[written:written+chunk]); err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}

func (t *Tunnel) ensureWindowLocked() error {
	if !t.isConnected() {
		return t.reconnectOutLocked()
	}
	return nil
}

// rolloverLocked forces the current outbound window closed (a trailing
// DISCONNECT) and opens a fresh one.
func (t *Tunnel) rolloverLocked() error {
	if t.isConnected() {
		if err := t.writeRawFrameLocked(frame.Frame{Tag: frame.Disconnect}); err != nil {
			t.logger.Debug("rollover: write DISCONNECT: %v", err)
		}
		t.disconnectOut()
	}
	return t.reconnectOutLocked()
}

// writeFrameLocked implements tunnel_write_request's five steps for a single
// frame that writeOrPaddingLocked has already sized to fit one window:
//  1. pad the current window to exhaustion first if this frame wouldn't fit
//  2. (client only) roll the window over early if it has grown older than
//     MaxConnectionAge
//  3. reconnect if there is no live outbound connection
//  4. write the frame, retrying once (client only) on a failed write
//  5. if the window is now full, emit a trailing DISCONNECT and disconnect
func (t *Tunnel) writeFrameLocked(tag frame.Tag, payload []byte) error {
	hdr := frame.HeaderSize(tag)
	total := hdr + len(payload)

	if t.isConnected() && t.bytes+total > t.contentLength {
		if err := t.paddingToFillLocked(); err != nil {
			return err
		}
	}

	if t.role == Client && t.isConnected() && t.opts.MaxConnectionAge > 0 &&
		time.Since(t.windowOpened) > t.opts.MaxConnectionAge {
		if t.opts.StrictContentLength {
			if pad := t.contentLength - t.bytes - 1; pad > 0 {
				if err := t.paddingLocked(pad); err != nil {
					return err
				}
			}
		}
		if t.isConnected() {
			if err := t.writeRawFrameLocked(frame.Frame{Tag: frame.Disconnect}); err != nil {
				t.logger.Debug("age rollover: write DISCONNECT: %v", err)
			}
			t.disconnectOut()
		}
	}

	if !t.isConnected() {
		if err := t.reconnectOutLocked(); err != nil {
			return err
		}
	}

	f := frame.Frame{Tag: tag, Payload: payload}
	if err := t.writeRawFrameLocked(f); err != nil {
		t.disconnectOut()
		if t.role != Client {
			return err
		}
		if rerr := t.reconnectOutLocked(); rerr != nil {
			return rerr
		}
		if err2 := t.writeRawFrameLocked(f); err2 != nil {
			return err2
		}
	}

	t.bytes += total
	t.outTotalRaw += int64(total)
	if tag == frame.Data {
		t.outTotalData += int64(len(payload))
	}
	if tag == frame.Data {
		t.paddingOnly = false
	}

	if t.bytes >= t.contentLength {
		if err := t.writeRawFrameLocked(frame.Frame{Tag: frame.Disconnect}); err != nil {
			t.logger.Debug("window full: write DISCONNECT: %v", err)
		}
		t.disconnectOut()
	}
	return nil
}

func (t *Tunnel) writeRawFrameLocked(f frame.Frame) error {
	if t.outConn == nil {
		return terrors.IO("write", "no outbound connection", nil)
	}
	_, err := frame.WriteTo(t.outConn, f)
	return err
}

// paddingToFillLocked pads exactly to the end of the current window so a
// frame that wouldn't otherwise fit starts cleanly in the next one. The
// inner writeFrameLocked calls this triggers always land exactly on the
// window boundary, so they disconnect on their own via step 5 — no
// additional rollover is needed here.
func (t *Tunnel) paddingToFillLocked() error {
	remaining := t.contentLength - t.bytes
	if remaining <= 0 {
		return nil
	}
	return t.paddingLocked(remaining)
}

// paddingLocked implements tunnel_padding: padding shorter than one
// PADDING frame's own header plus one byte is emitted as that many 1-byte
// PAD1 frames (a PADDING frame can't represent less than its header size);
// longer padding is segmented into PADDING frames, each sized to fit its
// window.
func (t *Tunnel) paddingLocked(n int) error {
	if n <= 0 {
		return nil
	}
	if n < frame.HeaderSize(frame.Padding)+1 {
		for i := 0; i < n; i++ {
			if err := t.writeFrameLocked(frame.PAD1, nil); err != nil {
				return err
			}
		}
		return nil
	}

	remaining := n
	for remaining > 0 {
		if remaining < frame.HeaderSize(frame.Padding)+1 {
			return t.paddingLocked(remaining)
		}
		if err := t.ensureWindowLocked(); err != nil {
			return err
		}
		hdr := frame.HeaderSize(frame.Padding)
		avail := t.contentLength - t.bytes - hdr
		if avail <= 0 {
			if err := t.rolloverLocked(); err != nil {
				return err
			}
			continue
		}
		chunk := remaining - hdr
		if chunk < 0 {
			chunk = 0
		}
		if chunk > avail {
			chunk = avail
		}
		if chunk > frame.MaxPayload {
			chunk = frame.MaxPayload
		}
		if err := t.writeFrameLocked(frame.Padding, make([]byte, chunk)); err != nil {
			return err
		}
		remaining -= hdr + chunk
	}
	return nil
}

// Padding pads the current outbound window by exactly n bytes of wire
// overhead, matching tunnel_padding's contract.
func (t *Tunnel) Padding(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paddingLocked(n)
}

// MaybePad implements tunnel_maybe_pad: it rounds the current window
// position up to the next multiple of length, unless there is no live
// outbound connection, the position is already aligned, or PaddingOnly
// suppresses opportunistic padding on this direction.
func (t *Tunnel) MaybePad(length int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isConnected() || length <= 0 || t.paddingOnly {
		return nil
	}
	if t.bytes%length == 0 {
		return nil
	}
	next := ((t.bytes / length) + 1) * length
	pad := next - t.bytes
	if max := t.contentLength - t.bytes; pad > max {
		pad = max
	}
	if pad <= 0 {
		return nil
	}
	return t.paddingLocked(pad)
}
