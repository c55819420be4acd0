// Package frame implements the tunnel's wire framing protocol: a one-byte
// tag optionally followed by a two-byte big-endian length and that many
// payload bytes. The Reader/Writer pair below follow the separate
// reader/writer-over-a-stream shape used for message framing in the
// example pack, adapted to this protocol's exact tag table and simple-frame
// bit rather than a generic length-prefix escape code.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/larsbrinkhoff/httptunnel/pkg/ioutil"
	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
)

// Tag identifies a frame kind. The 0x40 bit (Simple) marks a frame with no
// length field or payload.
type Tag byte

const (
	Simple Tag = 0x40

	Open       Tag = 0x01
	Data       Tag = 0x02
	Padding    Tag = 0x03
	ErrorFrame Tag = 0x04
	PAD1       Tag = Simple | 0x05 // 0x45
	Close      Tag = Simple | 0x06 // 0x46
	Disconnect Tag = Simple | 0x07 // 0x47
)

// IsSimple reports whether tag carries no length/payload.
func (t Tag) IsSimple() bool { return t&Simple != 0 }

func (t Tag) String() string {
	switch t {
	case Open:
		return "OPEN"
	case Data:
		return "DATA"
	case Padding:
		return "PADDING"
	case ErrorFrame:
		return "ERROR"
	case PAD1:
		return "PAD1"
	case Close:
		return "CLOSE"
	case Disconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// MaxPayload is the largest length a non-simple frame's length field can
// represent.
const MaxPayload = 0xFFFF

// HeaderSize is the on-wire size of a frame header: 1 byte for a simple
// frame, 3 bytes (tag + 2-byte length) otherwise.
func HeaderSize(t Tag) int {
	if t.IsSimple() {
		return 1
	}
	return 3
}

// Frame is one decoded protocol unit.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// Encode serializes f per §4.3/§6.3: tag byte, then for non-simple frames a
// big-endian uint16 length followed by the payload.
func Encode(f Frame) []byte {
	if f.Tag.IsSimple() {
		return []byte{byte(f.Tag)}
	}
	out := make([]byte, 3+len(f.Payload))
	out[0] = byte(f.Tag)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(f.Payload)))
	copy(out[3:], f.Payload)
	return out
}

// WriteTo writes one encoded frame to w.
func WriteTo(w io.Writer, f Frame) (int, error) {
	buf := Encode(f)
	n, err := w.Write(buf)
	if err != nil {
		return n, terrors.IO("frame_write", "writing frame", err)
	}
	if n != len(buf) {
		return n, terrors.IO("frame_write", "short frame write", nil)
	}
	return n, nil
}

// ReadFrom reads and decodes exactly one frame from r, using ioutil.ReadExact
// for each fixed-size piece exactly as the original's tunnel_read_request
// reads a frame header and payload through read_exact. It distinguishes a
// clean EOF before any byte of the frame (returns io.EOF) from a truncated
// frame (returns an Io error — spec §7 classifies "frame length read short"
// under Io, not ProtocolError).
func ReadFrom(r io.Reader) (Frame, error) {
	tagBuf, err := ioutil.ReadExact(r, 1)
	if err != nil {
		return Frame{}, err
	}
	if tagBuf == nil {
		return Frame{}, io.EOF
	}
	tag := Tag(tagBuf[0])
	if tag.IsSimple() {
		return Frame{Tag: tag}, nil
	}

	lenBuf, err := ioutil.ReadExact(r, 2)
	if err != nil {
		return Frame{}, err
	}
	if lenBuf == nil {
		return Frame{}, terrors.IO("frame_read", "truncated length field", nil)
	}
	length := binary.BigEndian.Uint16(lenBuf)

	var payload []byte
	if length > 0 {
		payload, err = ioutil.ReadExact(r, int(length))
		if err != nil {
			return Frame{}, err
		}
		if payload == nil {
			return Frame{}, terrors.IO("frame_read", "truncated payload", nil)
		}
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// Reader decodes a stream of frames from an underlying io.Reader.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// Next reads the next frame, or io.EOF if the underlying stream ended
// cleanly between frames.
func (fr *Reader) Next() (Frame, error) { return ReadFrom(fr.r) }

// Writer encodes frames onto an underlying io.Writer.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Write encodes and writes one frame.
func (fw *Writer) Write(f Frame) error {
	_, err := WriteTo(fw.w, f)
	return err
}
