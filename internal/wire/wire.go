// Package wire implements the subscriber protocol's byte-level
// framing: the magic byte, the fixed 8-byte handshake header, and the
// handshake state machine shared by the server (which drives it one
// partial read at a time from a non-blocking fd) and tests (which can
// drive it in one shot).
package wire

import (
	"bytes"
	"fmt"

	"github.com/frobware/devmon/internal/domain"
)

// Magic is the fixed first byte of every handshake frame.
const Magic byte = 0xDD

// HeaderLen is the length of the fixed handshake header: magic + 6
// bytes of NUL-padded kind + the zero separator.
const HeaderLen = 8

// LengthLen is the length of the payload-length field following the header.
const LengthLen = 2

// Present and Absent are the two response bytes the server ever writes.
const (
	Present byte = 0x01
	Absent  byte = 0x00
)

// State is a handshake stage.
type State int

const (
	AwaitHeader State = iota
	AwaitLength
	AwaitPayload
	Established
	Rejected
)

// MaxPayload bounds the accepted payload length; the length field is
// 16 bits so this is generous relative to any legitimate device
// descriptor.
const MaxPayload = 4096

// Handshake accumulates a subscriber's handshake byte by byte (or in
// larger chunks, when a whole frame arrives in one read), tolerant of
// partial reads on a non-blocking socket, per spec.md's Design Notes
// relaxation of the original's single-syscall framing assumption.
type Handshake struct {
	state State

	header  [HeaderLen]byte
	headerN int

	lengthBuf [LengthLen]byte
	lengthN   int
	length    int

	payload  []byte
	payloadN int

	kind domain.QueryKind
}

// NewHandshake returns a fresh handshake in AwaitHeader.
func NewHandshake() *Handshake {
	return &Handshake{state: AwaitHeader}
}

// State returns the current stage.
func (h *Handshake) State() State { return h.state }

// Kind returns the resolved query kind once Established.
func (h *Handshake) Kind() domain.QueryKind { return h.kind }

// Payload returns the resolved payload once Established.
func (h *Handshake) Payload() string { return string(h.payload) }

// Feed advances the state machine with newly-read bytes, returning
// the number consumed. Any protocol violation moves the state to
// Rejected and returns a descriptive error; callers must close the
// connection and drop the subscriber record on error, per spec.md §4.3.
func (h *Handshake) Feed(data []byte) (consumed int, err error) {
	for len(data) > 0 && h.state != Established && h.state != Rejected {
		switch h.state {
		case AwaitHeader:
			n := copy(h.header[h.headerN:], data)
			h.headerN += n
			consumed += n
			data = data[n:]
			// Reject a wrong magic byte as soon as it arrives rather
			// than waiting for the rest of the header.
			if h.header[0] != Magic {
				h.state = Rejected
				return consumed, fmt.Errorf("wire: bad magic byte 0x%02x", h.header[0])
			}
			if h.headerN == HeaderLen {
				if err := h.parseHeader(); err != nil {
					h.state = Rejected
					return consumed, err
				}
				h.state = AwaitLength
			}

		case AwaitLength:
			n := copy(h.lengthBuf[h.lengthN:], data)
			h.lengthN += n
			consumed += n
			data = data[n:]
			if h.lengthN == LengthLen {
				h.length = int(h.lengthBuf[0]) | int(h.lengthBuf[1])<<8
				if h.length == 0 {
					h.state = Rejected
					return consumed, fmt.Errorf("wire: zero-length payload")
				}
				if h.length > MaxPayload {
					h.state = Rejected
					return consumed, fmt.Errorf("wire: payload length %d exceeds maximum", h.length)
				}
				h.payload = make([]byte, h.length)
				h.state = AwaitPayload
			}

		case AwaitPayload:
			n := copy(h.payload[h.payloadN:], data)
			h.payloadN += n
			consumed += n
			data = data[n:]
			if h.payloadN == h.length {
				h.state = Established
			}
		}
	}
	if h.state == Established && len(data) > 0 {
		h.state = Rejected
		return consumed, fmt.Errorf("wire: extra data after payload")
	}
	return consumed, nil
}

func (h *Handshake) parseHeader() error {
	if h.header[0] != Magic {
		return fmt.Errorf("wire: bad magic byte 0x%02x", h.header[0])
	}
	if h.header[7] != 0x00 {
		return fmt.Errorf("wire: non-zero separator")
	}
	kindBytes := h.header[1:7]
	if i := bytes.IndexByte(kindBytes, 0); i >= 0 {
		kindBytes = kindBytes[:i]
	}
	kind := string(kindBytes)
	if !domain.ValidQueryKind(kind) {
		return fmt.Errorf("wire: unknown kind %q", kind)
	}
	h.kind = domain.QueryKind(kind)
	return nil
}

// EncodeRequest builds the wire bytes a client sends: the 8-byte
// header, the 2-byte length, and the payload — exactly the frame
// devclient.cc constructs, expressed as one buffer instead of two
// separate writes.
func EncodeRequest(kind domain.QueryKind, payload string) ([]byte, error) {
	if !domain.ValidQueryKind(string(kind)) {
		return nil, fmt.Errorf("wire: unknown kind %q", kind)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("wire: empty payload")
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("wire: payload too long")
	}

	buf := make([]byte, HeaderLen+LengthLen+len(payload))
	buf[0] = Magic
	copy(buf[1:7], kind)
	buf[7] = 0x00
	buf[8] = byte(len(payload))
	buf[9] = byte(len(payload) >> 8)
	copy(buf[10:], payload)
	return buf, nil
}
