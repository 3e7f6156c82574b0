// Package hidmsg defines the wire messages exchanged between the HID profile
// manager client library and the platform manager server process.
//
// Every message is a fixed 16-byte header followed by a payload. The header
// carries the routing key (group, function) and the correlation id used to
// pair a response with its request. Payloads are either fixed-size structs or
// a fixed prefix followed by a variable-length tail whose element count is
// embedded in the prefix. All multi-byte fields are little-endian.
package hidmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 16

// MaxPayloadSize bounds the payload accepted by ReadMessage.
const MaxPayloadSize = 1 << 16

var byteOrder = binary.LittleEndian

var (
	// ErrShortPayload is returned when a payload is shorter than its type's
	// minimum size, or than the size implied by its embedded count.
	ErrShortPayload = errors.New("hidmsg: payload too short")

	// ErrFrameTooLarge is returned by ReadMessage when the declared payload
	// length exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("hidmsg: frame too large")

	// ErrUnknownFunction is returned by Decode for a (group, function) pair
	// that has no payload type in the catalog.
	ErrUnknownFunction = errors.New("hidmsg: unknown message function")
)

// SizeError reports a payload that failed a size check. It wraps ErrShortPayload.
type SizeError struct {
	Function Function
	Have     int
	Need     int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("hidmsg: %s payload has %d bytes, need %d", e.Function, e.Have, e.Need)
}

func (e *SizeError) Unwrap() error { return ErrShortPayload }

// Header precedes every payload on the wire.
type Header struct {
	Address   uint32 // destination endpoint id
	MessageID uint32 // correlation id; unique per in-flight request
	Group     Group
	Function  Function
	Length    uint32 // payload length in bytes
}

// IsResponse reports whether the header belongs to a response.
func (h Header) IsResponse() bool { return h.Function.IsResponse() }

// String is used in log lines.
func (h Header) String() string {
	return fmt.Sprintf("%s/%s id=%d len=%d", h.Group, h.Function, h.MessageID, h.Length)
}

func (h Header) put(b []byte) {
	byteOrder.PutUint32(b[0:4], h.Address)
	byteOrder.PutUint32(b[4:8], h.MessageID)
	byteOrder.PutUint16(b[8:10], uint16(h.Group))
	byteOrder.PutUint16(b[10:12], uint16(h.Function))
	byteOrder.PutUint32(b[12:16], h.Length)
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("hidmsg: header has %d bytes, need %d: %w", len(b), HeaderSize, ErrShortPayload)
	}
	return Header{
		Address:   byteOrder.Uint32(b[0:4]),
		MessageID: byteOrder.Uint32(b[4:8]),
		Group:     Group(byteOrder.Uint16(b[8:10])),
		Function:  Function(byteOrder.Uint16(b[10:12])),
		Length:    byteOrder.Uint32(b[12:16]),
	}, nil
}

// Message is a header plus its raw payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message for p. The caller supplies the correlation id.
func NewMessage(group Group, fn Function, id uint32, p Payload) (Message, error) {
	data, err := p.MarshalBinary()
	if err != nil {
		return Message{}, fmt.Errorf("hidmsg: marshal %s: %w", fn, err)
	}
	return Message{
		Header: Header{
			MessageID: id,
			Group:     group,
			Function:  fn,
			Length:    uint32(len(data)),
		},
		Payload: data,
	}, nil
}

// Reply builds the response paired with m, carrying p.
func (m Message) Reply(p Payload) (Message, error) {
	rsp, err := NewMessage(m.Header.Group, m.Header.Function.Response(), m.Header.MessageID, p)
	if err != nil {
		return Message{}, err
	}
	rsp.Header.Address = m.Header.Address
	return rsp, nil
}

// MarshalBinary encodes the header followed by the payload. The header's
// Length field is set from the payload.
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(m.Payload))
	}
	h := m.Header
	h.Length = uint32(len(m.Payload))
	out := make([]byte, HeaderSize+len(m.Payload))
	h.put(out)
	copy(out[HeaderSize:], m.Payload)
	return out, nil
}

// UnmarshalBinary decodes a frame produced by MarshalBinary.
func (m *Message) UnmarshalBinary(b []byte) error {
	h, err := ParseHeader(b)
	if err != nil {
		return err
	}
	if h.Length > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}
	m.Header = h
	m.Payload = append([]byte(nil), b[HeaderSize:]...)
	return nil
}

// WriteMessage writes m to w as one frame.
func WriteMessage(w io.Writer, m Message) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Message{}, err
	}
	h, _ := ParseHeader(hb[:])
	if h.Length > MaxPayloadSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("read payload: %w", err)
	}
	return Message{Header: h, Payload: payload}, nil
}
