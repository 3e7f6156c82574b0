package hidmsg

import "encoding/binary"

// Payload is implemented by every message body in the catalog.
type Payload interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

// Request is a payload sent by the client. Function is the request function.
type Request interface {
	Payload
	Function() Function
}

// Response is a payload answering a request. StatusCode is zero on success.
type Response interface {
	Payload
	StatusCode() int32
}

// Event is a server-originated notification payload.
type Event interface {
	Payload
	Function() Function
	Address() BDAddr
}

func marshalFixed(v any) ([]byte, error) {
	return binary.Append(make([]byte, 0, binary.Size(v)), byteOrder, v)
}

// unmarshalFixed checks b against the encoded size of v before decoding.
func unmarshalFixed(fn Function, b []byte, v any) error {
	need := binary.Size(v)
	if len(b) < need {
		return &SizeError{Function: fn, Have: len(b), Need: need}
	}
	_, err := binary.Decode(b, byteOrder, v)
	return err
}

// tail returns the count elements of elemSize bytes that follow the already
// decoded prefix in b, after checking b is long enough to hold them.
func tail(fn Function, b []byte, prefix any, count, elemSize int) ([]byte, error) {
	off := binary.Size(prefix)
	need := off + count*elemSize
	if len(b) < need {
		return nil, &SizeError{Function: fn, Have: len(b), Need: need}
	}
	return b[off:need], nil
}

// sizeOf returns the fixed encoded size of v, used as the tail offset of
// variable-length payloads.
func sizeOf(v any) int { return binary.Size(v) }

// StatusResponse is the response to every operation whose only result is a
// status code.
type StatusResponse struct {
	Status int32
}

func (r *StatusResponse) StatusCode() int32              { return r.Status }
func (r *StatusResponse) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *StatusResponse) UnmarshalBinary(b []byte) error { return unmarshalFixed(0, b, r) }
