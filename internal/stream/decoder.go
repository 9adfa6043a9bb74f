package stream

import (
	"fmt"

	"marketfeed/models"
)

// Decoder turns one inbound frame into zero or more canonical records.
// Control frames such as acks and pongs decode to no records and no error.
// Decoders are used by a single connection and may keep state between frames.
type Decoder interface {
	Decode(frame []byte) ([]models.Record, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(frame []byte) ([]models.Record, error)

func (f DecoderFunc) Decode(frame []byte) ([]models.Record, error) { return f(frame) }

const maxFrameExcerpt = 256

// DecodeError reports a frame the vendor decoder could not interpret. It
// is logged and counted; the stream keeps running.
type DecodeError struct {
	Vendor models.Vendor
	Frame  []byte
	Err    error
}

// NewDecodeError keeps at most a short excerpt of frame.
func NewDecodeError(v models.Vendor, frame []byte, err error) *DecodeError {
	if len(frame) > maxFrameExcerpt {
		frame = frame[:maxFrameExcerpt]
	}
	excerpt := make([]byte, len(frame))
	copy(excerpt, frame)
	return &DecodeError{Vendor: v, Frame: excerpt, Err: err}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame: %v", e.Vendor, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
