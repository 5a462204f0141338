package imageprocessor

import "fmt"

// DecodeError means the payload is not a decodable image.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode image: %s: %v", e.Reason, e.Err)
	}
	return "decode image: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedFormatError means the image decoded but cannot be turned into
// a 3-channel RGB tensor.
type UnsupportedFormatError struct {
	Format string
	Reason string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("unsupported %s image: %s", e.Format, e.Reason)
	}
	return "unsupported image: " + e.Reason
}
