package demux

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrEndOfStream is returned by NextPacket once the source is drained.
	ErrEndOfStream = io.EOF

	// ErrExhausted is returned by NextPacket when called after end of stream.
	ErrExhausted = errors.New("demux: next packet requested after end of stream")

	// ErrHandleClosed is returned by NextPacket when called after Close.
	ErrHandleClosed = errors.New("demux: handle is closed")

	// ErrUnsupported can be returned by an Engine when it recognises the
	// source but cannot demultiplex it.
	ErrUnsupported = errors.New("demux: unsupported source")
)

// ErrorCode distinguishes the reasons a source could not be opened.
type ErrorCode int

const (
	CodeEngine ErrorCode = iota + 1
	CodeNotFound
	CodeUnsupported
	CodeNoStreams
)

func (c ErrorCode) String() string {
	switch c {
	case CodeEngine:
		return "engine"
	case CodeNotFound:
		return "not-found"
	case CodeUnsupported:
		return "unsupported"
	case CodeNoStreams:
		return "no-streams"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// OpenError is returned by Open when the source cannot be demultiplexed.
// No further calls may be made for that source.
type OpenError struct {
	Code   ErrorCode
	Source string
	Err    error
}

func (e *OpenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("demux: open %s: %s", e.Source, e.Code)
	}
	return fmt.Sprintf("demux: open %s: %s: %v", e.Source, e.Code, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// OpenErrorCode returns the code carried by an *OpenError in err's chain,
// or 0 when err is not an open failure.
func OpenErrorCode(err error) ErrorCode {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return 0
}
