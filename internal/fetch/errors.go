package fetch

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrNoExecutor   = errors.New("fetch: no executor configured")
	ErrStalled      = errors.New("fetch: transfer stalled below minimum throughput")
	ErrSizeMismatch = errors.New("fetch: received size does not match expected size")
)

// TransportError reports a failure below the HTTP protocol level: the request
// could not be executed, or the body stream broke off.
type TransportError struct {
	URL string
	Err error
	// RangeUnsupported is set when the server refused to serve a partial
	// response; the partial artifact is never kept in that case.
	RangeUnsupported bool
}

func (e *TransportError) Error() string {
	if e.RangeUnsupported {
		return fmt.Sprintf("transport failure for %s (partial responses unsupported): %v", e.URL, e.Err)
	}
	return fmt.Sprintf("transport failure for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a result code that is neither a success nor a
// "not modified" answer.
type ProtocolError struct {
	URL         string
	Code        int
	Description string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol failure for %s: %d %s", e.URL, e.Code, e.Description)
}
