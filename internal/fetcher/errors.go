package fetcher

import (
	"errors"
	"fmt"
)

// TransportError wraps a network-level failure (connect, timeout, reset).
// These are the only errors the retry loop re-attempts.
type TransportError struct {
	Source string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Source, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks a response that arrived intact but is semantically
// invalid: a non-2xx status, an unparseable body, or an API-level error code
// embedded in the envelope. Retrying these wastes the retry budget, so the
// fetch fails on the first occurrence.
type ProtocolError struct {
	Source string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, e.Detail)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is (or wraps) a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
