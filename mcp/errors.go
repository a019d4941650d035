package mcp

import "fmt"

// ErrorKind classifies a failure talking to a capability server.
type ErrorKind string

const (
	// ErrorKindTransport covers connection, DNS and non-2xx HTTP failures.
	ErrorKindTransport ErrorKind = "TransportError"

	// ErrorKindProtocol covers responses that reached us but cannot be
	// decoded as JSON-RPC, including malformed SSE streams.
	ErrorKindProtocol ErrorKind = "ProtocolError"

	// ErrorKindRemote covers well-formed JSON-RPC error responses from the
	// server, including a lost session.
	ErrorKindRemote ErrorKind = "RemoteError"

	// ErrorKindTimeout covers context deadline expiry while waiting on the
	// server.
	ErrorKindTimeout ErrorKind = "Timeout"
)

// Error is the error type returned by every Client operation.
type Error struct {
	Kind ErrorKind
	Op   string
	URL  string
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("mcp %s %s: %s (code %d): %v", e.Op, e.URL, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("mcp %s %s: %s: %v", e.Op, e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err, or empty when err is not an *Error.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

func newTransportError(op, url string, err error) *Error {
	return &Error{Kind: ErrorKindTransport, Op: op, URL: url, Err: err}
}

func newProtocolError(op, url string, err error) *Error {
	return &Error{Kind: ErrorKindProtocol, Op: op, URL: url, Err: err}
}

func newRemoteError(op, url string, code int, err error) *Error {
	return &Error{Kind: ErrorKindRemote, Op: op, URL: url, Code: code, Err: err}
}

func newTimeoutError(op, url string, err error) *Error {
	return &Error{Kind: ErrorKindTimeout, Op: op, URL: url, Err: err}
}
