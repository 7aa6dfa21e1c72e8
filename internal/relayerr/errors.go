// Package relayerr classifies the error kinds the relay core can produce,
// per the propagation policy: the multiplexer never panics on hub
// misbehavior, it always translates a failure to a client-visible status.
package relayerr

import (
	"errors"
	"net/http"
)

// Kind enumerates the error kinds named in the error handling design.
type Kind int

const (
	// KindUnknown is the zero value; never used for translation.
	KindUnknown Kind = iota
	// KindTransientUpstream covers a momentarily blocked hub channel or a
	// store timeout. Retried up to a bounded count by the caller before
	// being reported here.
	KindTransientUpstream
	// KindAuthoritativeRefusal covers a held lock, a blocked uuid, or a
	// bad secret presented at handshake.
	KindAuthoritativeRefusal
	// KindProtocolViolation covers a frame for an unknown request-id or a
	// malformed frame. Logged and dropped; does not tear down the session
	// unless a violation-rate threshold is exceeded.
	KindProtocolViolation
	// KindResourceExhausted covers an outbound buffer that stayed full
	// past the configured wait.
	KindResourceExhausted
	// KindFatalSession covers renewal loss or a hub channel read error.
	KindFatalSession
)

// Error wraps an underlying cause with a Kind so the multiplexer can
// translate it to an HTTP status without inspecting error text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// HTTPStatus maps a Kind to the client-visible status the multiplexer
// should write. A protocol violation maps to 502 like the other upstream
// failures; KindUnknown and errors that are not an *Error map to 500.
func HTTPStatus(err error) int {
	var re *Error
	if !errors.As(err, &re) {
		return http.StatusInternalServerError
	}
	switch re.Kind {
	case KindTransientUpstream:
		return http.StatusBadGateway
	case KindAuthoritativeRefusal:
		return http.StatusForbidden
	case KindResourceExhausted:
		return http.StatusServiceUnavailable
	case KindFatalSession:
		return http.StatusBadGateway
	case KindProtocolViolation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrHubOffline carries the text of the 500 body the Multiplexer writes when
// ConnectionStore.Lookup finds no ownership record for the requested hub-id
// (spec §4.4 step 2); the Multiplexer writes that text directly and does not
// return this value.
var ErrHubOffline = errors.New("openHAB is offline")

// ErrLoopDetected is returned by CrossNodeForwarder when the resolved
// node-address equals this node's own internal address (spec §4.5).
var ErrLoopDetected = errors.New("cross-node forward would loop to self")

// ErrUnknownRequestID marks a frame referencing a request-id this node has
// no PendingRequest for (spec §4.2: "dropped with a warning").
var ErrUnknownRequestID = errors.New("frame references unknown request-id")

// ErrSessionClosed is returned by operations attempted against a HubSession
// that has already transitioned to Closed.
var ErrSessionClosed = errors.New("hub session closed")

// ErrLockHeld is returned by ConnectionStore.Acquire when another
// connection-id already owns the hub-id (spec §4.1: already-held).
var ErrLockHeld = errors.New("connection lock already held")

// ErrLockLost is returned by ConnectionStore.Renew when the stored
// connection-id no longer matches (spec §4.1: lost).
var ErrLockLost = errors.New("connection lock lost")
