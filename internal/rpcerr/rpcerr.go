// Package rpcerr defines the error vocabulary shared by the session,
// pool, and network layers so callers can branch with errors.Is/As
// instead of matching on strings.
package rpcerr

import "fmt"

// Sentinel errors recovered by the reconnect loop or the retriable-call
// façade. They carry no state of their own; wrap them with fmt.Errorf's
// %w where context (server, method) is useful to a log line.
var (
	// ErrTimeout is returned when a call's bounded wait expires under
	// the keepalive rule (see session.Session.SendRequest).
	ErrTimeout = fmt.Errorf("spvnode: timeout")

	// ErrConnectionLost means the transport was closed mid-call, by
	// the peer or by a local abort.
	ErrConnectionLost = fmt.Errorf("spvnode: connection lost")

	// ErrConnectionError means no session was available to carry the
	// call and a transport could not be established.
	ErrConnectionError = fmt.Errorf("spvnode: connection error")

	// ErrProtocol is a framing or decode error on the wire; treated
	// the same as an RPCError by callers.
	ErrProtocol = fmt.Errorf("spvnode: protocol error")

	// ErrIncompatible means the remote server's reported version is
	// below MinimumRequired.
	ErrIncompatible = fmt.Errorf("spvnode: incompatible server version")

	// ErrCancelled is terminal: returned once stop() has been called
	// and will never succeed afterward.
	ErrCancelled = fmt.Errorf("spvnode: cancelled")

	// ErrBadMagic is a UDP decode failure: the ping's magic field did
	// not match.
	ErrBadMagic = fmt.Errorf("spvnode: bad magic")

	// ErrBadLength is a UDP decode failure: the datagram was shorter
	// than the expected record.
	ErrBadLength = fmt.Errorf("spvnode: bad length")
)

// RPCError is a server-side JSON-RPC error reply. It is non-recoverable
// for the call that produced it; during handshake it triggers the
// reconnect loop's 1-hour backoff.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("spvnode: rpc error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, &RPCError{}) match any RPCError regardless of
// code, mirroring how callers are expected to test for this kind.
func (e *RPCError) Is(target error) bool {
	_, ok := target.(*RPCError)
	return ok
}
