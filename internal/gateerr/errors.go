// Package gateerr defines the error taxonomy shared across the gateway core.
//
// Callers classify failures with errors.Is; code elsewhere wraps these
// sentinels with fmt.Errorf("...: %w", ...) to add context.
package gateerr

import "errors"

var (
	// ErrPermissionDenied is a policy outcome: the caller's group is not
	// linked to the target server. Deliberately generic so an unauthorized
	// caller cannot distinguish "no such server" from "not permitted".
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound marks a reference to a missing user, group, server, or
	// session in an admin mutation.
	ErrNotFound = errors.New("not found")

	// ErrRemoteConnectFailed is an operational fault: the remote shell
	// connection could not be established or authenticated.
	ErrRemoteConnectFailed = errors.New("remote connect failed")

	// ErrProtocol marks a malformed control message. Always recovered
	// locally by falling back to defaults, never fatal to a session.
	ErrProtocol = errors.New("protocol error")

	// ErrIO marks a transport or remote stream failure during relay. It
	// terminates the affected session only.
	ErrIO = errors.New("i/o failure")
)
