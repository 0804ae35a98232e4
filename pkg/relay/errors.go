package relay

import "errors"

// ErrSocketMissing is returned by Open when the project's socket path does
// not exist at connect time. No reconnect is scheduled for this failure;
// reconnect only applies to a connection that has previously reached Ready.
var ErrSocketMissing = errors.New("relay: project socket does not exist")

// ErrConnectionTimeout is returned when a connection does not reach Ready
// within the handshake deadline.
var ErrConnectionTimeout = errors.New("relay: handshake did not complete in time")

// ErrNotReady names the failure of an operation that needs a Ready
// connection. No function in this package returns it: SendToProject reports
// this case by returning false.
var ErrNotReady = errors.New("relay: project connection is not ready")

// ErrUnknownProject names a reference to a project id the Bridge has no
// connection record for. No function in this package returns it:
// SendToProject returns false and RegisterLead ignores the id.
var ErrUnknownProject = errors.New("relay: unknown project id")
