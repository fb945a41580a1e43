package call

import "errors"

var (
	// ErrSessionActive indicates a call session already exists locally
	ErrSessionActive = errors.New("call session already active")

	// ErrNoSession indicates no call session exists
	ErrNoSession = errors.New("no active call session")

	// ErrNoSuchRequest indicates the incoming call request was not found
	ErrNoSuchRequest = errors.New("incoming call request not found")

	// ErrNoPartner indicates a direct call was started without a partner
	ErrNoPartner = errors.New("direct channel has no partner")

	// ErrPeerClosed indicates the peer session has been closed
	ErrPeerClosed = errors.New("peer session is closed")

	// ErrForeignSender indicates a track sender that does not belong to
	// this connection
	ErrForeignSender = errors.New("sender does not belong to this connection")

	// ErrMediaUnavailable indicates local media could not be acquired
	ErrMediaUnavailable = errors.New("local media unavailable")

	// ErrAborted indicates the call context vanished while an operation
	// was suspended (e.g. on a media permission prompt)
	ErrAborted = errors.New("call context no longer valid")

	// ErrClosed indicates the manager has been shut down
	ErrClosed = errors.New("call manager is closed")
)
