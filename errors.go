package runova

import "errors"

// Sentinel errors for the sync layer.
var (
	// ErrUnauthenticated means no valid session is attached; the operation
	// was rejected before any remote call.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidArgument means a caller-supplied value failed validation
	// (empty content, empty participant set, self-conversation).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRemoteUnavailable means the backend could not be reached or
	// returned a transport-level failure.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrWriteConflict means a batch was rejected as a whole.
	ErrWriteConflict = errors.New("write conflict")

	// ErrNotFound means a referenced document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStreamClosed means the stream or its owning service was closed.
	ErrStreamClosed = errors.New("stream closed")
)
