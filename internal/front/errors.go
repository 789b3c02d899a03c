package front

import "errors"

var (
	// ErrInvalidFrontRequest is a caller error: the switch request is
	// malformed and nothing was applied.
	ErrInvalidFrontRequest = errors.New("invalid front request")
	// ErrHistoryWriteFailed means the local write failed and the
	// optimistic status was rolled back.
	ErrHistoryWriteFailed = errors.New("history write failed")

	ErrIdentityNotFound = errors.New("identity not found")
	ErrInvalidIdentity  = errors.New("invalid identity")
)
