// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/transport layers.
var (
	// ErrNotFound indicates the referenced product, checkpoint, transfer,
	// certification or authorization entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the caller lacks the required relationship
	// (owner, manufacturer, certifier, transferee/transferor or active verifier),
	// or failed authentication at the transport edge.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState indicates the target is recalled, or a transfer/certification
	// is not in the status the operation requires.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument indicates malformed input (e.g. expiration not in the future).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., identity taken).
	ErrAlreadyExists = errors.New("already exists")
)
