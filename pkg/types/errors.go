package types

import "errors"

// Error taxonomy for the referral subsystem. Controllers map these to HTTP
// status codes; engines and stores only ever wrap them.
var (
	// ErrInvalidInput is a malformed address, amount, or request body.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized is a missing/bad admin token or an invalid signature.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict is a duplicate code, a double bind, or a reused nonce.
	ErrConflict = errors.New("conflict")

	// ErrUpstreamUnavailable is an oracle, event-log, or store failure that
	// survived retries. It is never silently treated as zero or absent.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUnsupportedMarket is a minter with no wrapped-collateral mapping.
	ErrUnsupportedMarket = errors.New("unsupported market")

	// ErrRateUnavailable is a terminal oracle failure or an invalid (<= 0)
	// rate or price round.
	ErrRateUnavailable = errors.New("rate unavailable")

	// ErrNotFound is an absent record where one is required.
	ErrNotFound = errors.New("not found")
)
