package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Ledger errors
	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskExists           = errors.New("task already exists")
	ErrEarningNotFound      = errors.New("earning not found")
	ErrImmutableSource      = errors.New("record source does not match caller authority")
	ErrInvalidTransition    = errors.New("task status transition not allowed")
	ErrReferentialIntegrity = errors.New("earning references a task that does not exist")
	ErrDeviceUnknown        = errors.New("earning references an unknown device")

	// Payout errors
	ErrInvalidPayout = errors.New("payout breakdown failed validation")

	// Classification misses are warnings, never returned to a caller.
	ErrClassificationMiss = errors.New("classification fell back to default")

	// Gateway errors
	ErrRemoteUnavailable = errors.New("gateway unavailable")
	ErrMalformedPayload  = errors.New("gateway returned an unexpected payload shape")
	ErrNotRegistered     = errors.New("device is not registered with a gateway")
)
