// Copyright 2024-2026 Aiku AI

package relay

import "errors"

// Sentinel errors for the relay core. Callers classify failures with
// errors.Is; all wrapping uses %w so the chain stays inspectable.
var (
	// ErrInvalidCredential means the backend rejected the supplied access
	// token. User-correctable: the user must submit a fresh token.
	ErrInvalidCredential = errors.New("backend rejected credential")

	// ErrNetwork covers transient transport failures while connecting or
	// streaming. The listener is left stopped; recovery requires an
	// explicit restart.
	ErrNetwork = errors.New("backend network error")

	// ErrNotFound means the referenced user has no stored record.
	ErrNotFound = errors.New("user record not found")

	// ErrNoCredential means the user exists but has no stored credential,
	// or monitoring is switched off for them.
	ErrNoCredential = errors.New("no stored credential")

	// ErrBadFilterInput means the presentation layer submitted a keyword or
	// exception list that cannot be accepted. Rejected before storage.
	ErrBadFilterInput = errors.New("invalid filter input")
)
