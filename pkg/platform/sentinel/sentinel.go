package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and the transition engine
// return these (optionally wrapped) so services can translate them into API
// responses without string matching.
//
// These represent factual states about versioned records:
// - ErrNotFound: no current/as-of version exists for the logical key
// - ErrOutOfOrder: transition timestamp is not strictly after the current
//   version's valid_from
// - ErrConcurrentModification: the row a transition intended to close is no
//   longer current (lost race on the logical key)
// - ErrValidation: bad input or unknown/inactive type-code reference,
//   detected before any row is written
// - ErrConflict: storage-level invariant rejection (overlapping interval,
//   duplicate current row); indicates misuse of the transition engine
var (
	ErrNotFound               = errors.New("not found")
	ErrOutOfOrder             = errors.New("out of order transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrValidation             = errors.New("validation failed")
	ErrConflict               = errors.New("conflict")
)
