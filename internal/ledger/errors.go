package ledger

import "errors"

// Expected, recoverable claim-time conditions. Callers branch on these with
// errors.Is; an HTTP layer would map them to 4xx, not 5xx.
var (
	// ErrPositionConflict: another active claim already exists for
	// (agent, symbol) and it was not ours to return.
	ErrPositionConflict = errors.New("position conflict: active claim already exists")

	// ErrCapitalExceeded: the agent's capital allocation would be breached.
	ErrCapitalExceeded = errors.New("capital allocation exceeded")

	// ErrNotOpen: accumulate was called on a record that is not open.
	ErrNotOpen = errors.New("position is not open")

	// ErrNotFound: no such position record.
	ErrNotFound = errors.New("position not found")
)
