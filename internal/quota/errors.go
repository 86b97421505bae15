package quota

import "errors"

// Failure categories for the enforcement paths. A write conflict at commit
// time is NOT in this list: that is the expected Success=false outcome of
// AtomicIncrementUsage, not an error.
//
// The engine fails closed: none of these are absorbed into an "allow".
// Handlers map them to 503 and the bot gateway denies the action.
var (
	// ErrPolicyResolution wraps failures reading policy, cap, or
	// exemption rows. Never silently defaults to unlimited.
	ErrPolicyResolution = errors.New("quota: policy resolution failed")

	// ErrLedgerRead wraps failures reading usage counters.
	ErrLedgerRead = errors.New("quota: ledger read failed")

	// ErrPersistence wraps unexpected backing-store failures on the
	// write paths.
	ErrPersistence = errors.New("quota: persistence failure")
)
