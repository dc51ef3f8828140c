package weaver

import "fmt"

// ErrorCode classifies kernel-level failures. These never surface into the
// language value domain (that is ErrCode in values.go); they drive scheduler
// and durability decisions.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// CommitConflict is a commit-time read-set version mismatch; transient,
	// handled by re-executing the task attempt.
	CommitConflict
	// TooManyRetries marks retry-budget exhaustion after repeated conflicts.
	TooManyRetries
	// QuotaExceeded marks a tick or seconds budget violation.
	QuotaExceeded
	// TaskKilled marks caller- or operator-initiated cancellation.
	TaskKilled
	// StoreIOFailure marks a durability-layer write failure; fatal to the
	// hosting process, commits are refused from then on.
	StoreIOFailure
	// CheckpointFormatFailure marks an unrecognized or corrupt checkpoint at
	// startup; fatal, the process refuses to run against it.
	CheckpointFormatFailure
)

// Error is the kernel's classified error. UserData carries code-specific
// context (e.g. the conflicting key on CommitConflict).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error { return e.Err }
