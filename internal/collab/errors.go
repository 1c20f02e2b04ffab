package collab

import (
	"errors"
	"fmt"

	"quire/api/internal/lock"
)

var (
	ErrPublishInFlight  = errors.New("publish already in progress")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
)

// ValidationError rejects malformed input. BlockIndex is -1 when the problem
// is not tied to a single block.
type ValidationError struct {
	BlockIndex int
	BlockID    string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("validation failed for block %s: %s", e.BlockID, e.Reason)
	}
	return "validation failed: " + e.Reason
}

func invalid(reason string, args ...any) *ValidationError {
	return &ValidationError{BlockIndex: -1, Reason: fmt.Sprintf(reason, args...)}
}

// LockDeniedError means the caller does not hold LockKey. OwnerSessionID is
// the current holder, empty when the lock is free.
type LockDeniedError struct {
	LockKey        string
	OwnerSessionID string
}

func (e *LockDeniedError) Error() string {
	if e.OwnerSessionID == "" {
		return fmt.Sprintf("lock %s not held", e.LockKey)
	}
	return fmt.Sprintf("lock %s held by session %s", e.LockKey, e.OwnerSessionID)
}

// StaleVersionError is returned by publish when the draft moved on.
type StaleVersionError struct {
	CurrentVersion int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale draft version, current is %d", e.CurrentVersion)
}

// Error codes shared by HTTP and WebSocket replies.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeLockDenied      = "LOCK_DENIED"
	CodeStaleVersion    = "STALE_VERSION"
	CodePublishInFlight = "PUBLISH_IN_FLIGHT"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeServerError     = "SERVER_ERROR"
)

// Describe classifies err for a client. Anything unrecognised is a server
// error and its message is not exposed.
func Describe(err error) (code, message string, details map[string]any) {
	var verr *ValidationError
	var lerr *LockDeniedError
	var serr *StaleVersionError
	switch {
	case errors.As(err, &verr):
		details = map[string]any{"blockIndex": verr.BlockIndex}
		if verr.BlockID != "" {
			details["blockId"] = verr.BlockID
		}
		return CodeValidation, verr.Reason, details
	case errors.Is(err, lock.ErrInvalidKey):
		return CodeValidation, err.Error(), nil
	case errors.As(err, &lerr):
		return CodeLockDenied, "Lock is held by another session", map[string]any{
			"lockKey":        lerr.LockKey,
			"ownerSessionId": lerr.OwnerSessionID,
		}
	case errors.As(err, &serr):
		return CodeStaleVersion, "Draft has changed", map[string]any{"currentVersion": serr.CurrentVersion}
	case errors.Is(err, ErrPublishInFlight):
		return CodePublishInFlight, "Draft is being published", nil
	case errors.Is(err, ErrPermissionDenied):
		return CodeForbidden, "Forbidden", nil
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, "Not found", nil
	default:
		return CodeServerError, "Server error", nil
	}
}
