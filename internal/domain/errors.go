package domain

import "errors"

// Client-visible violations. The system never retries these.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrIdentityConflict   = errors.New("identity already bound to a different account")
	ErrExceedsSingleLimit = errors.New("amount exceeds single request limit")
	ErrExceedsDailyCap    = errors.New("daily cap reached")
	ErrForbidden          = errors.New("actor is not an admin")
	ErrAccountNotFound    = errors.New("account not found")
	ErrRequestNotFound    = errors.New("request not found")
	ErrNotCancellable     = errors.New("request is past pending and cannot be cancelled")
	ErrNotStuck           = errors.New("request is not awaiting manual reconciliation")
)

// Infrastructure failures.
var (
	// ErrLeaseLost means another worker attempt owns the request now.
	ErrLeaseLost = errors.New("lease lost")
	// ErrStorageUnavailable fails the whole operation; nothing was committed.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsQuotaViolation reports whether err is a quota rejection.
func IsQuotaViolation(err error) bool {
	return errors.Is(err, ErrExceedsSingleLimit) || errors.Is(err, ErrExceedsDailyCap)
}
