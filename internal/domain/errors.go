package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrLockHeld        = errors.New("lock already held")
	ErrBreakerOpen     = errors.New("circuit breaker active")
	ErrRejected        = errors.New("opportunity rejected")
	ErrExpired         = errors.New("opportunity expired")
	ErrUnknownStrategy = errors.New("unknown strategy kind")
	ErrShortfall       = errors.New("final balance below repayment")
	ErrBelowMinProfit  = errors.New("gross profit below minimum")
	ErrLenderUnavail   = errors.New("lending source unavailable")
	ErrSigningFailed   = errors.New("signing failed")
)
