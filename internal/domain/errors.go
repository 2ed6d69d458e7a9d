package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrTransient      = errors.New("transient infrastructure failure")
	ErrStateConflict  = errors.New("state conflict")
	ErrFatal          = errors.New("fatal")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrConnectionGone = errors.New("connection gone")
	ErrAuctionClosed  = errors.New("auction not accepting bids")

	ErrInvalidBid     = fmt.Errorf("%w: invalid bid", ErrInvalidInput)
	ErrInvalidAuction = fmt.Errorf("%w: invalid auction", ErrInvalidInput)
)

// Transient marks err as retryable while keeping its chain intact.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable reports whether an operation failing with err may succeed on a
// later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrLockHeld) || errors.Is(err, ErrStateConflict)
}
