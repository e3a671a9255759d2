package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrAnswerRequired       = errors.New("answer required")
	ErrNoQuestionsAvailable = errors.New("no questions available")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionNotActive     = errors.New("session not in progress")
	ErrSessionConflict      = errors.New("session modified concurrently")
	ErrNotLastQuestion      = errors.New("last question not reached")
	ErrUnknownQuestion      = errors.New("question not in session")
	ErrUnknownOption        = errors.New("option not in question")
	ErrInvalidTestType      = errors.New("invalid test type")
	ErrFreeTestCompleted    = errors.New("free test already completed")
	ErrPaidAccessRequired   = errors.New("paid test access required")
	ErrIntentNotFound       = errors.New("payment intent not found")
	ErrResultNotFound       = errors.New("test result not found")
	ErrDemoDisabled         = errors.New("demo top-up disabled")
	ErrIdempotencyConflict  = errors.New("request in progress")
	ErrIdempotencyMismatch  = errors.New("key reuse with mismatched payload")
)

// ShortfallError is returned when a paid entry is denied for lack of funds.
// It matches ErrInsufficientBalance under errors.Is.
type ShortfallError struct {
	Balance   int64
	Price     int64
	Shortfall int64
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d (short %d)", e.Balance, e.Price, e.Shortfall)
}

func (e *ShortfallError) Is(target error) bool { return target == ErrInsufficientBalance }
