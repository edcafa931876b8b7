// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies an error for transport mapping. Every sentinel below
// carries exactly one code.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidArgument
	CodeUnauthenticated
	CodePermissionDenied
	CodeNotFound
	CodeFailedPrecondition
	CodeAlreadyExists
	CodeInternal
)

// coded wraps an error with a classification code.
type coded struct {
	code Code
	err  error
}

func (c *coded) Error() string { return c.err.Error() }
func (c *coded) Unwrap() error { return c.err }

// WithCode attaches a Code to err.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &coded{code: code, err: err}
}

func newCoded(code Code, message string) error {
	return &coded{code: code, err: errors.New(message)}
}

// CodeOf returns the classification of err, or CodeUnknown.
func CodeOf(err error) Code {
	var c *coded
	if errors.As(err, &c) {
		return c.code
	}
	return CodeUnknown
}

// Common errors
var (
	ErrWalletNotFound       = newCoded(CodeNotFound, "wallet not found")
	ErrWalletAlreadyExists  = newCoded(CodeAlreadyExists, "wallet already exists")
	ErrInsufficientBalance  = newCoded(CodeFailedPrecondition, "insufficient balance")
	ErrCurrencyMismatch     = newCoded(CodeFailedPrecondition, "wallet currency does not match")
	ErrInvalidAmount        = newCoded(CodeInvalidArgument, "invalid amount")
	ErrInvalidCurrency      = newCoded(CodeInvalidArgument, "unsupported currency")
	ErrUnauthenticated      = newCoded(CodeUnauthenticated, "authentication required")
	ErrPermissionDenied     = newCoded(CodePermissionDenied, "permission denied")
	ErrLedgerEntryImmutable = newCoded(CodePermissionDenied, "ledger entries cannot be modified")

	// Top-up / webhook errors
	ErrTopUpNotFound     = newCoded(CodeNotFound, "top-up request not found")
	ErrTopUpExpired      = newCoded(CodeFailedPrecondition, "top-up request expired")
	ErrDuplicateTxRef    = newCoded(CodeAlreadyExists, "transaction reference already used")
	ErrInvalidSignature  = newCoded(CodeUnauthenticated, "webhook signature mismatch")
	ErrMalformedPayload  = newCoded(CodeInvalidArgument, "malformed webhook payload")
	ErrVerificationFault = newCoded(CodeInternal, "provider verification failed")

	// Courier earnings errors
	ErrEarningNotFound   = newCoded(CodeNotFound, "courier earning not found")
	ErrPayoutInFlight    = newCoded(CodeAlreadyExists, "a payout is already pending for this courier")
	ErrPayoutNotFound    = newCoded(CodeNotFound, "payout not found")
	ErrCourierWalletGone = newCoded(CodeNotFound, "courier wallet not found")

	// Workflow errors
	ErrExchangeNotFound     = newCoded(CodeNotFound, "exchange not found")
	ErrDeliveryNotFound     = newCoded(CodeNotFound, "delivery not found")
	ErrInvalidTransition    = newCoded(CodeFailedPrecondition, "state transition not allowed")
	ErrPaymentGateClosed    = newCoded(CodeFailedPrecondition, "delivery payment is not complete")
	ErrOutsideServiceArea   = newCoded(CodePermissionDenied, "courier does not serve this city")
	ErrAlreadyPaid          = newCoded(CodeAlreadyExists, "party payment already settled")
	ErrFundsReleased        = newCoded(CodeFailedPrecondition, "funds already released to courier")
	ErrImmutableField       = newCoded(CodePermissionDenied, "field is immutable after creation")
	ErrNotParticipant       = newCoded(CodePermissionDenied, "caller is not a participant")
	ErrSelfResponseRejected = newCoded(CodePermissionDenied, "requester cannot respond to own exchange")

	// Subscription errors
	ErrPlanNotFound          = newCoded(CodeNotFound, "subscription plan not found")
	ErrPlanMismatch          = newCoded(CodeFailedPrecondition, "payment request does not match plan")
	ErrPaymentRequestMissing = newCoded(CodeFailedPrecondition, "no completed payment request for plan")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }
