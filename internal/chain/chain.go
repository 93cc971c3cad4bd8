// Package chain is the boundary to the external ledger network.
package chain

import (
	"context"
	"errors"
	"fmt"
)

// Transfer is one submission. IdempotencyKey identifies the logical transfer
// across retries; the network must treat repeats as the same intent.
type Transfer struct {
	Destination    string
	Amount         int64
	IdempotencyKey string
}

// Outcome is the network's view of a transfer during reconciliation.
type Outcome string

const (
	// OutcomeUnknown means the network has no record of the intent.
	OutcomeUnknown Outcome = "unknown"
	// OutcomePending means the network accepted it but has not settled.
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type Receipt struct {
	Outcome     Outcome
	TxReference string
}

// Client submits transfers and answers reconciliation queries. Callers set
// timeouts through ctx.
type Client interface {
	Submit(ctx context.Context, t Transfer) (txRef string, err error)
	QueryStatus(ctx context.Context, idempotencyKey, txRef string) (Receipt, error)
}

// Error kinds. Match with errors.Is.
var (
	// ErrTransient: the transfer was not applied; safe to retry.
	ErrTransient = errors.New("transient network error")
	// ErrPermanent: the network rejected the transfer for good.
	ErrPermanent = errors.New("permanent submission error")
	// ErrAmbiguous: the request may or may not have been applied.
	ErrAmbiguous = errors.New("ambiguous outcome")
)

// Error is a classified submission failure. TxReference is set when the
// network returned one before the outcome became unclear.
type Error struct {
	Kind        error
	TxReference string
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Transient(err error) error { return &Error{Kind: ErrTransient, Err: err} }

func Permanent(err error) error { return &Error{Kind: ErrPermanent, Err: err} }

func Ambiguous(txRef string, err error) error {
	return &Error{Kind: ErrAmbiguous, TxReference: txRef, Err: err}
}

// TxReferenceOf extracts a tx reference carried by err, if any.
func TxReferenceOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.TxReference
	}
	return ""
}
