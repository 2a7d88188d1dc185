package models

import (
	"errors"
	"fmt"
)

// ── Errors ───────────────────────────────────────────────────

var (
	ErrThreadNotFound        = errors.New("thread not found")
	ErrPlanNotFound          = errors.New("plan not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrDuplicateSubscription = errors.New("duplicate subscription")
)

// ProtocolError is a malformed or unrecognized inbound message. It is logged
// and the message is otherwise ignored.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// StateError is a transition that is not legal from the current state.
type StateError struct {
	SubscriptionID string
	From           SubscriptionState
	Event          string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("subscription %s: cannot %s from state %s", e.SubscriptionID, e.Event, e.From)
}

// PaymentError is a verification that did not confirm.
type PaymentError struct {
	Outcome PaymentOutcome
	TxHash  string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment %s: %s", e.TxHash, e.Outcome)
}

// DeliveryErrorKind separates retryable from final delivery failures.
type DeliveryErrorKind string

const (
	DeliveryTransient DeliveryErrorKind = "transient"
	DeliveryPermanent DeliveryErrorKind = "permanent"
)

// DeliveryError wraps a failure while generating or posting content.
type DeliveryError struct {
	Kind DeliveryErrorKind
	Err  error
}

func (e *DeliveryError) Error() string { return string(e.Kind) + " delivery error: " + e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable delivery error.
func Permanent(err error) error {
	return &DeliveryError{Kind: DeliveryPermanent, Err: err}
}

// IsPermanent reports whether err carries a permanent delivery error.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == DeliveryPermanent
}

// ErrorCode maps an error to the code used in structured failure messages.
func ErrorCode(err error) string {
	var (
		pe  *PaymentError
		se  *StateError
		pre *ProtocolError
		de  *DeliveryError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return string(pe.Outcome)
	case errors.As(err, &se):
		return "invalid_state"
	case errors.As(err, &pre):
		return "protocol_error"
	case errors.As(err, &de):
		return "delivery_" + string(de.Kind)
	case errors.Is(err, ErrPlanNotFound):
		return "plan_not_found"
	case errors.Is(err, ErrDuplicateSubscription):
		return "duplicate_subscription"
	case errors.Is(err, ErrSubscriptionNotFound):
		return "subscription_not_found"
	case errors.Is(err, ErrThreadNotFound):
		return "thread_not_found"
	default:
		return "internal_error"
	}
}
