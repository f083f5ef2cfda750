package domain

import (
	"errors"
	"fmt"
	"strings"
)

// User-facing error keys. Clients translate these; they are part of the API.
const (
	KeyMissingPaymentUUID   = "missing_payment_uuid"
	KeyMissingEmail         = "missing_email"
	KeyMissingPlan          = "missing_plan"
	KeyMissingNonce         = "missing_nonce"
	KeyEmptyAmount          = "empty_amount"
	KeyPlanNotFound         = "plan_not_found"
	KeyUserNotFound         = "user_not_found"
	KeyInvalidProcessor     = "invalid_processor"
	KeyPaymentNotFound      = "payment_not_found"
	KeyPaymentNotSuccess    = "payment_not_success"
	KeyRefundNotSupported   = "refund_not_for_this_processor"
	KeyRateLimited          = "payment_ratelimited"
	KeyProcessorUnavailable = "provider_unavailable"
	KeyProcessorTimeout     = "provider_timeout"
	KeyCardDeclined         = "card_declined"
	KeyMissingCustomer      = "missing_customer"
	KeyInternal             = "internal_error"
)

// ValidationError carries one or more user-facing keys for input rejected
// before any processor was contacted.
type ValidationError struct {
	Keys []string
}

func NewValidationError(keys ...string) *ValidationError {
	return &ValidationError{Keys: keys}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Keys, ", ")
}

// Add appends a key; callers check Empty before returning the error.
func (e *ValidationError) Add(key string) { e.Keys = append(e.Keys, key) }

func (e *ValidationError) Empty() bool { return len(e.Keys) == 0 }

type ProcessorErrorKind string

const (
	ProcessorDeclined       ProcessorErrorKind = "declined"
	ProcessorInvalidRequest ProcessorErrorKind = "invalid_request"
	ProcessorUnavailable    ProcessorErrorKind = "provider_unavailable"
	ProcessorTimeout        ProcessorErrorKind = "timeout"
)

// ProcessorError is a failure reported by (or while talking to) an external
// payment processor.
type ProcessorError struct {
	Processor string
	Kind      ProcessorErrorKind
	Code      string // user-facing key, defaults by Kind
	Detail    string // human readable, stored in payment comments
	Err       error
}

func (e *ProcessorError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Processor, e.Kind)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Key returns the user-facing key for this failure.
func (e *ProcessorError) Key() string {
	if e.Code != "" {
		return e.Code
	}
	switch e.Kind {
	case ProcessorDeclined:
		return KeyCardDeclined
	case ProcessorTimeout:
		return KeyProcessorTimeout
	case ProcessorUnavailable:
		return KeyProcessorUnavailable
	default:
		return e.Processor + "_error"
	}
}

// Ambiguous reports whether the outcome at the processor is unknown.
func (e *ProcessorError) Ambiguous() bool { return e.Kind == ProcessorTimeout }

// IsAmbiguous reports whether err is a processor timeout.
func IsAmbiguous(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.Ambiguous()
}

// ErrorKeys maps any error to the list of keys returned to API callers.
func ErrorKeys(err error) []string {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Keys
	}
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return []string{pe.Key()}
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return []string{KeyRateLimited}
	case errors.Is(err, ErrPaymentNotRefundable):
		return []string{KeyPaymentNotSuccess}
	case errors.Is(err, ErrUnsupportedOperation):
		return []string{KeyRefundNotSupported}
	case errors.Is(err, ErrNotFound):
		return []string{KeyPaymentNotFound}
	}
	return []string{KeyInternal}
}
