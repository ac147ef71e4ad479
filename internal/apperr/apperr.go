// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	NotFound                    Kind = "NOT_FOUND"
	InvalidTransition           Kind = "INVALID_TRANSITION"
	InvalidBatchState           Kind = "INVALID_BATCH_STATE"
	NoEligibleRecords           Kind = "NO_ELIGIBLE_RECORDS"
	NoRefundPending             Kind = "NO_REFUND_PENDING"
	MissingTransactionReference Kind = "MISSING_TRANSACTION_REFERENCE"
	Validation                  Kind = "VALIDATION_ERROR"
	StorageUnavailable          Kind = "STORAGE_UNAVAILABLE"
	GatewayUnavailable          Kind = "GATEWAY_UNAVAILABLE"
	DataIntegrity               Kind = "DATA_INTEGRITY_WARNING"
	Internal                    Kind = "INTERNAL_ERROR"
)

// Error is a domain error with a stable kind and a caller-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

var (
	ErrOrderNotFound        = New(NotFound, "order not found")
	ErrBatchNotFound        = New(NotFound, "payment batch not found")
	ErrInvalidTransition    = New(InvalidTransition, "invalid order status transition")
	ErrInvalidBatchState    = New(InvalidBatchState, "invalid payment batch state")
	ErrNoEligibleRecords    = New(NoEligibleRecords, "no eligible revenue records")
	ErrNoRefundPending      = New(NoRefundPending, "no refund pending for order")
	ErrMissingTransactionID = New(MissingTransactionReference, "transaction reference is required")
	ErrValidation           = New(Validation, "validation failed")
	ErrStorageUnavailable   = New(StorageUnavailable, "storage unavailable")
	ErrGatewayUnavailable   = New(GatewayUnavailable, "payment gateway unavailable")

	// ErrDataIntegrity is never returned to callers; it tags integrity warnings in logs.
	ErrDataIntegrity = New(DataIntegrity, "order totals mismatch")
)

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return Internal
}

// IsDomain reports whether err is a business rule rejection rather than an infrastructure failure.
func IsDomain(err error) bool {
	ae, ok := As(err)
	return ok && ae.Kind != StorageUnavailable && ae.Kind != GatewayUnavailable && ae.Kind != Internal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case InvalidTransition, InvalidBatchState, NoRefundPending:
		return http.StatusConflict
	case NoEligibleRecords:
		return http.StatusUnprocessableEntity
	case MissingTransactionReference, Validation:
		return http.StatusBadRequest
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	case GatewayUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage keeps the full chain for domain errors, whose context is built
// by this service, and hides wrapped driver errors for everything else.
func PublicMessage(err error) string {
	if IsDomain(err) {
		return err.Error()
	}
	if ae, ok := As(err); ok && ae.Kind != Internal {
		return ae.Message
	}
	return "Internal server error"
}
