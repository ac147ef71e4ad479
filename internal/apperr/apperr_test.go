package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappedSentinelKeepsKind(t *testing.T) {
	err := fmt.Errorf("%w: order %s is delivered", ErrInvalidTransition, "abc")

	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, InvalidTransition, KindOf(err))
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
	assert.True(t, IsDomain(err))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[error]int{
		ErrOrderNotFound:        http.StatusNotFound,
		ErrBatchNotFound:        http.StatusNotFound,
		ErrInvalidBatchState:    http.StatusConflict,
		ErrNoRefundPending:      http.StatusConflict,
		ErrNoEligibleRecords:    http.StatusUnprocessableEntity,
		ErrMissingTransactionID: http.StatusBadRequest,
		ErrValidation:           http.StatusBadRequest,
		ErrStorageUnavailable:   http.StatusServiceUnavailable,
		ErrGatewayUnavailable:   http.StatusBadGateway,
		errors.New("boom"):      http.StatusInternalServerError,
	}

	for err, status := range cases {
		assert.Equal(t, status, HTTPStatus(err), err.Error())
	}
}

func TestStorageUnavailableIsNotDomain(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrStorageUnavailable, errors.New("connection reset"))

	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.False(t, IsDomain(err))
	assert.Equal(t, "Internal server error", PublicMessage(errors.New("raw driver error")))
	assert.Equal(t, "storage unavailable", PublicMessage(err))
}

func TestPublicMessageKeepsDomainContext(t *testing.T) {
	err := fmt.Errorf("%w: order 42 is delivered", ErrInvalidTransition)
	assert.Equal(t, "invalid order status transition: order 42 is delivered", PublicMessage(err))
}
