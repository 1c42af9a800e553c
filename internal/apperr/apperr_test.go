package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "classified", err: New(KindNotFound, "document missing"), want: KindNotFound},
		{name: "wrapped classified", err: fmt.Errorf("outer: %w", New(KindRateLimited, "quota exceeded")), want: KindRateLimited},
		{name: "unclassified", err: errors.New("boom"), want: KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindAdapterUnavailable, "vector index unreachable", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindAdapterUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "adapter_unavailable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithMeta(t *testing.T) {
	err := New(KindGeneratorFailed, "all providers failed").WithMeta("refund_txn_id", "txn-123")

	meta := MetaOf(err)
	require.NotNil(t, meta)
	assert.Equal(t, "txn-123", meta["refund_txn_id"])

	wrapped := fmt.Errorf("ask failed: %w", err)
	assert.Equal(t, "txn-123", MetaOf(wrapped)["refund_txn_id"])
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindInsufficientCredits, http.StatusPaymentRequired},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindInvariantViolation, http.StatusInternalServerError},
		{KindGeneratorFailed, http.StatusBadGateway},
		{KindAdapterUnavailable, http.StatusServiceUnavailable},
		{KindMaintenance, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestIsKindMatchesThroughChain(t *testing.T) {
	err := fmt.Errorf("handler: %w", Wrap(KindInsufficientCredits, "balance too low", errors.New("balance=0 cost=1")))

	assert.True(t, IsKind(err, KindInsufficientCredits))
	assert.False(t, IsKind(err, KindNotFound))
}
