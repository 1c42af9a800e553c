package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "config error",
			err:  errors.New("loading configuration: postgres dsn is required"),
			want: 1,
		},
		{
			name: "adapter unavailable",
			err:  apperr.New(apperr.KindAdapterUnavailable, "connecting to postgres"),
			want: 2,
		},
		{
			name: "dimension mismatch",
			err:  apperr.New(apperr.KindInvariantViolation, "collection vector size disagrees"),
			want: 3,
		},
		{
			name: "wrapped invariant violation",
			err:  fmt.Errorf("sweep: %w", apperr.New(apperr.KindInvariantViolation, "ledger invariant violated")),
			want: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
