package payment_test

import (
	"testing"
	"time"

	"github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(t *testing.T) *payment.PaymentRequest {
	t.Helper()
	p, err := payment.NewPaymentRequest(uuid.New(), "29115-34620561-1", "ws_CO_191220191020363925", "254712345678", 500, "basic", "Subscription basic")
	require.NoError(t, err)
	return p
}

func TestNewPaymentRequest_Valid(t *testing.T) {
	p := newPending(t)

	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, int64(500), p.Amount)
	assert.Equal(t, "basic", p.PurposeReference)
	assert.Nil(t, p.ProviderReceiptNumber)
	assert.Nil(t, p.ProviderTransactionTimestamp)
	assert.Nil(t, p.ResultDescription)
	assert.False(t, p.IsTerminal())
}

func TestNewPaymentRequest_Invalid(t *testing.T) {
	tests := []struct {
		name          string
		amount        int64
		correlationID string
		purpose       string
		field         string
	}{
		{"zero amount", 0, "ws_CO_1", "basic", "amount"},
		{"negative amount", -5, "ws_CO_1", "basic", "amount"},
		{"missing correlation id", 500, "", "basic", "correlation_id"},
		{"missing purpose", 500, "ws_CO_1", "", "purpose_reference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := payment.NewPaymentRequest(uuid.New(), "m", tt.correlationID, "254712345678", tt.amount, tt.purpose, "")
			var ve *errors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestResolve_Success(t *testing.T) {
	p := newPending(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	txTime := time.Date(2026, 3, 1, 12, 59, 58, 0, time.FixedZone("EAT", 3*3600))

	err := p.Resolve(payment.Succeeded{Amount: 500, ReceiptNumber: "NLJ7RT61SV", TransactionTime: txTime}, now)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusCompleted, p.Status)
	require.NotNil(t, p.ProviderReceiptNumber)
	assert.Equal(t, "NLJ7RT61SV", *p.ProviderReceiptNumber)
	assert.True(t, txTime.Equal(*p.ProviderTransactionTimestamp))
	assert.Equal(t, now, p.UpdatedAt)
	assert.True(t, p.IsTerminal())
}

func TestResolve_SuccessWithoutReceiptIsRejected(t *testing.T) {
	p := newPending(t)

	err := p.Resolve(payment.Succeeded{Amount: 500}, time.Now())

	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.Equal(t, payment.StatusPending, p.Status)
}

func TestResolve_Failure(t *testing.T) {
	p := newPending(t)

	err := p.Resolve(payment.Failed{ResultCode: 1032, Description: "Request cancelled by user"}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, payment.StatusFailed, p.Status)
	require.NotNil(t, p.ResultDescription)
	assert.Equal(t, "Request cancelled by user", *p.ResultDescription)
	assert.Equal(t, 1032, *p.ResultCode)
	assert.Nil(t, p.ProviderReceiptNumber)
}

func TestResolve_TerminalStatesAreFinal(t *testing.T) {
	outcomes := []payment.Outcome{
		payment.Succeeded{Amount: 500, ReceiptNumber: "R2"},
		payment.Failed{ResultCode: 1, Description: "insufficient balance"},
	}

	for _, first := range outcomes {
		for _, second := range outcomes {
			p := newPending(t)
			require.NoError(t, p.Resolve(first, time.Now()))
			before := *p

			err := p.Resolve(second, time.Now())

			assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
			assert.Equal(t, before, *p)
		}
	}
}

func TestMatches(t *testing.T) {
	completed := newPending(t)
	require.NoError(t, completed.Resolve(payment.Succeeded{Amount: 500, ReceiptNumber: "R1"}, time.Now()))

	failed := newPending(t)
	require.NoError(t, failed.Resolve(payment.Failed{ResultCode: 1037, Description: "DS timeout"}, time.Now()))

	assert.True(t, completed.Matches(payment.Succeeded{ReceiptNumber: "R1"}))
	assert.False(t, completed.Matches(payment.Succeeded{ReceiptNumber: "R9"}))
	assert.False(t, completed.Matches(payment.Failed{ResultCode: 1}))
	assert.True(t, failed.Matches(payment.Failed{ResultCode: 1037}))
	assert.False(t, failed.Matches(payment.Succeeded{ReceiptNumber: "R1"}))
}

func TestCorroborates(t *testing.T) {
	p := newPending(t)

	tests := []struct {
		name    string
		outcome payment.Outcome
		wantErr bool
	}{
		{"exact amount", payment.Succeeded{ProviderRequestID: "29115-34620561-1", Amount: 500}, false},
		{"overpaid", payment.Succeeded{ProviderRequestID: "29115-34620561-1", Amount: 600}, false},
		{"underpaid", payment.Succeeded{ProviderRequestID: "29115-34620561-1", Amount: 1}, true},
		{"foreign request id", payment.Succeeded{ProviderRequestID: "29115-99999999-1", Amount: 500}, true},
		{"missing request id", payment.Succeeded{Amount: 500}, true},
		{"failure", payment.Failed{ProviderRequestID: "29115-34620561-1", ResultCode: 1032}, false},
		{"failure for another request", payment.Failed{ProviderRequestID: "29115-99999999-1", ResultCode: 1032}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Corroborates(tt.outcome)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrCallbackMismatch)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCompletedBefore(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	completedAt := func(txTime time.Time) *payment.PaymentRequest {
		p := newPending(t)
		require.NoError(t, p.Resolve(payment.Succeeded{Amount: 500, ReceiptNumber: "R1", TransactionTime: txTime}, base))
		return p
	}

	earlier := completedAt(base)
	later := completedAt(base.Add(time.Minute))
	assert.True(t, earlier.CompletedBefore(later))
	assert.False(t, later.CompletedBefore(earlier))

	untimed := newPending(t)
	assert.True(t, untimed.CompletedBefore(earlier))

	a, b := completedAt(base), completedAt(base)
	assert.NotEqual(t, a.CompletedBefore(b), b.CompletedBefore(a))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, payment.StatusPending.IsTerminal())
	assert.True(t, payment.StatusCompleted.IsTerminal())
	assert.True(t, payment.StatusFailed.IsTerminal())
}
