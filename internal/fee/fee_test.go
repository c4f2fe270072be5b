package fee

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/settleops/internal/domain"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		total, payout, fee uint64
		bps                uint32
	}{
		{1000, 975, 25, 250},
		{400, 390, 10, 250},
		{100, 98, 2, 250},
		{99, 99, 0, 100},
		{1, 1, 0, 500},
		{0, 0, 0, 1000},
		{1000, 1000, 0, 0},
		{1000, 900, 100, 1000},
		{math.MaxUint64, math.MaxUint64 - math.MaxUint64/10, math.MaxUint64 / 10, 1000},
	}
	for _, tt := range tests {
		payout, f := Split(tt.total, tt.bps)
		assert.Equalf(t, tt.payout, payout, "payout of %d @ %d bps", tt.total, tt.bps)
		assert.Equalf(t, tt.fee, f, "fee of %d @ %d bps", tt.total, tt.bps)
	}
}

func TestSplitConserves(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("payout + fee == total and fee never exceeds bps share", prop.ForAll(
		func(total uint64, bps uint32) bool {
			payout, f := Split(total, bps)
			if payout+f != total {
				return false
			}
			return f <= total
		},
		gen.UInt64(),
		gen.UInt32Range(0, Denominator),
	))

	properties.TestingRun(t)
}

func TestSchedule(t *testing.T) {
	s, err := NewSchedule(500, Policy{Bps: 250, Recipient: "platform"})
	require.NoError(t, err)
	assert.Equal(t, uint32(500), s.Cap())

	require.ErrorIs(t, s.SetBps(501), domain.ErrFeeTooHigh)
	assert.Equal(t, uint32(250), s.Current().Bps, "rejected update must not apply")

	require.NoError(t, s.SetBps(500))
	require.ErrorIs(t, s.SetRecipient(""), domain.ErrInvalidInput)
	require.NoError(t, s.SetRecipient("treasury"))
	assert.Equal(t, Policy{Bps: 500, Recipient: "treasury"}, s.Current())

	_, err = NewSchedule(1000, Policy{Bps: 1001, Recipient: "platform"})
	require.ErrorIs(t, err, domain.ErrFeeTooHigh)
}
