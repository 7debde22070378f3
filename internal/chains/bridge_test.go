package chains

import (
	"errors"
	"testing"

	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	return NewBridge(reg)
}

func TestBridge_Quote(t *testing.T) {
	b := newTestBridge(t)

	q, err := b.Quote("ethereum", "polygon", decimal.NewFromInt(10_000))
	require.NoError(t, err)
	assert.Equal(t, "17.00", q.TotalFeeUSD.StringFixed(2))
	assert.Equal(t, "9983.00", q.ReceiveUSD.StringFixed(2))
	assert.Equal(t, 25, q.EstimatedMinutes)

	// reverse direction of a bidirectional bridge
	q, err = b.Quote("polygon", "ethereum", decimal.NewFromInt(10_000))
	require.NoError(t, err)
	assert.Equal(t, "polygon", q.From)
	assert.Equal(t, "17.00", q.TotalFeeUSD.StringFixed(2))
}

func TestBridge_QuoteLimits(t *testing.T) {
	b := newTestBridge(t)

	tests := []struct {
		name     string
		from, to string
		amount   decimal.Decimal
		contains string
	}{
		{"below minimum", "polygon", "base", decimal.NewFromInt(10), "minimum of $50.00"},
		{"above maximum", "polygon", "base", decimal.NewFromInt(600_000), "maximum of $500000.00"},
		{"zero amount", "ethereum", "base", decimal.Zero, "greater than zero"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Quote(tt.from, tt.to, tt.amount)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestBridge_Route(t *testing.T) {
	b := newTestBridge(t)

	_, err := b.Route("xrpl", "ethereum")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedRoute))

	_, err = b.Route("base", "base")
	assert.True(t, errors.Is(err, ErrUnsupportedRoute))

	_, err = b.Route("ethereum", "dogecoin")
	assert.True(t, errors.Is(err, ErrUnsupportedChain))

	rt, err := b.Route("ethereum", "solana")
	require.NoError(t, err)
	assert.True(t, rt.MinUSD.Equal(decimal.NewFromInt(250)))
}

func TestBridge_Routes(t *testing.T) {
	b := newTestBridge(t)

	routes := b.Routes("ethereum")
	require.Len(t, routes, 3)
	assert.Equal(t, "base", routes[0].To)
	assert.Equal(t, "polygon", routes[1].To)
	assert.Equal(t, "solana", routes[2].To)

	assert.Empty(t, b.Routes("xrpl"))
	assert.Len(t, b.Routes(""), 8)
}
