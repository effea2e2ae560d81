package numeric

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRoundingIsHalfUp(t *testing.T) {
	require.True(t, Qty(decimal.RequireFromString("1.0005")).Equal(decimal.RequireFromString("1.001")))
	require.True(t, Qty(decimal.RequireFromString("1.0004")).Equal(decimal.RequireFromString("1.000")))
	require.True(t, Rate(decimal.RequireFromString("11.22448979")).Equal(decimal.RequireFromString("11.2245")))
}

func TestRateOfZeroQuantity(t *testing.T) {
	require.True(t, RateOf(decimal.NewFromInt(100), decimal.Zero).IsZero())
	require.True(t, RateOf(decimal.NewFromInt(1100), decimal.NewFromInt(98)).Equal(decimal.RequireFromString("11.2245")))
}

func TestNear(t *testing.T) {
	require.True(t, Near(decimal.RequireFromString("10.0004"), decimal.NewFromInt(10)))
	require.False(t, Near(decimal.RequireFromString("10.002"), decimal.NewFromInt(10)))
}
