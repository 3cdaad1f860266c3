package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/merx-mms/merx/internal/shared"
)

func TestApplyDeltaRoundsToMinorUnit(t *testing.T) {
	pos := StockPosition{SKUID: 1, WarehouseID: 1}

	pos, err := pos.ApplyDelta(3, dec("10.00"))
	require.NoError(t, err)
	pos, err = pos.ApplyDelta(1, dec("10.05"))
	require.NoError(t, err)

	// (3*10.00 + 1*10.05) / 4 = 10.0125 -> 10.01
	require.True(t, pos.UnitCost.Equal(dec("10.01")), "got %s", pos.UnitCost)
	require.EqualValues(t, 4, pos.Quantity)
}

func TestApplyDeltaRejectsZeroAndNegativeCost(t *testing.T) {
	pos := StockPosition{SKUID: 1, WarehouseID: 1, Quantity: 5, UnitCost: dec("10")}

	_, err := pos.ApplyDelta(0, dec("1"))
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = pos.ApplyDelta(1, dec("-1"))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSetAbsoluteGuards(t *testing.T) {
	pos := StockPosition{SKUID: 1, WarehouseID: 1, Quantity: 5, UnitCost: dec("10")}

	_, err := pos.SetAbsolute(4, 2)
	require.ErrorIs(t, err, shared.ErrStaleState)

	_, err = pos.SetAbsolute(5, -1)
	require.ErrorIs(t, err, shared.ErrValidation)

	next, err := pos.SetAbsolute(5, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, next.Quantity)
	require.True(t, next.UnitCost.IsZero())
}
