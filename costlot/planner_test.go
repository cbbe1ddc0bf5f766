package costlot_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lot-ledger/costlot"
)

// =============================================================================
// TEST HELPERS
// =============================================================================
// Shared by every costlot_test file.

var (
	t0     = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	skuKey = costlot.SubjectKey("sku-1")
)

func lot(id string, price, count int64) costlot.Lot {
	return costlot.Lot{
		ID:        costlot.LotID(id),
		Key:       skuKey,
		UnitPrice: price,
		ItemCount: count,
		ArrivedAt: t0,
		IsExact:   true,
	}
}

// pc is a (price, count) pair for compact assertions.
type pc struct {
	Price int64
	Count int64
}

func pairs(lots []costlot.Lot) []pc {
	out := make([]pc, len(lots))
	for i, l := range lots {
		out[i] = pc{l.UnitPrice, l.ItemCount}
	}
	return out
}

// =============================================================================
// EXAMPLE SCENARIOS
// =============================================================================

func TestPlanConsumption_PartialDraw(t *testing.T) {
	// GIVEN: [{100,2},{120,3}] ordered ascending by price
	// WHEN: Consuming 4
	// THEN: Use both 100s and two 120s; one 120 remains; cost 440

	lots := []costlot.Lot{lot("a", 100, 2), lot("b", 120, 3)}

	plan, err := costlot.PlanConsumption(lots, 4, costlot.PlanOptions{})
	require.NoError(t, err)

	assert.Equal(t, []pc{{100, 2}, {120, 2}}, pairs(plan.Use))
	assert.Equal(t, []pc{{120, 1}}, pairs(plan.Remaining))
	assert.Equal(t, costlot.LotID("b"), plan.Remaining[0].ID, "partially drawn lot keeps its id")
	assert.Equal(t, int64(0), plan.Shortfall)
	assert.Equal(t, int64(440), plan.TotalCost)
	assert.True(t, plan.FullyBacked())
}

func TestPlanConsumption_ShortfallPricedAtFallback(t *testing.T) {
	// GIVEN: [{100,2},{120,3}]
	// WHEN: Consuming 10 with shortfall price 50
	// THEN: Everything is drawn and 5 units trail at 50; cost 810

	lots := []costlot.Lot{lot("a", 100, 2), lot("b", 120, 3)}

	plan, err := costlot.PlanConsumption(lots, 10, costlot.PlanOptions{ShortfallUnitPrice: 50})
	require.NoError(t, err)

	assert.Equal(t, []pc{{100, 2}, {120, 3}, {50, 5}}, pairs(plan.Use))
	assert.Empty(t, plan.Remaining)
	assert.Equal(t, int64(5), plan.Shortfall)
	assert.Equal(t, int64(810), plan.TotalCost)
	assert.False(t, plan.FullyBacked(), "shortfall cost is an estimate")

	last := plan.Use[len(plan.Use)-1]
	assert.Empty(t, last.ID, "shortfall lot is synthetic")
}

func TestPlanConsumption_ExactPriceMissing(t *testing.T) {
	// GIVEN: Only a 100-priced lot
	// WHEN: Consuming at exact price 120
	// THEN: ExactPriceExhausted, no plan

	lots := []costlot.Lot{lot("a", 100, 2)}

	plan, err := costlot.PlanConsumption(lots, 1, costlot.PlanOptions{ExactUnitPrice: costlot.Int64(120)})

	require.ErrorIs(t, err, costlot.ErrExactPriceExhausted)
	var ex *costlot.ExactPriceExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, int64(120), ex.UnitPrice)
	assert.Equal(t, int64(0), ex.Available)
	assert.Equal(t, int64(1), ex.Requested)
	assert.Empty(t, plan.Use)
}

// =============================================================================
// WALK SEMANTICS
// =============================================================================

func TestPlanConsumption_CoalescesUseByPrice(t *testing.T) {
	lots := []costlot.Lot{lot("a", 100, 1), lot("b", 120, 1), lot("c", 100, 2)}

	plan, err := costlot.PlanConsumption(lots, 4, costlot.PlanOptions{})
	require.NoError(t, err)

	assert.Equal(t, []pc{{100, 3}, {120, 1}}, pairs(plan.Use))
	assert.Equal(t, costlot.LotID("a"), plan.Use[0].ID, "coalesced entry keeps the first lot's fields")
	assert.Empty(t, plan.Remaining)
}

func TestPlanConsumption_ExactPricePassesOthersThrough(t *testing.T) {
	lots := []costlot.Lot{lot("a", 100, 2), lot("b", 120, 3), lot("c", 120, 1)}

	plan, err := costlot.PlanConsumption(lots, 3, costlot.PlanOptions{ExactUnitPrice: costlot.Int64(120)})
	require.NoError(t, err)

	assert.Equal(t, []pc{{120, 3}}, pairs(plan.Use))
	assert.Equal(t, []pc{{100, 2}, {120, 1}}, pairs(plan.Remaining))
	assert.Equal(t, costlot.LotID("a"), plan.Remaining[0].ID)
	assert.Equal(t, costlot.LotID("c"), plan.Remaining[1].ID)
}

func TestPlanConsumption_ExactPriceInsufficient(t *testing.T) {
	lots := []costlot.Lot{lot("a", 120, 2), lot("b", 100, 10)}

	_, err := costlot.PlanConsumption(lots, 3, costlot.PlanOptions{ExactUnitPrice: costlot.Int64(120)})

	var ex *costlot.ExactPriceExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, int64(2), ex.Available)
	assert.Equal(t, int64(3), ex.Requested)
}

func TestPlanConsumption_ZeroQuantityIsNoop(t *testing.T) {
	lots := []costlot.Lot{lot("a", 100, 2)}

	plan, err := costlot.PlanConsumption(lots, 0, costlot.PlanOptions{ShortfallUnitPrice: 99})
	require.NoError(t, err)

	assert.Empty(t, plan.Use)
	assert.Equal(t, lots, plan.Remaining)
	assert.Equal(t, int64(0), plan.TotalCost)
	assert.True(t, plan.FullyBacked())
}

func TestPlanConsumption_NegativeQuantity(t *testing.T) {
	_, err := costlot.PlanConsumption(nil, -1, costlot.PlanOptions{})
	assert.ErrorIs(t, err, costlot.ErrNonPositiveQuantity)
}

func TestPlanConsumption_EmptyLotsAllShortfall(t *testing.T) {
	plan, err := costlot.PlanConsumption(nil, 3, costlot.PlanOptions{ShortfallUnitPrice: 70})
	require.NoError(t, err)

	assert.Equal(t, []pc{{70, 3}}, pairs(plan.Use))
	assert.Equal(t, int64(3), plan.Shortfall)
	assert.Equal(t, int64(210), plan.TotalCost)
}

func TestPlanConsumption_DoesNotMutateInput(t *testing.T) {
	lots := []costlot.Lot{lot("a", 100, 2), lot("b", 120, 3)}
	before := costlot.CloneLots(lots)

	_, err := costlot.PlanConsumption(lots, 4, costlot.PlanOptions{})
	require.NoError(t, err)

	assert.Equal(t, before, lots)
}

func TestPlanConsumption_HierarchicalLotKeepsChildren(t *testing.T) {
	// GIVEN: A bundle lot of 2 with one child
	// WHEN: Drawing 1 unit
	// THEN: The remaining bundle still carries its children unchanged

	bundle := lot("h", 500, 2)
	bundle.Children = []costlot.SubLot{{Key: skuKey, UnitPrice: 250, ItemCount: 2, ArrivedAt: t0}}

	plan, err := costlot.PlanConsumption([]costlot.Lot{bundle}, 1, costlot.PlanOptions{})
	require.NoError(t, err)

	require.Len(t, plan.Remaining, 1)
	assert.Equal(t, int64(1), plan.Remaining[0].ItemCount)
	assert.Equal(t, bundle.Children, plan.Remaining[0].Children)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestPlanConsumption_Conservation(t *testing.T) {
	// For every lot set and quantity: Σuse == q, shortfall == max(0, q-A),
	// and units drawn from lots plus units remaining == A.

	sets := [][]costlot.Lot{
		nil,
		{lot("a", 100, 1)},
		{lot("a", 100, 2), lot("b", 120, 3)},
		{lot("a", 7, 5), lot("b", 7, 5), lot("c", 3, 1), lot("d", 0, 4)},
	}

	for _, lots := range sets {
		available := costlot.TotalCount(lots)
		for q := int64(0); q <= available+3; q++ {
			plan, err := costlot.PlanConsumption(lots, q, costlot.PlanOptions{ShortfallUnitPrice: 11})
			require.NoError(t, err)

			assert.Equal(t, q, plan.Consumed(), "q=%d", q)
			assert.Equal(t, max(0, q-available), plan.Shortfall, "q=%d", q)
			assert.Equal(t, available, q-plan.Shortfall+costlot.TotalCount(plan.Remaining), "q=%d", q)
			assert.Equal(t, costlot.TotalCost(plan.Use), plan.TotalCost)
		}
	}
}
