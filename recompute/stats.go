package recompute

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lot-ledger/costlot"
)

// ComputeStats aggregates the lots of one subject across all scopes.
// AverageCost is weighted by item count and rounded to 4 places; an empty
// lot set yields zero stats.
func ComputeStats(subject costlot.SubjectID, lots []costlot.Lot, at time.Time) costlot.CostStats {
	stats := costlot.CostStats{
		SubjectID:   subject,
		AverageCost: decimal.Zero,
		ComputedAt:  at,
	}
	for i, l := range lots {
		stats.LotCount++
		stats.ItemCount += l.ItemCount
		stats.TotalCost += l.Cost()
		if i == 0 || l.UnitPrice < stats.MinUnitPrice {
			stats.MinUnitPrice = l.UnitPrice
		}
		if i == 0 || l.UnitPrice > stats.MaxUnitPrice {
			stats.MaxUnitPrice = l.UnitPrice
		}
	}
	if stats.ItemCount > 0 {
		stats.AverageCost = decimal.NewFromInt(stats.TotalCost).
			DivRound(decimal.NewFromInt(stats.ItemCount), 4)
	}
	return stats
}
