package costlot

import "fmt"

// =============================================================================
// DIVIDE ALLOCATOR - Exact split of a lump cost across units
// =============================================================================

// PriceBucket is count units at unit_price.
type PriceBucket struct {
	UnitPrice int64
	Count     int64
}

// Divide splits totalCost across totalQuantity units with no rounding loss.
//
// The first (totalCost mod totalQuantity) units get base+1, the rest get base,
// where base = floor(totalCost / totalQuantity). Buckets come back in
// allocation order, so the +1 bucket precedes the base bucket:
//
//	Divide(100, 3) == [{34 1} {33 2}]
//
// Σ Count == totalQuantity and Σ UnitPrice*Count == totalCost always hold.
func Divide(totalCost, totalQuantity int64) ([]PriceBucket, error) {
	if totalQuantity <= 0 {
		return nil, fmt.Errorf("%w: divide by %d", ErrNonPositiveQuantity, totalQuantity)
	}

	base := totalCost / totalQuantity
	if totalCost%totalQuantity != 0 && totalCost < 0 {
		base-- // floor, not truncation
	}
	remainder := totalCost - base*totalQuantity

	buckets := make([]PriceBucket, 0, 2)
	if remainder > 0 {
		buckets = append(buckets, PriceBucket{UnitPrice: base + 1, Count: remainder})
	}
	if rest := totalQuantity - remainder; rest > 0 {
		buckets = append(buckets, PriceBucket{UnitPrice: base, Count: rest})
	}
	return buckets, nil
}
