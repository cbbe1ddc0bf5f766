package costlot

import "fmt"

// =============================================================================
// CONSUMPTION PLANNER - Walk ordered lots, draw units, price the shortfall
// =============================================================================

// PlanOptions tunes a consumption walk.
type PlanOptions struct {
	// ShortfallUnitPrice prices units requested beyond the available lots.
	ShortfallUnitPrice int64

	// ExactUnitPrice restricts the walk to lots at this price. Running out is
	// then an error, never a shortfall.
	ExactUnitPrice *int64
}

// Plan is the outcome of a consumption walk.
type Plan struct {
	// Use holds consumed units coalesced by unit price, in walk order.
	// Shortfall units trail as one synthetic lot with an empty id.
	Use []Lot

	// Remaining is the input minus everything consumed. Partially drawn lots
	// keep their id with a reduced count; emptied lots are gone.
	Remaining []Lot

	Shortfall int64
	TotalCost int64
}

// FullyBacked reports whether every consumed unit came from a real lot.
// False means part of TotalCost is an estimate at the shortfall price.
func (p Plan) FullyBacked() bool { return p.Shortfall == 0 }

// Consumed returns Σ use.item_count, which always equals the requested quantity.
func (p Plan) Consumed() int64 { return TotalCount(p.Use) }

// PlanConsumption draws quantity units from lots in the given order.
//
// Lots must already be ordered; the planner never re-sorts. Each step takes
// the head lot: decrement it, or drop it when its last unit is drawn. When
// the list is exhausted the remaining units are counted as shortfall and
// priced at opts.ShortfallUnitPrice.
//
// The input slice is not modified.
func PlanConsumption(lots []Lot, quantity int64, opts PlanOptions) (Plan, error) {
	if quantity < 0 {
		return Plan{}, fmt.Errorf("%w: consume %d", ErrNonPositiveQuantity, quantity)
	}

	eligible := func(l Lot) bool {
		return opts.ExactUnitPrice == nil || l.UnitPrice == *opts.ExactUnitPrice
	}

	if opts.ExactUnitPrice != nil {
		var available int64
		for _, l := range lots {
			if eligible(l) {
				available += l.ItemCount
			}
		}
		if available < quantity {
			return Plan{}, &ExactPriceExhaustedError{
				UnitPrice: *opts.ExactUnitPrice,
				Available: available,
				Requested: quantity,
			}
		}
	}

	var (
		plan     Plan
		byPrice  = make(map[int64]int)
		needed   = quantity
		consumed = func(l Lot, n int64) {
			if i, ok := byPrice[l.UnitPrice]; ok {
				plan.Use[i].ItemCount += n
				return
			}
			u := l.Clone()
			u.ItemCount = n
			byPrice[l.UnitPrice] = len(plan.Use)
			plan.Use = append(plan.Use, u)
		}
	)

	plan.Remaining = make([]Lot, 0, len(lots))
	for _, l := range lots {
		if needed == 0 || !eligible(l) || l.ItemCount <= 0 {
			plan.Remaining = append(plan.Remaining, l.Clone())
			continue
		}
		take := min(l.ItemCount, needed)
		consumed(l, take)
		needed -= take
		if take < l.ItemCount {
			rest := l.Clone()
			rest.ItemCount -= take
			plan.Remaining = append(plan.Remaining, rest)
		}
	}

	if needed > 0 {
		plan.Shortfall = needed
		plan.Use = append(plan.Use, Lot{
			UnitPrice: opts.ShortfallUnitPrice,
			ItemCount: needed,
		})
	}

	plan.TotalCost = TotalCost(plan.Use)
	return plan, nil
}
