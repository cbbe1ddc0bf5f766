package costlot

// =============================================================================
// RECONCILIATION DIFFER - Minimal writes from original to remaining
// =============================================================================

// CountUpdate sets a persisted lot's item_count.
type CountUpdate struct {
	ID        LotID
	ItemCount int64
}

// Diff is the write set that moves persisted lots to a remaining set.
type Diff struct {
	Deletes []LotID
	Updates []CountUpdate
}

func (d Diff) Empty() bool { return len(d.Deletes) == 0 && len(d.Updates) == 0 }

// Reconcile compares the lots as loaded against the planner's remaining set.
//
// An original lot missing from remaining is deleted; one whose count changed
// is updated; an unchanged one emits nothing, which keeps repeated identical
// plans idempotent. Output follows the order of original.
//
// A remaining lot whose id is not in original means planning and persistence
// disagree; that is a ReconciliationMismatchError and nothing is emitted.
func Reconcile(original, remaining []Lot) (Diff, error) {
	left := make(map[LotID]Lot, len(remaining))
	for _, l := range remaining {
		left[l.ID] = l
	}

	known := make(map[LotID]struct{}, len(original))
	var d Diff
	for _, o := range original {
		known[o.ID] = struct{}{}
		r, ok := left[o.ID]
		switch {
		case !ok:
			d.Deletes = append(d.Deletes, o.ID)
		case r.ItemCount != o.ItemCount:
			d.Updates = append(d.Updates, CountUpdate{ID: o.ID, ItemCount: r.ItemCount})
		}
	}

	for _, r := range remaining {
		if _, ok := known[r.ID]; !ok || r.ID == "" {
			return Diff{}, &ReconciliationMismatchError{ID: r.ID}
		}
	}
	return d, nil
}
