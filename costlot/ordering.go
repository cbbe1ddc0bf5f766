package costlot

import (
	"fmt"
	"sort"
)

// =============================================================================
// ORDERING - Closed set of sortable columns, resolved before planning
// =============================================================================

type Column string

const (
	ColumnUnitPrice Column = "unit_price"
	ColumnArrivedAt Column = "arrived_at"
	ColumnOrderNum  Column = "order_num"
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Ordering is the store-level consumption order. Reverse flips whichever
// direction is configured, so {ArrivedAt, Asc, Reverse} walks newest first.
type Ordering struct {
	Column    Column
	Direction Direction
	Reverse   bool
}

// DefaultOrdering is first-in-first-out by arrival.
var DefaultOrdering = Ordering{Column: ColumnArrivedAt, Direction: Asc}

func (o Ordering) Validate() error {
	switch o.Column {
	case ColumnUnitPrice, ColumnArrivedAt, ColumnOrderNum:
	default:
		return fmt.Errorf("%w: column %q", ErrInvalidOrdering, o.Column)
	}
	switch o.Direction {
	case Asc, Desc:
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidOrdering, o.Direction)
	}
	return nil
}

// Descending reports the effective direction after Reverse.
func (o Ordering) Descending() bool {
	return (o.Direction == Desc) != o.Reverse
}

// Less resolves the ordering to a comparator.
//
// Ties on the primary column break by arrival (oldest first) then id, so
// the result is deterministic. Lots without an order number sort after all
// numbered lots in either direction.
func (o Ordering) Less() func(a, b Lot) bool {
	desc := o.Descending()
	primary := func(a, b Lot) int {
		switch o.Column {
		case ColumnUnitPrice:
			return cmpInt64(a.UnitPrice, b.UnitPrice)
		case ColumnOrderNum:
			return cmpInt64(*a.OrderNum, *b.OrderNum)
		default:
			return a.ArrivedAt.Compare(b.ArrivedAt)
		}
	}

	return func(a, b Lot) bool {
		if o.Column == ColumnOrderNum && (a.OrderNum == nil || b.OrderNum == nil) {
			if (a.OrderNum == nil) != (b.OrderNum == nil) {
				return b.OrderNum == nil
			}
		} else if c := primary(a, b); c != 0 {
			if desc {
				return c > 0
			}
			return c < 0
		}
		if c := a.ArrivedAt.Compare(b.ArrivedAt); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	}
}

// Sort returns a sorted copy of lots. The input is not modified.
func (o Ordering) Sort(lots []Lot) []Lot {
	out := CloneLots(lots)
	less := o.Less()
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
