/*
Package costlot provides the acquisition-cost lot ledger.

PURPOSE:
  Tracks, at unit-cost granularity, how many units of an inventory item were
  acquired at which price and when. Sales, returns and disassembly events
  consume units against those lots to compute cost-of-goods; purchases and
  stocking events register new lots.

KEY CONCEPTS IN THIS FILE (types.go):
  - Key: (subject, resource type, resource id) scope of a lot set
  - Lot: N units acquired at one unit price at one time
  - SubLot: a child of a hierarchical lot (depth exactly 1)

DESIGN PRINCIPLES:
  1. Exactness: prices are int64 minor currency units, never floats
  2. Purity: planning (divide, plan, reconcile, register) never touches storage
  3. Explicit policy: ordering and registration mode are call parameters
  4. Ownership: only the ledger mutates item counts and prices

USAGE:
  ledger := costlot.NewLedger(store)
  res, err := ledger.Consume(ctx, costlot.SubjectKey("sku-1"), 4,
      costlot.Ordering{Column: costlot.ColumnUnitPrice, Direction: costlot.Asc},
      costlot.ConsumeOptions{Persist: true})

SEE ALSO:
  - divide.go: exact integer allocation of a lump cost
  - planner.go: consumption walk over ordered lots
  - reconcile.go: minimal delete/update diff
  - register.go: discrete vs pooled-average registration
  - ledger.go: the public facade
*/
package costlot

import (
	"fmt"
	"time"
)

// =============================================================================
// KEY - Scope of a lot set
// =============================================================================

type SubjectID string
type ResourceType string
type LotID string

// ResourceSubject is the self-scoped resource type: the lot belongs to the
// subject itself rather than to a channel or transaction.
const ResourceSubject ResourceType = "subject"

// Key identifies the lot set a lot belongs to.
type Key struct {
	SubjectID    SubjectID
	ResourceType ResourceType
	ResourceID   string
}

// SubjectKey returns the default self-scoped key for a subject.
func SubjectKey(subject SubjectID) Key {
	return Key{SubjectID: subject, ResourceType: ResourceSubject, ResourceID: string(subject)}
}

// ScopedKey returns a key scoped to a broader resource (channel, transaction...).
func ScopedKey(subject SubjectID, resourceType ResourceType, resourceID string) Key {
	return Key{SubjectID: subject, ResourceType: resourceType, ResourceID: resourceID}
}

func (k Key) IsZero() bool { return k == Key{} }

// Normalize fills the self-scoped defaults for a key that only names a subject.
func (k Key) Normalize() Key {
	if k.ResourceType == "" && k.ResourceID == "" {
		return SubjectKey(k.SubjectID)
	}
	return k
}

// Validate reports ErrMissingKey unless every component is set.
func (k Key) Validate() error {
	if k.SubjectID == "" || k.ResourceType == "" || k.ResourceID == "" {
		return fmt.Errorf("%w: %q", ErrMissingKey, k.String())
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SubjectID, k.ResourceType, k.ResourceID)
}

// =============================================================================
// LOT - N units at one unit price
// =============================================================================

// Lot is the unit of the ledger. ID is assigned by the ledger on creation and
// is empty for lots that were never persisted (new registrations, shortfall).
type Lot struct {
	ID        LotID
	Key       Key
	UnitPrice int64
	ItemCount int64
	ArrivedAt time.Time
	OrderNum  *int64
	IsExact   bool
	Children  []SubLot
}

// SubLot is a child of a hierarchical lot. Same shape as Lot minus children.
type SubLot struct {
	Key       Key
	UnitPrice int64
	ItemCount int64
	ArrivedAt time.Time
	OrderNum  *int64
	IsExact   bool
}

// IsHierarchical reports whether the lot bundles sub-lots. Hierarchical lots
// are never pooled and never split by the allocator.
func (l Lot) IsHierarchical() bool { return len(l.Children) > 0 }

// Cost returns unit_price * item_count.
func (l Lot) Cost() int64 { return l.UnitPrice * l.ItemCount }

// Clone returns a deep copy; children and order number are not shared.
func (l Lot) Clone() Lot {
	c := l
	if l.OrderNum != nil {
		n := *l.OrderNum
		c.OrderNum = &n
	}
	if l.Children != nil {
		c.Children = make([]SubLot, len(l.Children))
		for i, ch := range l.Children {
			if ch.OrderNum != nil {
				n := *ch.OrderNum
				ch.OrderNum = &n
			}
			c.Children[i] = ch
		}
	}
	return c
}

// CloneLots deep-copies a slice of lots.
func CloneLots(lots []Lot) []Lot {
	if lots == nil {
		return nil
	}
	out := make([]Lot, len(lots))
	for i, l := range lots {
		out[i] = l.Clone()
	}
	return out
}

// TotalCount sums item_count over lots.
func TotalCount(lots []Lot) int64 {
	var n int64
	for _, l := range lots {
		n += l.ItemCount
	}
	return n
}

// TotalCost sums unit_price * item_count over lots.
func TotalCost(lots []Lot) int64 {
	var c int64
	for _, l := range lots {
		c += l.Cost()
	}
	return c
}

// Int64 returns a pointer to n. Handy for OrderNum and ExactUnitPrice.
func Int64(n int64) *int64 { return &n }
