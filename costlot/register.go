package costlot

import (
	"fmt"
	"time"
)

// =============================================================================
// REGISTRATION POLICY - Discrete lots vs pooled weighted average
// =============================================================================

type RegistrationMode string

const (
	// Discrete keeps each (price, arrival) as its own lot, merging counts only
	// into an identical existing lot.
	Discrete RegistrationMode = "discrete"

	// PooledAverage merges all non-hierarchical lots of a key into lots priced
	// at their quantity-weighted average. Store default.
	PooledAverage RegistrationMode = "pooled_average"
)

func (m RegistrationMode) Validate() error {
	switch m {
	case Discrete, PooledAverage:
		return nil
	}
	return fmt.Errorf("%w: registration mode %q", ErrInvalidPolicy, m)
}

// RegisterOptions carries the store policy plus per-call overrides.
type RegisterOptions struct {
	Mode RegistrationMode

	// PoolKey pools new lots that span several keys into one key.
	PoolKey *Key

	// ForceDiscrete requests per-lot registration for this call only.
	ForceDiscrete bool

	// KeepHierarchicalCount keeps a hierarchical lot's item_count as given
	// instead of normalizing it to a single indivisible unit.
	KeepHierarchicalCount bool
}

// RegistrationPlan is the write set of a registration.
type RegistrationPlan struct {
	Mode       RegistrationMode
	Creates    []Lot
	Increments []CountUpdate
	Deletes    []LotID

	// Receipts are the lots as they will be persisted: incremented lots in
	// the order they were first matched, then created lots in creation order.
	Receipts []Lot
}

// EffectiveMode resolves the mode actually applied to newLots.
//
// Pooling is never applied when any new lot has children, when the lots span
// more than one key without an explicit pool key, or when the call forces
// discrete registration.
func EffectiveMode(newLots []Lot, opts RegisterOptions) RegistrationMode {
	if opts.Mode == Discrete || opts.ForceDiscrete {
		return Discrete
	}
	keys := make(map[Key]struct{})
	for _, l := range newLots {
		if l.IsHierarchical() {
			return Discrete
		}
		keys[l.Key] = struct{}{}
	}
	if len(keys) > 1 && opts.PoolKey == nil {
		return Discrete
	}
	return PooledAverage
}

// PlanRegistration decides how newLots land on top of existing persisted lots.
//
// existing must hold every persisted lot for the keys involved (the pool key
// in pooled mode). New lots must carry a valid key and a positive count. Ids
// for created lots are left empty; the caller assigns them.
func PlanRegistration(existing, newLots []Lot, opts RegisterOptions) (RegistrationPlan, error) {
	if opts.Mode == "" {
		opts.Mode = PooledAverage
	}
	if err := opts.Mode.Validate(); err != nil {
		return RegistrationPlan{}, err
	}

	lots := make([]Lot, 0, len(newLots))
	for _, l := range newLots {
		l = l.Clone()
		if err := l.Key.Validate(); err != nil {
			return RegistrationPlan{}, err
		}
		if l.IsHierarchical() && !opts.KeepHierarchicalCount {
			l.ItemCount = 1
		}
		if l.ItemCount <= 0 {
			return RegistrationPlan{}, fmt.Errorf("%w: register %d units", ErrNonPositiveQuantity, l.ItemCount)
		}
		l.ID = ""
		lots = append(lots, l)
	}
	if len(lots) == 0 {
		return RegistrationPlan{Mode: EffectiveMode(lots, opts)}, nil
	}

	if EffectiveMode(lots, opts) == Discrete {
		return planDiscrete(existing, lots), nil
	}

	poolKey := lots[0].Key
	if opts.PoolKey != nil {
		if err := opts.PoolKey.Validate(); err != nil {
			return RegistrationPlan{}, err
		}
		poolKey = *opts.PoolKey
	}
	return planPooled(existing, lots, poolKey)
}

func sameSlot(a, b Lot) bool {
	return a.Key == b.Key &&
		a.UnitPrice == b.UnitPrice &&
		a.ArrivedAt.Equal(b.ArrivedAt) &&
		!a.IsHierarchical() && !b.IsHierarchical()
}

func planDiscrete(existing, lots []Lot) RegistrationPlan {
	plan := RegistrationPlan{Mode: Discrete}

	// Incremented existing lots, by id, and lots created earlier in this call.
	incremented := make(map[LotID]int)
	for _, l := range lots {
		if !l.IsHierarchical() {
			if i := indexOf(plan.Creates, l); i >= 0 {
				plan.Creates[i].ItemCount += l.ItemCount
				continue
			}
			if i := indexOf(existing, l); i >= 0 {
				e := existing[i]
				if j, ok := incremented[e.ID]; ok {
					plan.Increments[j].ItemCount += l.ItemCount
					continue
				}
				incremented[e.ID] = len(plan.Increments)
				plan.Increments = append(plan.Increments, CountUpdate{ID: e.ID, ItemCount: e.ItemCount + l.ItemCount})
				continue
			}
		}
		plan.Creates = append(plan.Creates, l)
	}

	for _, u := range plan.Increments {
		for _, e := range existing {
			if e.ID == u.ID {
				r := e.Clone()
				r.ItemCount = u.ItemCount
				plan.Receipts = append(plan.Receipts, r)
				break
			}
		}
	}
	plan.Receipts = append(plan.Receipts, CloneLots(plan.Creates)...)
	return plan
}

func indexOf(lots []Lot, l Lot) int {
	for i, e := range lots {
		if sameSlot(e, l) {
			return i
		}
	}
	return -1
}

func planPooled(existing, lots []Lot, poolKey Key) (RegistrationPlan, error) {
	plan := RegistrationPlan{Mode: PooledAverage}

	var (
		quantity int64
		cost     int64
		arrived  time.Time
		exact    = true
	)
	add := func(l Lot) {
		quantity += l.ItemCount
		cost += l.Cost()
		if l.ArrivedAt.After(arrived) {
			arrived = l.ArrivedAt
		}
		exact = exact && l.IsExact
	}

	for _, e := range existing {
		if e.Key != poolKey || e.IsHierarchical() {
			continue
		}
		add(e)
		plan.Deletes = append(plan.Deletes, e.ID)
	}
	for _, l := range lots {
		add(l)
	}

	buckets, err := Divide(cost, quantity)
	if err != nil {
		return RegistrationPlan{}, err
	}
	for _, b := range buckets {
		plan.Creates = append(plan.Creates, Lot{
			Key:       poolKey,
			UnitPrice: b.UnitPrice,
			ItemCount: b.Count,
			ArrivedAt: arrived,
			IsExact:   exact,
		})
	}
	plan.Receipts = CloneLots(plan.Creates)
	return plan, nil
}

// AssignIDs gives every created lot an id and mirrors it into the receipts,
// which end with the created lots in creation order.
func (p *RegistrationPlan) AssignIDs(newID func() LotID) {
	offset := len(p.Receipts) - len(p.Creates)
	for i := range p.Creates {
		p.Creates[i].ID = newID()
		if offset >= 0 {
			p.Receipts[offset+i].ID = p.Creates[i].ID
		}
	}
}
