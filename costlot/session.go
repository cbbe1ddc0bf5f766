package costlot

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// SESSION - Ledger operations bound to one transaction
// =============================================================================

// Session runs ledger operations against a transactional store view. Per-key
// locks taken by the session are held until the transaction ends; recompute
// triggers are buffered and fired by Ledger.WithinTx only after commit.
type Session struct {
	ledger *Ledger
	store  Store

	held    map[Key]func()
	touched map[SubjectID]struct{}
	order   []SubjectID
}

func newSession(l *Ledger, store Store) *Session {
	return &Session{
		ledger:  l,
		store:   store,
		held:    make(map[Key]func()),
		touched: make(map[SubjectID]struct{}),
	}
}

// lock takes the per-key lock once per session.
func (s *Session) lock(ctx context.Context, key Key) error {
	if _, ok := s.held[key]; ok || s.ledger.locker == nil {
		return nil
	}
	unlock, err := s.ledger.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	s.held[key] = unlock
	return nil
}

func (s *Session) release() {
	for k, unlock := range s.held {
		unlock()
		delete(s.held, k)
	}
}

func (s *Session) touch(subject SubjectID) {
	if _, ok := s.touched[subject]; ok {
		return
	}
	s.touched[subject] = struct{}{}
	s.order = append(s.order, subject)
}

// Consume plans a consumption and, with Persist, writes the minimal diff.
func (s *Session) Consume(ctx context.Context, key Key, quantity int64, ordering Ordering, opts ConsumeOptions) (ConsumptionResult, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ConsumptionResult{}, err
	}
	if quantity < 0 {
		return ConsumptionResult{}, fmt.Errorf("%w: consume %d", ErrNonPositiveQuantity, quantity)
	}
	if err := ordering.Validate(); err != nil {
		return ConsumptionResult{}, err
	}

	filter := LotFilter{UnitPrice: opts.ExactUnitPrice}
	if opts.Persist {
		if err := s.lock(ctx, key); err != nil {
			return ConsumptionResult{}, err
		}
		filter.ForUpdate = true
	}

	original, err := s.store.FindLots(ctx, key, filter)
	if err != nil {
		return ConsumptionResult{}, fmt.Errorf("find lots %s: %w", key, err)
	}

	plan, err := PlanConsumption(ordering.Sort(original), quantity, PlanOptions{
		ShortfallUnitPrice: opts.ShortfallUnitPrice,
		ExactUnitPrice:     opts.ExactUnitPrice,
	})
	if err != nil {
		return ConsumptionResult{}, err
	}

	log := s.ledger.log.With().Str("key", key.String()).Int64("quantity", quantity).Logger()
	if !plan.FullyBacked() {
		log.Warn().Int64("shortfall", plan.Shortfall).Int64("shortfall_unit_price", opts.ShortfallUnitPrice).
			Msg("lots exhausted, cost estimated at shortfall price")
	}

	result := ConsumptionResult{Plan: plan}
	if !opts.Persist {
		log.Debug().Int64("total_cost", plan.TotalCost).Msg("consumption projected")
		return result, nil
	}

	diff, err := Reconcile(original, plan.Remaining)
	if err != nil {
		return ConsumptionResult{}, err
	}
	if err := s.apply(ctx, diff); err != nil {
		return ConsumptionResult{}, err
	}
	if !diff.Empty() {
		s.touch(key.SubjectID)
	}
	result.Diff = diff

	log.Debug().
		Int64("total_cost", plan.TotalCost).
		Int("deletes", len(diff.Deletes)).
		Int("updates", len(diff.Updates)).
		Msg("consumption persisted")
	return result, nil
}

func (s *Session) apply(ctx context.Context, diff Diff) error {
	if len(diff.Deletes) > 0 {
		if err := s.store.DeleteLots(ctx, diff.Deletes); err != nil {
			return fmt.Errorf("delete lots: %w", err)
		}
	}
	for _, u := range diff.Updates {
		if err := s.store.UpdateLotCount(ctx, u.ID, u.ItemCount); err != nil {
			return fmt.Errorf("update lot %s: %w", u.ID, err)
		}
	}
	return nil
}

// Register adds lots under the given store policy. Lots without a key take
// the call key. Returns the lots created or incremented as persisted.
func (s *Session) Register(ctx context.Context, key Key, lots []Lot, opts RegisterOptions) ([]Lot, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if opts.Mode != "" {
		if err := opts.Mode.Validate(); err != nil {
			return nil, err
		}
	}

	newLots := make([]Lot, len(lots))
	for i, l := range lots {
		l = l.Clone()
		if l.Key.IsZero() {
			l.Key = key
		} else {
			l.Key = l.Key.Normalize()
		}
		newLots[i] = l
	}

	// Load every key the plan may touch, locking in a stable order.
	keys := make(map[Key]struct{})
	if EffectiveMode(newLots, opts) == PooledAverage && len(newLots) > 0 {
		pool := newLots[0].Key
		if opts.PoolKey != nil {
			pool = opts.PoolKey.Normalize()
			opts.PoolKey = &pool
		}
		keys[pool] = struct{}{}
	} else {
		for _, l := range newLots {
			keys[l.Key] = struct{}{}
		}
	}
	sorted := make([]Key, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	var existing []Lot
	for _, k := range sorted {
		if err := k.Validate(); err != nil {
			return nil, err
		}
		if err := s.lock(ctx, k); err != nil {
			return nil, err
		}
		found, err := s.store.FindLots(ctx, k, LotFilter{ForUpdate: true})
		if err != nil {
			return nil, fmt.Errorf("find lots %s: %w", k, err)
		}
		existing = append(existing, found...)
	}

	plan, err := PlanRegistration(existing, newLots, opts)
	if err != nil {
		return nil, err
	}
	plan.AssignIDs(s.ledger.newID)

	if len(plan.Deletes) > 0 {
		if err := s.store.DeleteLots(ctx, plan.Deletes); err != nil {
			return nil, fmt.Errorf("delete pooled lots: %w", err)
		}
	}
	for _, u := range plan.Increments {
		if err := s.store.UpdateLotCount(ctx, u.ID, u.ItemCount); err != nil {
			return nil, fmt.Errorf("increment lot %s: %w", u.ID, err)
		}
	}
	for _, c := range plan.Creates {
		if err := s.store.CreateLot(ctx, c); err != nil {
			return nil, fmt.Errorf("create lot: %w", err)
		}
	}
	for _, r := range plan.Receipts {
		s.touch(r.Key.SubjectID)
	}

	s.ledger.log.Debug().
		Str("key", key.String()).
		Str("mode", string(plan.Mode)).
		Int("created", len(plan.Creates)).
		Int("incremented", len(plan.Increments)).
		Int("deleted", len(plan.Deletes)).
		Msg("lots registered")
	return plan.Receipts, nil
}

// CorrectZeroPriceLot backfills the price of an exact zero-priced lot.
func (s *Session) CorrectZeroPriceLot(ctx context.Context, id LotID, newUnitPrice int64) (Lot, error) {
	lot, err := s.store.GetLot(ctx, id)
	if err != nil {
		return Lot{}, err
	}
	if err := s.lock(ctx, lot.Key); err != nil {
		return Lot{}, err
	}
	// Re-read under the lock; a concurrent consume may have changed it.
	if lot, err = s.store.GetLot(ctx, id); err != nil {
		return Lot{}, err
	}
	if lot.UnitPrice != 0 || !lot.IsExact {
		return Lot{}, &InvalidCorrectionError{ID: lot.ID, UnitPrice: lot.UnitPrice, IsExact: lot.IsExact}
	}
	if err := s.store.UpdateLotPrice(ctx, id, newUnitPrice); err != nil {
		return Lot{}, fmt.Errorf("update lot price %s: %w", id, err)
	}
	lot.UnitPrice = newUnitPrice
	s.touch(lot.Key.SubjectID)

	s.ledger.log.Info().
		Str("lot_id", string(id)).
		Str("key", lot.Key.String()).
		Int64("unit_price", newUnitPrice).
		Msg("zero-price lot corrected")
	return lot, nil
}
