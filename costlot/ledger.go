/*
ledger.go - Public facade of the lot ledger

PURPOSE:
  Composes the pure planners with persistence into the three operations the
  rest of the system calls: Consume, Register and CorrectZeroPriceLot.

TRANSACTIONS:
  Every persisted operation runs inside TxStore.WithTx. The per-key lock is
  taken before lots are read and released after commit or rollback, so two
  consumptions of the same key never interleave their read-plan-write cycle.
  Different keys never wait on each other.

POST-COMMIT RECOMPUTE:
  Writes record the affected subjects on the Session. Only after WithTx
  commits does the ledger call RecomputeTrigger, once per subject. An
  aborted transaction fires nothing.

READ-ONLY CONSUME:
  Consume without Persist is a projection ("what would this cost"). It takes
  no lock, opens no transaction and writes nothing, so repeating it with no
  intervening write returns the same result.

EXAMPLE:
  ledger := costlot.NewLedger(store,
      costlot.WithLocker(lock.NewKeyedMutex()),
      costlot.WithRecompute(worker))

  err := ledger.WithinTx(ctx, func(s *costlot.Session) error {
      if _, err := s.Consume(ctx, saleKey, 2, ordering, costlot.ConsumeOptions{Persist: true}); err != nil {
          return err
      }
      _, err := s.Register(ctx, returnKey, returned, costlot.RegisterOptions{Mode: costlot.Discrete})
      return err
  })

SEE ALSO:
  - session.go: Operation bodies
  - store.go: TxStore, Locker, RecomputeTrigger
*/
package costlot

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// OPTIONS & RESULTS
// =============================================================================

// ConsumeOptions tunes one consumption. Ordering is passed separately.
type ConsumeOptions struct {
	ShortfallUnitPrice int64
	ExactUnitPrice     *int64
	Persist            bool
}

// ConsumptionResult is the plan plus, when persisted, the writes applied.
type ConsumptionResult struct {
	Plan
	Diff Diff
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store     TxStore
	locker    Locker
	recompute RecomputeTrigger
	log       zerolog.Logger
	newID     func() LotID
}

type Option func(*Ledger)

// WithLocker sets the per-key lock. Without one the ledger relies on the
// store's own write serialization.
func WithLocker(l Locker) Option { return func(led *Ledger) { led.locker = l } }

// WithRecompute sets the post-commit aggregate trigger.
func WithRecompute(t RecomputeTrigger) Option { return func(led *Ledger) { led.recompute = t } }

func WithLogger(log zerolog.Logger) Option { return func(led *Ledger) { led.log = log } }

// WithIDGenerator overrides lot id assignment (UUIDv4 by default).
func WithIDGenerator(fn func() LotID) Option { return func(led *Ledger) { led.newID = fn } }

func NewLedger(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		log:   zerolog.Nop(),
		newID: func() LotID { return LotID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithinTx runs fn in one transaction. Locks are released when the
// transaction ends; recompute triggers fire only if it committed.
func (l *Ledger) WithinTx(ctx context.Context, fn func(*Session) error) error {
	var sess *Session
	// Locks outlive the transaction: released after commit or rollback,
	// panics included.
	defer func() {
		if sess != nil {
			sess.release()
		}
	}()
	err := l.store.WithTx(ctx, func(tx Store) error {
		sess = newSession(l, tx)
		return fn(sess)
	})
	if err != nil {
		return err
	}
	if l.recompute != nil {
		for _, subject := range sess.order {
			l.recompute.Trigger(ctx, subject)
		}
	}
	return nil
}

// Consume draws quantity units from the lots of key in the given order.
// With opts.Persist the consumption is written atomically; otherwise it is a
// side-effect-free projection.
func (l *Ledger) Consume(ctx context.Context, key Key, quantity int64, ordering Ordering, opts ConsumeOptions) (ConsumptionResult, error) {
	if !opts.Persist {
		return newSession(l, l.store).Consume(ctx, key, quantity, ordering, opts)
	}
	var res ConsumptionResult
	err := l.WithinTx(ctx, func(s *Session) error {
		var err error
		res, err = s.Consume(ctx, key, quantity, ordering, opts)
		return err
	})
	return res, err
}

// Register adds lots under the store's registration policy and returns the
// lots created or incremented.
func (l *Ledger) Register(ctx context.Context, key Key, lots []Lot, opts RegisterOptions) ([]Lot, error) {
	var receipts []Lot
	err := l.WithinTx(ctx, func(s *Session) error {
		var err error
		receipts, err = s.Register(ctx, key, lots, opts)
		return err
	})
	return receipts, err
}

// CorrectZeroPriceLot sets the price of a lot that is exact and zero-priced.
// Any other lot fails with ErrInvalidManualCorrection.
func (l *Ledger) CorrectZeroPriceLot(ctx context.Context, id LotID, newUnitPrice int64) (Lot, error) {
	var lot Lot
	err := l.WithinTx(ctx, func(s *Session) error {
		var err error
		lot, err = s.CorrectZeroPriceLot(ctx, id, newUnitPrice)
		return err
	})
	return lot, err
}

// Lots returns the persisted lots of a key, sorted by ordering.
func (l *Ledger) Lots(ctx context.Context, key Key, ordering Ordering) ([]Lot, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ordering.Validate(); err != nil {
		return nil, err
	}
	lots, err := l.store.FindLots(ctx, key, LotFilter{})
	if err != nil {
		return nil, err
	}
	return ordering.Sort(lots), nil
}
