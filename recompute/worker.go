/*
Package recompute maintains display-level cost aggregates for subjects.

PURPOSE:
  After the ledger commits a write that changed a subject's lots, it calls
  Trigger. The worker recomputes average/min/max cost for that subject in
  the background and stores the result. It only reads lots, never mutates
  them, and a recompute can be repeated any number of times.

DESIGN:
  - Trigger never blocks: subjects go into a de-duplicating pending set and
    a buffered wake-up channel
  - A single goroutine drains the pending set
  - An optional sweep ticker recomputes every subject with lots or stats,
    which repairs stats lost to a crash or a dropped trigger

USAGE:
  worker := recompute.NewWorker(store, store, recompute.Options{SweepInterval: time.Hour})
  worker.Start()
  defer worker.Stop()
  ledger := costlot.NewLedger(store, costlot.WithRecompute(worker))

SEE ALSO:
  - stats.go: ComputeStats
  - costlot/store.go: RecomputeTrigger, StatsStore
*/
package recompute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/lot-ledger/costlot"
)

// LotReader is the read side of costlot.Store the worker needs.
type LotReader interface {
	FindLotsBySubject(ctx context.Context, subject costlot.SubjectID) ([]costlot.Lot, error)
	ListSubjects(ctx context.Context) ([]costlot.SubjectID, error)
}

type Options struct {
	SweepInterval time.Duration // 0 disables the sweep

	// QueueSize caps the pending set; 0 means unbounded. Subjects triggered
	// while the set is full are dropped and picked up by the next sweep.
	QueueSize int

	Logger zerolog.Logger
	Now    func() time.Time
}

// Worker recomputes CostStats off the request path.
type Worker struct {
	lots  LotReader
	stats costlot.StatsStore
	opts  Options

	mu      sync.Mutex
	pending map[costlot.SubjectID]struct{}
	order   []costlot.SubjectID
	running bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWorker(lots LotReader, stats costlot.StatsStore, opts Options) *Worker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		lots:    lots,
		stats:   stats,
		opts:    opts,
		pending: make(map[costlot.SubjectID]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Trigger enqueues a subject. Duplicates collapse into one recompute.
func (w *Worker) Trigger(_ context.Context, subject costlot.SubjectID) {
	w.mu.Lock()
	if _, ok := w.pending[subject]; !ok {
		if w.opts.QueueSize > 0 && len(w.order) >= w.opts.QueueSize {
			w.mu.Unlock()
			w.opts.Logger.Warn().Str("subject_id", string(subject)).Msg("recompute queue full, trigger dropped")
			return
		}
		w.pending[subject] = struct{}{}
		w.order = append(w.order, subject)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of subjects waiting for recompute.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// Start begins the background loop.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run()

	w.opts.Logger.Info().Dur("sweep_interval", w.opts.SweepInterval).Msg("recompute worker started")
}

// Stop drains pending subjects and stops the loop.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()

	w.wg.Wait()
	w.opts.Logger.Info().Msg("recompute worker stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()
	ctx := context.Background()

	var sweep <-chan time.Time
	if w.opts.SweepInterval > 0 {
		t := time.NewTicker(w.opts.SweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-w.wake:
			w.Drain(ctx)
		case <-sweep:
			if err := w.Sweep(ctx); err != nil {
				w.opts.Logger.Error().Err(err).Msg("recompute sweep")
			}
		case <-w.stop:
			w.Drain(ctx)
			return
		}
	}
}

// Drain recomputes every pending subject and returns how many succeeded.
// Failed subjects are logged and dropped; the next trigger or sweep retries.
func (w *Worker) Drain(ctx context.Context) int {
	w.mu.Lock()
	batch := w.order
	w.order = nil
	w.pending = make(map[costlot.SubjectID]struct{})
	w.mu.Unlock()

	done := 0
	for _, subject := range batch {
		if err := w.Recompute(ctx, subject); err != nil {
			w.opts.Logger.Error().Err(err).Str("subject_id", string(subject)).Msg("recompute cost stats")
			continue
		}
		done++
	}
	return done
}

// Sweep recomputes every subject that has lots or stored stats. Subjects
// whose last lot is gone get zeroed stats.
func (w *Worker) Sweep(ctx context.Context) error {
	withLots, err := w.lots.ListSubjects(ctx)
	if err != nil {
		return fmt.Errorf("list subjects: %w", err)
	}
	withStats, err := w.stats.ListStatsSubjects(ctx)
	if err != nil {
		return fmt.Errorf("list stats subjects: %w", err)
	}
	subjects := unionSubjects(withLots, withStats)
	n := 0
	for _, s := range subjects {
		if err := w.Recompute(ctx, s); err != nil {
			w.opts.Logger.Error().Err(err).Str("subject_id", string(s)).Msg("recompute cost stats")
			continue
		}
		n++
	}
	w.opts.Logger.Debug().Int("subjects", len(subjects)).Int("recomputed", n).Msg("recompute sweep done")
	return nil
}

// Recompute synchronously rebuilds the stats of one subject.
func (w *Worker) Recompute(ctx context.Context, subject costlot.SubjectID) error {
	lots, err := w.lots.FindLotsBySubject(ctx, subject)
	if err != nil {
		return fmt.Errorf("find lots of %s: %w", subject, err)
	}
	stats := ComputeStats(subject, lots, w.opts.Now().UTC())
	if err := w.stats.SaveStats(ctx, stats); err != nil {
		return fmt.Errorf("save stats of %s: %w", subject, err)
	}
	w.opts.Logger.Debug().
		Str("subject_id", string(subject)).
		Int64("item_count", stats.ItemCount).
		Str("average_cost", stats.AverageCost.String()).
		Msg("cost stats recomputed")
	return nil
}

// unionSubjects merges subject lists, sorted and without duplicates.
func unionSubjects(a, b []costlot.SubjectID) []costlot.SubjectID {
	out := make([]costlot.SubjectID, 0, len(a)+len(b))
	seen := make(map[costlot.SubjectID]struct{}, len(a)+len(b))
	for _, list := range [][]costlot.SubjectID{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
