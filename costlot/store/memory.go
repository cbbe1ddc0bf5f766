// Package store provides costlot.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/lot-ledger/costlot"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	lots  map[costlot.LotID]costlot.Lot
	seq   map[costlot.LotID]int64 // insertion order
	next  int64
	stats map[costlot.SubjectID]costlot.CostStats
}

func NewMemory() *Memory {
	return &Memory{
		lots:  make(map[costlot.LotID]costlot.Lot),
		seq:   make(map[costlot.LotID]int64),
		stats: make(map[costlot.SubjectID]costlot.CostStats),
	}
}

func (m *Memory) FindLots(_ context.Context, key costlot.Key, filter costlot.LotFilter) ([]costlot.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(key, filter), nil
}

func (m *Memory) findLocked(key costlot.Key, filter costlot.LotFilter) []costlot.Lot {
	var out []costlot.Lot
	for _, l := range m.lots {
		if l.Key != key {
			continue
		}
		if filter.UnitPrice != nil && l.UnitPrice != *filter.UnitPrice {
			continue
		}
		if filter.ExcludeHierarchical && l.IsHierarchical() {
			continue
		}
		out = append(out, l.Clone())
	}
	m.sortLocked(out)
	return out
}

func (m *Memory) sortLocked(lots []costlot.Lot) {
	sort.Slice(lots, func(i, j int) bool { return m.seq[lots[i].ID] < m.seq[lots[j].ID] })
}

func (m *Memory) FindLotsBySubject(_ context.Context, subject costlot.SubjectID) ([]costlot.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySubjectLocked(subject), nil
}

func (m *Memory) bySubjectLocked(subject costlot.SubjectID) []costlot.Lot {
	var out []costlot.Lot
	for _, l := range m.lots {
		if l.Key.SubjectID == subject {
			out = append(out, l.Clone())
		}
	}
	m.sortLocked(out)
	return out
}

func (m *Memory) GetLot(_ context.Context, id costlot.LotID) (costlot.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id costlot.LotID) (costlot.Lot, error) {
	l, ok := m.lots[id]
	if !ok {
		return costlot.Lot{}, fmt.Errorf("%w: %s", costlot.ErrLotNotFound, id)
	}
	return l.Clone(), nil
}

func (m *Memory) CreateLot(_ context.Context, lot costlot.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(lot)
}

func (m *Memory) createLocked(lot costlot.Lot) error {
	if lot.ID == "" {
		return fmt.Errorf("create lot: empty id")
	}
	if _, ok := m.lots[lot.ID]; ok {
		return fmt.Errorf("create lot: duplicate id %s", lot.ID)
	}
	m.lots[lot.ID] = lot.Clone()
	m.seq[lot.ID] = m.next
	m.next++
	return nil
}

func (m *Memory) UpdateLotCount(_ context.Context, id costlot.LotID, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, func(l *costlot.Lot) { l.ItemCount = count })
}

func (m *Memory) UpdateLotPrice(_ context.Context, id costlot.LotID, unitPrice int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, func(l *costlot.Lot) { l.UnitPrice = unitPrice })
}

func (m *Memory) updateLocked(id costlot.LotID, fn func(*costlot.Lot)) error {
	l, ok := m.lots[id]
	if !ok {
		return fmt.Errorf("%w: %s", costlot.ErrLotNotFound, id)
	}
	fn(&l)
	m.lots[id] = l
	return nil
}

func (m *Memory) DeleteLots(_ context.Context, ids []costlot.LotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(ids)
}

func (m *Memory) deleteLocked(ids []costlot.LotID) error {
	// Check all ids first (atomic delete)
	for _, id := range ids {
		if _, ok := m.lots[id]; !ok {
			return fmt.Errorf("%w: %s", costlot.ErrLotNotFound, id)
		}
	}
	for _, id := range ids {
		delete(m.lots, id)
		delete(m.seq, id)
	}
	return nil
}

func (m *Memory) ListSubjects(_ context.Context) ([]costlot.SubjectID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subjectsLocked(), nil
}

func (m *Memory) subjectsLocked() []costlot.SubjectID {
	seen := make(map[costlot.SubjectID]struct{})
	var out []costlot.SubjectID
	for _, l := range m.lots {
		if _, ok := seen[l.Key.SubjectID]; !ok {
			seen[l.Key.SubjectID] = struct{}{}
			out = append(out, l.Key.SubjectID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// STATS STORE
// =============================================================================

func (m *Memory) SaveStats(_ context.Context, stats costlot.CostStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[stats.SubjectID] = stats
	return nil
}

func (m *Memory) GetStats(_ context.Context, subject costlot.SubjectID) (*costlot.CostStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[subject]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListStatsSubjects(_ context.Context) ([]costlot.SubjectID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]costlot.SubjectID, 0, len(m.stats))
	for subject := range m.stats {
		out = append(out, subject)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error
// or panic. Writers are serialized for the whole of fn.
func (tm *TxMemory) WithTx(_ context.Context, fn func(costlot.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	committed := false
	defer func() {
		if !committed {
			tm.restore(snapshot)
		}
	}()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		return err
	}
	committed = true
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	lots := make(map[costlot.LotID]costlot.Lot, len(tm.lots))
	for k, v := range tm.lots {
		lots[k] = v.Clone()
	}
	seq := make(map[costlot.LotID]int64, len(tm.seq))
	for k, v := range tm.seq {
		seq[k] = v
	}
	return memorySnapshot{lots: lots, seq: seq, next: tm.next}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.lots = s.lots
	tm.seq = s.seq
	tm.next = s.next
}

type memorySnapshot struct {
	lots map[costlot.LotID]costlot.Lot
	seq  map[costlot.LotID]int64
	next int64
}

// txMemoryView runs with the parent's write lock already held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) FindLots(_ context.Context, key costlot.Key, filter costlot.LotFilter) ([]costlot.Lot, error) {
	return tv.parent.findLocked(key, filter), nil
}

func (tv *txMemoryView) FindLotsBySubject(_ context.Context, subject costlot.SubjectID) ([]costlot.Lot, error) {
	return tv.parent.bySubjectLocked(subject), nil
}

func (tv *txMemoryView) GetLot(_ context.Context, id costlot.LotID) (costlot.Lot, error) {
	return tv.parent.getLocked(id)
}

func (tv *txMemoryView) CreateLot(_ context.Context, lot costlot.Lot) error {
	return tv.parent.createLocked(lot)
}

func (tv *txMemoryView) UpdateLotCount(_ context.Context, id costlot.LotID, count int64) error {
	return tv.parent.updateLocked(id, func(l *costlot.Lot) { l.ItemCount = count })
}

func (tv *txMemoryView) UpdateLotPrice(_ context.Context, id costlot.LotID, unitPrice int64) error {
	return tv.parent.updateLocked(id, func(l *costlot.Lot) { l.UnitPrice = unitPrice })
}

func (tv *txMemoryView) DeleteLots(_ context.Context, ids []costlot.LotID) error {
	return tv.parent.deleteLocked(ids)
}

func (tv *txMemoryView) ListSubjects(_ context.Context) ([]costlot.SubjectID, error) {
	return tv.parent.subjectsLocked(), nil
}
