/*
Package sqlite provides a SQLite-backed implementation of the lot ledger stores.

PURPOSE:
  Implements costlot.TxStore and costlot.StatsStore on SQLite through
  database/sql and mattn/go-sqlite3.

KEY TABLES:
  cost_lots:  One row per lot. Children of hierarchical lots are kept as a
              JSON array on the parent row (depth is exactly 1).
  cost_stats: One row per subject, written by the recompute worker.

INDEXES:
  - idx_cost_lots_key:     FindLots (hot path of every consume/register)
  - idx_cost_lots_subject: FindLotsBySubject for recompute

ORDER:
  Lots come back in insertion order (rowid). The ledger sorts them by the
  configured ordering before planning.

CONCURRENCY:
  SQLite has no row locks, so LotFilter.ForUpdate is a no-op. Writers are
  serialized by a store mutex held for the whole of WithTx, and transactions
  begin IMMEDIATE so other processes sharing the file wait for the write
  lock before reading the lots they will plan on.

USAGE:
  store, err := sqlite.New("./data/lots.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := costlot.NewLedger(store)

SEE ALSO:
  - costlot/store.go: Interface definitions
  - costlot/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL with SELECT ... FOR UPDATE
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/lot-ledger/costlot"
)

// Store implements the lot ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and the store
	// mutex already serializes access.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cost_lots (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		unit_price INTEGER NOT NULL,
		item_count INTEGER NOT NULL CHECK (item_count > 0),
		arrived_at TEXT NOT NULL,
		order_num INTEGER,
		is_exact BOOLEAN NOT NULL DEFAULT FALSE,
		children_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cost_lots_key
		ON cost_lots(subject_id, resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_cost_lots_subject
		ON cost_lots(subject_id);

	CREATE TABLE IF NOT EXISTS cost_stats (
		subject_id TEXT PRIMARY KEY,
		lot_count INTEGER NOT NULL,
		item_count INTEGER NOT NULL,
		total_cost INTEGER NOT NULL,
		average_cost TEXT NOT NULL,
		min_unit_price INTEGER NOT NULL,
		max_unit_price INTEGER NOT NULL,
		computed_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const lotColumns = `id, subject_id, resource_type, resource_id, unit_price, item_count,
	arrived_at, order_num, is_exact, children_json`

// =============================================================================
// LOT STORE (costlot.Store interface)
// =============================================================================

func (s *Store) FindLots(ctx context.Context, key costlot.Key, filter costlot.LotFilter) ([]costlot.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findLots(ctx, s.db, key, filter)
}

func findLots(ctx context.Context, q querier, key costlot.Key, filter costlot.LotFilter) ([]costlot.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM cost_lots
		WHERE subject_id = ? AND resource_type = ? AND resource_id = ?`
	args := []any{key.SubjectID, key.ResourceType, key.ResourceID}

	if filter.UnitPrice != nil {
		query += ` AND unit_price = ?`
		args = append(args, *filter.UnitPrice)
	}
	if filter.ExcludeHierarchical {
		query += ` AND (children_json IS NULL OR children_json = '')`
	}
	query += ` ORDER BY rowid ASC`

	return queryLots(ctx, q, query, args...)
}

func (s *Store) FindLotsBySubject(ctx context.Context, subject costlot.SubjectID) ([]costlot.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLots(ctx, s.db,
		`SELECT `+lotColumns+` FROM cost_lots WHERE subject_id = ? ORDER BY rowid ASC`, subject)
}

func (s *Store) GetLot(ctx context.Context, id costlot.LotID) (costlot.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLot(ctx, s.db, id)
}

func getLot(ctx context.Context, q querier, id costlot.LotID) (costlot.Lot, error) {
	lots, err := queryLots(ctx, q, `SELECT `+lotColumns+` FROM cost_lots WHERE id = ?`, id)
	if err != nil {
		return costlot.Lot{}, err
	}
	if len(lots) == 0 {
		return costlot.Lot{}, fmt.Errorf("%w: %s", costlot.ErrLotNotFound, id)
	}
	return lots[0], nil
}

func (s *Store) CreateLot(ctx context.Context, lot costlot.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLot(ctx, s.db, lot)
}

func createLot(ctx context.Context, q querier, lot costlot.Lot) error {
	var children sql.NullString
	if lot.IsHierarchical() {
		b, err := json.Marshal(lot.Children)
		if err != nil {
			return fmt.Errorf("failed to encode children: %w", err)
		}
		children = sql.NullString{String: string(b), Valid: true}
	}
	var orderNum sql.NullInt64
	if lot.OrderNum != nil {
		orderNum = sql.NullInt64{Int64: *lot.OrderNum, Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO cost_lots
		(id, subject_id, resource_type, resource_id, unit_price, item_count,
		 arrived_at, order_num, is_exact, children_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID,
		lot.Key.SubjectID,
		lot.Key.ResourceType,
		lot.Key.ResourceID,
		lot.UnitPrice,
		lot.ItemCount,
		lot.ArrivedAt.UTC().Format(time.RFC3339Nano),
		orderNum,
		lot.IsExact,
		children,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create lot: %w", err)
	}
	return nil
}

func (s *Store) UpdateLotCount(ctx context.Context, id costlot.LotID, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLot(ctx, s.db, "item_count", id, count)
}

func (s *Store) UpdateLotPrice(ctx context.Context, id costlot.LotID, unitPrice int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLot(ctx, s.db, "unit_price", id, unitPrice)
}

// updateLot sets one integer column. column is never caller input.
func updateLot(ctx context.Context, q querier, column string, id costlot.LotID, value int64) error {
	res, err := q.ExecContext(ctx, `UPDATE cost_lots SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("failed to update lot %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", costlot.ErrLotNotFound, id)
	}
	return nil
}

// DeleteLots deletes all ids or none.
func (s *Store) DeleteLots(ctx context.Context, ids []costlot.LotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := deleteLots(ctx, sqlTx, ids); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func deleteLots(ctx context.Context, q querier, ids []costlot.LotID) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := q.ExecContext(ctx, `DELETE FROM cost_lots WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete lots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(len(ids)) {
		return fmt.Errorf("%w: deleted %d of %d lots", costlot.ErrLotNotFound, n, len(ids))
	}
	return nil
}

func (s *Store) ListSubjects(ctx context.Context) ([]costlot.SubjectID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSubjects(ctx, s.db)
}

func listSubjects(ctx context.Context, q querier) ([]costlot.SubjectID, error) {
	return querySubjects(ctx, q, `SELECT DISTINCT subject_id FROM cost_lots ORDER BY subject_id`)
}

func querySubjects(ctx context.Context, q querier, query string) ([]costlot.SubjectID, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []costlot.SubjectID
	for rows.Next() {
		var s costlot.SubjectID
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

func queryLots(ctx context.Context, q querier, query string, args ...any) ([]costlot.Lot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []costlot.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanLot(rows *sql.Rows) (costlot.Lot, error) {
	var (
		lot       costlot.Lot
		arrivedAt string
		orderNum  sql.NullInt64
		children  sql.NullString
	)

	err := rows.Scan(
		&lot.ID, &lot.Key.SubjectID, &lot.Key.ResourceType, &lot.Key.ResourceID,
		&lot.UnitPrice, &lot.ItemCount, &arrivedAt, &orderNum, &lot.IsExact, &children,
	)
	if err != nil {
		return lot, fmt.Errorf("failed to scan lot: %w", err)
	}

	lot.ArrivedAt, err = time.Parse(time.RFC3339Nano, arrivedAt)
	if err != nil {
		return lot, fmt.Errorf("failed to parse arrived_at of lot %s: %w", lot.ID, err)
	}
	if orderNum.Valid {
		lot.OrderNum = costlot.Int64(orderNum.Int64)
	}
	if children.Valid && children.String != "" {
		if err := json.Unmarshal([]byte(children.String), &lot.Children); err != nil {
			return lot, fmt.Errorf("failed to decode children of lot %s: %w", lot.ID, err)
		}
	}
	return lot, nil
}

// =============================================================================
// TRANSACTIONAL STORE (costlot.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store costlot.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every statement on the open transaction. The parent mutex
// is held by WithTx for its whole lifetime.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) FindLots(ctx context.Context, key costlot.Key, filter costlot.LotFilter) ([]costlot.Lot, error) {
	return findLots(ctx, ts.tx, key, filter)
}

func (ts *txStore) FindLotsBySubject(ctx context.Context, subject costlot.SubjectID) ([]costlot.Lot, error) {
	return queryLots(ctx, ts.tx,
		`SELECT `+lotColumns+` FROM cost_lots WHERE subject_id = ? ORDER BY rowid ASC`, subject)
}

func (ts *txStore) GetLot(ctx context.Context, id costlot.LotID) (costlot.Lot, error) {
	return getLot(ctx, ts.tx, id)
}

func (ts *txStore) CreateLot(ctx context.Context, lot costlot.Lot) error {
	return createLot(ctx, ts.tx, lot)
}

func (ts *txStore) UpdateLotCount(ctx context.Context, id costlot.LotID, count int64) error {
	return updateLot(ctx, ts.tx, "item_count", id, count)
}

func (ts *txStore) UpdateLotPrice(ctx context.Context, id costlot.LotID, unitPrice int64) error {
	return updateLot(ctx, ts.tx, "unit_price", id, unitPrice)
}

func (ts *txStore) DeleteLots(ctx context.Context, ids []costlot.LotID) error {
	return deleteLots(ctx, ts.tx, ids)
}

func (ts *txStore) ListSubjects(ctx context.Context) ([]costlot.SubjectID, error) {
	return listSubjects(ctx, ts.tx)
}

// =============================================================================
// STATS STORE (costlot.StatsStore interface)
// =============================================================================

func (s *Store) SaveStats(ctx context.Context, st costlot.CostStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_stats
		(subject_id, lot_count, item_count, total_cost, average_cost,
		 min_unit_price, max_unit_price, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			lot_count = excluded.lot_count,
			item_count = excluded.item_count,
			total_cost = excluded.total_cost,
			average_cost = excluded.average_cost,
			min_unit_price = excluded.min_unit_price,
			max_unit_price = excluded.max_unit_price,
			computed_at = excluded.computed_at`,
		st.SubjectID, st.LotCount, st.ItemCount, st.TotalCost, st.AverageCost.String(),
		st.MinUnitPrice, st.MaxUnitPrice, st.ComputedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}
	return nil
}

func (s *Store) GetStats(ctx context.Context, subject costlot.SubjectID) (*costlot.CostStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		st         costlot.CostStats
		average    string
		computedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, lot_count, item_count, total_cost, average_cost,
		       min_unit_price, max_unit_price, computed_at
		FROM cost_stats WHERE subject_id = ?`, subject,
	).Scan(&st.SubjectID, &st.LotCount, &st.ItemCount, &st.TotalCost, &average,
		&st.MinUnitPrice, &st.MaxUnitPrice, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	if st.AverageCost, err = decimal.NewFromString(average); err != nil {
		return nil, fmt.Errorf("failed to parse average_cost: %w", err)
	}
	if st.ComputedAt, err = time.Parse(time.RFC3339Nano, computedAt); err != nil {
		return nil, fmt.Errorf("failed to parse computed_at: %w", err)
	}
	return &st, nil
}

func (s *Store) ListStatsSubjects(ctx context.Context) ([]costlot.SubjectID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return querySubjects(ctx, s.db, `SELECT subject_id FROM cost_stats ORDER BY subject_id`)
}

// Reset removes all lots and stats. Dev and tests only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cost_lots; DELETE FROM cost_stats;`)
	return err
}
