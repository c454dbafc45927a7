/*
Package sqlite provides a SQLite-backed batch ledger and relational mirror.

PURPOSE:
  Two stores live in one database file:

  ledger_state:  The key-value ledger. One row per key holding the full
                 JSON value, a version counter and the id of the call that
                 last wrote it. Implements batch.Ledger through Invoke.
  batches:       The relational mirror. One normalized row per batch,
                 written by the HTTP layer and kept current by ledger
                 events. Its hash is compared against the ledger.
  batch_events:  Append-only log of every committed ledger event.
  integrity_runs: One row per integrity sweep (see runs.go).

INVOKE:
  Each Invoke runs inside one SQL transaction:
    1. Reads go to the database, remembering the version seen per key
    2. Writes are buffered
    3. On success every buffered write is applied with a version check:
       UPDATE ... WHERE key = ? AND version = <version read>
    4. Any row that changed since it was read aborts the whole call with
       batch.ErrConcurrentModification; nothing is written
    5. Events are dispatched after COMMIT

  Within one process the mutex already serializes calls, so the version
  check only fires when several processes share the database file.

CONCURRENCY:
  Uses sync.RWMutex like every other method on Store. In production with
  PostgreSQL, row-level locking handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  err = store.Invoke(ctx, func(l batch.Ledger) error {
      _, err := engine.CreateBatch(ctx, l, "PALM001", ...)
      return err
  })

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - mirror.go: Relational mirror and event log
  - ../../batch/ledger.go: Ledger and Invoker contracts
  - ../../batch/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/plancana/batch-ledger/batch"
)

// DefaultIdentity is reported as the caller when none is configured.
const DefaultIdentity = "Org1MSP"

// Store implements batch.Invoker and the relational mirror using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	identity string
	clock    func() time.Time
	last     batch.Timestamp
	handlers []batch.EventHandler
	log      *zap.Logger
}

type Option func(*Store)

// WithIdentity sets the caller identity reported to the engine.
func WithIdentity(identity string) Option {
	return func(s *Store) { s.identity = identity }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{
		db:       db,
		identity: DefaultIdentity,
		clock:    time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(store)
	}
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
	-- Ledger state (one row per key, full JSON value)
	CREATE TABLE IF NOT EXISTS ledger_state (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		tx_id TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Relational mirror
	CREATE TABLE IF NOT EXISTS batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL UNIQUE,
		farmer TEXT NOT NULL,
		crop TEXT NOT NULL,
		variety TEXT,
		quantity TEXT NOT NULL,
		unit TEXT NOT NULL,
		location TEXT NOT NULL,
		harvest_date TEXT,
		cultivation_method TEXT,
		quality_grade TEXT,
		certifications_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		price_per_unit TEXT,
		currency TEXT,
		current_owner TEXT,
		data_hash TEXT,
		ledger_tx_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_farmer ON batches(farmer);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);

	-- Committed ledger events (append-only)
	CREATE TABLE IF NOT EXISTS batch_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		name TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batch_events_batch ON batch_events(batch_id, id);

	-- Integrity sweep runs
	CREATE TABLE IF NOT EXISTS integrity_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		checked INTEGER NOT NULL DEFAULT 0,
		valid INTEGER NOT NULL DEFAULT 0,
		mismatched INTEGER NOT NULL DEFAULT 0,
		missing INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		mismatched_ids_json TEXT NOT NULL DEFAULT '[]',
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_integrity_runs_started ON integrity_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// OnEvent registers h for every event committed after this call.
func (s *Store) OnEvent(h batch.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// =============================================================================
// LEDGER INVOKER
// =============================================================================

// Invoke runs fn inside a database transaction. fn's writes are applied
// only if it returns nil and no key it read has changed in the meantime.
func (s *Store) Invoke(ctx context.Context, fn func(batch.Ledger) error) error {
	s.mu.Lock()
	events, err := s.invokeLocked(ctx, fn)
	handlers := append([]batch.EventHandler(nil), s.handlers...)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, ev := range events {
		for _, h := range handlers {
			h(ctx, ev)
		}
	}
	return nil
}

func (s *Store) invokeLocked(ctx context.Context, fn func(batch.Ledger) error) ([]batch.Event, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txLedger{
		tx:       sqlTx,
		id:       uuid.NewString(),
		ts:       s.nextTimestamp(),
		identity: s.identity,
		versions: make(map[string]int64),
		writes:   make(map[string][]byte),
	}
	if err := fn(view); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(view.writes))
	for k := range view.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := view.apply(ctx, k); err != nil {
			s.log.Warn("ledger write rejected", zap.String("key", k), zap.String("tx_id", view.id), zap.Error(err))
			return nil, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", conflict(err))
	}
	return view.events, nil
}

// nextTimestamp is strictly increasing across calls on this Store.
func (s *Store) nextTimestamp() batch.Timestamp {
	ts := batch.NewTimestamp(s.clock())
	if !s.last.Before(ts) {
		ts = batch.NewTimestamp(s.last.Time().Add(time.Nanosecond))
	}
	s.last = ts
	return ts
}

// txLedger is the batch.Ledger seen by one Invoke call.
type txLedger struct {
	tx       *sql.Tx
	id       string
	ts       batch.Timestamp
	identity string

	// versions holds the version observed at first read; 0 means absent.
	versions map[string]int64
	writes   map[string][]byte
	events   []batch.Event
}

func (tl *txLedger) GetState(ctx context.Context, key string) ([]byte, error) {
	if v, ok := tl.writes[key]; ok {
		return append([]byte(nil), v...), nil
	}

	var value []byte
	var version int64
	err := tl.tx.QueryRowContext(ctx,
		"SELECT value, version FROM ledger_state WHERE key = ?", key,
	).Scan(&value, &version)
	if err == sql.ErrNoRows {
		value, version = nil, 0
	} else if err != nil {
		return nil, err
	}

	if _, seen := tl.versions[key]; !seen {
		tl.versions[key] = version
	}
	return value, nil
}

func (tl *txLedger) PutState(_ context.Context, key string, value []byte) error {
	tl.writes[key] = append([]byte(nil), value...)
	return nil
}

func (tl *txLedger) GetStateByRange(ctx context.Context, startKey, endKey string) ([]batch.KV, error) {
	rows, err := tl.tx.QueryContext(ctx, `
		SELECT key, value FROM ledger_state
		WHERE key >= ? AND (? = '' OR key < ?)
		ORDER BY key
	`, startKey, endKey, endKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	merged := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		merged[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for k, v := range tl.writes {
		if k >= startKey && (endKey == "" || k < endKey) {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]batch.KV, 0, len(keys))
	for _, k := range keys {
		result = append(result, batch.KV{Key: k, Value: merged[k]})
	}
	return result, nil
}

func (tl *txLedger) TxID() string                 { return tl.id }
func (tl *txLedger) TxTimestamp() batch.Timestamp { return tl.ts }
func (tl *txLedger) CallerIdentity() string       { return tl.identity }

func (tl *txLedger) SetEvent(name string, payload []byte) error {
	tl.events = append(tl.events, batch.Event{Name: name, Payload: payload, TxID: tl.id})
	return nil
}

// apply writes one buffered key with a version check.
func (tl *txLedger) apply(ctx context.Context, key string) error {
	value := tl.writes[key]
	now := tl.ts.String()

	version, read := tl.versions[key]
	var res sql.Result
	var err error
	switch {
	case !read:
		// Blind write: nothing was read, so there is nothing to compare.
		res, err = tl.tx.ExecContext(ctx, `
			INSERT INTO ledger_state (key, value, version, tx_id, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				version = ledger_state.version + 1,
				tx_id = excluded.tx_id,
				updated_at = excluded.updated_at
		`, key, value, tl.id, now)
	case version == 0:
		res, err = tl.tx.ExecContext(ctx, `
			INSERT INTO ledger_state (key, value, version, tx_id, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, value, tl.id, now)
	default:
		res, err = tl.tx.ExecContext(ctx, `
			UPDATE ledger_state
			SET value = ?, version = version + 1, tx_id = ?, updated_at = ?
			WHERE key = ? AND version = ?
		`, value, tl.id, now, key, version)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, conflict(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("key %s: %w", key, batch.ErrConcurrentModification)
	}
	return nil
}

// conflict maps SQLite lock contention to batch.ErrConcurrentModification.
// In WAL mode a call whose read snapshot went stale fails with SQLITE_BUSY
// before the version check can run.
func conflict(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w", se.Error(), batch.ErrConcurrentModification)
	}
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// StateVersion returns the version of key, 0 when absent.
func (s *Store) StateVersion(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int64
	err := s.db.QueryRowContext(ctx, "SELECT version FROM ledger_state WHERE key = ?", key).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"integrity_runs", "batch_events", "batches", "ledger_state"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
