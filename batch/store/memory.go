// Package store provides in-process Ledger implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plancana/batch-ledger/batch"
)

// DefaultIdentity is reported as the caller when none is configured.
const DefaultIdentity = "Org1MSP"

// =============================================================================
// MEMORY STORE - In-memory ledger (for testing/dev)
// =============================================================================

// Memory is a key-value ledger held in a map. Invoke serializes calls, so
// the engine's read-modify-write cycle is safe under concurrent callers.
type Memory struct {
	invokeMu sync.Mutex

	mu       sync.RWMutex
	state    map[string][]byte
	last     batch.Timestamp
	clock    func() time.Time
	identity string
	handlers []batch.EventHandler
	log      *zap.Logger
}

type Option func(*Memory)

// WithClock replaces time.Now as the source of transaction timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Memory) { m.clock = clock }
}

func WithIdentity(identity string) Option {
	return func(m *Memory) { m.identity = identity }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Memory) { m.log = log }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		state:    make(map[string][]byte),
		clock:    time.Now,
		identity: DefaultIdentity,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers h for every event committed after this call.
func (m *Memory) OnEvent(h batch.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Seed writes a raw value outside any transaction. Used to place foreign
// documents in the key space.
func (m *Memory) Seed(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = append([]byte(nil), value...)
}

// Raw returns the committed value for key, or nil.
func (m *Memory) Raw(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	if !ok {
		return nil
	}
	return append([]byte(nil), v...)
}

// Invoke runs fn as one atomic call. Writes are buffered and applied only
// when fn returns nil; events are dispatched after the writes are applied.
func (m *Memory) Invoke(ctx context.Context, fn func(batch.Ledger) error) error {
	events, err := m.serialized(fn)
	if err != nil {
		return err
	}
	m.dispatch(ctx, events)
	return nil
}

func (m *Memory) serialized(fn func(batch.Ledger) error) ([]batch.Event, error) {
	m.invokeMu.Lock()
	defer m.invokeMu.Unlock()
	return m.run(fn)
}

// Unsynchronized returns an Invoker that skips call serialization. Two
// overlapping calls on the same key may both read the old record and the
// later write wins, silently dropping the earlier one. It exists to make
// that hazard observable.
func (m *Memory) Unsynchronized() batch.Invoker {
	return unsynchronized{m: m}
}

type unsynchronized struct {
	m *Memory
}

func (u unsynchronized) Invoke(ctx context.Context, fn func(batch.Ledger) error) error {
	events, err := u.m.run(fn)
	if err != nil {
		return err
	}
	u.m.dispatch(ctx, events)
	return nil
}

func (m *Memory) run(fn func(batch.Ledger) error) ([]batch.Event, error) {
	tx := &txView{
		parent:   m,
		id:       uuid.NewString(),
		ts:       m.nextTimestamp(),
		identity: m.identity,
		writes:   make(map[string][]byte),
	}
	if err := fn(tx); err != nil {
		m.log.Debug("ledger call rolled back", zap.String("tx_id", tx.id), zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	for k, v := range tx.writes {
		m.state[k] = v
	}
	m.mu.Unlock()
	return tx.events, nil
}

// nextTimestamp never returns a value at or before the previous one, so
// records written by successive calls have strictly increasing times.
func (m *Memory) nextTimestamp() batch.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := batch.NewTimestamp(m.clock())
	if !m.last.Before(ts) {
		ts = batch.NewTimestamp(m.last.Time().Add(time.Nanosecond))
	}
	m.last = ts
	return ts
}

func (m *Memory) dispatch(ctx context.Context, events []batch.Event) {
	if len(events) == 0 {
		return
	}
	m.mu.RLock()
	handlers := append([]batch.EventHandler(nil), m.handlers...)
	m.mu.RUnlock()
	for _, ev := range events {
		for _, h := range handlers {
			h(ctx, ev)
		}
	}
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type txView struct {
	parent   *Memory
	id       string
	ts       batch.Timestamp
	identity string
	writes   map[string][]byte
	events   []batch.Event
}

func (tv *txView) GetState(_ context.Context, key string) ([]byte, error) {
	if v, ok := tv.writes[key]; ok {
		return append([]byte(nil), v...), nil
	}
	return tv.parent.Raw(key), nil
}

func (tv *txView) PutState(_ context.Context, key string, value []byte) error {
	tv.writes[key] = append([]byte(nil), value...)
	return nil
}

func (tv *txView) GetStateByRange(_ context.Context, startKey, endKey string) ([]batch.KV, error) {
	merged := make(map[string][]byte)
	tv.parent.mu.RLock()
	for k, v := range tv.parent.state {
		merged[k] = v
	}
	tv.parent.mu.RUnlock()
	for k, v := range tv.writes {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if startKey != "" && k < startKey {
			continue
		}
		if endKey != "" && k >= endKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]batch.KV, 0, len(keys))
	for _, k := range keys {
		result = append(result, batch.KV{Key: k, Value: append([]byte(nil), merged[k]...)})
	}
	return result, nil
}

func (tv *txView) TxID() string                 { return tv.id }
func (tv *txView) TxTimestamp() batch.Timestamp { return tv.ts }
func (tv *txView) CallerIdentity() string       { return tv.identity }

func (tv *txView) SetEvent(name string, payload []byte) error {
	tv.events = append(tv.events, batch.Event{Name: name, Payload: payload, TxID: tv.id})
	return nil
}
