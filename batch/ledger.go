/*
ledger.go - Key-value ledger port

PURPOSE:
  The engine never talks to a database or a blockchain directly. Every
  operation receives a Ledger: a per-call view of a key-value store that
  also supplies the transaction id, the transaction timestamp, the caller's
  identity, and an event channel. A Fabric chaincode stub satisfies this
  contract; so do the in-memory and SQLite stores.

ATOMICITY:
  The engine does a plain read-modify-write with no version token. It is
  only safe when the platform serializes calls that touch the same key.
  Invoker.Invoke is that guarantee for local stores: fn runs as one unit,
  its writes become visible together, and an error discards them all.

SEE ALSO:
  - store/memory.go: In-memory Invoker
  - ../store/sqlite/sqlite.go: SQLite Invoker with versioned rows
  - ../chaincode/stub.go: Fabric stub adapter
*/
package batch

import "context"

// KV is one entry returned by a range scan.
type KV struct {
	Key   string
	Value []byte
}

// Ledger is the key-value contract the engine is written against.
type Ledger interface {
	// GetState returns nil, nil when the key is absent.
	GetState(ctx context.Context, key string) ([]byte, error)

	PutState(ctx context.Context, key string, value []byte) error

	// GetStateByRange returns entries with start <= key < end in key order.
	// Empty bounds are open.
	GetStateByRange(ctx context.Context, startKey, endKey string) ([]KV, error)

	TxID() string
	TxTimestamp() Timestamp

	// CallerIdentity is the organizational identity of the submitter.
	CallerIdentity() string

	SetEvent(name string, payload []byte) error
}

// Invoker runs fn as one serialized, atomic ledger call.
type Invoker interface {
	Invoke(ctx context.Context, fn func(Ledger) error) error
}

// Event is a ledger event delivered after the emitting call commits.
type Event struct {
	Name    string
	Payload []byte
	TxID    string
}

// EventHandler consumes committed events (e.g. the relational mirror).
type EventHandler func(ctx context.Context, ev Event)
