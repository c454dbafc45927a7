/*
stub.go - Fabric stub adapter

PURPOSE:
  Wraps a contractapi transaction context so the batch engine can run
  inside a chaincode invocation. The peer already serializes conflicting
  transactions through MVCC validation, so no extra locking happens here.

  Fabric does not expose read-your-writes within one transaction; the
  engine never re-reads a key it has just written, so this is not an issue.
*/
package chaincode

import (
	"context"
	"fmt"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/plancana/batch-ledger/batch"
)

// UnknownIdentity is reported when the submitter's MSP cannot be resolved.
const UnknownIdentity = "unknown"

type stubLedger struct {
	tx contractapi.TransactionContextInterface
}

// NewLedger adapts a transaction context to batch.Ledger.
func NewLedger(tx contractapi.TransactionContextInterface) batch.Ledger {
	return &stubLedger{tx: tx}
}

func (s *stubLedger) GetState(_ context.Context, key string) ([]byte, error) {
	v, err := s.tx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from world state: %w", key, err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

func (s *stubLedger) PutState(_ context.Context, key string, value []byte) error {
	return s.tx.GetStub().PutState(key, value)
}

func (s *stubLedger) GetStateByRange(_ context.Context, startKey, endKey string) ([]batch.KV, error) {
	it, err := s.tx.GetStub().GetStateByRange(startKey, endKey)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []batch.KV
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, batch.KV{Key: kv.Key, Value: kv.Value})
	}
	return out, nil
}

func (s *stubLedger) TxID() string {
	return s.tx.GetStub().GetTxID()
}

func (s *stubLedger) TxTimestamp() batch.Timestamp {
	ts, err := s.tx.GetStub().GetTxTimestamp()
	if err != nil || ts == nil {
		return batch.Timestamp{}
	}
	return batch.Timestamp{Seconds: ts.GetSeconds(), Nanos: ts.GetNanos()}
}

func (s *stubLedger) CallerIdentity() string {
	ci := s.tx.GetClientIdentity()
	if ci == nil {
		return UnknownIdentity
	}
	msp, err := ci.GetMSPID()
	if err != nil || msp == "" {
		return UnknownIdentity
	}
	return msp
}

func (s *stubLedger) SetEvent(name string, payload []byte) error {
	return s.tx.GetStub().SetEvent(name, payload)
}
