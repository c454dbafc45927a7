/*
integrity.go - Cross-store integrity hashing

PURPOSE:
  The ledger and a relational mirror each hold a copy of every batch. They
  are written by separate calls with no shared transaction, so they can
  drift. A content hash over a narrow whitelist of fields is the only way
  to notice.

WHITELIST:
  batchId, farmer, crop, variety, quantity, unit, location, harvestDate,
  cultivationMethod, qualityGrade, certifications, status

  Timestamps, surrogate keys and the hash fields themselves are excluded,
  otherwise every write would change the hash.

CANONICAL FORM:
  A JSON object whose keys are sorted byte-wise, no whitespace. Empty
  optional strings encode as null, quantity as its shortest decimal string.
  The encoding never depends on struct field order or map iteration, so
  any implementation that follows these rules reproduces the hash.

TWO CHECKS:
  VerifyBatchIntegrity compares the hash stored at creation time with a
  hash the caller just computed from the relational row. The ledger copy is
  never rehashed, so it detects relational drift only.

  VerifyLedgerIntegrity rehashes the ledger's current copy instead. Use it
  when ledger-side changes to whitelisted fields must be caught too.
*/
package batch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

const (
	IntegrityValid    = "VALID"
	IntegrityMismatch = "MISMATCH"
)

// IntegrityFields is the hashed subset of a batch.
type IntegrityFields struct {
	BatchID           string
	Farmer            string
	Crop              string
	Variety           string
	Quantity          decimal.Decimal
	Unit              string
	Location          string
	HarvestDate       string
	CultivationMethod string
	QualityGrade      string
	Certifications    []string
	Status            string
}

func FieldsFromRecord(b *BatchRecord) IntegrityFields {
	return IntegrityFields{
		BatchID:           b.BatchID,
		Farmer:            b.Farmer,
		Crop:              b.Crop,
		Variety:           b.Variety,
		Quantity:          b.Quantity,
		Unit:              b.Unit,
		Location:          b.Location,
		HarvestDate:       b.HarvestDate,
		CultivationMethod: b.CultivationMethod,
		QualityGrade:      b.QualityGrade,
		Certifications:    b.Certifications,
		Status:            string(b.Status),
	}
}

type pair struct {
	key   string
	value any
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CanonicalJSON returns the canonical encoding of f.
func (f IntegrityFields) CanonicalJSON() ([]byte, error) {
	certs := f.Certifications
	if certs == nil {
		certs = []string{}
	}
	pairs := []pair{
		{"batchId", f.BatchID},
		{"farmer", f.Farmer},
		{"crop", f.Crop},
		{"variety", optional(f.Variety)},
		{"quantity", f.Quantity.String()},
		{"unit", f.Unit},
		{"location", f.Location},
		{"harvestDate", optional(f.HarvestDate)},
		{"cultivationMethod", optional(f.CultivationMethod)},
		{"qualityGrade", optional(f.QualityGrade)},
		{"certifications", certs},
		{"status", f.Status},
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// StableHash is the hex SHA-256 of the canonical encoding.
func StableHash(f IntegrityFields) (string, error) {
	canonical, err := f.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

type IntegrityResult struct {
	BatchID          string    `json:"batchId"`
	LedgerExists     bool      `json:"ledgerExists"`
	ExternalHash     string    `json:"databaseHash"`
	StoredHash       string    `json:"storedHash"`
	LedgerHash       string    `json:"ledgerHash,omitempty"`
	HashMatch        bool      `json:"hashMatch"`
	IntegrityStatus  string    `json:"integrityStatus"`
	Message          string    `json:"message"`
	VerificationTime Timestamp `json:"verificationTime"`
	VerificationTxID string    `json:"verificationTxId"`
}

// VerifyBatchIntegrity compares the hash captured at creation with
// externalHash. A mismatch is a result, not an error.
func (e *Engine) VerifyBatchIntegrity(ctx context.Context, l Ledger, batchID, externalHash string) (*IntegrityResult, error) {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return nil, err
	}
	res := &IntegrityResult{
		BatchID:          batchID,
		LedgerExists:     true,
		ExternalHash:     externalHash,
		StoredHash:       rec.DataHash,
		HashMatch:        rec.DataHash == externalHash,
		VerificationTime: l.TxTimestamp(),
		VerificationTxID: l.TxID(),
	}
	if res.HashMatch {
		res.IntegrityStatus = IntegrityValid
		res.Message = "Data integrity verified - ledger and database are synchronized"
	} else {
		res.IntegrityStatus = IntegrityMismatch
		res.Message = "Data integrity check failed - ledger and database hashes do not match"
	}
	return res, nil
}

// VerifyLedgerIntegrity rehashes the ledger's current copy of the batch and
// compares it with externalHash.
func (e *Engine) VerifyLedgerIntegrity(ctx context.Context, l Ledger, batchID, externalHash string) (*IntegrityResult, error) {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return nil, err
	}
	ledgerHash, err := StableHash(FieldsFromRecord(rec))
	if err != nil {
		return nil, err
	}
	res := &IntegrityResult{
		BatchID:          batchID,
		LedgerExists:     true,
		ExternalHash:     externalHash,
		StoredHash:       rec.DataHash,
		LedgerHash:       ledgerHash,
		HashMatch:        ledgerHash == externalHash,
		VerificationTime: l.TxTimestamp(),
		VerificationTxID: l.TxID(),
	}
	if res.HashMatch {
		res.IntegrityStatus = IntegrityValid
		res.Message = "Ledger copy matches the database record"
	} else {
		res.IntegrityStatus = IntegrityMismatch
		res.Message = "Ledger copy differs from the database record"
	}
	return res, nil
}
