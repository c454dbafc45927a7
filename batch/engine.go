/*
engine.go - Batch ledger engine

PURPOSE:
  Engine holds the operations of the batch ledger. Each operation is one
  logical supply-chain event and follows the same cycle:

    1. Read the current BatchRecord (or nothing, for creation)
    2. Mutate or derive fields in memory
    3. Write the full record back as one ledger entry
    4. Emit a domain event for the relational mirror

  Engine carries no connection or ledger handle of its own. The Ledger is
  passed to every call, so the same Engine serves chaincode transactions,
  HTTP requests and tests side by side.

LENIENT PAYLOADS:
  Side payloads arrive as JSON strings. If one does not parse, it is logged
  and treated as an empty object. The call still succeeds. Completeness of
  the record is sacrificed for availability.

SEE ALSO:
  - status.go, transfer.go, recorders.go: Mutating operations
  - pricing.go, query.go, integrity.go, verify.go: Read-only operations
*/
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Event names emitted by mutating operations.
const (
	EventBatchCreated              = "BatchCreated"
	EventBatchStatusUpdated        = "BatchStatusUpdated"
	EventProcessingRecordAdded     = "ProcessingRecordAdded"
	EventTransportRecordAdded      = "TransportRecordAdded"
	EventQualityTestAdded          = "QualityTestAdded"
	EventFinancialTransactionAdded = "FinancialTransactionAdded"
	EventPricingRecordAdded        = "PricingRecordAdded"
	EventBatchTransferred          = "BatchTransferred"
	EventDistributionRecordAdded   = "DistributionRecordAdded"
)

// Engine implements the batch ledger operations.
type Engine struct {
	Log *zap.Logger
}

func NewEngine(log *zap.Logger) *Engine {
	return &Engine{Log: log}
}

func (e *Engine) logger() *zap.Logger {
	if e == nil || e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// =============================================================================
// CREATE / READ
// =============================================================================

// createExtra is the optional creation payload supplied by the relational side.
type createExtra struct {
	Variety           string              `json:"variety"`
	Unit              string              `json:"unit"`
	Coordinates       *Coordinates        `json:"coordinates"`
	HarvestDate       string              `json:"harvestDate"`
	CultivationMethod string              `json:"cultivationMethod"`
	QualityGrade      string              `json:"qualityGrade"`
	Certifications    []string            `json:"certifications"`
	PricePerUnit      decimal.NullDecimal `json:"pricePerUnit"`
	Currency          string              `json:"currency"`
	TotalBatchValue   decimal.NullDecimal `json:"totalBatchValue"`
	PaymentMethod     string              `json:"paymentMethod"`
	BuyerName         string              `json:"buyerName"`
	DataHash          string              `json:"dataHash"`
	DatabaseID        string              `json:"databaseId"`
	EnvironmentalData json.RawMessage     `json:"environmentalData"`
}

// CreateBatch registers a new batch. The key must be unused. All violated
// validation rules are reported together.
func (e *Engine) CreateBatch(ctx context.Context, l Ledger, batchID, farmer, crop, quantity, location, extra string) (*BatchRecord, error) {
	exists, err := e.BatchExists(ctx, l, batchID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &AlreadyExistsError{BatchID: batchID}
	}

	x := decodePayload[createExtra](e.logger(), "createBatch", batchID, extra)

	qty, problems := validateBatchData(batchID, farmer, crop, quantity, location)
	if x.PricePerUnit.Valid && x.PricePerUnit.Decimal.IsNegative() {
		problems = append(problems, "Price per unit must not be negative")
	}
	if x.TotalBatchValue.Valid && x.TotalBatchValue.Decimal.IsNegative() {
		problems = append(problems, "Total batch value must not be negative")
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	now := l.TxTimestamp()
	txID := l.TxID()
	unit := x.Unit
	if unit == "" {
		unit = "kg"
	}

	rec := &BatchRecord{
		DocType:           DocTypeBatch,
		BatchID:           batchID,
		Farmer:            farmer,
		Crop:              crop,
		Variety:           x.Variety,
		Quantity:          qty,
		Unit:              unit,
		Location:          location,
		Coordinates:       x.Coordinates,
		HarvestDate:       x.HarvestDate,
		CultivationMethod: x.CultivationMethod,
		QualityGrade:      x.QualityGrade,
		Certifications:    x.Certifications,
		PricePerUnit:      x.PricePerUnit,
		Currency:          x.Currency,
		TotalBatchValue:   x.TotalBatchValue,
		PaymentMethod:     x.PaymentMethod,
		BuyerName:         x.BuyerName,
		Status:            StatusRegistered,
		CreatedDate:       now,
		LastUpdated:       now,
		LastUpdatedBy:     farmer,
		TxID:              txID,
		CreatorIdentity:   l.CallerIdentity(),
		DataHash:          x.DataHash,
		DatabaseID:        x.DatabaseID,
		EnvironmentalData: x.EnvironmentalData,
		StatusHistory: []StatusEntry{{
			Status:    StatusRegistered,
			UpdatedBy: farmer,
			Timestamp: now,
			TxID:      txID,
			Notes:     "Initial batch registration",
		}},
	}
	rec.CurrentOwner = Owner{ActorID: farmer, ActorRole: RoleFarmer, Since: now}
	rec.ensureLedgers()

	if err := e.save(ctx, l, rec); err != nil {
		return nil, err
	}
	if err := emit(l, EventBatchCreated, map[string]any{
		"batchId":   batchID,
		"farmer":    farmer,
		"crop":      crop,
		"timestamp": now,
		"txId":      txID,
	}); err != nil {
		return nil, err
	}

	e.logger().Info("batch created",
		zap.String("batch_id", batchID),
		zap.String("farmer", farmer),
		zap.String("tx_id", txID),
	)
	return rec, nil
}

func validateBatchData(batchID, farmer, crop, quantity, location string) (decimal.Decimal, []string) {
	var problems []string
	if strings.TrimSpace(batchID) == "" {
		problems = append(problems, "Batch ID is required")
	}
	if strings.TrimSpace(farmer) == "" {
		problems = append(problems, "Farmer name is required")
	}
	if strings.TrimSpace(crop) == "" {
		problems = append(problems, "Crop type is required")
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(quantity))
	if err != nil || !qty.IsPositive() {
		problems = append(problems, "Valid quantity is required")
	}
	if strings.TrimSpace(location) == "" {
		problems = append(problems, "Location is required")
	}
	return qty, problems
}

// GetBatch returns the stored record for batchID.
func (e *Engine) GetBatch(ctx context.Context, l Ledger, batchID string) (*BatchRecord, error) {
	return e.load(ctx, l, batchID)
}

func (e *Engine) BatchExists(ctx context.Context, l Ledger, batchID string) (bool, error) {
	raw, err := l.GetState(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to read from ledger: %w", err)
	}
	return len(raw) > 0, nil
}

// =============================================================================
// READ-MODIFY-WRITE PRIMITIVES
// =============================================================================

// load reads the record with a single GetState. Callers that go on to write
// rely on the Ledger to serialize them against other writers of the key.
func (e *Engine) load(ctx context.Context, l Ledger, batchID string) (*BatchRecord, error) {
	raw, err := l.GetState(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read from ledger: %w", err)
	}
	if len(raw) == 0 {
		return nil, &NotFoundError{BatchID: batchID}
	}
	var rec BatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch %s: %w", batchID, err)
	}
	if rec.DocType != DocTypeBatch {
		return nil, &NotFoundError{BatchID: batchID}
	}
	rec.ensureLedgers()
	return &rec, nil
}

func (e *Engine) save(ctx context.Context, l Ledger, rec *BatchRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal batch %s: %w", rec.BatchID, err)
	}
	if err := l.PutState(ctx, rec.BatchID, raw); err != nil {
		return fmt.Errorf("failed to write batch %s: %w", rec.BatchID, err)
	}
	return nil
}

// touch re-stamps the record with the ledger's transaction time.
func touch(rec *BatchRecord, l Ledger, by string) {
	now := l.TxTimestamp()
	if now.Before(rec.LastUpdated) {
		now = rec.LastUpdated
	}
	rec.LastUpdated = now
	if by != "" {
		rec.LastUpdatedBy = by
	}
}

func emit(l Ledger, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}
	if err := l.SetEvent(name, raw); err != nil {
		return fmt.Errorf("failed to emit %s: %w", name, err)
	}
	return nil
}

// decodePayload parses raw into T. Empty or malformed input yields the zero
// T; a malformed payload is logged, never returned as an error.
func decodePayload[T any](log *zap.Logger, op, batchID, raw string) T {
	var v T
	if strings.TrimSpace(raw) == "" {
		return v
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		log.Warn("malformed payload, using empty object",
			zap.String("op", op),
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
		var zero T
		return zero
	}
	return v
}
