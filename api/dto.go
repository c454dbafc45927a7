/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON bodies the HTTP API accepts. Responses are the engine's
  own result types (BatchRecord, MarkupReport, IntegrityResult, ...), which
  already carry stable JSON tags; only requests and API-specific wrappers
  live here.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO:     Response types that exist only at the HTTP layer

SIDE PAYLOADS:
  Fields typed json.RawMessage are forwarded to the engine verbatim. The
  engine decodes them leniently, so a malformed side payload is logged and
  ignored rather than rejected here.

SEE ALSO:
  - handlers.go: Uses these types
  - ../batch/types.go: Response shapes
*/
package api

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/plancana/batch-ledger/batch"
)

// =============================================================================
// BATCH REQUESTS
// =============================================================================

// CreateBatchRequest registers a batch in both the relational mirror and
// the ledger.
type CreateBatchRequest struct {
	BatchID           string              `json:"batchId"`
	Farmer            string              `json:"farmer"`
	Crop              string              `json:"crop"`
	Variety           string              `json:"variety,omitempty"`
	Quantity          decimal.Decimal     `json:"quantity"`
	Unit              string              `json:"unit,omitempty"`
	Location          string              `json:"location"`
	Coordinates       *batch.Coordinates  `json:"coordinates,omitempty"`
	HarvestDate       string              `json:"harvestDate,omitempty"`
	CultivationMethod string              `json:"cultivationMethod,omitempty"`
	QualityGrade      string              `json:"qualityGrade,omitempty"`
	Certifications    []string            `json:"certifications,omitempty"`
	PricePerUnit      decimal.NullDecimal `json:"pricePerUnit"`
	Currency          string              `json:"currency,omitempty"`
	TotalBatchValue   decimal.NullDecimal `json:"totalBatchValue"`
	PaymentMethod     string              `json:"paymentMethod,omitempty"`
	BuyerName         string              `json:"buyerName,omitempty"`
	EnvironmentalData json.RawMessage     `json:"environmentalData,omitempty"`
}

// UpdateStatusRequest moves a batch to a new status.
type UpdateStatusRequest struct {
	Status         string          `json:"status"`
	UpdatedBy      string          `json:"updatedBy"`
	Timestamp      string          `json:"timestamp,omitempty"`
	AdditionalData json.RawMessage `json:"additionalData,omitempty"`
}

// TransferRequest hands custody of a batch to another actor.
type TransferRequest struct {
	FromActorID  string          `json:"fromActorId"`
	FromRole     string          `json:"fromRole"`
	ToActorID    string          `json:"toActorId"`
	ToRole       string          `json:"toRole"`
	TransferData json.RawMessage `json:"transferData,omitempty"`
}

// RecordRequest appends one sub-ledger entry. ActorID is the processor,
// distributor, tester or paying actor depending on the endpoint.
type RecordRequest struct {
	ActorID string          `json:"actorId"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// CreateBatchDTO is returned after a batch is registered.
type CreateBatchDTO struct {
	Batch      *batch.BatchRecord `json:"batch"`
	DatabaseID int64              `json:"databaseId"`
	DataHash   string             `json:"dataHash"`
}

// ExistsDTO answers an existence probe.
type ExistsDTO struct {
	BatchID string `json:"batchId"`
	Exists  bool   `json:"exists"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

// payload turns an optional raw JSON body field into the string argument
// the engine expects. Absent means empty object.
func payload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}
