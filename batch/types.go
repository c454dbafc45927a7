/*
Package batch provides the batch ledger engine for agricultural supply chains.

PURPOSE:
  A batch is one harvested lot of an agricultural product. It is registered
  by a farmer and then handed through processors, distributors and retailers.
  Every event in that journey (status change, processing run, transport leg,
  quality test, payment, price quote, custody transfer, warehouse intake) is
  appended to the batch as an immutable sub-record.

KEY CONCEPTS IN THIS FILE (types.go):
  - BatchRecord: The aggregate stored as ONE ledger entry, keyed by batchId
  - Sub-ledgers: Ordered, append-only slices embedded in the record
  - Level/Role/Status: Supply-chain vocabulary
  - Owner: Derived custody snapshot (cache of the last ownership entry)

DESIGN PRINCIPLES:
  1. Append-only: Sub-ledger entries are never removed or reordered
  2. Precision: Quantities and money use decimal.Decimal, written to the
     ledger as JSON numbers
  3. Null means "not reported": optional numerics are decimal.NullDecimal
  4. Caches are derivable: status, currentOwner and the current price
     always equal the latest entry of their sub-ledger

SEE ALSO:
  - engine.go: Engine and the read-modify-write cycle
  - recorders.go: Sub-ledger writers
  - integrity.go: Stable hash over a field whitelist
*/
package batch

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// DocTypeBatch marks ledger values that are batches. Other documents may
// share the key space.
const DocTypeBatch = "batch"

// Records carry quantities and amounts as JSON numbers.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// =============================================================================
// VOCABULARY
// =============================================================================

// Status is the lifecycle state of a batch. The state machine does not
// restrict transitions; any string is accepted.
type Status string

const (
	StatusRegistered     Status = "REGISTERED"
	StatusProcessing     Status = "PROCESSING"
	StatusInTransit      Status = "IN_TRANSIT"
	StatusQualityTested  Status = "QUALITY_TESTED"
	StatusProcessed      Status = "PROCESSED"
	StatusInDistribution Status = "IN_DISTRIBUTION"
	StatusRetailReady    Status = "RETAIL_READY"
	StatusDelivered      Status = "DELIVERED"
	StatusSold           Status = "SOLD"
)

// IsTerminal reports whether no further supply-chain movement is expected.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusSold
}

// Role is a supply-chain actor role.
type Role string

const (
	RoleFarmer      Role = "FARMER"
	RoleProcessor   Role = "PROCESSOR"
	RoleDistributor Role = "DISTRIBUTOR"
	RoleRetailer    Role = "RETAILER"
)

// Level is the supply-chain tier a price was quoted at.
type Level string

const (
	LevelFarmer      Level = "FARMER"
	LevelProcessor   Level = "PROCESSOR"
	LevelDistributor Level = "DISTRIBUTOR"
	LevelRetailer    Level = "RETAILER"
)

// =============================================================================
// BATCH RECORD - One ledger entry
// =============================================================================

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Owner is the actor currently in custody of a batch.
type Owner struct {
	ActorID   string    `json:"actorId"`
	ActorRole Role      `json:"actorRole"`
	Since     Timestamp `json:"since"`
}

type BatchRecord struct {
	DocType string `json:"docType"`
	BatchID string `json:"batchId"`

	// Provenance
	Farmer            string          `json:"farmer"`
	Crop              string          `json:"crop"`
	Variety           string          `json:"variety,omitempty"`
	Quantity          decimal.Decimal `json:"quantity"`
	Unit              string          `json:"unit"`
	Location          string          `json:"location"`
	Coordinates       *Coordinates    `json:"coordinates"`
	HarvestDate       string          `json:"harvestDate,omitempty"`
	CultivationMethod string          `json:"cultivationMethod,omitempty"`
	QualityGrade      string          `json:"qualityGrade,omitempty"`
	Certifications    []string        `json:"certifications"`

	// Farm-gate commercial terms, fixed at creation
	PricePerUnit    decimal.NullDecimal `json:"pricePerUnit"`
	Currency        string              `json:"currency,omitempty"`
	TotalBatchValue decimal.NullDecimal `json:"totalBatchValue"`
	PaymentMethod   string              `json:"paymentMethod,omitempty"`
	BuyerName       string              `json:"buyerName,omitempty"`

	// Lifecycle
	Status        Status    `json:"status"`
	CreatedDate   Timestamp `json:"createdDate"`
	LastUpdated   Timestamp `json:"lastUpdated"`
	LastUpdatedBy string    `json:"lastUpdatedBy,omitempty"`

	// Ledger metadata
	TxID              string          `json:"txId"`
	CreatorIdentity   string          `json:"creatorIdentity,omitempty"`
	DataHash          string          `json:"dataHash"`
	DatabaseID        string          `json:"databaseId,omitempty"`
	EnvironmentalData json.RawMessage `json:"environmentalData,omitempty"`

	// Append-only sub-ledgers
	StatusHistory         []StatusEntry          `json:"statusHistory"`
	ProcessingRecords     []ProcessingRecord     `json:"processingRecords"`
	TransportRecords      []TransportRecord      `json:"transportRecords"`
	QualityTests          []QualityTest          `json:"qualityTests"`
	FinancialTransactions []FinancialTransaction `json:"financialTransactions"`
	PricingHistory        []PricingRecord        `json:"pricingHistory"`
	OwnershipHistory      []TransferRecord       `json:"ownershipHistory"`
	DistributionRecords   []DistributionRecord   `json:"distributionRecords"`

	// Caches of the latest pricing entry
	CurrentPricePerUnit decimal.NullDecimal `json:"currentPricePerUnit"`
	CurrentTotalValue   decimal.NullDecimal `json:"currentTotalValue"`
	CurrentLevel        Level               `json:"currentLevel,omitempty"`

	CurrentOwner Owner `json:"currentOwner"`
}

// ensureLedgers replaces nil sub-ledgers with empty slices so records
// written by older writers still serialize as [] rather than null.
func (b *BatchRecord) ensureLedgers() {
	if b.Certifications == nil {
		b.Certifications = []string{}
	}
	if b.StatusHistory == nil {
		b.StatusHistory = []StatusEntry{}
	}
	if b.ProcessingRecords == nil {
		b.ProcessingRecords = []ProcessingRecord{}
	}
	if b.TransportRecords == nil {
		b.TransportRecords = []TransportRecord{}
	}
	if b.QualityTests == nil {
		b.QualityTests = []QualityTest{}
	}
	if b.FinancialTransactions == nil {
		b.FinancialTransactions = []FinancialTransaction{}
	}
	if b.PricingHistory == nil {
		b.PricingHistory = []PricingRecord{}
	}
	if b.OwnershipHistory == nil {
		b.OwnershipHistory = []TransferRecord{}
	}
	if b.DistributionRecords == nil {
		b.DistributionRecords = []DistributionRecord{}
	}
}

// DerivedStatus returns the status of the last statusHistory entry.
func (b *BatchRecord) DerivedStatus() Status {
	if len(b.StatusHistory) == 0 {
		return b.Status
	}
	return b.StatusHistory[len(b.StatusHistory)-1].Status
}

// DerivedOwner returns the recipient of the last transfer, or the farmer
// when custody never changed hands.
func (b *BatchRecord) DerivedOwner() Owner {
	if len(b.OwnershipHistory) == 0 {
		return Owner{ActorID: b.Farmer, ActorRole: RoleFarmer, Since: b.CreatedDate}
	}
	last := b.OwnershipHistory[len(b.OwnershipHistory)-1]
	return Owner{ActorID: last.ToActorID, ActorRole: last.ToActorRole, Since: last.Timestamp}
}

// =============================================================================
// SUB-LEDGER ENTRIES
// =============================================================================

type StatusEntry struct {
	Status         Status          `json:"status"`
	UpdatedBy      string          `json:"updatedBy"`
	Timestamp      Timestamp       `json:"timestamp"`
	ReportedAt     string          `json:"reportedAt,omitempty"`
	PreviousStatus *Status         `json:"previousStatus"`
	TxID           string          `json:"txId"`
	Notes          string          `json:"notes"`
	Location       *string         `json:"location"`
	WeatherData    json.RawMessage `json:"weatherData,omitempty"`
}

type ProcessingRecord struct {
	ProcessorID       string              `json:"processorId"`
	ProcessingType    string              `json:"processingType"`
	Timestamp         Timestamp           `json:"timestamp"`
	TxID              string              `json:"txId"`
	InputQuantity     decimal.NullDecimal `json:"inputQuantity"`
	OutputQuantity    decimal.NullDecimal `json:"outputQuantity"`
	WasteQuantity     decimal.NullDecimal `json:"wasteQuantity"`
	ProcessingMethod  string              `json:"processingMethod,omitempty"`
	FacilityLocation  string              `json:"facilityLocation,omitempty"`
	QualityParameters json.RawMessage     `json:"qualityParameters,omitempty"`
	Byproducts        []string            `json:"byproducts"`
	EnergyUsed        decimal.NullDecimal `json:"energyUsed"`
	Certifications    []string            `json:"certifications"`
}

type Route struct {
	Origin                 string       `json:"origin,omitempty"`
	Destination            string       `json:"destination,omitempty"`
	OriginCoordinates      *Coordinates `json:"originCoordinates,omitempty"`
	DestinationCoordinates *Coordinates `json:"destinationCoordinates,omitempty"`
}

type TransportCost struct {
	Total decimal.NullDecimal `json:"total"`
	Fuel  decimal.NullDecimal `json:"fuel"`
	Toll  decimal.NullDecimal `json:"toll"`
	Other decimal.NullDecimal `json:"other"`
}

type TransportRecord struct {
	DistributorID    string              `json:"distributorId"`
	Timestamp        Timestamp           `json:"timestamp"`
	TxID             string              `json:"txId"`
	Route            Route               `json:"route"`
	Carrier          string              `json:"carrier,omitempty"`
	VehicleID        string              `json:"vehicleId,omitempty"`
	VehicleType      string              `json:"vehicleType,omitempty"`
	DriverName       string              `json:"driverName,omitempty"`
	DepartureTime    string              `json:"departureTime,omitempty"`
	EstimatedArrival string              `json:"estimatedArrival,omitempty"`
	DistanceKm       decimal.NullDecimal `json:"distanceKm"`
	Temperature      decimal.NullDecimal `json:"temperature"`
	Cost             TransportCost       `json:"cost"`
	TrackingStatus   string              `json:"trackingStatus"`
	WaybillNumber    string              `json:"waybillNumber,omitempty"`
	Notes            string              `json:"notes,omitempty"`
}

type QualityTest struct {
	TesterID       string          `json:"testerId"`
	TestType       string          `json:"testType"`
	Laboratory     string          `json:"laboratory,omitempty"`
	Results        json.RawMessage `json:"results,omitempty"`
	Passed         *bool           `json:"passed"`
	CertificateURL string          `json:"certificateUrl,omitempty"`
	Timestamp      Timestamp       `json:"timestamp"`
	TxID           string          `json:"txId"`
}

type FinancialTransaction struct {
	TransactionType string              `json:"transactionType"`
	Amount          decimal.NullDecimal `json:"amount"`
	Currency        string              `json:"currency,omitempty"`
	PayerPayee      string              `json:"payerPayee,omitempty"`
	RecordedBy      string              `json:"recordedBy"`
	Timestamp       Timestamp           `json:"timestamp"`
	TxID            string              `json:"txId"`
	Description     string              `json:"description"`
	PaymentMethod   string              `json:"paymentMethod,omitempty"`
	InvoiceNumber   string              `json:"invoiceNumber,omitempty"`
	Taxes           decimal.NullDecimal `json:"taxes"`
	ExchangeRate    decimal.NullDecimal `json:"exchangeRate"`
}

type PricingRecord struct {
	Level        Level                      `json:"level"`
	ActorID      string                     `json:"actorId"`
	ActorName    string                     `json:"actorName,omitempty"`
	PricePerUnit decimal.NullDecimal        `json:"pricePerUnit"`
	TotalValue   decimal.NullDecimal        `json:"totalValue"`
	Quantity     decimal.NullDecimal        `json:"quantity"`
	Unit         string                     `json:"unit,omitempty"`
	Currency     string                     `json:"currency,omitempty"`
	Breakdown    map[string]decimal.Decimal `json:"breakdown"`
	Notes        string                     `json:"notes,omitempty"`
	Timestamp    Timestamp                  `json:"timestamp"`
	TxID         string                     `json:"txId"`
}

type TransferRecord struct {
	BatchID       string          `json:"batchId"`
	FromActorID   string          `json:"fromActorId"`
	FromActorRole Role            `json:"fromActorRole"`
	ToActorID     string          `json:"toActorId"`
	ToActorRole   Role            `json:"toActorRole"`
	TransferType  string          `json:"transferType"`
	Location      string          `json:"location,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Conditions    json.RawMessage `json:"conditions,omitempty"`
	Documents     []string        `json:"documents"`
	Signature     string          `json:"signature,omitempty"`
	Timestamp     Timestamp       `json:"timestamp"`
	TxID          string          `json:"txId"`
}

type DistributionRecord struct {
	DistributorID       string              `json:"distributorId"`
	DistributionType    string              `json:"distributionType,omitempty"`
	WarehouseLocation   string              `json:"warehouseLocation,omitempty"`
	WarehouseCoords     *Coordinates        `json:"warehouseCoordinates,omitempty"`
	StorageConditions   string              `json:"storageConditions,omitempty"`
	Temperature         decimal.NullDecimal `json:"temperature"`
	Humidity            decimal.NullDecimal `json:"humidity"`
	QuantityReceived    decimal.NullDecimal `json:"quantityReceived"`
	QuantityDistributed decimal.NullDecimal `json:"quantityDistributed"`
	DestinationType     string              `json:"destinationType,omitempty"`
	Destination         string              `json:"destination,omitempty"`
	LogisticsPartner    string              `json:"logisticsPartner,omitempty"`
	Notes               string              `json:"notes,omitempty"`
	Timestamp           Timestamp           `json:"timestamp"`
	TxID                string              `json:"txId"`
}
