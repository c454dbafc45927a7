package batch

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// HISTORY
// =============================================================================

type BatchHistory struct {
	BatchID            string                 `json:"batchId"`
	CurrentStatus      Status                 `json:"currentStatus"`
	StatusHistory      []StatusEntry          `json:"statusHistory"`
	ProcessingHistory  []ProcessingRecord     `json:"processingHistory"`
	TransportHistory   []TransportRecord      `json:"transportHistory"`
	QualityTestHistory []QualityTest          `json:"qualityTestHistory"`
	FinancialHistory   []FinancialTransaction `json:"financialHistory"`
	TotalEvents        int                    `json:"totalEvents"`
}

func (e *Engine) GetBatchHistory(ctx context.Context, l Ledger, batchID string) (*BatchHistory, error) {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchHistory{
		BatchID:            batchID,
		CurrentStatus:      rec.Status,
		StatusHistory:      rec.StatusHistory,
		ProcessingHistory:  rec.ProcessingRecords,
		TransportHistory:   rec.TransportRecords,
		QualityTestHistory: rec.QualityTests,
		FinancialHistory:   rec.FinancialTransactions,
		TotalEvents: len(rec.StatusHistory) + len(rec.ProcessingRecords) +
			len(rec.TransportRecords) + len(rec.QualityTests) + len(rec.FinancialTransactions),
	}, nil
}

// =============================================================================
// VERIFICATION SNAPSHOT - Consumer-facing, read-only
// =============================================================================

type LedgerProof struct {
	Organization         string    `json:"organization"`
	CreatorIdentity      string    `json:"creatorIdentity,omitempty"`
	CreationTxID         string    `json:"creationTxId"`
	CreatedTimestamp     Timestamp `json:"createdTimestamp"`
	LastUpdatedTimestamp Timestamp `json:"lastUpdatedTimestamp"`
	TotalStatusChanges   int       `json:"totalStatusChanges"`
}

type Origin struct {
	Farmer      string       `json:"farmer"`
	Location    string       `json:"location"`
	Coordinates *Coordinates `json:"coordinates"`
}

type Traceability struct {
	Origin        Origin           `json:"origin"`
	CurrentStatus Status           `json:"currentStatus"`
	CurrentOwner  Owner            `json:"currentOwner"`
	Crop          string           `json:"crop"`
	Variety       string           `json:"variety,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Unit          string           `json:"unit"`
	HarvestDate   string           `json:"harvestDate,omitempty"`
	QualityGrade  string           `json:"qualityGrade,omitempty"`
	CustodyChain  []TransferRecord `json:"custodyChain"`
}

type SupplyChainSummary struct {
	TotalProcessingSteps       int `json:"totalProcessingSteps"`
	TotalTransportSteps        int `json:"totalTransportSteps"`
	TotalQualityTests          int `json:"totalQualityTests"`
	TotalFinancialTransactions int `json:"totalFinancialTransactions"`
	TotalDistributionRecords   int `json:"totalDistributionRecords"`
	TotalOwnershipTransfers    int `json:"totalOwnershipTransfers"`
}

type PricingTransparency struct {
	FarmGatePrice  decimal.NullDecimal `json:"farmGatePrice"`
	CurrentPrice   decimal.NullDecimal `json:"currentPrice"`
	CurrentLevel   Level               `json:"currentLevel,omitempty"`
	Currency       string              `json:"currency,omitempty"`
	LevelsRecorded []Level             `json:"levelsRecorded"`
	PriceIncrease  *PriceIncrease      `json:"priceIncrease"`
}

type Completeness struct {
	Complete              bool            `json:"complete"`
	CompletionPercentage  decimal.Decimal `json:"completionPercentage"`
	MissingFields         []string        `json:"missingFields"`
	OptionalFieldsPresent map[string]bool `json:"optionalFieldsPresent"`
}

type DataIntegrity struct {
	LedgerHash     string       `json:"ledgerHash"`
	RecordComplete Completeness `json:"recordComplete"`
	LastVerified   Timestamp    `json:"lastVerified"`
}

type Verification struct {
	*BatchRecord
	Verified            bool                `json:"verified"`
	VerificationTime    Timestamp           `json:"verificationTime"`
	VerificationTxID    string              `json:"verificationTxId"`
	LedgerProof         LedgerProof         `json:"ledgerProof"`
	Traceability        Traceability        `json:"traceability"`
	SupplyChainSummary  SupplyChainSummary  `json:"supplyChainSummary"`
	PricingTransparency PricingTransparency `json:"pricingTransparency"`
	DataIntegrity       DataIntegrity       `json:"dataIntegrity"`
}

// VerifyBatch returns the full record enriched with traceability, pricing
// and completeness summaries. It writes nothing.
func (e *Engine) VerifyBatch(ctx context.Context, l Ledger, batchID string) (*Verification, error) {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return nil, err
	}
	now := l.TxTimestamp()

	hash := rec.DataHash
	if hash == "" {
		hash = "not_provided"
	}

	levels := make([]Level, 0, len(rec.PricingHistory))
	seen := make(map[Level]bool)
	for _, p := range rec.PricingHistory {
		if !seen[p.Level] {
			seen[p.Level] = true
			levels = append(levels, p.Level)
		}
	}

	return &Verification{
		BatchRecord:      rec,
		Verified:         true,
		VerificationTime: now,
		VerificationTxID: l.TxID(),
		LedgerProof: LedgerProof{
			Organization:         l.CallerIdentity(),
			CreatorIdentity:      rec.CreatorIdentity,
			CreationTxID:         rec.TxID,
			CreatedTimestamp:     rec.CreatedDate,
			LastUpdatedTimestamp: rec.LastUpdated,
			TotalStatusChanges:   len(rec.StatusHistory),
		},
		Traceability: Traceability{
			Origin: Origin{
				Farmer:      rec.Farmer,
				Location:    rec.Location,
				Coordinates: rec.Coordinates,
			},
			CurrentStatus: rec.Status,
			CurrentOwner:  rec.CurrentOwner,
			Crop:          rec.Crop,
			Variety:       rec.Variety,
			Quantity:      rec.Quantity,
			Unit:          rec.Unit,
			HarvestDate:   rec.HarvestDate,
			QualityGrade:  rec.QualityGrade,
			CustodyChain:  rec.OwnershipHistory,
		},
		SupplyChainSummary: SupplyChainSummary{
			TotalProcessingSteps:       len(rec.ProcessingRecords),
			TotalTransportSteps:        len(rec.TransportRecords),
			TotalQualityTests:          len(rec.QualityTests),
			TotalFinancialTransactions: len(rec.FinancialTransactions),
			TotalDistributionRecords:   len(rec.DistributionRecords),
			TotalOwnershipTransfers:    len(rec.OwnershipHistory),
		},
		PricingTransparency: PricingTransparency{
			FarmGatePrice:  FarmGatePrice(rec.PricingHistory),
			CurrentPrice:   rec.CurrentPricePerUnit,
			CurrentLevel:   rec.CurrentLevel,
			Currency:       rec.Currency,
			LevelsRecorded: levels,
			PriceIncrease:  priceIncrease(rec.PricingHistory),
		},
		DataIntegrity: DataIntegrity{
			LedgerHash:     hash,
			RecordComplete: CheckCompleteness(rec),
			LastVerified:   now,
		},
	}, nil
}

// CheckCompleteness reports which required fields are missing and which
// optional ones are present.
func CheckCompleteness(b *BatchRecord) Completeness {
	required := []struct {
		name    string
		present bool
	}{
		{"batchId", b.BatchID != ""},
		{"farmer", b.Farmer != ""},
		{"crop", b.Crop != ""},
		{"quantity", b.Quantity.IsPositive()},
		{"location", b.Location != ""},
		{"status", b.Status != ""},
	}
	missing := []string{}
	for _, f := range required {
		if !f.present {
			missing = append(missing, f.name)
		}
	}
	present := int64(len(required) - len(missing))
	pct := decimal.NewFromInt(present).Div(decimal.NewFromInt(int64(len(required)))).Mul(hundred).Round(2)

	return Completeness{
		Complete:             len(missing) == 0,
		CompletionPercentage: pct,
		MissingFields:        missing,
		OptionalFieldsPresent: map[string]bool{
			"variety":        b.Variety != "",
			"coordinates":    b.Coordinates != nil,
			"harvestDate":    b.HarvestDate != "",
			"qualityGrade":   b.QualityGrade != "",
			"certifications": len(b.Certifications) > 0,
		},
	}
}
