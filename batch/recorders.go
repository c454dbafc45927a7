/*
recorders.go - Append-only sub-ledger writers

PURPOSE:
  Processing runs, transport legs, quality tests, payments, price quotes and
  warehouse records are all written the same way:

    1. Read the current record (NotFound if absent)
    2. Parse the JSON payload leniently (malformed -> empty object)
    3. Build a typed entry stamped with ledger txId and timestamp
    4. Append it; nothing already in the sub-ledger is touched
    5. Re-stamp lastUpdated and write the record back
    6. Emit the matching event

NULL VS ZERO:
  Numeric fields the caller did not report stay null. A reported 0 is kept
  as 0. The two must stay distinguishable downstream.
*/
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// appendRecord runs the shared read / append / stamp / write cycle. mutate
// appends to the record and returns the event to emit; an error from mutate
// aborts the call before anything is written.
func (e *Engine) appendRecord(ctx context.Context, l Ledger, op, batchID, actorID string, mutate func(rec *BatchRecord) (string, map[string]any, error)) error {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return err
	}

	name, payload, err := mutate(rec)
	if err != nil {
		return err
	}

	touch(rec, l, actorID)
	if err := e.save(ctx, l, rec); err != nil {
		return err
	}

	payload["batchId"] = batchID
	payload["timestamp"] = l.TxTimestamp()
	payload["txId"] = l.TxID()
	if err := emit(l, name, payload); err != nil {
		return err
	}

	e.logger().Debug("sub-record appended",
		zap.String("op", op),
		zap.String("batch_id", batchID),
		zap.String("actor", actorID),
	)
	return nil
}

// nonNegative collects a problem for every reported negative amount.
func nonNegative(fields map[string]decimal.NullDecimal) error {
	var problems []string
	for name, v := range fields {
		if v.Valid && v.Decimal.IsNegative() {
			problems = append(problems, fmt.Sprintf("%s must not be negative", name))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{Problems: problems}
}

// =============================================================================
// PROCESSING
// =============================================================================

type processingInput struct {
	ProcessorID       string              `json:"processorId"`
	ProcessingType    string              `json:"processingType"`
	InputQuantity     decimal.NullDecimal `json:"inputQuantity"`
	OutputQuantity    decimal.NullDecimal `json:"outputQuantity"`
	WasteQuantity     decimal.NullDecimal `json:"wasteQuantity"`
	ProcessingMethod  string              `json:"processingMethod"`
	FacilityLocation  string              `json:"facilityLocation"`
	QualityParameters json.RawMessage     `json:"qualityParameters"`
	Byproducts        []string            `json:"byproducts"`
	EnergyUsed        decimal.NullDecimal `json:"energyUsed"`
	Certifications    []string            `json:"certifications"`
}

func (in processingInput) validate() error {
	return nonNegative(map[string]decimal.NullDecimal{
		"inputQuantity":  in.InputQuantity,
		"outputQuantity": in.OutputQuantity,
		"wasteQuantity":  in.WasteQuantity,
		"energyUsed":     in.EnergyUsed,
	})
}

// newProcessingRecord builds an entry. An unreported input quantity is the
// whole batch.
func newProcessingRecord(rec *BatchRecord, l Ledger, processorID string, in processingInput) ProcessingRecord {
	input := in.InputQuantity
	if !input.Valid {
		input = decimal.NewNullDecimal(rec.Quantity)
	}
	if in.Byproducts == nil {
		in.Byproducts = []string{}
	}
	if in.Certifications == nil {
		in.Certifications = []string{}
	}
	return ProcessingRecord{
		ProcessorID:       processorID,
		ProcessingType:    in.ProcessingType,
		Timestamp:         l.TxTimestamp(),
		TxID:              l.TxID(),
		InputQuantity:     input,
		OutputQuantity:    in.OutputQuantity,
		WasteQuantity:     in.WasteQuantity,
		ProcessingMethod:  in.ProcessingMethod,
		FacilityLocation:  in.FacilityLocation,
		QualityParameters: in.QualityParameters,
		Byproducts:        in.Byproducts,
		EnergyUsed:        in.EnergyUsed,
		Certifications:    in.Certifications,
	}
}

func (e *Engine) AddProcessingRecord(ctx context.Context, l Ledger, batchID, processorID, payload string) (*ProcessingRecord, error) {
	var out ProcessingRecord
	err := e.appendRecord(ctx, l, "addProcessingRecord", batchID, processorID, func(rec *BatchRecord) (string, map[string]any, error) {
		in := decodePayload[processingInput](e.logger(), "addProcessingRecord", batchID, payload)
		if err := in.validate(); err != nil {
			return "", nil, err
		}
		out = newProcessingRecord(rec, l, processorID, in)
		rec.ProcessingRecords = append(rec.ProcessingRecords, out)
		return EventProcessingRecordAdded, map[string]any{
			"processorId":    processorID,
			"processingType": out.ProcessingType,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

type transportInput struct {
	Origin                 string              `json:"origin"`
	Destination            string              `json:"destination"`
	OriginCoordinates      *Coordinates        `json:"originCoordinates"`
	DestinationCoordinates *Coordinates        `json:"destinationCoordinates"`
	Carrier                string              `json:"carrier"`
	VehicleID              string              `json:"vehicleId"`
	VehicleType            string              `json:"vehicleType"`
	DriverName             string              `json:"driverName"`
	DepartureTime          string              `json:"departureTime"`
	EstimatedArrival       string              `json:"estimatedArrival"`
	Distance               decimal.NullDecimal `json:"distance"`
	Temperature            decimal.NullDecimal `json:"temperature"`
	TransportCost          decimal.NullDecimal `json:"transportCost"`
	FuelCost               decimal.NullDecimal `json:"fuelCost"`
	TollCost               decimal.NullDecimal `json:"tollCost"`
	OtherCosts             decimal.NullDecimal `json:"otherCosts"`
	TrackingStatus         string              `json:"trackingStatus"`
	WaybillNumber          string              `json:"waybillNumber"`
	Notes                  string              `json:"notes"`
	UpdateStatus           bool                `json:"updateStatus"`
}

func (in transportInput) validate() error {
	return nonNegative(map[string]decimal.NullDecimal{
		"distance":      in.Distance,
		"transportCost": in.TransportCost,
		"fuelCost":      in.FuelCost,
		"tollCost":      in.TollCost,
		"otherCosts":    in.OtherCosts,
	})
}

func newTransportRecord(l Ledger, distributorID string, in transportInput) TransportRecord {
	tracking := in.TrackingStatus
	if tracking == "" {
		tracking = "PLANNED"
		if in.UpdateStatus {
			tracking = string(StatusInTransit)
		}
	}
	return TransportRecord{
		DistributorID: distributorID,
		Timestamp:     l.TxTimestamp(),
		TxID:          l.TxID(),
		Route: Route{
			Origin:                 in.Origin,
			Destination:            in.Destination,
			OriginCoordinates:      in.OriginCoordinates,
			DestinationCoordinates: in.DestinationCoordinates,
		},
		Carrier:          in.Carrier,
		VehicleID:        in.VehicleID,
		VehicleType:      in.VehicleType,
		DriverName:       in.DriverName,
		DepartureTime:    in.DepartureTime,
		EstimatedArrival: in.EstimatedArrival,
		DistanceKm:       in.Distance,
		Temperature:      in.Temperature,
		Cost: TransportCost{
			Total: in.TransportCost,
			Fuel:  in.FuelCost,
			Toll:  in.TollCost,
			Other: in.OtherCosts,
		},
		TrackingStatus: tracking,
		WaybillNumber:  in.WaybillNumber,
		Notes:          in.Notes,
	}
}

// AddTransportRecord appends a transport leg. With updateStatus set in the
// payload the batch also moves to IN_TRANSIT.
func (e *Engine) AddTransportRecord(ctx context.Context, l Ledger, batchID, distributorID, payload string) (*TransportRecord, error) {
	var out TransportRecord
	err := e.appendRecord(ctx, l, "addTransportRecord", batchID, distributorID, func(rec *BatchRecord) (string, map[string]any, error) {
		in := decodePayload[transportInput](e.logger(), "addTransportRecord", batchID, payload)
		if err := in.validate(); err != nil {
			return "", nil, err
		}
		out = newTransportRecord(l, distributorID, in)
		rec.TransportRecords = append(rec.TransportRecords, out)
		if in.UpdateStatus && rec.Status != StatusInTransit {
			appendStatus(rec, l, StatusInTransit, distributorID, "Transport started")
		}
		return EventTransportRecordAdded, map[string]any{
			"distributorId":  distributorID,
			"trackingStatus": out.TrackingStatus,
			"status":         rec.Status,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// QUALITY
// =============================================================================

type qualityInput struct {
	TesterID       string          `json:"testerId"`
	TestType       string          `json:"testType"`
	Laboratory     string          `json:"laboratory"`
	Results        json.RawMessage `json:"results"`
	Passed         *bool           `json:"passed"`
	CertificateURL string          `json:"certificateUrl"`
}

func newQualityTest(l Ledger, testerID string, in qualityInput) QualityTest {
	if in.TesterID != "" {
		testerID = in.TesterID
	}
	return QualityTest{
		TesterID:       testerID,
		TestType:       in.TestType,
		Laboratory:     in.Laboratory,
		Results:        in.Results,
		Passed:         in.Passed,
		CertificateURL: in.CertificateURL,
		Timestamp:      l.TxTimestamp(),
		TxID:           l.TxID(),
	}
}

func (e *Engine) AddQualityTest(ctx context.Context, l Ledger, batchID, testerID, payload string) (*QualityTest, error) {
	var out QualityTest
	err := e.appendRecord(ctx, l, "addQualityTest", batchID, testerID, func(rec *BatchRecord) (string, map[string]any, error) {
		in := decodePayload[qualityInput](e.logger(), "addQualityTest", batchID, payload)
		out = newQualityTest(l, testerID, in)
		rec.QualityTests = append(rec.QualityTests, out)
		return EventQualityTestAdded, map[string]any{
			"testerId": out.TesterID,
			"testType": out.TestType,
			"passed":   out.Passed,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// FINANCIAL
// =============================================================================

type financialInput struct {
	TransactionType string              `json:"transactionType"`
	Amount          decimal.NullDecimal `json:"amount"`
	Currency        string              `json:"currency"`
	PayerPayee      string              `json:"payerPayee"`
	Description     string              `json:"description"`
	PaymentMethod   string              `json:"paymentMethod"`
	InvoiceNumber   string              `json:"invoiceNumber"`
	Taxes           decimal.NullDecimal `json:"taxes"`
	ExchangeRate    decimal.NullDecimal `json:"exchangeRate"`
}

// AddFinancialTransaction records a payment such as SALE, PURCHASE,
// PROCESSING_FEE or TRANSPORT_FEE.
func (e *Engine) AddFinancialTransaction(ctx context.Context, l Ledger, batchID, actorID, payload string) (*FinancialTransaction, error) {
	var out FinancialTransaction
	err := e.appendRecord(ctx, l, "addFinancialTransaction", batchID, actorID, func(rec *BatchRecord) (string, map[string]any, error) {
		in := decodePayload[financialInput](e.logger(), "addFinancialTransaction", batchID, payload)
		if err := nonNegative(map[string]decimal.NullDecimal{
			"amount":       in.Amount,
			"taxes":        in.Taxes,
			"exchangeRate": in.ExchangeRate,
		}); err != nil {
			return "", nil, err
		}
		out = FinancialTransaction{
			TransactionType: strings.ToUpper(in.TransactionType),
			Amount:          in.Amount,
			Currency:        in.Currency,
			PayerPayee:      in.PayerPayee,
			RecordedBy:      actorID,
			Timestamp:       l.TxTimestamp(),
			TxID:            l.TxID(),
			Description:     in.Description,
			PaymentMethod:   in.PaymentMethod,
			InvoiceNumber:   in.InvoiceNumber,
			Taxes:           in.Taxes,
			ExchangeRate:    in.ExchangeRate,
		}
		rec.FinancialTransactions = append(rec.FinancialTransactions, out)
		return EventFinancialTransactionAdded, map[string]any{
			"transactionType": out.TransactionType,
			"amount":          out.Amount,
			"currency":        out.Currency,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// PRICING
// =============================================================================

type pricingInput struct {
	Level        string                     `json:"level"`
	ActorName    string                     `json:"actorName"`
	PricePerUnit decimal.NullDecimal        `json:"pricePerUnit"`
	TotalValue   decimal.NullDecimal        `json:"totalValue"`
	Quantity     decimal.NullDecimal        `json:"quantity"`
	Unit         string                     `json:"unit"`
	Currency     string                     `json:"currency"`
	Breakdown    map[string]decimal.Decimal `json:"breakdown"`
	Notes        string                     `json:"notes"`
}

// AddPricingRecord appends a price quote and points the current-price cache
// at it, whatever its level.
func (e *Engine) AddPricingRecord(ctx context.Context, l Ledger, batchID, actorID, payload string) (*PricingRecord, error) {
	var out PricingRecord
	err := e.appendRecord(ctx, l, "addPricingRecord", batchID, actorID, func(rec *BatchRecord) (string, map[string]any, error) {
		in := decodePayload[pricingInput](e.logger(), "addPricingRecord", batchID, payload)
		fields := map[string]decimal.NullDecimal{
			"pricePerUnit": in.PricePerUnit,
			"totalValue":   in.TotalValue,
			"quantity":     in.Quantity,
		}
		for k, v := range in.Breakdown {
			fields["breakdown."+k] = decimal.NewNullDecimal(v)
		}
		if err := nonNegative(fields); err != nil {
			return "", nil, err
		}

		unit, currency := in.Unit, in.Currency
		if unit == "" {
			unit = rec.Unit
		}
		if currency == "" {
			currency = rec.Currency
		}
		if in.Breakdown == nil {
			in.Breakdown = map[string]decimal.Decimal{}
		}
		out = PricingRecord{
			Level:        Level(strings.ToUpper(strings.TrimSpace(in.Level))),
			ActorID:      actorID,
			ActorName:    in.ActorName,
			PricePerUnit: in.PricePerUnit,
			TotalValue:   in.TotalValue,
			Quantity:     in.Quantity,
			Unit:         unit,
			Currency:     currency,
			Breakdown:    in.Breakdown,
			Notes:        in.Notes,
			Timestamp:    l.TxTimestamp(),
			TxID:         l.TxID(),
		}
		rec.PricingHistory = append(rec.PricingHistory, out)
		rec.CurrentPricePerUnit = out.PricePerUnit
		rec.CurrentTotalValue = out.TotalValue
		rec.CurrentLevel = out.Level
		return EventPricingRecordAdded, map[string]any{
			"level":        out.Level,
			"actorId":      actorID,
			"pricePerUnit": out.PricePerUnit,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

type distributionInput struct {
	DistributionType     string              `json:"distributionType"`
	WarehouseLocation    string              `json:"warehouseLocation"`
	WarehouseCoordinates *Coordinates        `json:"warehouseCoordinates"`
	StorageConditions    string              `json:"storageConditions"`
	Temperature          decimal.NullDecimal `json:"temperature"`
	Humidity             decimal.NullDecimal `json:"humidity"`
	QuantityReceived     decimal.NullDecimal `json:"quantityReceived"`
	QuantityDistributed  decimal.NullDecimal `json:"quantityDistributed"`
	DestinationType      string              `json:"destinationType"`
	Destination          string              `json:"destination"`
	LogisticsPartner     string              `json:"logisticsPartner"`
	Notes                string              `json:"notes"`
}

func (e *Engine) AddDistributionRecord(ctx context.Context, l Ledger, batchID, distributorID, payload string) (*DistributionRecord, error) {
	var out DistributionRecord
	err := e.appendRecord(ctx, l, "addDistributionRecord", batchID, distributorID, func(rec *BatchRecord) (string, map[string]any, error) {
		in := decodePayload[distributionInput](e.logger(), "addDistributionRecord", batchID, payload)
		if err := nonNegative(map[string]decimal.NullDecimal{
			"quantityReceived":    in.QuantityReceived,
			"quantityDistributed": in.QuantityDistributed,
		}); err != nil {
			return "", nil, err
		}
		out = DistributionRecord{
			DistributorID:       distributorID,
			DistributionType:    in.DistributionType,
			WarehouseLocation:   in.WarehouseLocation,
			WarehouseCoords:     in.WarehouseCoordinates,
			StorageConditions:   in.StorageConditions,
			Temperature:         in.Temperature,
			Humidity:            in.Humidity,
			QuantityReceived:    in.QuantityReceived,
			QuantityDistributed: in.QuantityDistributed,
			DestinationType:     in.DestinationType,
			Destination:         in.Destination,
			LogisticsPartner:    in.LogisticsPartner,
			Notes:               in.Notes,
			Timestamp:           l.TxTimestamp(),
			TxID:                l.TxID(),
		}
		rec.DistributionRecords = append(rec.DistributionRecords, out)
		return EventDistributionRecordAdded, map[string]any{
			"distributorId":    distributorID,
			"distributionType": out.DistributionType,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
