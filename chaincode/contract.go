/*
contract.go - Fabric contract for the batch ledger

PURPOSE:
  Exposes every engine operation as a chaincode transaction. Arguments
  arrive as strings, exactly as a Fabric client submits them, and results
  are returned as JSON documents so clients get the same shapes as the
  HTTP API.

  Returning JSON strings rather than structs keeps contractapi from
  generating metadata schemas for decimal and raw JSON fields, which it
  cannot describe.

SEE ALSO:
  - stub.go: Ledger adapter over the transaction context
  - ../batch/engine.go: Operation semantics
*/
package chaincode

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/plancana/batch-ledger/batch"
)

// ContractName is the namespace clients address transactions with.
const ContractName = "AgriculturalContract"

// BatchContract is the chaincode entry point.
type BatchContract struct {
	contractapi.Contract
	engine *batch.Engine
}

func NewBatchContract(engine *batch.Engine) *BatchContract {
	if engine == nil {
		engine = batch.NewEngine(nil)
	}
	c := &BatchContract{engine: engine}
	c.Name = ContractName
	return c
}

func (c *BatchContract) bind(tx contractapi.TransactionContextInterface) (context.Context, batch.Ledger) {
	return context.Background(), NewLedger(tx)
}

func respond[T any](v T, err error) (string, error) {
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(out), nil
}

// =============================================================================
// LEDGER SETUP
// =============================================================================

// InitLedger seeds the sample palm oil batch. Running it twice is harmless.
func (c *BatchContract) InitLedger(tx contractapi.TransactionContextInterface) error {
	ctx, l := c.bind(tx)
	exists, err := c.engine.BatchExists(ctx, l, SampleBatchID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = c.engine.CreateBatch(ctx, l, SampleBatchID, "Green Valley Farm", "Palm Oil", "5000", "Selangor, Malaysia",
		`{"variety":"Tenera","unit":"kg","coordinates":{"latitude":3.0738,"longitude":101.5183}}`)
	return err
}

// SampleBatchID is the batch InitLedger registers.
const SampleBatchID = "PALM001"

// =============================================================================
// BATCH LIFECYCLE
// =============================================================================

func (c *BatchContract) CreateBatch(tx contractapi.TransactionContextInterface, batchID, farmer, crop, quantity, location, additionalData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.CreateBatch(ctx, l, batchID, farmer, crop, quantity, location, additionalData))
}

func (c *BatchContract) GetBatch(tx contractapi.TransactionContextInterface, batchID string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.GetBatch(ctx, l, batchID))
}

func (c *BatchContract) BatchExists(tx contractapi.TransactionContextInterface, batchID string) (bool, error) {
	ctx, l := c.bind(tx)
	return c.engine.BatchExists(ctx, l, batchID)
}

func (c *BatchContract) UpdateBatchStatus(tx contractapi.TransactionContextInterface, batchID, status, updatedBy, timestamp, additionalData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.UpdateBatchStatus(ctx, l, batchID, status, updatedBy, timestamp, additionalData))
}

func (c *BatchContract) TransferBatch(tx contractapi.TransactionContextInterface, batchID, fromActorID, fromRole, toActorID, toRole, transferData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.TransferBatch(ctx, l, batchID, fromActorID, fromRole, toActorID, toRole, transferData))
}

// =============================================================================
// SUB-LEDGER RECORDERS
// =============================================================================

func (c *BatchContract) AddProcessingRecord(tx contractapi.TransactionContextInterface, batchID, processorID, processingData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.AddProcessingRecord(ctx, l, batchID, processorID, processingData))
}

func (c *BatchContract) AddTransportRecord(tx contractapi.TransactionContextInterface, batchID, distributorID, transportData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.AddTransportRecord(ctx, l, batchID, distributorID, transportData))
}

func (c *BatchContract) AddQualityTest(tx contractapi.TransactionContextInterface, batchID, testerID, testData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.AddQualityTest(ctx, l, batchID, testerID, testData))
}

func (c *BatchContract) AddFinancialTransaction(tx contractapi.TransactionContextInterface, batchID, actorID, transactionData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.AddFinancialTransaction(ctx, l, batchID, actorID, transactionData))
}

func (c *BatchContract) AddPricingRecord(tx contractapi.TransactionContextInterface, batchID, actorID, pricingData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.AddPricingRecord(ctx, l, batchID, actorID, pricingData))
}

func (c *BatchContract) AddDistributionRecord(tx contractapi.TransactionContextInterface, batchID, distributorID, distributionData string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.AddDistributionRecord(ctx, l, batchID, distributorID, distributionData))
}

// =============================================================================
// PRICING
// =============================================================================

func (c *BatchContract) GetPricingHistory(tx contractapi.TransactionContextInterface, batchID string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.GetPricingHistory(ctx, l, batchID))
}

func (c *BatchContract) CalculatePriceMarkup(tx contractapi.TransactionContextInterface, batchID string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.CalculatePriceMarkup(ctx, l, batchID))
}

// =============================================================================
// QUERIES
// =============================================================================

func (c *BatchContract) GetAllBatches(tx contractapi.TransactionContextInterface, filters string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.GetAllBatches(ctx, l, filters))
}

func (c *BatchContract) GetBatchesByFarmer(tx contractapi.TransactionContextInterface, farmerName string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.GetBatchesByFarmer(ctx, l, farmerName))
}

func (c *BatchContract) GetBatchesByDistributor(tx contractapi.TransactionContextInterface, distributorID string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.GetBatchesByDistributor(ctx, l, distributorID))
}

func (c *BatchContract) GetAvailableBatchesForDistributor(tx contractapi.TransactionContextInterface) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.GetAvailableBatchesForDistributor(ctx, l))
}

// =============================================================================
// VERIFICATION
// =============================================================================

func (c *BatchContract) VerifyBatch(tx contractapi.TransactionContextInterface, batchID string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.VerifyBatch(ctx, l, batchID))
}

func (c *BatchContract) GetBatchHistory(tx contractapi.TransactionContextInterface, batchID string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.GetBatchHistory(ctx, l, batchID))
}

func (c *BatchContract) VerifyBatchIntegrity(tx contractapi.TransactionContextInterface, batchID, databaseHash string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.VerifyBatchIntegrity(ctx, l, batchID, databaseHash))
}

func (c *BatchContract) VerifyLedgerIntegrity(tx contractapi.TransactionContextInterface, batchID, databaseHash string) (string, error) {
	ctx, l := c.bind(tx)
	return respond(c.engine.VerifyLedgerIntegrity(ctx, l, batchID, databaseHash))
}
