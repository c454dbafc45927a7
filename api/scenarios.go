/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the ledger and the mirror with
  realistic supply-chain data. Each scenario registers batches through the
  same path as POST /api/batches and then walks them through ledger calls.

AVAILABLE SCENARIOS:
  palm-oil-chain:      PALM001 from farm gate to retail, with a quote at every level
  registered-batches:  Three freshly registered batches from different farms
  tampered-mirror:     A mirror row edited behind the ledger's back

HOW SCENARIOS WORK:
 1. Reset database (ledger state, mirror, event log, integrity runs)
 2. Register batches (mirror row + ledger record with its hash)
 3. Run the lifecycle calls the scenario needs

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "palm-oil-chain"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: registerBatch, ResetDatabase
  - scheduler.go: Sweep that flags the tampered-mirror batch
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/plancana/batch-ledger/batch"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "palm-oil-chain",
		Name:        "Palm Oil Farm to Retail",
		Description: "PALM001 moves farmer, mill, distributor, retailer with pricing at each level",
	},
	{
		ID:          "registered-batches",
		Name:        "Registered Batches",
		Description: "Palm oil, rubber and cocoa batches fresh from the farm",
	},
	{
		ID:          "tampered-mirror",
		Name:        "Tampered Mirror",
		Description: "A database row changed outside the ledger; the sweep reports MISMATCH",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"palm-oil-chain":     h.loadPalmOilChainScenario,
		"registered-batches": h.loadRegisteredBatchesScenario,
		"tampered-mirror":    h.loadTamperedMirrorScenario,
	}
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.getScenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("no scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setScenario("")

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.setScenario(req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) getScenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPalmOilChainScenario(ctx context.Context) error {
	if _, err := h.registerBatch(ctx, CreateBatchRequest{
		BatchID:           "PALM001",
		Farmer:            "Green Valley Farm",
		Crop:              "Palm Oil",
		Variety:           "Tenera",
		Quantity:          decimal.NewFromInt(5000),
		Location:          "Selangor, Malaysia",
		Coordinates:       &batch.Coordinates{Latitude: 3.0738, Longitude: 101.5183},
		HarvestDate:       "2024-01-15",
		CultivationMethod: "Sustainable",
		QualityGrade:      "Premium",
		Certifications:    []string{"RSPO", "MSPO"},
		PricePerUnit:      decimal.NewNullDecimal(decimal.RequireFromString("2.50")),
		Currency:          "MYR",
	}); err != nil {
		return err
	}

	const id = "PALM001"
	steps := []struct {
		op  string
		run func(context.Context, batch.Ledger) error
	}{
		{"farmer quote", h.quote(id, "farmer-001", "FARMER", "Green Valley Farm", "2.50")},
		{"to mill", h.transfer(id, "farmer-001", "FARMER", "mill-001", "PROCESSOR")},
		{"milling", addStep(id, "mill-001", h.Engine.AddProcessingRecord, map[string]any{
			"processingType":   "MILLING",
			"outputQuantity":   "1100",
			"wasteQuantity":    "3900",
			"processingMethod": "Sterilization and pressing",
			"facilityLocation": "Klang Palm Oil Mill",
			"byproducts":       []string{"Palm kernel", "Empty fruit bunches"},
		})},
		{"lab test", addStep(id, "lab-001", h.Engine.AddQualityTest, map[string]any{
			"testType":   "FFA_CONTENT",
			"laboratory": "SGS Malaysia",
			"results":    map[string]any{"ffa": "3.2%", "moisture": "0.15%"},
			"passed":     true,
		})},
		{"mill quote", h.quote(id, "mill-001", "PROCESSOR", "Klang Palm Oil Mill", "3.40")},
		{"to distributor", h.transfer(id, "mill-001", "PROCESSOR", "dist-001", "DISTRIBUTOR")},
		{"trucking", addStep(id, "dist-001", h.Engine.AddTransportRecord, map[string]any{
			"origin":        "Klang",
			"destination":   "Kuala Lumpur",
			"carrier":       "KL Logistics",
			"vehicleType":   "Tanker",
			"distance":      "35",
			"transportCost": "450.00",
			"fuelCost":      "120.00",
		})},
		{"warehousing", addStep(id, "dist-001", h.Engine.AddDistributionRecord, map[string]any{
			"distributionType":  "WAREHOUSE_RECEIPT",
			"warehouseLocation": "Shah Alam DC",
			"storageConditions": "Ambient, sealed tanks",
			"quantityReceived":  "1100",
			"destination":       "Retail outlets, Klang Valley",
		})},
		{"distributor quote", h.quote(id, "dist-001", "DISTRIBUTOR", "KL Logistics", "4.10")},
		{"to retailer", h.transfer(id, "dist-001", "DISTRIBUTOR", "retail-001", "RETAILER")},
		{"retail quote", h.quote(id, "retail-001", "RETAILER", "FreshMart", "5.20")},
		{"retail payment", addStep(id, "retail-001", h.Engine.AddFinancialTransaction, map[string]any{
			"transactionType": "PURCHASE",
			"amount":          "4510.00",
			"currency":        "MYR",
			"payerPayee":      "KL Logistics",
			"paymentMethod":   "BANK_TRANSFER",
			"invoiceNumber":   "INV-2024-0042",
		})},
	}

	for _, s := range steps {
		if err := h.invoke(ctx, s.op, func(l batch.Ledger) error { return s.run(ctx, l) }); err != nil {
			return fmt.Errorf("%s: %w", s.op, err)
		}
	}
	return nil
}

func (h *Handler) loadRegisteredBatchesScenario(ctx context.Context) error {
	batches := []CreateBatchRequest{
		{
			BatchID:      "PALM002",
			Farmer:       "Sungai Buloh Estate",
			Crop:         "Palm Oil",
			Variety:      "Dura",
			Quantity:     decimal.NewFromInt(3200),
			Location:     "Selangor, Malaysia",
			QualityGrade: "Standard",
		},
		{
			BatchID:        "RUBBER001",
			Farmer:         "Kedah Smallholders Cooperative",
			Crop:           "Rubber",
			Quantity:       decimal.NewFromInt(800),
			Location:       "Kedah, Malaysia",
			Certifications: []string{"FSC"},
		},
		{
			BatchID:           "COCOA001",
			Farmer:            "Tawau Highlands Farm",
			Crop:              "Cocoa",
			Variety:           "Trinitario",
			Quantity:          decimal.NewFromInt(450),
			Location:          "Sabah, Malaysia",
			CultivationMethod: "Organic",
			PricePerUnit:      decimal.NewNullDecimal(decimal.RequireFromString("9.80")),
			Currency:          "MYR",
		},
	}
	for _, req := range batches {
		if _, err := h.registerBatch(ctx, req); err != nil {
			return fmt.Errorf("register %s: %w", req.BatchID, err)
		}
	}
	return nil
}

// loadTamperedMirrorScenario registers two batches and then rewrites the
// quantity of one mirror row without touching the ledger.
func (h *Handler) loadTamperedMirrorScenario(ctx context.Context) error {
	for _, req := range []CreateBatchRequest{
		{BatchID: "CLEAN001", Farmer: "Perak Durian Growers", Crop: "Durian", Quantity: decimal.NewFromInt(600), Location: "Perak, Malaysia"},
		{BatchID: "TAMPER001", Farmer: "Johor Pineapple Farm", Crop: "Pineapple", Quantity: decimal.NewFromInt(1200), Location: "Johor, Malaysia"},
	} {
		if _, err := h.registerBatch(ctx, req); err != nil {
			return fmt.Errorf("register %s: %w", req.BatchID, err)
		}
	}

	row, err := h.Store.GetBatchRow(ctx, "TAMPER001")
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("batch row TAMPER001 missing after registration")
	}
	row.Quantity = decimal.NewFromInt(1500)
	_, err = h.Store.SaveBatch(ctx, *row)
	return err
}

// =============================================================================
// STEP BUILDERS
// =============================================================================

type step = func(context.Context, batch.Ledger) error

func (h *Handler) quote(batchID, actorID, level, actorName, price string) step {
	return addStep(batchID, actorID, h.Engine.AddPricingRecord, map[string]any{
		"level":        level,
		"actorName":    actorName,
		"pricePerUnit": price,
		"unit":         "kg",
		"currency":     "MYR",
	})
}

func (h *Handler) transfer(batchID, fromID, fromRole, toID, toRole string) step {
	return func(ctx context.Context, l batch.Ledger) error {
		_, err := h.Engine.TransferBatch(ctx, l, batchID, fromID, fromRole, toID, toRole,
			`{"transferType":"OWNERSHIP_TRANSFER","notes":"Scenario handover"}`)
		return err
	}
}

// addStep wraps one of the Engine.Add* writers with a fixed payload.
func addStep[T any](batchID, actorID string, fn func(context.Context, batch.Ledger, string, string, string) (*T, error), data map[string]any) step {
	return func(ctx context.Context, l batch.Ledger) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		_, err = fn(ctx, l, batchID, actorID, string(raw))
		return err
	}
}
