/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Each scenario loads through the API and leaves the ledger and the
	mirror in the documented state. These double as end-to-end tests of
	the registration path and the event-driven mirror sync.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plancana/batch-ledger/batch"
)

func TestScenario_AllLoadThroughAPI(t *testing.T) {
	// GIVEN: Every listed scenario
	// WHEN: Loading it over HTTP
	// THEN: It loads and becomes the current scenario

	a := newTestAPI(t)
	listed := decode[[]ScenarioDTO](t, a.do(http.MethodGet, "/api/scenarios", nil))
	require.Len(t, listed, len(scenarios))

	for _, s := range listed {
		t.Run(s.ID, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": s.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			current := decode[ScenarioDTO](t, a.do(http.MethodGet, "/api/scenarios/current", nil))
			assert.Equal(t, s.ID, current.ID)
			assert.Equal(t, s.Name, current.Name)
		})
	}
}

func TestScenario_PalmOilChain(t *testing.T) {
	// GIVEN: The palm oil chain scenario
	// WHEN: It is loaded
	// THEN: PALM001 sits with the retailer, carries one quote per level,
	//       and its markups follow quote order

	a := newTestAPI(t)
	require.NoError(t, a.h.loadPalmOilChainScenario(context.Background()))

	got := decode[batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches/PALM001", nil))
	assert.Equal(t, batch.StatusRetailReady, got.Status)
	assert.Equal(t, "retail-001", got.CurrentOwner.ActorID)
	assert.Equal(t, batch.LevelRetailer, got.CurrentLevel)
	assert.Len(t, got.PricingHistory, 4)
	assert.Len(t, got.OwnershipHistory, 3)
	assert.Len(t, got.ProcessingRecords, 1)
	assert.Len(t, got.QualityTests, 1)
	assert.Len(t, got.TransportRecords, 1)
	assert.Len(t, got.DistributionRecords, 1)
	assert.Len(t, got.FinancialTransactions, 1)

	report := decode[batch.MarkupReport](t, a.do(http.MethodGet, "/api/batches/PALM001/markup", nil))
	require.Len(t, report.Markups, 3)
	assert.True(t, report.Markups[0].Markup.Decimal.Equal(decimal.RequireFromString("0.90")))
	assert.True(t, report.TotalMarkup.Equal(decimal.RequireFromString("2.70")))

	row, err := a.h.Store.GetBatchRow(context.Background(), "PALM001")
	require.NoError(t, err)
	assert.Equal(t, string(batch.StatusRetailReady), row.Status)
	assert.Equal(t, "retail-001", row.CurrentOwner)
}

func TestScenario_RegisteredBatches(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.h.loadRegisteredBatchesScenario(context.Background()))

	assert.JSONEq(t, "[]", a.do(http.MethodGet, "/api/batches/available", nil).Body.String())

	rec := a.do(http.MethodPut, "/api/batches/COCOA001/status", UpdateStatusRequest{Status: string(batch.StatusProcessed), UpdatedBy: "mill-2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	available := decode[[]batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches/available", nil))
	require.Len(t, available, 1)
	assert.Equal(t, "COCOA001", available[0].BatchID)

	rubber := decode[[]batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches?crop=rubber", nil))
	require.Len(t, rubber, 1)
	assert.Equal(t, "RUBBER001", rubber[0].BatchID)
}

func TestScenario_TamperedMirror(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.h.loadTamperedMirrorScenario(context.Background()))

	tampered := decode[batch.IntegrityResult](t, a.do(http.MethodGet, "/api/batches/TAMPER001/integrity", nil))
	assert.Equal(t, batch.IntegrityMismatch, tampered.IntegrityStatus)

	clean := decode[batch.IntegrityResult](t, a.do(http.MethodGet, "/api/batches/CLEAN001/integrity", nil))
	assert.Equal(t, batch.IntegrityValid, clean.IntegrityStatus)
}

func TestScenario_UnknownIsRejected(t *testing.T) {
	a := newTestAPI(t)
	a.create("KEEP1", "farmer-1")

	rec := a.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An unknown id must not wipe the database.
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/batches/KEEP1", nil).Code)
}

func TestScenario_ResetClearsEverything(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "registered-batches"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.JSONEq(t, "null", a.do(http.MethodGet, "/api/scenarios/current", nil).Body.String())
	assert.JSONEq(t, "[]", a.do(http.MethodGet, "/api/batches", nil).Body.String())

	rows, err := a.h.Store.ListBatchRows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}
