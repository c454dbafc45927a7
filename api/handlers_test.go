/*
handlers_test.go - HTTP tests for the batch ledger API

Tests for:
- Batch registration (mirror row + ledger record, rollback on rejection)
- Error mapping (400 validation, 404, 409)
- Mirror sync through committed events
- Sub-ledger recorders and reports
- Conflict retry in invoke
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/plancana/batch-ledger/batch"
	"github.com/plancana/batch-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testAPI struct {
	t   *testing.T
	h   *Handler
	srv http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	store, err := sqlite.New(":memory:", sqlite.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	store.OnEvent(store.HandleEvent)

	h := NewHandler(store, nil, zaptest.NewLogger(t))
	h.RetryDelay = time.Millisecond
	return &testAPI{t: t, h: h, srv: NewRouter(h)}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	return rec
}

// create registers a batch and fails the test unless it is accepted.
func (a *testAPI) create(id, farmer string) CreateBatchDTO {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/batches", CreateBatchRequest{
		BatchID:  id,
		Farmer:   farmer,
		Crop:     "Palm Oil",
		Quantity: decimal.NewFromInt(1000),
		Location: "Johor",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CreateBatchDTO](a.t, rec)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestCreateBatch_WritesMirrorAndLedger(t *testing.T) {
	// GIVEN: An empty ledger and mirror
	// WHEN: A batch is registered over HTTP
	// THEN: Both stores hold it, the ledger carries the mirror row's hash,
	//       and the creation event is logged against the row

	a := newTestAPI(t)
	out := a.create("PALM001", "Green Valley Farm")

	require.NotNil(t, out.Batch)
	assert.Equal(t, batch.StatusRegistered, out.Batch.Status)
	assert.Equal(t, "kg", out.Batch.Unit)
	assert.Equal(t, out.DataHash, out.Batch.DataHash)
	assert.NotZero(t, out.DatabaseID)

	row, err := a.h.Store.GetBatchRow(context.Background(), "PALM001")
	require.NoError(t, err)
	require.NotNil(t, row)
	hash, err := row.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, out.DataHash, hash)
	assert.Equal(t, out.Batch.TxID, row.LedgerTxID)
	assert.Equal(t, "Green Valley Farm", row.CurrentOwner)

	got := decode[batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches/PALM001", nil))
	assert.Equal(t, "Green Valley Farm", got.Farmer)

	events := decode[[]sqlite.EventRecord](t, a.do(http.MethodGet, "/api/batches/PALM001/events", nil))
	require.Len(t, events, 1)
	assert.Equal(t, batch.EventBatchCreated, events[0].Name)
}

func TestCreateBatch_DuplicateIsConflict(t *testing.T) {
	a := newTestAPI(t)
	a.create("PALM001", "Green Valley Farm")

	rec := a.do(http.MethodPost, "/api/batches", CreateBatchRequest{
		BatchID: "PALM001", Farmer: "Other", Crop: "Palm Oil", Quantity: decimal.NewFromInt(1), Location: "Johor",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_EXISTS", decode[ErrorResponse](t, rec).Code)

	row, err := a.h.Store.GetBatchRow(context.Background(), "PALM001")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Green Valley Farm", row.Farmer)
}

func TestCreateBatch_ConcurrentDuplicatesKeepWinnerRow(t *testing.T) {
	// GIVEN: Several registrations of the same batch id racing each other
	// WHEN: They all complete
	// THEN: Exactly one wins, the rest are rejected as duplicates, and the
	//       winner's mirror row is still there and matches the ledger

	a := newTestAPI(t)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.h.registerBatch(ctx, CreateBatchRequest{
				BatchID:  "PALM001",
				Farmer:   fmt.Sprintf("farmer-%d", i),
				Crop:     "Palm Oil",
				Quantity: decimal.NewFromInt(1000),
				Location: "Johor",
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, batch.ErrAlreadyExists)
	}
	assert.Equal(t, 1, won)

	row, err := a.h.Store.GetBatchRow(ctx, "PALM001")
	require.NoError(t, err)
	require.NotNil(t, row)
	got := decode[batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches/PALM001", nil))
	assert.Equal(t, got.Farmer, row.Farmer)
	assert.Equal(t, got.DataHash, row.DataHash)
}

func TestCreateBatch_LedgerDuplicateRemovesOnlyNewRow(t *testing.T) {
	// GIVEN: A batch on the ledger whose mirror row has been lost
	// WHEN: It is registered again
	// THEN: The ledger refuses it and the row inserted for the attempt is removed

	a := newTestAPI(t)
	ctx := context.Background()
	out := a.create("PALM001", "Green Valley Farm")
	require.NoError(t, a.h.Store.DeleteBatchRow(ctx, out.DatabaseID))

	rec := a.do(http.MethodPost, "/api/batches", CreateBatchRequest{
		BatchID: "PALM001", Farmer: "Other", Crop: "Palm Oil", Quantity: decimal.NewFromInt(1), Location: "Johor",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	row, err := a.h.Store.GetBatchRow(ctx, "PALM001")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestCreateBatch_RejectedBatchLeavesNoRow(t *testing.T) {
	// GIVEN: A registration the ledger rejects (no farmer, negative quantity)
	// WHEN: It is posted
	// THEN: 400 lists both problems and the mirror row is rolled back

	a := newTestAPI(t)
	rec := a.do(http.MethodPost, "/api/batches", `{"batchId":"BAD1","crop":"Palm Oil","quantity":-1,"location":"Johor"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[struct {
		Code    string   `json:"code"`
		Details []string `json:"details"`
	}](t, rec)
	assert.Equal(t, "VALIDATION_FAILED", resp.Code)
	assert.Len(t, resp.Details, 2)

	row, err := a.h.Store.GetBatchRow(context.Background(), "BAD1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestCreateBatch_MalformedBody(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodPost, "/api/batches", `{"batchId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// READS
// =============================================================================

func TestGetBatch_NotFound(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodGet, "/api/batches/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, rec).Code)

	exists := decode[ExistsDTO](t, a.do(http.MethodGet, "/api/batches/NOPE/exists", nil))
	assert.False(t, exists.Exists)
}

func TestListBatches_Filters(t *testing.T) {
	a := newTestAPI(t)
	a.create("A1", "Ahmad Plantation")
	a.create("B1", "Siti Farm")

	all := decode[[]batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches", nil))
	assert.Len(t, all, 2)

	byFarmer := decode[[]batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches?farmer=ahmad", nil))
	require.Len(t, byFarmer, 1)
	assert.Equal(t, "A1", byFarmer[0].BatchID)

	none := a.do(http.MethodGet, "/api/batches?crop=cocoa", nil)
	assert.JSONEq(t, "[]", none.Body.String())

	farmerPath := decode[[]batch.BatchRecord](t, a.do(http.MethodGet, "/api/farmers/Siti/batches", nil))
	require.Len(t, farmerPath, 1)
	assert.Equal(t, "B1", farmerPath[0].BatchID)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestTransfer_SyncsMirrorRow(t *testing.T) {
	// GIVEN: A registered batch
	// WHEN: It is transferred to a processor
	// THEN: The mirror row follows the ledger's status and owner; the ledger
	//       check stays VALID while the creation hash no longer matches

	a := newTestAPI(t)
	a.create("PALM001", "farmer-1")

	rec := a.do(http.MethodPost, "/api/batches/PALM001/transfer", TransferRequest{
		FromActorID: "farmer-1", FromRole: "FARMER", ToActorID: "mill-1", ToRole: "PROCESSOR",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	transfer := decode[batch.TransferRecord](t, rec)
	assert.Equal(t, "mill-1", transfer.ToActorID)

	row, err := a.h.Store.GetBatchRow(context.Background(), "PALM001")
	require.NoError(t, err)
	assert.Equal(t, string(batch.StatusProcessing), row.Status)
	assert.Equal(t, "mill-1", row.CurrentOwner)

	ledger := decode[batch.IntegrityResult](t, a.do(http.MethodGet, "/api/batches/PALM001/integrity?mode=ledger", nil))
	assert.Equal(t, batch.IntegrityValid, ledger.IntegrityStatus)

	stored := decode[batch.IntegrityResult](t, a.do(http.MethodGet, "/api/batches/PALM001/integrity", nil))
	assert.Equal(t, batch.IntegrityMismatch, stored.IntegrityStatus)
}

func TestTransfer_RequiresRecipient(t *testing.T) {
	a := newTestAPI(t)
	a.create("PALM001", "farmer-1")
	rec := a.do(http.MethodPost, "/api/batches/PALM001/transfer", TransferRequest{FromActorID: "farmer-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateStatus(t *testing.T) {
	a := newTestAPI(t)
	a.create("PALM001", "farmer-1")

	rec := a.do(http.MethodPut, "/api/batches/PALM001/status", UpdateStatusRequest{UpdatedBy: "farmer-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPut, "/api/batches/PALM001/status", UpdateStatusRequest{
		Status:         string(batch.StatusQualityTested),
		UpdatedBy:      "lab-1",
		AdditionalData: json.RawMessage(`{"notes":"Passed FFA"}`),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[batch.BatchRecord](t, rec)
	assert.Equal(t, batch.StatusQualityTested, got.Status)
	assert.Len(t, got.StatusHistory, 2)

	row, err := a.h.Store.GetBatchRow(context.Background(), "PALM001")
	require.NoError(t, err)
	assert.Equal(t, string(batch.StatusQualityTested), row.Status)

	rec = a.do(http.MethodPut, "/api/batches/NOPE/status", UpdateStatusRequest{Status: "SOLD"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SUB-LEDGERS AND REPORTS
// =============================================================================

func TestPricingAndMarkup(t *testing.T) {
	a := newTestAPI(t)
	a.create("PALM001", "farmer-1")

	for _, q := range []struct{ actor, data string }{
		{"farmer-1", `{"level":"FARMER","pricePerUnit":10,"currency":"MYR"}`},
		{"mill-1", `{"level":"processor","pricePerUnit":15,"currency":"MYR"}`},
	} {
		rec := a.do(http.MethodPost, "/api/batches/PALM001/pricing", RecordRequest{ActorID: q.actor, Data: json.RawMessage(q.data)})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	report := decode[batch.MarkupReport](t, a.do(http.MethodGet, "/api/batches/PALM001/markup", nil))
	assert.True(t, report.HasPricingHistory)
	require.Len(t, report.Markups, 1)
	assert.True(t, report.Markups[0].Markup.Decimal.Equal(decimal.NewFromInt(5)))
	assert.True(t, report.Markups[0].MarkupPercentage.Decimal.Equal(decimal.NewFromInt(50)))

	got := decode[batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches/PALM001", nil))
	assert.Equal(t, batch.LevelProcessor, got.CurrentLevel)
}

func TestRecorders_RejectNegativeAmounts(t *testing.T) {
	a := newTestAPI(t)
	a.create("PALM001", "farmer-1")

	rec := a.do(http.MethodPost, "/api/batches/PALM001/financial", RecordRequest{
		ActorID: "buyer-1",
		Data:    json.RawMessage(`{"transactionType":"PAYMENT","amount":-50,"currency":"MYR"}`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got := decode[batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches/PALM001", nil))
	assert.Empty(t, got.FinancialTransactions)
}

func TestRecorders_AppendToHistory(t *testing.T) {
	a := newTestAPI(t)
	a.create("PALM001", "farmer-1")

	posts := []struct{ path, actor, data string }{
		{"processing", "mill-1", `{"processingType":"MILLING","outputQuantity":220}`},
		{"transport", "dist-1", `{"origin":"Johor","destination":"Klang","transportCost":300,"updateStatus":true}`},
		{"quality-tests", "lab-1", `{"testType":"FFA","laboratory":"SGS","passed":true}`},
		{"distribution", "dist-1", `{"distributionType":"WAREHOUSE_RECEIPT","warehouseLocation":"Shah Alam"}`},
	}
	for _, p := range posts {
		rec := a.do(http.MethodPost, "/api/batches/PALM001/"+p.path, RecordRequest{ActorID: p.actor, Data: json.RawMessage(p.data)})
		require.Equal(t, http.StatusCreated, rec.Code, p.path+": "+rec.Body.String())
	}

	history := decode[batch.BatchHistory](t, a.do(http.MethodGet, "/api/batches/PALM001/history", nil))
	assert.Len(t, history.ProcessingHistory, 1)
	assert.Len(t, history.TransportHistory, 1)
	assert.Len(t, history.QualityTestHistory, 1)
	assert.Equal(t, batch.StatusInTransit, history.CurrentStatus)

	got := decode[batch.BatchRecord](t, a.do(http.MethodGet, "/api/batches/PALM001", nil))
	assert.Len(t, got.DistributionRecords, 1)

	row, err := a.h.Store.GetBatchRow(context.Background(), "PALM001")
	require.NoError(t, err)
	assert.Equal(t, string(batch.StatusInTransit), row.Status)

	rec := a.do(http.MethodGet, "/api/batches/PALM001/verify", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifyIntegrity_Errors(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodGet, "/api/batches/PALM001/integrity?mode=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/batches/PALM001/integrity", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// CONFLICT RETRY
// =============================================================================

func TestInvoke_RetriesConflicts(t *testing.T) {
	// GIVEN: A store call that loses two races before succeeding
	// WHEN: It goes through invoke
	// THEN: It is re-run until it succeeds

	a := newTestAPI(t)
	attempts := 0
	err := a.h.invoke(context.Background(), "test", func(batch.Ledger) error {
		attempts++
		if attempts < 3 {
			return batch.ErrConcurrentModification
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestInvoke_GivesUpAfterMaxRetries(t *testing.T) {
	a := newTestAPI(t)
	a.h.MaxRetries = 2

	attempts := 0
	err := a.h.invoke(context.Background(), "test", func(batch.Ledger) error {
		attempts++
		return batch.ErrConcurrentModification
	})
	assert.ErrorIs(t, err, batch.ErrConcurrentModification)
	assert.Equal(t, 3, attempts)
}

func TestInvoke_DoesNotRetryClientErrors(t *testing.T) {
	a := newTestAPI(t)
	attempts := 0
	err := a.h.invoke(context.Background(), "test", func(batch.Ledger) error {
		attempts++
		return &batch.NotFoundError{BatchID: "X"}
	})
	assert.True(t, batch.IsNotFound(err))
	assert.Equal(t, 1, attempts)
}

func TestSweepEndpoints_NotConfigured(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusServiceUnavailable, a.do(http.MethodGet, "/api/integrity/report", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, a.do(http.MethodPost, "/api/integrity/sweep", nil).Code)
}
