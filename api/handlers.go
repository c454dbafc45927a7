/*
handlers.go - HTTP API handlers for the batch ledger

PURPOSE:
  Exposes the batch ledger engine via REST API. Each request runs one
  ledger operation inside a store call and, for batch registration, also
  writes the relational mirror row. Later mirror updates (status, owner)
  arrive through the ledger's committed events.

ENDPOINTS:
  Batches:
    POST   /api/batches                        Register batch (mirror + ledger)
    GET    /api/batches                        List with ?farmer=&crop=&location=&status=
    GET    /api/batches/available              Batches a distributor can pick up
    GET    /api/batches/{id}                   Full ledger record
    GET    /api/batches/{id}/exists            Existence probe
    PUT    /api/batches/{id}/status            Status change
    POST   /api/batches/{id}/transfer          Custody transfer

  Sub-ledgers:
    POST   /api/batches/{id}/processing        Processing run
    POST   /api/batches/{id}/transport         Transport leg
    POST   /api/batches/{id}/quality-tests     Quality test
    POST   /api/batches/{id}/financial         Payment
    POST   /api/batches/{id}/pricing           Price quote
    POST   /api/batches/{id}/distribution      Warehouse / distribution entry

  Reports:
    GET    /api/batches/{id}/pricing           Pricing history + increase
    GET    /api/batches/{id}/markup            Markup between adjacent quotes
    GET    /api/batches/{id}/verify            Consumer verification snapshot
    GET    /api/batches/{id}/history           All sub-ledgers
    GET    /api/batches/{id}/integrity         ?mode=stored|ledger
    GET    /api/batches/{id}/events            Mirror event log
    GET    /api/farmers/{name}/batches         Batches by farmer
    GET    /api/distributors/{id}/batches      Batches by distributor

  Integrity sweep:
    GET    /api/integrity/report               Last sweep report
    POST   /api/integrity/sweep                Run a sweep now

  Scenarios:
    GET    /api/scenarios                      List demo scenarios
    GET    /api/scenarios/current              Currently loaded scenario
    POST   /api/scenarios/load                 Reset and load {"scenario_id"}
    POST   /api/scenarios/reset                Clear everything

CONFLICT RETRY:
  A store call that lost a race to a concurrent writer fails with
  batch.ErrConcurrentModification and nothing was written. It is re-run
  up to MaxRetries times with a linear backoff before the client sees 409.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, validation errors (details lists every problem)
  - 404: Batch not found
  - 409: Batch already exists, or retries exhausted on a conflict
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Integrity sweep
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/plancana/batch-ledger/batch"
	"github.com/plancana/batch-ledger/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Engine *batch.Engine
	Log    *zap.Logger

	// Sweeper serves the integrity report endpoints. Optional.
	Sweeper *IntegritySweeper

	MaxRetries int
	RetryDelay time.Duration

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over store. A nil log discards output.
func NewHandler(store *sqlite.Store, engine *batch.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if engine == nil {
		engine = batch.NewEngine(log)
	}
	return &Handler{
		Store:      store,
		Engine:     engine,
		Log:        log,
		MaxRetries: 3,
		RetryDelay: 50 * time.Millisecond,
	}
}

// invoke runs fn as one store call, re-running it while it loses races.
func (h *Handler) invoke(ctx context.Context, op string, fn func(batch.Ledger) error) error {
	var err error
	for attempt := 0; attempt <= h.MaxRetries; attempt++ {
		if attempt > 0 {
			h.Log.Warn("retrying ledger call after conflict",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * h.RetryDelay):
			}
		}
		err = h.Store.Invoke(ctx, fn)
		if !batch.IsRetryable(err) {
			return err
		}
	}
	return err
}

// call is invoke for operations that produce a result.
func call[T any](ctx context.Context, h *Handler, op string, fn func(context.Context, batch.Ledger) (T, error)) (T, error) {
	var out T
	err := h.invoke(ctx, op, func(l batch.Ledger) error {
		v, err := fn(ctx, l)
		out = v
		return err
	})
	return out, err
}

// =============================================================================
// BATCH REGISTRATION
// =============================================================================

// CreateBatch registers a batch.
// POST /api/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	out, err := h.registerBatch(r.Context(), req)
	if err != nil {
		h.writeLedgerError(w, "createBatch", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// registerBatch writes the mirror row, hashes it and registers the batch on
// the ledger with that hash. The row insert fails if the batch id is taken,
// so of two racing registrations only one gets past it. A rejected ledger
// call removes the row this call inserted, and nothing else.
func (h *Handler) registerBatch(ctx context.Context, req CreateBatchRequest) (*CreateBatchDTO, error) {
	unit := req.Unit
	if unit == "" {
		unit = "kg"
	}
	row := sqlite.BatchRow{
		BatchID:           req.BatchID,
		Farmer:            req.Farmer,
		Crop:              req.Crop,
		Variety:           req.Variety,
		Quantity:          req.Quantity,
		Unit:              unit,
		Location:          req.Location,
		HarvestDate:       req.HarvestDate,
		CultivationMethod: req.CultivationMethod,
		QualityGrade:      req.QualityGrade,
		Certifications:    req.Certifications,
		Status:            string(batch.StatusRegistered),
		PricePerUnit:      req.PricePerUnit,
		Currency:          req.Currency,
		CurrentOwner:      req.Farmer,
	}
	hash, err := row.ComputeHash()
	if err != nil {
		return nil, err
	}
	row.DataHash = hash

	id, err := h.Store.InsertBatch(ctx, row)
	if err != nil {
		return nil, err
	}

	extra, err := json.Marshal(createExtra(req, unit, hash, id))
	if err != nil {
		return nil, err
	}
	rec, err := call(ctx, h, "createBatch", func(ctx context.Context, l batch.Ledger) (*batch.BatchRecord, error) {
		return h.Engine.CreateBatch(ctx, l, req.BatchID, req.Farmer, req.Crop, req.Quantity.String(), req.Location, string(extra))
	})
	if err != nil {
		if derr := h.Store.DeleteBatchRow(ctx, id); derr != nil {
			h.Log.Error("failed to remove rejected batch row",
				zap.String("batch_id", req.BatchID),
				zap.Int64("row_id", id),
				zap.Error(derr),
			)
		}
		return nil, err
	}

	return &CreateBatchDTO{Batch: rec, DatabaseID: id, DataHash: hash}, nil
}

// createExtra builds the optional creation payload, leaving out fields the
// client did not send.
func createExtra(req CreateBatchRequest, unit, hash string, id int64) map[string]any {
	extra := map[string]any{
		"unit":       unit,
		"dataHash":   hash,
		"databaseId": strconv.FormatInt(id, 10),
	}
	set := func(key, value string) {
		if value != "" {
			extra[key] = value
		}
	}
	set("variety", req.Variety)
	set("harvestDate", req.HarvestDate)
	set("cultivationMethod", req.CultivationMethod)
	set("qualityGrade", req.QualityGrade)
	set("currency", req.Currency)
	set("paymentMethod", req.PaymentMethod)
	set("buyerName", req.BuyerName)
	if req.Coordinates != nil {
		extra["coordinates"] = req.Coordinates
	}
	if req.Certifications != nil {
		extra["certifications"] = req.Certifications
	}
	if req.PricePerUnit.Valid {
		extra["pricePerUnit"] = req.PricePerUnit.Decimal
	}
	if req.TotalBatchValue.Valid {
		extra["totalBatchValue"] = req.TotalBatchValue.Decimal
	}
	if len(req.EnvironmentalData) > 0 {
		extra["environmentalData"] = req.EnvironmentalData
	}
	return extra
}

// =============================================================================
// BATCH READS
// =============================================================================

// GetBatch returns the ledger record.
// GET /api/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := call(r.Context(), h, "getBatch", func(ctx context.Context, l batch.Ledger) (*batch.BatchRecord, error) {
		return h.Engine.GetBatch(ctx, l, id)
	})
	if err != nil {
		h.writeLedgerError(w, "getBatch", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// BatchExists reports whether the ledger holds id.
// GET /api/batches/{id}/exists
func (h *Handler) BatchExists(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := call(r.Context(), h, "batchExists", func(ctx context.Context, l batch.Ledger) (bool, error) {
		return h.Engine.BatchExists(ctx, l, id)
	})
	if err != nil {
		h.writeLedgerError(w, "batchExists", err)
		return
	}
	writeJSON(w, http.StatusOK, ExistsDTO{BatchID: id, Exists: ok})
}

// listFilterKeys are the query parameters forwarded as ledger filters.
var listFilterKeys = []string{"farmer", "crop", "location", "status", "variety", "qualityGrade"}

// ListBatches returns batches matching the query filters, newest first.
// GET /api/batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	filters := map[string]string{}
	q := r.URL.Query()
	for _, k := range listFilterKeys {
		if v := q.Get(k); v != "" {
			filters[k] = v
		}
	}
	raw, err := json.Marshal(filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode filters", err)
		return
	}

	h.writeBatches(w, r, "getAllBatches", func(ctx context.Context, l batch.Ledger) ([]*batch.BatchRecord, error) {
		return h.Engine.GetAllBatches(ctx, l, string(raw))
	})
}

// ListBatchesByFarmer returns every batch whose farmer contains the name.
// GET /api/farmers/{name}/batches
func (h *Handler) ListBatchesByFarmer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.writeBatches(w, r, "getBatchesByFarmer", func(ctx context.Context, l batch.Ledger) ([]*batch.BatchRecord, error) {
		return h.Engine.GetBatchesByFarmer(ctx, l, name)
	})
}

// ListBatchesByDistributor returns batches a distributor has handled.
// GET /api/distributors/{id}/batches
func (h *Handler) ListBatchesByDistributor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.writeBatches(w, r, "getBatchesByDistributor", func(ctx context.Context, l batch.Ledger) ([]*batch.BatchRecord, error) {
		return h.Engine.GetBatchesByDistributor(ctx, l, id)
	})
}

// ListAvailableBatches returns batches ready for distributor pickup.
// GET /api/batches/available
func (h *Handler) ListAvailableBatches(w http.ResponseWriter, r *http.Request) {
	h.writeBatches(w, r, "getAvailableBatchesForDistributor", h.Engine.GetAvailableBatchesForDistributor)
}

func (h *Handler) writeBatches(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, batch.Ledger) ([]*batch.BatchRecord, error)) {
	batches, err := call(r.Context(), h, op, fn)
	if err != nil {
		h.writeLedgerError(w, op, err)
		return
	}
	if batches == nil {
		batches = []*batch.BatchRecord{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// UpdateBatchStatus moves a batch to a new status.
// PUT /api/batches/{id}/status
func (h *Handler) UpdateBatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required", nil)
		return
	}

	rec, err := call(r.Context(), h, "updateBatchStatus", func(ctx context.Context, l batch.Ledger) (*batch.BatchRecord, error) {
		return h.Engine.UpdateBatchStatus(ctx, l, id, req.Status, req.UpdatedBy, req.Timestamp, payload(req.AdditionalData))
	})
	if err != nil {
		h.writeLedgerError(w, "updateBatchStatus", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// TransferBatch hands custody of a batch to another actor.
// POST /api/batches/{id}/transfer
func (h *Handler) TransferBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ToActorID == "" || req.ToRole == "" {
		writeError(w, http.StatusBadRequest, "toActorId and toRole are required", nil)
		return
	}

	transfer, err := call(r.Context(), h, "transferBatch", func(ctx context.Context, l batch.Ledger) (*batch.TransferRecord, error) {
		return h.Engine.TransferBatch(ctx, l, id, req.FromActorID, req.FromRole, req.ToActorID, req.ToRole, payload(req.TransferData))
	})
	if err != nil {
		h.writeLedgerError(w, "transferBatch", err)
		return
	}
	writeJSON(w, http.StatusCreated, transfer)
}

// recorder builds the POST handler for one sub-ledger. add is one of the
// Engine.Add* writers.
func recorder[T any](h *Handler, op string, add func(ctx context.Context, l batch.Ledger, batchID, actorID, payload string) (*T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req RecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		entry, err := call(r.Context(), h, op, func(ctx context.Context, l batch.Ledger) (*T, error) {
			return add(ctx, l, id, req.ActorID, payload(req.Data))
		})
		if err != nil {
			h.writeLedgerError(w, op, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	}
}

// =============================================================================
// REPORTS
// =============================================================================

// report builds the GET handler for a per-batch read-only report.
func report[T any](h *Handler, op string, fn func(ctx context.Context, l batch.Ledger, batchID string) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		out, err := call(r.Context(), h, op, func(ctx context.Context, l batch.Ledger) (T, error) {
			return fn(ctx, l, id)
		})
		if err != nil {
			h.writeLedgerError(w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// VerifyIntegrity hashes the mirror row and checks it against the ledger.
// mode=stored (default) compares with the hash captured at registration;
// mode=ledger rehashes the ledger's current copy.
// GET /api/batches/{id}/integrity
func (h *Handler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	verify := h.Engine.VerifyBatchIntegrity
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "stored":
	case "ledger":
		verify = h.Engine.VerifyLedgerIntegrity
	default:
		writeError(w, http.StatusBadRequest, "mode must be stored or ledger", fmt.Errorf("unknown mode %q", mode))
		return
	}

	row, err := h.Store.GetBatchRow(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read batch row", err)
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "Batch not found in database", nil)
		return
	}
	hash, err := row.ComputeHash()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash batch row", err)
		return
	}

	res, err := call(ctx, h, "verifyBatchIntegrity", func(ctx context.Context, l batch.Ledger) (*batch.IntegrityResult, error) {
		return verify(ctx, l, id, hash)
	})
	if err != nil {
		h.writeLedgerError(w, "verifyBatchIntegrity", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListEvents returns the mirror's log of committed ledger events.
// GET /api/batches/{id}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}
	if events == nil {
		events = []sqlite.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

// =============================================================================
// INTEGRITY SWEEP
// =============================================================================

// GetSweepReport returns the last integrity sweep, or 404 before the first.
// GET /api/integrity/report
func (h *Handler) GetSweepReport(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "Integrity sweep is not configured", nil)
		return
	}
	rep := h.Sweeper.LastReport()
	if rep == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "No integrity sweep has run yet", Code: "NOT_FOUND"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// TriggerSweep runs an integrity sweep and returns its report.
// POST /api/integrity/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "Integrity sweep is not configured", nil)
		return
	}
	rep, err := h.Sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Integrity sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ResetDatabase clears the ledger, the mirror and the event log.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps engine and store errors to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, op string, err error) {
	var verr *batch.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    "VALIDATION_FAILED",
			Details: verr.Problems,
		})
	case batch.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, batch.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "ALREADY_EXISTS"})
	case batch.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Concurrent modification, please retry",
			Code:    "CONFLICT",
			Details: err.Error(),
		})
	default:
		h.Log.Error("ledger call failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
