package batch_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plancana/batch-ledger/batch"
	"github.com/plancana/batch-ledger/batch/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *batch.Engine
	ledger *store.Memory
	events []batch.Event
}

// newFixture returns an engine over a memory ledger whose clock advances one
// minute per call, so creation order is also timestamp order.
func newFixture(t *testing.T) *fixture {
	now := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		engine: batch.NewEngine(nil),
		ledger: store.NewMemory(store.WithClock(clock)),
	}
	f.ledger.OnEvent(func(_ context.Context, ev batch.Event) {
		f.events = append(f.events, ev)
	})
	return f
}

// run invokes op as one ledger call and returns its result.
func run[T any](f *fixture, op func(l batch.Ledger) (T, error)) (T, error) {
	var out T
	err := f.ledger.Invoke(f.ctx, func(l batch.Ledger) error {
		var err error
		out, err = op(l)
		return err
	})
	return out, err
}

func (f *fixture) createWith(id, farmer, crop, extra string) *batch.BatchRecord {
	f.t.Helper()
	rec, err := run(f, func(l batch.Ledger) (*batch.BatchRecord, error) {
		return f.engine.CreateBatch(f.ctx, l, id, farmer, crop, "1000", "Johor", extra)
	})
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) create(id string) *batch.BatchRecord {
	f.t.Helper()
	return f.createWith(id, "farmer-1", "Palm Oil", "")
}

func (f *fixture) get(id string) *batch.BatchRecord {
	f.t.Helper()
	rec, err := run(f, func(l batch.Ledger) (*batch.BatchRecord, error) {
		return f.engine.GetBatch(f.ctx, l, id)
	})
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) eventNames() []string {
	names := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		names = append(names, ev.Name)
	}
	return names
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "expected %s, got %s", want, got)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateBatch_RegistersWithInitialHistory(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: A farmer registers a batch
	// THEN: The record starts REGISTERED with one history entry and the farmer as owner

	f := newFixture(t)
	rec := f.create("PALM001")

	assert.Equal(t, batch.DocTypeBatch, rec.DocType)
	assert.Equal(t, batch.StatusRegistered, rec.Status)
	assert.Equal(t, "kg", rec.Unit)
	assertDecimal(t, "1000", rec.Quantity)
	assert.Equal(t, store.DefaultIdentity, rec.CreatorIdentity)
	assert.NotEmpty(t, rec.TxID)
	assert.Equal(t, rec.CreatedDate, rec.LastUpdated)

	require.Len(t, rec.StatusHistory, 1)
	first := rec.StatusHistory[0]
	assert.Equal(t, batch.StatusRegistered, first.Status)
	assert.Equal(t, "Initial batch registration", first.Notes)
	assert.Nil(t, first.PreviousStatus)
	assert.Equal(t, rec.TxID, first.TxID)

	assert.Equal(t, batch.Owner{ActorID: "farmer-1", ActorRole: batch.RoleFarmer, Since: rec.CreatedDate}, rec.CurrentOwner)
	assert.Empty(t, rec.ProcessingRecords)
	assert.NotNil(t, rec.PricingHistory)

	assert.Equal(t, []string{batch.EventBatchCreated}, f.eventNames())
	assert.Equal(t, rec.TxID, f.events[0].TxID)
}

func TestCreateBatch_PersistedRecordRoundTrips(t *testing.T) {
	f := newFixture(t)
	created := f.create("PALM001")

	stored := f.get("PALM001")
	assert.Equal(t, created.BatchID, stored.BatchID)
	assert.Equal(t, created.CreatedDate, stored.CreatedDate)
	assert.Equal(t, created.StatusHistory, stored.StatusHistory)
	assert.Equal(t, stored.DerivedStatus(), stored.Status)
}

func TestCreateBatch_DuplicateRejected(t *testing.T) {
	// GIVEN: A registered batch
	// WHEN: Registering the same id again with different data
	// THEN: AlreadyExists, and the original record is untouched

	f := newFixture(t)
	f.create("PALM001")

	_, err := run(f, func(l batch.Ledger) (*batch.BatchRecord, error) {
		return f.engine.CreateBatch(f.ctx, l, "PALM001", "someone-else", "Rubber", "5", "Kedah", "")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, batch.ErrAlreadyExists))
	assert.True(t, batch.IsClientError(err))
	assert.Equal(t, "farmer-1", f.get("PALM001").Farmer)
	assert.Len(t, f.events, 1)
}

func TestCreateBatch_ReportsEveryValidationProblem(t *testing.T) {
	f := newFixture(t)

	_, err := run(f, func(l batch.Ledger) (*batch.BatchRecord, error) {
		return f.engine.CreateBatch(f.ctx, l, "BAD001", "", "  ", "abc", "", "")
	})

	var verr *batch.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{
		"Farmer name is required",
		"Crop type is required",
		"Valid quantity is required",
		"Location is required",
	}, verr.Problems)
	assert.True(t, errors.Is(err, batch.ErrValidationFailed))

	exists, err := run(f, func(l batch.Ledger) (bool, error) {
		return f.engine.BatchExists(f.ctx, l, "BAD001")
	})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateBatch_NonPositiveQuantityRejected(t *testing.T) {
	for _, qty := range []string{"0", "-5", "", "1e", "NaN"} {
		t.Run(qty, func(t *testing.T) {
			f := newFixture(t)
			_, err := run(f, func(l batch.Ledger) (*batch.BatchRecord, error) {
				return f.engine.CreateBatch(f.ctx, l, "B1", "farmer", "Rice", qty, "Perak", "")
			})
			var verr *batch.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, []string{"Valid quantity is required"}, verr.Problems)
		})
	}
}

func TestCreateBatch_NegativePriceRejected(t *testing.T) {
	f := newFixture(t)
	_, err := run(f, func(l batch.Ledger) (*batch.BatchRecord, error) {
		return f.engine.CreateBatch(f.ctx, l, "B1", "farmer", "Rice", "10", "Perak", `{"pricePerUnit":-1}`)
	})
	assert.True(t, errors.Is(err, batch.ErrValidationFailed))
}

func TestCreateBatch_OptionalFieldsFromExtra(t *testing.T) {
	f := newFixture(t)
	extra := `{
		"variety": "Tenera",
		"unit": "tonnes",
		"coordinates": {"latitude": 1.4927, "longitude": 103.7414},
		"harvestDate": "2025-02-27",
		"certifications": ["MSPO", "RSPO"],
		"pricePerUnit": 2.5,
		"currency": "MYR",
		"dataHash": "abc123",
		"databaseId": "42"
	}`

	rec := f.createWith("PALM001", "farmer-1", "Palm Oil", extra)

	assert.Equal(t, "Tenera", rec.Variety)
	assert.Equal(t, "tonnes", rec.Unit)
	require.NotNil(t, rec.Coordinates)
	assert.InDelta(t, 1.4927, rec.Coordinates.Latitude, 1e-9)
	assert.Equal(t, []string{"MSPO", "RSPO"}, rec.Certifications)
	require.True(t, rec.PricePerUnit.Valid)
	assertDecimal(t, "2.5", rec.PricePerUnit.Decimal)
	assert.False(t, rec.TotalBatchValue.Valid)
	assert.Equal(t, "abc123", rec.DataHash)
	assert.Equal(t, "42", rec.DatabaseID)
}

func TestCreateBatch_MalformedExtraIsIgnored(t *testing.T) {
	// GIVEN: An extra payload that is not JSON
	// WHEN: Creating the batch
	// THEN: Creation succeeds with defaults

	f := newFixture(t)
	rec := f.createWith("PALM001", "farmer-1", "Palm Oil", "{not json")

	assert.Equal(t, "kg", rec.Unit)
	assert.Empty(t, rec.Variety)
	assert.Empty(t, rec.DataHash)
}

// =============================================================================
// READ
// =============================================================================

func TestGetBatch_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := run(f, func(l batch.Ledger) (*batch.BatchRecord, error) {
		return f.engine.GetBatch(f.ctx, l, "MISSING")
	})

	require.Error(t, err)
	assert.True(t, batch.IsNotFound(err))
	assert.Equal(t, "batch MISSING does not exist", err.Error())
}

func TestGetBatch_ForeignDocumentIsNotABatch(t *testing.T) {
	f := newFixture(t)
	f.ledger.Seed("ASSET1", []byte(`{"docType":"asset","batchId":"ASSET1"}`))

	_, err := run(f, func(l batch.Ledger) (*batch.BatchRecord, error) {
		return f.engine.GetBatch(f.ctx, l, "ASSET1")
	})
	assert.True(t, batch.IsNotFound(err))
}

func TestGetBatch_LegacyRecordWithoutSubLedgers(t *testing.T) {
	// GIVEN: A stored record missing every sub-ledger array
	// WHEN: Reading it
	// THEN: The arrays come back empty, never nil

	f := newFixture(t)
	f.ledger.Seed("OLD1", []byte(`{"docType":"batch","batchId":"OLD1","farmer":"x","crop":"y","quantity":"1","status":"REGISTERED"}`))

	rec := f.get("OLD1")
	assert.NotNil(t, rec.StatusHistory)
	assert.NotNil(t, rec.OwnershipHistory)
	assert.NotNil(t, rec.DistributionRecords)

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"processingRecords":[]`)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestInvoke_FailedCallWritesNothing(t *testing.T) {
	// GIVEN: A call that creates a batch and then fails
	// WHEN: The call returns its error
	// THEN: The batch does not exist and no event is delivered

	f := newFixture(t)
	boom := errors.New("boom")

	err := f.ledger.Invoke(f.ctx, func(l batch.Ledger) error {
		if _, err := f.engine.CreateBatch(f.ctx, l, "PALM001", "farmer-1", "Palm Oil", "1000", "Johor", ""); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Nil(t, f.ledger.Raw("PALM001"))
	assert.Empty(t, f.events)
}
