package sqlite_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plancana/batch-ledger/batch"
	"github.com/plancana/batch-ledger/store/sqlite"
)

func palmRow() sqlite.BatchRow {
	return sqlite.BatchRow{
		BatchID:        "PALM001",
		Farmer:         "farmer-1",
		Crop:           "Palm Oil",
		Variety:        "Tenera",
		Quantity:       decimal.NewFromInt(1000),
		Unit:           "kg",
		Location:       "Johor",
		Certifications: []string{"MSPO"},
		Status:         string(batch.StatusRegistered),
		PricePerUnit:   decimal.NewNullDecimal(decimal.RequireFromString("2.5")),
		Currency:       "MYR",
		CurrentOwner:   "farmer-1",
	}
}

func TestMirror_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.SaveBatch(ctx, palmRow())
	require.NoError(t, err)
	assert.Positive(t, id)

	row, err := s.GetBatchRow(ctx, "PALM001")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, id, row.ID)
	assert.Equal(t, "Tenera", row.Variety)
	assert.True(t, decimal.NewFromInt(1000).Equal(row.Quantity))
	assert.Equal(t, []string{"MSPO"}, row.Certifications)
	require.True(t, row.PricePerUnit.Valid)
	assert.Equal(t, "2.5", row.PricePerUnit.Decimal.String())
	assert.Empty(t, row.HarvestDate)

	missing, err := s.GetBatchRow(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMirror_SaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id1, err := s.SaveBatch(ctx, palmRow())
	require.NoError(t, err)
	changed := palmRow()
	changed.Farmer = "farmer-2"
	id2, err := s.SaveBatch(ctx, changed)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	rows, err := s.ListBatchRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "farmer-2", rows[0].Farmer)
}

func TestMirror_HashMatchesLedgerCopy(t *testing.T) {
	// GIVEN: A mirror row and a ledger record built from the same data
	// WHEN: Hashing both
	// THEN: The hashes agree

	ctx := context.Background()
	s := newStore(t)
	e := batch.NewEngine(nil)
	row := palmRow()

	hash, err := row.ComputeHash()
	require.NoError(t, err)

	var res *batch.IntegrityResult
	require.NoError(t, s.Invoke(ctx, func(l batch.Ledger) error {
		if _, err := e.CreateBatch(ctx, l, row.BatchID, row.Farmer, row.Crop, row.Quantity.String(), row.Location,
			`{"variety":"Tenera","certifications":["MSPO"],"dataHash":"`+hash+`"}`); err != nil {
			return err
		}
		var err error
		res, err = e.VerifyLedgerIntegrity(ctx, l, row.BatchID, hash)
		return err
	}))

	assert.Equal(t, batch.IntegrityValid, res.IntegrityStatus)
	assert.Equal(t, hash, res.StoredHash)
}

func TestMirror_EventsKeepRowInStep(t *testing.T) {
	// GIVEN: A mirror row subscribed to ledger events
	// WHEN: The batch is created, updated and transferred on the ledger
	// THEN: The row follows status and owner, and every event is logged

	ctx := context.Background()
	s := newStore(t)
	s.OnEvent(s.HandleEvent)
	e := batch.NewEngine(nil)

	_, err := s.SaveBatch(ctx, palmRow())
	require.NoError(t, err)

	var createTx string
	require.NoError(t, s.Invoke(ctx, func(l batch.Ledger) error {
		rec, err := e.CreateBatch(ctx, l, "PALM001", "farmer-1", "Palm Oil", "1000", "Johor", "")
		if err == nil {
			createTx = rec.TxID
		}
		return err
	}))
	require.NoError(t, s.Invoke(ctx, func(l batch.Ledger) error {
		_, err := e.UpdateBatchStatus(ctx, l, "PALM001", "QUALITY_TESTED", "lab-1", "", "")
		return err
	}))
	require.NoError(t, s.Invoke(ctx, func(l batch.Ledger) error {
		_, err := e.TransferBatch(ctx, l, "PALM001", "farmer-1", "FARMER", "dist-1", "DISTRIBUTOR", "")
		return err
	}))

	row, err := s.GetBatchRow(ctx, "PALM001")
	require.NoError(t, err)
	assert.Equal(t, string(batch.StatusInDistribution), row.Status)
	assert.Equal(t, "dist-1", row.CurrentOwner)
	assert.Equal(t, createTx, row.LedgerTxID)

	events, err := s.ListEvents(ctx, "PALM001")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, batch.EventBatchCreated, events[0].Name)
	assert.Equal(t, batch.EventBatchStatusUpdated, events[1].Name)
	assert.Equal(t, batch.EventBatchTransferred, events[2].Name)
	assert.Equal(t, createTx, events[0].TxID)
}

func TestMirror_SetDataHash(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.SaveBatch(ctx, palmRow())
	require.NoError(t, err)

	require.NoError(t, s.SetDataHash(ctx, "PALM001", "abc"))

	row, err := s.GetBatchRow(ctx, "PALM001")
	require.NoError(t, err)
	assert.Equal(t, "abc", row.DataHash)
}

func TestMirror_DeleteBatchRow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.SaveBatch(ctx, palmRow())
	require.NoError(t, err)

	require.NoError(t, s.DeleteBatchRow(ctx, id))

	row, err := s.GetBatchRow(ctx, "PALM001")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestMirror_InsertBatchRejectsDuplicate(t *testing.T) {
	// GIVEN: A mirror row for PALM001
	// WHEN: A second insert for the same batch id arrives
	// THEN: It fails as already existing and the first row is unchanged

	ctx := context.Background()
	s := newStore(t)
	id, err := s.InsertBatch(ctx, palmRow())
	require.NoError(t, err)
	assert.Positive(t, id)

	dup := palmRow()
	dup.Farmer = "farmer-2"
	_, err = s.InsertBatch(ctx, dup)
	assert.ErrorIs(t, err, batch.ErrAlreadyExists)

	row, err := s.GetBatchRow(ctx, "PALM001")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, id, row.ID)
	assert.Equal(t, "farmer-1", row.Farmer)
}

func TestMirror_DeleteBatchRowKeepsLaterRow(t *testing.T) {
	// GIVEN: A row that was deleted and re-inserted for the same batch id
	// WHEN: The stale id is deleted again
	// THEN: The newer row survives

	ctx := context.Background()
	s := newStore(t)
	stale, err := s.InsertBatch(ctx, palmRow())
	require.NoError(t, err)
	require.NoError(t, s.DeleteBatchRow(ctx, stale))
	fresh, err := s.InsertBatch(ctx, palmRow())
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)

	require.NoError(t, s.DeleteBatchRow(ctx, stale))

	row, err := s.GetBatchRow(ctx, "PALM001")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, fresh, row.ID)
}
