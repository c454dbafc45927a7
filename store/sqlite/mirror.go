package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/plancana/batch-ledger/batch"
)

// =============================================================================
// RELATIONAL MIRROR
// =============================================================================

// BatchRow is the normalized copy of a batch kept outside the ledger.
type BatchRow struct {
	ID                int64
	BatchID           string
	Farmer            string
	Crop              string
	Variety           string
	Quantity          decimal.Decimal
	Unit              string
	Location          string
	HarvestDate       string
	CultivationMethod string
	QualityGrade      string
	Certifications    []string
	Status            string
	PricePerUnit      decimal.NullDecimal
	Currency          string
	CurrentOwner      string
	DataHash          string
	LedgerTxID        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IntegrityFields returns the hashed subset of the row.
func (r BatchRow) IntegrityFields() batch.IntegrityFields {
	return batch.IntegrityFields{
		BatchID:           r.BatchID,
		Farmer:            r.Farmer,
		Crop:              r.Crop,
		Variety:           r.Variety,
		Quantity:          r.Quantity,
		Unit:              r.Unit,
		Location:          r.Location,
		HarvestDate:       r.HarvestDate,
		CultivationMethod: r.CultivationMethod,
		QualityGrade:      r.QualityGrade,
		Certifications:    r.Certifications,
		Status:            r.Status,
	}
}

// ComputeHash hashes the row the same way the ledger hashes its copy.
func (r BatchRow) ComputeHash() (string, error) {
	return batch.StableHash(r.IntegrityFields())
}

const insertBatch = `
	INSERT INTO batches (batch_id, farmer, crop, variety, quantity, unit, location,
		harvest_date, cultivation_method, quality_grade, certifications_json, status,
		price_per_unit, currency, current_owner, data_hash, ledger_tx_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// rowArgs returns the insertBatch arguments for r stamped with now.
func rowArgs(r BatchRow, now string) ([]any, error) {
	certs := r.Certifications
	if certs == nil {
		certs = []string{}
	}
	certsJSON, err := json.Marshal(certs)
	if err != nil {
		return nil, err
	}
	var price sql.NullString
	if r.PricePerUnit.Valid {
		price = sql.NullString{String: r.PricePerUnit.Decimal.String(), Valid: true}
	}
	return []any{
		r.BatchID, r.Farmer, r.Crop, r.Variety, r.Quantity.String(), r.Unit, r.Location,
		r.HarvestDate, r.CultivationMethod, r.QualityGrade, string(certsJSON), r.Status,
		price, r.Currency, r.CurrentOwner, r.DataHash, r.LedgerTxID, now, now,
	}, nil
}

// InsertBatch adds a new mirror row and returns its surrogate id. A row
// already present for row.BatchID is left untouched and the call fails
// with *batch.AlreadyExistsError.
func (s *Store) InsertBatch(ctx context.Context, row BatchRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := rowArgs(row, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, insertBatch, args...)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, &batch.AlreadyExistsError{BatchID: row.BatchID}
		}
		return 0, fmt.Errorf("failed to insert batch row %s: %w", row.BatchID, err)
	}
	return res.LastInsertId()
}

// SaveBatch inserts or replaces the mirror row for row.BatchID and returns
// its surrogate id.
func (s *Store) SaveBatch(ctx context.Context, row BatchRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := rowArgs(row, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	query := insertBatch + `
		ON CONFLICT(batch_id) DO UPDATE SET
			farmer = excluded.farmer,
			crop = excluded.crop,
			variety = excluded.variety,
			quantity = excluded.quantity,
			unit = excluded.unit,
			location = excluded.location,
			harvest_date = excluded.harvest_date,
			cultivation_method = excluded.cultivation_method,
			quality_grade = excluded.quality_grade,
			certifications_json = excluded.certifications_json,
			status = excluded.status,
			price_per_unit = excluded.price_per_unit,
			currency = excluded.currency,
			current_owner = excluded.current_owner,
			data_hash = excluded.data_hash,
			ledger_tx_id = excluded.ledger_tx_id,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to save batch row %s: %w", row.BatchID, err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, "SELECT id FROM batches WHERE batch_id = ?", row.BatchID).Scan(&id)
	return id, err
}

const batchColumns = `id, batch_id, farmer, crop, variety, quantity, unit, location,
	harvest_date, cultivation_method, quality_grade, certifications_json, status,
	price_per_unit, currency, current_owner, data_hash, ledger_tx_id, created_at, updated_at`

// GetBatchRow returns the mirror row, or nil when there is none.
func (s *Store) GetBatchRow(ctx context.Context, batchID string) (*BatchRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE batch_id = ?", batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanBatchRow(rows)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListBatchRows returns every mirror row ordered by batch id.
func (s *Store) ListBatchRows(ctx context.Context) ([]BatchRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+batchColumns+" FROM batches ORDER BY batch_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []BatchRow
	for rows.Next() {
		row, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func scanBatchRow(rows *sql.Rows) (BatchRow, error) {
	var r BatchRow
	var variety, harvest, method, grade, price, currency, owner, hash, txID sql.NullString
	var quantity, certsJSON, createdAt, updatedAt string

	if err := rows.Scan(&r.ID, &r.BatchID, &r.Farmer, &r.Crop, &variety, &quantity, &r.Unit, &r.Location,
		&harvest, &method, &grade, &certsJSON, &r.Status,
		&price, &currency, &owner, &hash, &txID, &createdAt, &updatedAt); err != nil {
		return r, err
	}

	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return r, fmt.Errorf("invalid quantity for %s: %w", r.BatchID, err)
	}
	r.Quantity = q
	if price.Valid && price.String != "" {
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return r, fmt.Errorf("invalid price for %s: %w", r.BatchID, err)
		}
		r.PricePerUnit = decimal.NewNullDecimal(p)
	}
	if err := json.Unmarshal([]byte(certsJSON), &r.Certifications); err != nil {
		r.Certifications = []string{}
	}

	r.Variety = variety.String
	r.HarvestDate = harvest.String
	r.CultivationMethod = method.String
	r.QualityGrade = grade.String
	r.Currency = currency.String
	r.CurrentOwner = owner.String
	r.DataHash = hash.String
	r.LedgerTxID = txID.String
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return r, nil
}

// SetDataHash records the hash that was sent to the ledger for batchID.
func (s *Store) SetDataHash(ctx context.Context, batchID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE batches SET data_hash = ?, updated_at = ? WHERE batch_id = ?",
		hash, time.Now().UTC().Format(time.RFC3339), batchID,
	)
	return err
}

// DeleteBatchRow removes the mirror row with surrogate id. Used to undo a
// row whose ledger registration was rejected. Ids are never reused, so a
// row inserted later for the same batch id is not touched.
func (s *Store) DeleteBatchRow(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM batches WHERE id = ?", id)
	return err
}

// =============================================================================
// EVENT LOG
// =============================================================================

// EventRecord is one committed ledger event as stored in batch_events.
type EventRecord struct {
	ID         int64
	BatchID    string
	Name       string
	TxID       string
	Payload    json.RawMessage
	RecordedAt time.Time
}

type eventPayload struct {
	BatchID   string       `json:"batchId"`
	NewStatus batch.Status `json:"newStatus"`
	Status    batch.Status `json:"status"`
	ToActorID string       `json:"toActorId"`
}

// HandleEvent appends ev to the event log and keeps the mirror row's
// status, owner and ledger tx id in step with the ledger. It satisfies
// batch.EventHandler; failures are logged, the ledger call has already
// committed.
func (s *Store) HandleEvent(ctx context.Context, ev batch.Event) {
	var p eventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		s.log.Warn("unreadable ledger event", zap.String("event", ev.Name), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO batch_events (batch_id, name, tx_id, payload_json, recorded_at) VALUES (?, ?, ?, ?, ?)",
		p.BatchID, ev.Name, ev.TxID, string(ev.Payload), now,
	); err != nil {
		s.log.Error("failed to record ledger event", zap.String("event", ev.Name), zap.String("batch_id", p.BatchID), zap.Error(err))
		return
	}

	var err error
	switch ev.Name {
	case batch.EventBatchCreated:
		_, err = s.db.ExecContext(ctx,
			"UPDATE batches SET ledger_tx_id = ?, updated_at = ? WHERE batch_id = ?",
			ev.TxID, now, p.BatchID)
	case batch.EventBatchStatusUpdated, batch.EventTransportRecordAdded:
		status := p.NewStatus
		if status == "" {
			status = p.Status
		}
		if status == "" {
			break
		}
		_, err = s.db.ExecContext(ctx,
			"UPDATE batches SET status = ?, updated_at = ? WHERE batch_id = ?",
			string(status), now, p.BatchID)
	case batch.EventBatchTransferred:
		_, err = s.db.ExecContext(ctx,
			"UPDATE batches SET status = ?, current_owner = ?, updated_at = ? WHERE batch_id = ?",
			string(p.NewStatus), p.ToActorID, now, p.BatchID)
	}
	if err != nil {
		s.log.Error("failed to sync mirror row", zap.String("event", ev.Name), zap.String("batch_id", p.BatchID), zap.Error(err))
	}
}

// ListEvents returns the logged events for batchID, oldest first.
func (s *Store) ListEvents(ctx context.Context, batchID string) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, batch_id, name, tx_id, payload_json, recorded_at FROM batch_events WHERE batch_id = ? ORDER BY id",
		batchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload, recordedAt string
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Name, &e.TxID, &payload, &recordedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
