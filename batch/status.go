package batch

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// STATUS STATE MACHINE
// =============================================================================
//
// Transitions are not restricted: any status string is accepted. What the
// machine guarantees is the history. Every change appends a statusHistory
// entry carrying the previous status, and `status` is always the status of
// the last entry.

type statusExtra struct {
	Notes          string          `json:"notes"`
	Location       *string         `json:"location"`
	WeatherData    json.RawMessage `json:"weatherData"`
	ProcessingData json.RawMessage `json:"processingData"`
	TransportData  json.RawMessage `json:"transportData"`
	QualityData    json.RawMessage `json:"qualityData"`
}

// UpdateBatchStatus sets a new status. reportedAt is the caller's own
// timestamp, kept verbatim; the entry itself is stamped with ledger time.
//
// A processingData, transportData or qualityData object in extra is also
// appended to its sub-ledger when the new status is PROCESSING, IN_TRANSIT
// or QUALITY_TESTED respectively.
func (e *Engine) UpdateBatchStatus(ctx context.Context, l Ledger, batchID, status, updatedBy, reportedAt, extra string) (*BatchRecord, error) {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return nil, err
	}

	log := e.logger()
	x := decodePayload[statusExtra](log, "updateBatchStatus", batchID, extra)
	newStatus := Status(status)

	// Sub-ledger data riding on the status change is checked before
	// anything is written, the same as through its own recorder.
	var (
		processing *processingInput
		transport  *transportInput
		quality    *qualityInput
	)
	switch Status(strings.ToUpper(status)) {
	case StatusProcessing:
		if len(x.ProcessingData) > 0 {
			in := decodePayload[processingInput](log, "updateBatchStatus.processingData", batchID, string(x.ProcessingData))
			if err := in.validate(); err != nil {
				return nil, err
			}
			processing = &in
		}
	case StatusInTransit:
		if len(x.TransportData) > 0 {
			in := decodePayload[transportInput](log, "updateBatchStatus.transportData", batchID, string(x.TransportData))
			if err := in.validate(); err != nil {
				return nil, err
			}
			transport = &in
		}
	case StatusQualityTested:
		if len(x.QualityData) > 0 {
			in := decodePayload[qualityInput](log, "updateBatchStatus.qualityData", batchID, string(x.QualityData))
			quality = &in
		}
	}

	entry := appendStatus(rec, l, newStatus, updatedBy, x.Notes)
	entry.ReportedAt = reportedAt
	entry.Location = x.Location
	entry.WeatherData = x.WeatherData
	rec.StatusHistory[len(rec.StatusHistory)-1] = entry

	if processing != nil {
		processor := processing.ProcessorID
		if processor == "" {
			processor = updatedBy
		}
		rec.ProcessingRecords = append(rec.ProcessingRecords, newProcessingRecord(rec, l, processor, *processing))
	}
	if transport != nil {
		rec.TransportRecords = append(rec.TransportRecords, newTransportRecord(l, updatedBy, *transport))
	}
	if quality != nil {
		rec.QualityTests = append(rec.QualityTests, newQualityTest(l, updatedBy, *quality))
	}

	touch(rec, l, updatedBy)
	if err := e.save(ctx, l, rec); err != nil {
		return nil, err
	}

	var previous Status
	if entry.PreviousStatus != nil {
		previous = *entry.PreviousStatus
	}
	if err := emit(l, EventBatchStatusUpdated, map[string]any{
		"batchId":        batchID,
		"newStatus":      newStatus,
		"previousStatus": previous,
		"updatedBy":      updatedBy,
		"timestamp":      entry.Timestamp,
		"txId":           entry.TxID,
	}); err != nil {
		return nil, err
	}

	log.Info("batch status updated",
		zap.String("batch_id", batchID),
		zap.String("from", string(previous)),
		zap.String("to", status),
	)
	return rec, nil
}

// appendStatus appends a history entry and moves `status` to it.
func appendStatus(rec *BatchRecord, l Ledger, status Status, by, notes string) StatusEntry {
	previous := rec.Status
	if previous == "" {
		previous = StatusRegistered
	}
	entry := StatusEntry{
		Status:         status,
		UpdatedBy:      by,
		Timestamp:      l.TxTimestamp(),
		PreviousStatus: &previous,
		TxID:           l.TxID(),
		Notes:          notes,
	}
	rec.StatusHistory = append(rec.StatusHistory, entry)
	rec.Status = status
	return entry
}
