package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// OWNERSHIP TRANSFER
// =============================================================================

// statusOnReceipt is the status a batch takes when a role receives it.
// Roles not listed leave the status unchanged.
var statusOnReceipt = map[Role]Status{
	RoleProcessor:   StatusProcessing,
	RoleDistributor: StatusInDistribution,
	RoleRetailer:    StatusRetailReady,
}

// StatusForRole returns the status implied by handing a batch to role.
func StatusForRole(role Role) (Status, bool) {
	s, ok := statusOnReceipt[Role(strings.ToUpper(string(role)))]
	return s, ok
}

type transferInput struct {
	TransferType string          `json:"transferType"`
	Location     string          `json:"location"`
	Notes        string          `json:"notes"`
	Conditions   json.RawMessage `json:"conditions"`
	Documents    []string        `json:"documents"`
	Signature    string          `json:"signature"`
}

// TransferBatch moves custody to toActorID. It appends to ownershipHistory
// and, when the receiving role implies a different status, to
// statusHistory as well.
func (e *Engine) TransferBatch(ctx context.Context, l Ledger, batchID, fromActorID, fromRole, toActorID, toRole, transferData string) (*TransferRecord, error) {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return nil, err
	}

	in := decodePayload[transferInput](e.logger(), "transferBatch", batchID, transferData)
	if in.TransferType == "" {
		in.TransferType = "OWNERSHIP_TRANSFER"
	}
	if in.Documents == nil {
		in.Documents = []string{}
	}

	now := l.TxTimestamp()
	transfer := TransferRecord{
		BatchID:       batchID,
		FromActorID:   fromActorID,
		FromActorRole: Role(strings.ToUpper(fromRole)),
		ToActorID:     toActorID,
		ToActorRole:   Role(strings.ToUpper(toRole)),
		TransferType:  in.TransferType,
		Location:      in.Location,
		Notes:         in.Notes,
		Conditions:    in.Conditions,
		Documents:     in.Documents,
		Signature:     in.Signature,
		Timestamp:     now,
		TxID:          l.TxID(),
	}
	rec.OwnershipHistory = append(rec.OwnershipHistory, transfer)
	rec.CurrentOwner = Owner{ActorID: toActorID, ActorRole: transfer.ToActorRole, Since: now}

	previous := rec.Status
	if next, ok := StatusForRole(transfer.ToActorRole); ok && next != rec.Status {
		appendStatus(rec, l, next, toActorID, fmt.Sprintf("Transferred from %s to %s", fromActorID, toActorID))
	}

	touch(rec, l, toActorID)
	if err := e.save(ctx, l, rec); err != nil {
		return nil, err
	}
	if err := emit(l, EventBatchTransferred, map[string]any{
		"batchId":        batchID,
		"fromActorId":    fromActorID,
		"fromActorRole":  transfer.FromActorRole,
		"toActorId":      toActorID,
		"toActorRole":    transfer.ToActorRole,
		"previousStatus": previous,
		"newStatus":      rec.Status,
		"timestamp":      now,
		"txId":           transfer.TxID,
	}); err != nil {
		return nil, err
	}

	e.logger().Info("batch transferred",
		zap.String("batch_id", batchID),
		zap.String("from", fromActorID),
		zap.String("to", toActorID),
		zap.String("status", string(rec.Status)),
	)
	return &transfer, nil
}
