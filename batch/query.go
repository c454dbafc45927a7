/*
query.go - Full-ledger queries

PURPOSE:
  Lists batches by scanning the entire key space. There is no secondary
  index: every query is O(n) in the number of ledger entries. This is a
  deliberate trade-off for small ledgers; callers needing scale should
  query the relational mirror instead.

KEY-SPACE GUARD:
  Other documents can share the key space. Only values that decode with
  docType == "batch" and a non-empty batchId are returned. Values that do
  not parse are skipped.

FILTERS (all must match):
  farmer, crop, location  case-insensitive substring
  status                  case-insensitive equality
  anything else           exact equality on the same-named JSON field;
                          numeric fields compare by value, so 5000,
                          5000.0 and "5000" all match a quantity of 5000

  A filter payload that is not a JSON object means "no filter".

ORDER:
  Newest first by createdDate (seconds since epoch). Zero/unparseable
  dates sort last. Ties are broken by batchId so results never depend on
  scan order.
*/
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type scanned struct {
	rec *BatchRecord
	raw []byte
}

// scanBatches returns every batch in the ledger, in key order.
func (e *Engine) scanBatches(ctx context.Context, l Ledger) ([]scanned, error) {
	kvs, err := l.GetStateByRange(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	out := make([]scanned, 0, len(kvs))
	for _, kv := range kvs {
		var rec BatchRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			e.logger().Debug("skipping unparseable ledger entry", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		if rec.DocType != DocTypeBatch || rec.BatchID == "" {
			continue
		}
		rec.ensureLedgers()
		out = append(out, scanned{rec: &rec, raw: kv.Value})
	}
	return out, nil
}

// GetAllBatches returns the batches matching every filter in the JSON
// object filters, newest first.
func (e *Engine) GetAllBatches(ctx context.Context, l Ledger, filters string) ([]*BatchRecord, error) {
	criteria := parseFilters(e.logger(), filters)

	all, err := e.scanBatches(ctx, l)
	if err != nil {
		return nil, err
	}
	result := make([]*BatchRecord, 0, len(all))
	for _, s := range all {
		if matchesFilter(s, criteria) {
			result = append(result, s.rec)
		}
	}
	sortNewestFirst(result, func(b *BatchRecord) Timestamp { return b.CreatedDate })

	e.logger().Debug("batches listed", zap.Int("matched", len(result)), zap.Int("scanned", len(all)))
	return result, nil
}

// GetBatchesByFarmer lists batches whose farmer contains name.
func (e *Engine) GetBatchesByFarmer(ctx context.Context, l Ledger, name string) ([]*BatchRecord, error) {
	f, err := json.Marshal(map[string]string{"farmer": name})
	if err != nil {
		return nil, err
	}
	return e.GetAllBatches(ctx, l, string(f))
}

// GetBatchesByDistributor lists batches currently owned by distributorID.
func (e *Engine) GetBatchesByDistributor(ctx context.Context, l Ledger, distributorID string) ([]*BatchRecord, error) {
	return e.selectBatches(ctx, l, func(b *BatchRecord) bool {
		return b.CurrentOwner.ActorID == distributorID
	}, func(b *BatchRecord) Timestamp { return b.LastUpdated })
}

// GetAvailableBatchesForDistributor lists PROCESSED batches not yet held by
// a distributor, most recently updated first.
func (e *Engine) GetAvailableBatchesForDistributor(ctx context.Context, l Ledger) ([]*BatchRecord, error) {
	return e.selectBatches(ctx, l, func(b *BatchRecord) bool {
		return b.Status == StatusProcessed && b.CurrentOwner.ActorRole != RoleDistributor
	}, func(b *BatchRecord) Timestamp { return b.LastUpdated })
}

func (e *Engine) selectBatches(ctx context.Context, l Ledger, keep func(*BatchRecord) bool, sortKey func(*BatchRecord) Timestamp) ([]*BatchRecord, error) {
	all, err := e.scanBatches(ctx, l)
	if err != nil {
		return nil, err
	}
	result := make([]*BatchRecord, 0)
	for _, s := range all {
		if keep(s.rec) {
			result = append(result, s.rec)
		}
	}
	sortNewestFirst(result, sortKey)
	return result, nil
}

func sortNewestFirst(batches []*BatchRecord, key func(*BatchRecord) Timestamp) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := key(batches[i]).Float(), key(batches[j]).Float()
		if a != b {
			return a > b
		}
		return batches[i].BatchID < batches[j].BatchID
	})
}

// =============================================================================
// FILTERS
// =============================================================================

func parseFilters(log *zap.Logger, filters string) map[string]any {
	if strings.TrimSpace(filters) == "" {
		return nil
	}
	var criteria map[string]any
	if err := decodeNumbers([]byte(filters), &criteria); err != nil {
		log.Warn("invalid filter criteria, returning all batches", zap.Error(err))
		return nil
	}
	return criteria
}

func matchesFilter(s scanned, criteria map[string]any) bool {
	if len(criteria) == 0 {
		return true
	}
	var fields map[string]any
	for key, want := range criteria {
		switch key {
		case "farmer":
			if !containsFold(s.rec.Farmer, want) {
				return false
			}
		case "crop":
			if !containsFold(s.rec.Crop, want) {
				return false
			}
		case "location":
			if !containsFold(s.rec.Location, want) {
				return false
			}
		case "status":
			if s.rec.Status == "" || !strings.EqualFold(string(s.rec.Status), fmt.Sprint(want)) {
				return false
			}
		default:
			if fields == nil {
				if err := decodeNumbers(s.raw, &fields); err != nil {
					return false
				}
			}
			got, ok := fields[key]
			if !ok || !sameValue(got, want) {
				return false
			}
		}
	}
	return true
}

// decodeNumbers keeps JSON numbers as json.Number so 5000 and 5000.0 can
// be compared exactly.
func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// sameValue is exact equality, except that a numeric field also matches a
// numeric filter value (number or numeric string) of equal value.
func sameValue(got, want any) bool {
	if n, ok := got.(json.Number); ok {
		g, err := decimal.NewFromString(n.String())
		if err != nil {
			return false
		}
		var w decimal.Decimal
		switch v := want.(type) {
		case json.Number:
			w, err = decimal.NewFromString(v.String())
		case string:
			w, err = decimal.NewFromString(strings.TrimSpace(v))
		default:
			return false
		}
		return err == nil && g.Equal(w)
	}
	return reflect.DeepEqual(got, want)
}

func containsFold(field string, want any) bool {
	if field == "" {
		return false
	}
	return strings.Contains(strings.ToLower(field), strings.ToLower(fmt.Sprint(want)))
}
