/*
pricing.go - Pricing transparency analytics

PURPOSE:
  Answers "how did the price change between the farm gate and the shelf?"
  from the pricingHistory sub-ledger. Both reports replay the sub-ledger in
  INSERTION order. Entries are never re-sorted by supply-chain level: actors
  report prices when they act, so the order they were appended in is the
  order of the chain.

CALCULATIONS:
  Price increase (needs >= 2 entries):
    farmPrice    = price of the FIRST entry with level FARMER
    currentPrice = price of the LAST entry, whatever its level
    absolute     = currentPrice - farmPrice
    percentage   = absolute / farmPrice * 100   (null when farmPrice is 0)

  Markup (one per adjacent pair):
    markup       = current.price - previous.price
    percentage   = markup / previous.price * 100
    total        = sum of markups
    average      = mean of the per-pair percentages

EXAMPLE:
  Prices [10, 15, 18] MYR/kg
    -> markups [+5 (50%), +3 (20%)], total 8, average 35.00
*/
package batch

import (
	"context"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type CurrentPrice struct {
	PricePerUnit decimal.NullDecimal `json:"pricePerUnit"`
	TotalValue   decimal.NullDecimal `json:"totalValue"`
	Level        Level               `json:"level,omitempty"`
}

type PriceIncrease struct {
	FarmPrice          decimal.Decimal `json:"farmPrice"`
	CurrentPrice       decimal.Decimal `json:"currentPrice"`
	AbsoluteIncrease   decimal.Decimal `json:"absoluteIncrease"`
	PercentageIncrease decimal.Decimal `json:"percentageIncrease"`
}

type PricingHistoryReport struct {
	BatchID        string          `json:"batchId"`
	CurrentPrice   CurrentPrice    `json:"currentPrice"`
	PricingHistory []PricingRecord `json:"pricingHistory"`
	PriceIncrease  *PriceIncrease  `json:"priceIncrease"`
	TotalLevels    int             `json:"totalLevels"`
}

// GetPricingHistory returns the pricing sub-ledger with a farm-to-current
// price increase summary.
func (e *Engine) GetPricingHistory(ctx context.Context, l Ledger, batchID string) (*PricingHistoryReport, error) {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return nil, err
	}
	return &PricingHistoryReport{
		BatchID: batchID,
		CurrentPrice: CurrentPrice{
			PricePerUnit: rec.CurrentPricePerUnit,
			TotalValue:   rec.CurrentTotalValue,
			Level:        rec.CurrentLevel,
		},
		PricingHistory: rec.PricingHistory,
		PriceIncrease:  priceIncrease(rec.PricingHistory),
		TotalLevels:    len(rec.PricingHistory),
	}, nil
}

func priceIncrease(history []PricingRecord) *PriceIncrease {
	if len(history) < 2 {
		return nil
	}
	var farm decimal.NullDecimal
	for _, p := range history {
		if p.Level == LevelFarmer {
			farm = p.PricePerUnit
			break
		}
	}
	current := history[len(history)-1].PricePerUnit
	if !farm.Valid || !current.Valid || farm.Decimal.IsZero() {
		return nil
	}
	abs := current.Decimal.Sub(farm.Decimal)
	return &PriceIncrease{
		FarmPrice:          farm.Decimal,
		CurrentPrice:       current.Decimal,
		AbsoluteIncrease:   abs,
		PercentageIncrease: abs.Div(farm.Decimal).Mul(hundred).Round(2),
	}
}

// FarmGatePrice returns the price of the first FARMER-level entry.
func FarmGatePrice(history []PricingRecord) decimal.NullDecimal {
	for _, p := range history {
		if p.Level == LevelFarmer {
			return p.PricePerUnit
		}
	}
	return decimal.NullDecimal{}
}

// =============================================================================
// MARKUP
// =============================================================================

type Markup struct {
	FromLevel        Level               `json:"fromLevel"`
	ToLevel          Level               `json:"toLevel"`
	FromActorID      string              `json:"fromActorId"`
	ToActorID        string              `json:"toActorId"`
	FromPrice        decimal.NullDecimal `json:"fromPrice"`
	ToPrice          decimal.NullDecimal `json:"toPrice"`
	Markup           decimal.NullDecimal `json:"markup"`
	MarkupPercentage decimal.NullDecimal `json:"markupPercentage"`
}

type MarkupReport struct {
	BatchID                 string          `json:"batchId"`
	HasPricingHistory       bool            `json:"hasPricingHistory"`
	Message                 string          `json:"message,omitempty"`
	Markups                 []Markup        `json:"markups"`
	TotalMarkup             decimal.Decimal `json:"totalMarkup"`
	AverageMarkupPercentage decimal.Decimal `json:"averageMarkupPercentage"`
}

// CalculatePriceMarkup computes the markup between every adjacent pair of
// pricing entries. A pair with an unreported price has a null markup and is
// left out of the totals.
func (e *Engine) CalculatePriceMarkup(ctx context.Context, l Ledger, batchID string) (*MarkupReport, error) {
	rec, err := e.load(ctx, l, batchID)
	if err != nil {
		return nil, err
	}
	return markupReport(batchID, rec.PricingHistory), nil
}

func markupReport(batchID string, history []PricingRecord) *MarkupReport {
	report := &MarkupReport{
		BatchID:                 batchID,
		Markups:                 []Markup{},
		TotalMarkup:             decimal.Zero,
		AverageMarkupPercentage: decimal.Zero,
	}
	if len(history) == 0 {
		report.Message = "No pricing history available"
		return report
	}
	report.HasPricingHistory = true

	pctSum := decimal.Zero
	pctCount := 0
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		m := Markup{
			FromLevel:   prev.Level,
			ToLevel:     cur.Level,
			FromActorID: prev.ActorID,
			ToActorID:   cur.ActorID,
			FromPrice:   prev.PricePerUnit,
			ToPrice:     cur.PricePerUnit,
		}
		if prev.PricePerUnit.Valid && cur.PricePerUnit.Valid {
			diff := cur.PricePerUnit.Decimal.Sub(prev.PricePerUnit.Decimal)
			m.Markup = decimal.NewNullDecimal(diff)
			report.TotalMarkup = report.TotalMarkup.Add(diff)
			if !prev.PricePerUnit.Decimal.IsZero() {
				pct := diff.Div(prev.PricePerUnit.Decimal).Mul(hundred)
				m.MarkupPercentage = decimal.NewNullDecimal(pct.Round(2))
				pctSum = pctSum.Add(pct)
				pctCount++
			}
		}
		report.Markups = append(report.Markups, m)
	}
	if pctCount > 0 {
		report.AverageMarkupPercentage = pctSum.Div(decimal.NewFromInt(int64(pctCount))).Round(2)
	}
	return report
}
