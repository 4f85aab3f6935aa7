/*
projector.go - Transaction stream to StockState

PURPOSE:
  Rebuilds the current state of one (case, section, product) key from its
  full active transaction stream. The state is never patched incrementally:
  every recompute replays the stream from the start, which is what makes
  out-of-order submissions and archival come out right.

REPLAY:
  For each transaction in stream order:
    stockonhand          SOH = asserted value
    receipts/consumption SOH = previous SOH (0 when none) + quantity
  Stored inferred transactions are dropped and derived again from the
  replayed previous SOH. When the replay disagrees with what is stored
  (a report was inserted in the past, or one was archived), the stream is
  rewritten through Writer.RewriteStream.

STATE:
  empty stream  -> StockState deleted
  otherwise     -> SOH and timestamp of the last transaction, plus the daily
                   consumption estimate (see consumption.go)

SEE ALSO:
  - consumption.go: the estimate
  - archive.go:     the other caller of Recompute
*/
package ledger

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"
)

// Projector recomputes StockState. Callers hold the key lock.
type Projector struct {
	cfg Config
}

func NewProjector(cfg Config) *Projector {
	return &Projector{cfg: cfg}
}

// Recompute replays the stream of key inside tx and persists the result.
// It returns the new state, or nil when the stream is empty.
func (p *Projector) Recompute(ctx context.Context, tx Tx, key Key) (*StockState, error) {
	stored, err := tx.Stream(ctx, key)
	if err != nil {
		return nil, err
	}

	rebuilt, err := p.replay(key, stored)
	if err != nil {
		return nil, err
	}
	if !sameStream(stored, rebuilt) {
		if err := tx.RewriteStream(ctx, key, rebuilt); err != nil {
			return nil, err
		}
	}

	if len(rebuilt) == 0 {
		return nil, tx.DeleteStockState(ctx, key)
	}

	last := rebuilt[len(rebuilt)-1]
	state := StockState{
		Key:                  key,
		Domain:               last.Domain,
		StockOnHand:          last.StockOnHand,
		LastModified:         last.Timestamp,
		LastModifiedReportID: last.ReportID,
		DailyConsumption:     ComputeDailyConsumption(rebuilt, p.cfg.Consumption),
	}
	if state.DailyConsumption == nil {
		forced, err := p.forcedConsumption(ctx, tx, key, last.Domain)
		if err != nil {
			return nil, err
		}
		state.DailyConsumption = forced
	}

	if err := tx.SaveStockState(ctx, state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (p *Projector) replay(key Key, stored []Transaction) ([]Transaction, error) {
	rebuilt := make([]Transaction, 0, len(stored))
	var prev *decimal.Decimal
	for _, t := range stored {
		if t.IsInferred() {
			continue
		}
		switch t.Type {
		case TxStockOnHand:
			if prev != nil && !t.Quantity.Equal(*prev) {
				rebuilt = append(rebuilt, inferredFor(t, t.Quantity.Sub(*prev)))
			}
			t.StockOnHand = t.Quantity
		default:
			base := decimal.Zero
			if prev != nil {
				base = *prev
			}
			t.StockOnHand = base.Add(t.Quantity)
		}

		if t.StockOnHand.IsNegative() && slices.Contains(p.cfg.NonNegativeSections, key.SectionID) {
			return nil, &ProjectionInconsistencyError{
				Key:           key,
				TransactionID: t.ID,
				StockOnHand:   t.StockOnHand,
				Reason:        "negative stock in a non-negative section",
			}
		}

		soh := t.StockOnHand
		prev = &soh
		rebuilt = append(rebuilt, t)
	}
	return rebuilt, nil
}

// forcedConsumption falls back to the configured default monthly
// consumption for case types that always carry an estimate.
func (p *Projector) forcedConsumption(ctx context.Context, r Reader, key Key, domain string) (*decimal.Decimal, error) {
	if len(p.cfg.ForceConsumptionCaseTypes) == 0 {
		return nil, nil
	}
	caseType, err := r.CaseType(ctx, key.CaseID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(p.cfg.ForceConsumptionCaseTypes, caseType) {
		return nil, nil
	}
	monthly, err := r.DefaultMonthlyConsumption(ctx, domain, key.ProductID)
	if err != nil || monthly == nil {
		return nil, err
	}
	daily := monthly.Div(decimal.NewFromInt(DaysInMonth))
	return &daily, nil
}

func sameStream(a, b []Transaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].sameProjection(b[i]) {
			return false
		}
	}
	return true
}
