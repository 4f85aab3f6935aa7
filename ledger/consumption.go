package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DAILY CONSUMPTION ESTIMATE
// =============================================================================
//
// A stream is cut into periods by its balance checkpoints (non-zero
// stockonhand transactions). Everything consumed between two checkpoints
// belongs to the period they bound. A zero balance is a stockout: the period
// it would close is thrown away because consumption was capped by supply.
//
// Periods are clipped to the window [end - OptimalWindow, end], where end is
// the timestamp of the last transaction, and scaled by the clipped share of
// their length:
//
//	estimate = sum(consumption * clippedDays / days) / sum(clippedDays)
//
// Days are whole days. The estimate is nil when fewer than MinTransactions
// checkpoints bound the kept periods or the kept periods cover fewer than
// MinWindow days.

const day = 24 * time.Hour

// DaysInMonth converts between daily and monthly consumption.
const DaysInMonth = 30

type ConsumptionConfig struct {
	MinTransactions int
	MinWindow       int // days
	OptimalWindow   int // days
}

func DefaultConsumptionConfig() ConsumptionConfig {
	return ConsumptionConfig{MinTransactions: 2, MinWindow: 10, OptimalWindow: 60}
}

type consumptionPeriod struct {
	start, end  time.Time
	startID     TransactionID
	endID       TransactionID
	consumption decimal.Decimal
}

// ComputeDailyConsumption estimates the daily consumption of one key from
// its ordered stream. It returns nil when the data is insufficient.
func ComputeDailyConsumption(stream []Transaction, cfg ConsumptionConfig) *decimal.Decimal {
	if len(stream) == 0 {
		return nil
	}
	windowEnd := stream[len(stream)-1].Timestamp
	windowStart := windowEnd.Add(-time.Duration(cfg.OptimalWindow) * day)

	var (
		periods []consumptionPeriod
		open    *consumptionPeriod
	)
	for _, tx := range stream {
		switch tx.Type {
		case TxStockOnHand:
			if tx.Quantity.IsZero() {
				open = nil
				continue
			}
			if open != nil {
				open.end = tx.Timestamp
				open.endID = tx.ID
				periods = append(periods, *open)
			}
			open = &consumptionPeriod{start: tx.Timestamp, startID: tx.ID, consumption: decimal.Zero}
		case TxConsumption:
			if open != nil {
				open.consumption = open.consumption.Sub(tx.Quantity)
			}
		}
	}

	var (
		weighted    = decimal.Zero
		totalDays   int64
		checkpoints = make(map[TransactionID]bool)
	)
	for _, p := range periods {
		if !p.end.After(windowStart) {
			continue
		}
		start := p.start
		if start.Before(windowStart) {
			start = windowStart
		}
		days := wholeDays(p.end.Sub(p.start))
		clipped := wholeDays(p.end.Sub(start))
		if clipped <= 0 || days <= 0 {
			continue
		}
		weighted = weighted.Add(p.consumption.Mul(decimal.NewFromInt(clipped)).Div(decimal.NewFromInt(days)))
		totalDays += clipped
		checkpoints[p.startID] = true
		checkpoints[p.endID] = true
	}

	if totalDays == 0 || len(checkpoints) < cfg.MinTransactions || totalDays < int64(cfg.MinWindow) {
		return nil
	}
	rate := weighted.Div(decimal.NewFromInt(totalDays))
	return &rate
}

func wholeDays(d time.Duration) int64 { return int64(d / day) }
