package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// ARCHIVER - Take a report out of the ledger and put it back
// =============================================================================
//
// Report lifecycle:
//
//	pending --(submit)--> applied <--(archive / unarchive)--> archived
//
// Archiving tombstones the report and every transaction it owns, then
// replays each touched key so the remaining history decides the state. The
// daily consumption estimate is recomputed along with it. Asking for the
// state a report is already in changes nothing.

// Archiver applies archive state changes. Callers go through Engine.
type Archiver struct {
	store     Store
	locker    Locker
	projector *Projector
	now       func() time.Time
}

// SetArchived moves the report into the archived (true) or applied (false)
// state. It reports whether anything changed.
func (a *Archiver) SetArchived(ctx context.Context, id ReportID, archived bool) (bool, error) {
	if _, err := a.store.GetReport(ctx, id); err != nil {
		return false, err
	}
	txs, err := a.store.ReportTransactions(ctx, id, true)
	if err != nil {
		return false, err
	}

	keys := keysOf(txs)
	unlock, err := lockKeys(ctx, a.locker, keys)
	if err != nil {
		return false, err
	}
	defer unlock()

	changed := false
	err = a.store.WithTx(ctx, func(tx Tx) error {
		report, err := tx.GetReport(ctx, id)
		if err != nil {
			return err
		}
		if report.IsArchived() == archived {
			return nil
		}
		if err := tx.SetReportArchived(ctx, id, archived, a.now()); err != nil {
			return fmt.Errorf("set archived on %s: %w", id, err)
		}
		for _, key := range keys {
			if _, err := a.projector.Recompute(ctx, tx, key); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	return changed, err
}

// keysOf returns the distinct keys of txs in first-seen order.
func keysOf(txs []Transaction) []Key {
	var keys []Key
	seen := make(map[Key]bool)
	for _, t := range txs {
		if !seen[t.Key] {
			seen[t.Key] = true
			keys = append(keys, t.Key)
		}
	}
	return keys
}
