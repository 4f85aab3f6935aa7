/*
reconcile.go - Report entries to ledger transactions

PURPOSE:
  Turns the entries of one report into the transactions to persist.

RULES:
  Transfer, destination only:  receipts    +q at dest,   SOH = prior + q
  Transfer, source only:       consumption -q at source, SOH = prior - q
  Transfer, both:              one transaction per side
  Balance:                     stockonhand q, SOH = q; when a prior value
                               exists and differs, an inferred receipts or
                               consumption transaction of (q - prior) first

  A missing prior means zero for transfers and "no inferred transaction"
  for balances.

DOCUMENT ORDER:
  Entries are applied one after another against a running state seeded from
  the store. A balance followed by a receipt in the same report ends at
  balance + receipt; a receipt followed by a balance ends at the balance.

LINES:
  Entry i owns lines 3i (inferred slot), 3i+1 (balance, or transfer source)
  and 3i+2 (transfer destination). Lines order transactions that share a
  timestamp and report.

LENIENCY:
  Blank or non-numeric quantities skip the entry. Product archival is not a
  concern of the ledger: entries for archived products are processed.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reconciler computes transactions for a report. It holds no state.
type Reconciler struct {
	newID func() TransactionID
}

func NewReconciler() *Reconciler {
	return &Reconciler{newID: func() TransactionID { return TransactionID(uuid.NewString()) }}
}

// Validate checks every entry of a report. The first offending entry
// rejects the report.
func (r *Reconciler) Validate(entries []Entry) error {
	for i, e := range entries {
		switch e := e.(type) {
		case Balance:
			if isBlank(e.ProductID) {
				return &ValidationError{Code: CodeMissingProductID, EntryIndex: i, Message: "balance entry has no product id"}
			}
			if isBlank(e.CaseID) {
				return &ValidationError{Code: CodeIllegalCaseID, EntryIndex: i, Message: "balance entry has no case id"}
			}
		case Transfer:
			if isBlank(e.ProductID) {
				return &ValidationError{Code: CodeMissingProductID, EntryIndex: i, Message: "transfer entry has no product id"}
			}
			if isBlank(e.SourceCaseID) && isBlank(e.DestCaseID) {
				return &ValidationError{Code: CodeIllegalCaseID, EntryIndex: i, Message: "transfer entry has neither source nor destination"}
			}
		default:
			return &ValidationError{Code: CodeInvalidEntry, EntryIndex: i, Message: fmt.Sprintf("unsupported entry %T", e)}
		}
	}
	return nil
}

// TouchedKeys lists the keys a report will write to, in document order.
// Entries that will be skipped contribute nothing.
func (r *Reconciler) TouchedKeys(entries []Entry) []Key {
	var keys []Key
	seen := make(map[Key]bool)
	add := func(k Key) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, e := range entries {
		switch e := e.(type) {
		case Balance:
			if _, ok := ParseQuantity(e.Quantity); ok {
				add(Key{CaseID: e.CaseID, SectionID: sectionOrDefault(e.SectionID), ProductID: e.ProductID})
			}
		case Transfer:
			if _, ok := ParseQuantity(e.Quantity); !ok {
				continue
			}
			section := sectionOrDefault(e.SectionID)
			if !isBlank(e.SourceCaseID) {
				add(Key{CaseID: e.SourceCaseID, SectionID: section, ProductID: e.ProductID})
			}
			if !isBlank(e.DestCaseID) {
				add(Key{CaseID: e.DestCaseID, SectionID: section, ProductID: e.ProductID})
			}
		}
	}
	return keys
}

// Reconcile computes the transactions of report. Prior state comes from
// reader as of the report timestamp; the report must already carry its Seq.
func (r *Reconciler) Reconcile(ctx context.Context, reader Reader, report *Report, entries []Entry) ([]Transaction, error) {
	running := make(map[Key]decimal.Decimal)
	prior := func(key Key) (decimal.Decimal, bool, error) {
		if soh, ok := running[key]; ok {
			return soh, true, nil
		}
		last, err := reader.PriorState(ctx, key, report.Timestamp)
		if err != nil {
			return decimal.Zero, false, err
		}
		if last == nil {
			return decimal.Zero, false, nil
		}
		return last.StockOnHand, true, nil
	}

	var txs []Transaction
	for i, e := range entries {
		switch e := e.(type) {
		case Balance:
			q, ok := ParseQuantity(e.Quantity)
			if !ok {
				continue
			}
			key := Key{CaseID: e.CaseID, SectionID: sectionOrDefault(e.SectionID), ProductID: e.ProductID}
			p, hasPrior, err := prior(key)
			if err != nil {
				return nil, err
			}
			tx := r.newTx(report, key, TxStockOnHand, q, q, 3*i+1)
			if hasPrior && !q.Equal(p) {
				txs = append(txs, inferredFor(tx, q.Sub(p)))
			}
			txs = append(txs, tx)
			running[key] = q

		case Transfer:
			q, ok := ParseQuantity(e.Quantity)
			if !ok {
				continue
			}
			section := sectionOrDefault(e.SectionID)
			if !isBlank(e.SourceCaseID) {
				key := Key{CaseID: e.SourceCaseID, SectionID: section, ProductID: e.ProductID}
				p, _, err := prior(key)
				if err != nil {
					return nil, err
				}
				soh := p.Sub(q)
				txs = append(txs, r.newTx(report, key, TxConsumption, q.Neg(), soh, 3*i+1))
				running[key] = soh
			}
			if !isBlank(e.DestCaseID) {
				key := Key{CaseID: e.DestCaseID, SectionID: section, ProductID: e.ProductID}
				p, _, err := prior(key)
				if err != nil {
					return nil, err
				}
				soh := p.Add(q)
				txs = append(txs, r.newTx(report, key, TxReceipts, q, soh, 3*i+2))
				running[key] = soh
			}

		default:
			return nil, &ValidationError{Code: CodeInvalidEntry, EntryIndex: i, Message: fmt.Sprintf("unsupported entry %T", e)}
		}
	}
	return txs, nil
}

func (r *Reconciler) newTx(report *Report, key Key, txType TransactionType, qty, soh decimal.Decimal, line int) Transaction {
	return Transaction{
		ID:          r.newID(),
		ReportID:    report.ID,
		Domain:      report.Domain,
		Key:         key,
		Type:        txType,
		Quantity:    qty,
		StockOnHand: soh,
		Timestamp:   report.Timestamp,
		ReportSeq:   report.Seq,
		Line:        line,
	}
}
