/*
engine.go - Public entry point of the stock ledger

PURPOSE:
  Wires the reconciler, projector and archiver to a Store and a Locker and
  enforces the write discipline:

    validate -> lock keys -> [ create report -> reconcile -> append ->
    recompute touched keys -> mark applied ] -> unlock

  The bracketed part is one Store.WithTx unit. A failure anywhere rolls the
  whole report back; nothing is visible before commit.

LOCKING:
  The locks of every key a report touches are taken before prior state is
  read and held until the unit of work has committed. Keys are locked in
  sorted order. A lock that cannot be taken within the locker's wait fails
  the submission with ErrLockTimeout; the caller resubmits and the report is
  reconciled against the then-current state.

EXAMPLE:
  eng := ledger.NewEngine(store.NewMemory(), ledger.DefaultConfig())
  report, txs, err := eng.SubmitReport(ctx, ledger.Submission{
      Domain:    "demo",
      Timestamp: now,
      Entries: []ledger.Entry{
          ledger.Balance{CaseID: "clinic-1", ProductID: "amoxicillin", Quantity: "40"},
      },
  })
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds the ledger policy knobs.
type Config struct {
	Consumption ConsumptionConfig

	// ForceConsumptionCaseTypes lists case types whose states fall back to
	// the default monthly consumption when no estimate can be computed.
	ForceConsumptionCaseTypes []string

	// NonNegativeSections must never replay to a negative stock on hand.
	NonNegativeSections []SectionID
}

func DefaultConfig() Config {
	return Config{Consumption: DefaultConsumptionConfig()}
}

// DefaultLockWait bounds how long a writer waits for a key lock.
const DefaultLockWait = 5 * time.Second

type Engine struct {
	store      Store
	locker     Locker
	reconciler *Reconciler
	projector  *Projector
	archiver   *Archiver
	log        zerolog.Logger
	now        func() time.Time
}

type Option func(*Engine)

// WithLocker replaces the in-process KeyedMutex, e.g. with a Redis locker
// when several processes share one database.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		locker:     NewKeyedMutex(DefaultLockWait),
		reconciler: NewReconciler(),
		projector:  NewProjector(cfg),
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.archiver = &Archiver{store: store, locker: e.locker, projector: e.projector, now: e.clock}
	return e
}

// clock returns the current time at the precision every store keeps.
func (e *Engine) clock() time.Time { return normalizeTime(e.now()) }

func normalizeTime(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

// =============================================================================
// WRITES
// =============================================================================

// SubmitReport validates, reconciles and applies one report. On a
// validation error nothing is persisted. A report whose quantities are all
// blank is stored without transactions.
func (e *Engine) SubmitReport(ctx context.Context, sub Submission) (*Report, []Transaction, error) {
	if err := e.reconciler.Validate(sub.Entries); err != nil {
		e.log.Warn().Err(err).Str("report_id", string(sub.ReportID)).Msg("report rejected")
		return nil, nil, err
	}

	now := e.clock()
	report := &Report{
		ID:        sub.ReportID,
		FormID:    sub.FormID,
		Domain:    sub.Domain,
		Timestamp: normalizeTime(sub.Timestamp),
		Type:      sub.Type,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if isBlank(report.ID) {
		report.ID = ReportID(uuid.NewString())
	}
	if sub.Timestamp.IsZero() {
		report.Timestamp = now
	}
	if report.Type == "" {
		report.Type = reportTypeOf(sub.Entries)
	}

	keys := e.reconciler.TouchedKeys(sub.Entries)
	unlock, err := lockKeys(ctx, e.locker, keys)
	if err != nil {
		e.log.Warn().Err(err).Str("report_id", string(report.ID)).Int("keys", len(keys)).Msg("report lock failed")
		return nil, nil, err
	}
	defer unlock()

	var txs []Transaction
	err = e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateReport(ctx, report); err != nil {
			return err
		}
		txs, err = e.reconciler.Reconcile(ctx, tx, report, sub.Entries)
		if err != nil {
			return err
		}
		if len(txs) > 0 {
			if err := tx.AppendTransactions(ctx, txs); err != nil {
				return err
			}
		}
		for _, key := range keys {
			if _, err := e.projector.Recompute(ctx, tx, key); err != nil {
				return err
			}
		}
		return tx.SetReportArchived(ctx, report.ID, false, now)
	})
	if err != nil {
		e.log.Error().Err(err).Str("report_id", string(report.ID)).Msg("report not applied")
		return nil, nil, err
	}

	report.Status = StatusApplied
	e.log.Info().
		Str("report_id", string(report.ID)).
		Str("domain", report.Domain).
		Int("entries", len(sub.Entries)).
		Int("transactions", len(txs)).
		Int("keys", len(keys)).
		Msg("report applied")
	return report, txs, nil
}

// ArchiveReport takes a report out of the ledger. Archiving an archived
// report is a no-op.
func (e *Engine) ArchiveReport(ctx context.Context, id ReportID) (*Report, error) {
	return e.setArchived(ctx, id, true)
}

// UnarchiveReport puts an archived report back. Unarchiving an applied
// report is a no-op.
func (e *Engine) UnarchiveReport(ctx context.Context, id ReportID) (*Report, error) {
	return e.setArchived(ctx, id, false)
}

func (e *Engine) setArchived(ctx context.Context, id ReportID, archived bool) (*Report, error) {
	changed, err := e.archiver.SetArchived(ctx, id, archived)
	if err != nil {
		e.log.Error().Err(err).Str("report_id", string(id)).Bool("archived", archived).Msg("archive state change failed")
		return nil, err
	}
	e.log.Info().Str("report_id", string(id)).Bool("archived", archived).Bool("changed", changed).Msg("archive state set")
	return e.store.GetReport(ctx, id)
}

// SetCaseType records the type of a case. It is consulted for forced
// consumption the next time one of the case's keys is recomputed.
func (e *Engine) SetCaseType(ctx context.Context, caseID CaseID, caseType string) error {
	return e.store.SetCaseType(ctx, caseID, caseType)
}

// SetDefaultMonthlyConsumption records the fallback consumption of a
// product within a domain.
func (e *Engine) SetDefaultMonthlyConsumption(ctx context.Context, domain string, productID ProductID, monthly decimal.Decimal) error {
	return e.store.SetDefaultMonthlyConsumption(ctx, domain, productID, monthly)
}

// =============================================================================
// READS
// =============================================================================

// PriorState returns the stock on hand of key as of asOf, or nil when the
// key has no active transaction at or before that time.
func (e *Engine) PriorState(ctx context.Context, key Key, asOf time.Time) (*PriorState, error) {
	last, err := e.store.PriorState(ctx, key, normalizeTime(asOf))
	if err != nil || last == nil {
		return nil, err
	}
	return &PriorState{StockOnHand: last.StockOnHand, Timestamp: last.Timestamp, TransactionID: last.ID}, nil
}

func (e *Engine) Report(ctx context.Context, id ReportID) (*Report, error) {
	return e.store.GetReport(ctx, id)
}

// ReportTransactions lists the transactions a report owns, archived ones
// included.
func (e *Engine) ReportTransactions(ctx context.Context, id ReportID) ([]Transaction, error) {
	if _, err := e.store.GetReport(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ReportTransactions(ctx, id, true)
}

func (e *Engine) StockState(ctx context.Context, key Key) (*StockState, error) {
	return e.store.GetStockState(ctx, key)
}

// StockStatesForCase lists the states of one case. An empty section
// matches all sections.
func (e *Engine) StockStatesForCase(ctx context.Context, caseID CaseID, section SectionID) ([]StockState, error) {
	return e.store.StockStatesForCases(ctx, []CaseID{caseID}, section)
}

func (e *Engine) StockStatesForCases(ctx context.Context, cases []CaseID, section SectionID) ([]StockState, error) {
	if len(cases) == 0 {
		return nil, nil
	}
	return e.store.StockStatesForCases(ctx, cases, section)
}

// TransactionHistory returns the active stream of key. With since set, only
// transactions at or after it are returned.
func (e *Engine) TransactionHistory(ctx context.Context, key Key, since *time.Time) ([]Transaction, error) {
	stream, err := e.store.Stream(ctx, key)
	if err != nil || since == nil {
		return stream, err
	}
	from := normalizeTime(*since)
	out := stream[:0]
	for _, t := range stream {
		if !t.Timestamp.Before(from) {
			out = append(out, t)
		}
	}
	return out, nil
}

func reportTypeOf(entries []Entry) ReportType {
	for _, e := range entries {
		if _, ok := e.(Transfer); ok {
			return ReportTransfer
		}
	}
	return ReportBalance
}
