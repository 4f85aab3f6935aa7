/*
store.go - Persistence interfaces for reports, transactions and stock states

PURPOSE:
  Defines the boundary between the ledger logic and a database. The engine
  only ever writes inside Store.WithTx, so a report, its transactions and the
  resulting stock states land together or not at all.

KEY INTERFACES:
  Reader: point and range reads, usable inside and outside a unit of work
  Writer: mutations, only reachable through a Tx
  Store:  Reader + WithTx + directory settings (case types, default
          consumption) that live outside the report pipeline

TOMBSTONES:
  Archiving a report never deletes rows. SetReportArchived flips the report
  and all of its transactions; Stream and PriorState skip archived rows.
  The only rows a store may drop are inferred transactions named by
  RewriteStream, which are derived data.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite:           database/sql + go-sqlite3
  - store/postgres:         pgx pool
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Reader is the read side of a store.
type Reader interface {
	// GetReport returns ErrReportNotFound for unknown ids.
	GetReport(ctx context.Context, id ReportID) (*Report, error)

	// ReportTransactions returns the report's transactions in stream order.
	ReportTransactions(ctx context.Context, id ReportID, includeArchived bool) ([]Transaction, error)

	// Stream returns the active transactions of one key in stream order.
	Stream(ctx context.Context, key Key) ([]Transaction, error)

	// PriorState returns the last active transaction of the key whose
	// timestamp is at or before asOf, or nil.
	PriorState(ctx context.Context, key Key, asOf time.Time) (*Transaction, error)

	// GetStockState returns nil when the key has no state.
	GetStockState(ctx context.Context, key Key) (*StockState, error)

	// StockStatesForCases lists states ordered by case, section, product.
	// An empty section matches every section.
	StockStatesForCases(ctx context.Context, cases []CaseID, section SectionID) ([]StockState, error)

	// CaseType returns "" for unknown cases.
	CaseType(ctx context.Context, caseID CaseID) (string, error)

	// DefaultMonthlyConsumption returns nil when nothing is configured.
	DefaultMonthlyConsumption(ctx context.Context, domain string, productID ProductID) (*decimal.Decimal, error)
}

// Writer is the write side, only available inside a unit of work.
type Writer interface {
	// CreateReport persists a new report and assigns its Seq.
	// Returns ErrDuplicateReport if the id exists.
	CreateReport(ctx context.Context, r *Report) error

	AppendTransactions(ctx context.Context, txs []Transaction) error

	// SetReportArchived tombstones (or restores) a report and all of its
	// transactions.
	SetReportArchived(ctx context.Context, id ReportID, archived bool, at time.Time) error

	// RewriteStream makes the active stream of key equal to txs: rows are
	// upserted by ID and active rows missing from txs are removed.
	RewriteStream(ctx context.Context, key Key, txs []Transaction) error

	SaveStockState(ctx context.Context, s StockState) error
	DeleteStockState(ctx context.Context, key Key) error
}

// Tx is a store bound to one atomic unit of work.
type Tx interface {
	Reader
	Writer
}

// Store is what the engine is constructed with.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, everything fn wrote is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	SetCaseType(ctx context.Context, caseID CaseID, caseType string) error
	SetDefaultMonthlyConsumption(ctx context.Context, domain string, productID ProductID, monthly decimal.Decimal) error
}
