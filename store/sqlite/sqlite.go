/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Durable single-node storage for reports, transactions, stock states and the
  directory settings (case types, default consumption). The same schema maps
  onto PostgreSQL in store/postgres with minor dialect differences.

KEY TABLES:
  stock_reports:       one row per submission; seq is the insertion order
  stock_transactions:  ledger rows; archived is a tombstone flag
  stock_states:        materialized state per (case, section, product)
  case_types:          case id -> case type
  default_consumption: (domain, product) -> monthly consumption

TOMBSTONES:
  Archiving flips stock_reports.status and stock_transactions.archived. The
  only DELETE on stock_transactions removes derived rows during a stream
  rewrite.

ENCODING:
  Decimals are stored as TEXT (exact). Timestamps are TEXT in a fixed-width
  UTC layout so that lexical order is chronological order.

CONCURRENCY:
  One connection. SQLite has a single writer anyway, and a ":memory:"
  database only exists on the connection that created it. Writers are
  serialized on keys by the engine's locker before they get here.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, ledger.DefaultConfig())

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial stock ledger schema
const currentSchemaVersion = 1

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*txStore)(nil)
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	conn
}

// conn holds the queries shared by Store and txStore.
type conn struct {
	q querier
}

// txStore is the ledger.Tx view of one database transaction.
type txStore struct {
	conn
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, conn: conn{q: db}}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrate creates the schema and records its version. Idempotent.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *Store) SetCaseType(ctx context.Context, caseID ledger.CaseID, caseType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_types (case_id, case_type) VALUES (?, ?)
		ON CONFLICT(case_id) DO UPDATE SET case_type = excluded.case_type
	`, string(caseID), caseType)
	if err != nil {
		return fmt.Errorf("failed to save case type: %w", err)
	}
	return nil
}

func (s *Store) SetDefaultMonthlyConsumption(ctx context.Context, domain string, productID ledger.ProductID, monthly decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO default_consumption (domain, product_id, monthly) VALUES (?, ?, ?)
		ON CONFLICT(domain, product_id) DO UPDATE SET monthly = excluded.monthly
	`, domain, string(productID), monthly.String())
	if err != nil {
		return fmt.Errorf("failed to save default consumption: %w", err)
	}
	return nil
}

func (c conn) CaseType(ctx context.Context, caseID ledger.CaseID) (string, error) {
	var caseType string
	err := c.q.QueryRowContext(ctx, `SELECT case_type FROM case_types WHERE case_id = ?`, string(caseID)).Scan(&caseType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get case type: %w", err)
	}
	return caseType, nil
}

func (c conn) DefaultMonthlyConsumption(ctx context.Context, domain string, productID ledger.ProductID) (*decimal.Decimal, error) {
	var monthly decimal.Decimal
	err := c.q.QueryRowContext(ctx, `
		SELECT monthly FROM default_consumption WHERE domain = ? AND product_id = ?
	`, domain, string(productID)).Scan(&monthly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default consumption: %w", err)
	}
	return &monthly, nil
}

// =============================================================================
// REPORTS
// =============================================================================

const reportColumns = `id, seq, form_id, domain, occurred_at, report_type, status, created_at, archived_at`

func (c conn) GetReport(ctx context.Context, id ledger.ReportID) (*ledger.Report, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM stock_reports WHERE id = ?`, string(id))
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c conn) CreateReport(ctx context.Context, r *ledger.Report) error {
	var seq int64
	if err := c.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM stock_reports`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate report seq: %w", err)
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO stock_reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(r.ID), seq, r.FormID, r.Domain, formatTime(r.Timestamp),
		string(r.Type), string(r.Status), formatTime(r.CreatedAt), nullTime(r.ArchivedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateReport
	}
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	r.Seq = seq
	return nil
}

func (c conn) SetReportArchived(ctx context.Context, id ledger.ReportID, archived bool, at time.Time) error {
	status, archivedAt := ledger.StatusApplied, sql.NullString{}
	if archived {
		status, archivedAt = ledger.StatusArchived, sql.NullString{String: formatTime(at), Valid: true}
	}

	res, err := c.q.ExecContext(ctx, `
		UPDATE stock_reports SET status = ?, archived_at = ? WHERE id = ?
	`, string(status), archivedAt, string(id))
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrReportNotFound
	}

	if _, err := c.q.ExecContext(ctx, `
		UPDATE stock_transactions SET archived = ? WHERE report_id = ?
	`, archived, string(id)); err != nil {
		return fmt.Errorf("failed to update report transactions: %w", err)
	}
	return nil
}

func scanReport(row interface{ Scan(...any) error }) (*ledger.Report, error) {
	var (
		r                     ledger.Report
		occurredAt, createdAt string
		archivedAt            sql.NullString
	)
	err := row.Scan(&r.ID, &r.Seq, &r.FormID, &r.Domain, &occurredAt, &r.Type, &r.Status, &createdAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	if r.Timestamp, err = parseTime(occurredAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		t, err := parseTime(archivedAt.String)
		if err != nil {
			return nil, err
		}
		r.ArchivedAt = &t
	}
	return &r, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const txColumns = `id, report_id, domain, case_id, section_id, product_id, tx_type, subtype,
	quantity, stock_on_hand, occurred_at, report_seq, line, archived`

const streamOrder = ` ORDER BY occurred_at, report_seq, line`

func (c conn) ReportTransactions(ctx context.Context, id ledger.ReportID, includeArchived bool) ([]ledger.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM stock_transactions WHERE report_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	return c.queryTransactions(ctx, query+streamOrder, string(id))
}

func (c conn) Stream(ctx context.Context, key ledger.Key) ([]ledger.Transaction, error) {
	return c.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM stock_transactions
		WHERE case_id = ? AND section_id = ? AND product_id = ? AND archived = 0
	`+streamOrder, keyArgs(key)...)
}

func (c conn) PriorState(ctx context.Context, key ledger.Key, asOf time.Time) (*ledger.Transaction, error) {
	txs, err := c.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM stock_transactions
		WHERE case_id = ? AND section_id = ? AND product_id = ? AND archived = 0
		  AND occurred_at <= ?
		ORDER BY occurred_at DESC, report_seq DESC, line DESC
		LIMIT 1
	`, append(keyArgs(key), formatTime(asOf))...)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (c conn) AppendTransactions(ctx context.Context, txs []ledger.Transaction) error {
	for _, tx := range txs {
		if err := c.upsertTransaction(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// RewriteStream upserts txs and drops active rows of key that are not in txs.
func (c conn) RewriteStream(ctx context.Context, key ledger.Key, txs []ledger.Transaction) error {
	current, err := c.Stream(ctx, key)
	if err != nil {
		return err
	}
	keep := make(map[ledger.TransactionID]bool, len(txs))
	for _, tx := range txs {
		keep[tx.ID] = true
	}
	for _, tx := range current {
		if keep[tx.ID] {
			continue
		}
		if _, err := c.q.ExecContext(ctx, `DELETE FROM stock_transactions WHERE id = ?`, string(tx.ID)); err != nil {
			return fmt.Errorf("failed to delete transaction %s: %w", tx.ID, err)
		}
	}
	return c.AppendTransactions(ctx, txs)
}

func (c conn) upsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO stock_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tx_type = excluded.tx_type,
			subtype = excluded.subtype,
			quantity = excluded.quantity,
			stock_on_hand = excluded.stock_on_hand,
			line = excluded.line,
			archived = excluded.archived
	`,
		string(tx.ID), string(tx.ReportID), tx.Domain,
		string(tx.CaseID), string(tx.SectionID), string(tx.ProductID),
		string(tx.Type), string(tx.Subtype),
		tx.Quantity.String(), tx.StockOnHand.String(),
		formatTime(tx.Timestamp), tx.ReportSeq, tx.Line, tx.Archived,
	)
	if err != nil {
		return fmt.Errorf("failed to write transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (c conn) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx         ledger.Transaction
		occurredAt string
	)
	err := rows.Scan(
		&tx.ID, &tx.ReportID, &tx.Domain, &tx.CaseID, &tx.SectionID, &tx.ProductID,
		&tx.Type, &tx.Subtype, &tx.Quantity, &tx.StockOnHand,
		&occurredAt, &tx.ReportSeq, &tx.Line, &tx.Archived,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Timestamp, err = parseTime(occurredAt)
	return tx, err
}

// =============================================================================
// STOCK STATES
// =============================================================================

const stateColumns = `case_id, section_id, product_id, domain, stock_on_hand, last_modified,
	last_modified_report_id, daily_consumption`

func (c conn) GetStockState(ctx context.Context, key ledger.Key) (*ledger.StockState, error) {
	states, err := c.queryStates(ctx, `
		SELECT `+stateColumns+` FROM stock_states
		WHERE case_id = ? AND section_id = ? AND product_id = ?
	`, keyArgs(key)...)
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return &states[0], nil
}

func (c conn) StockStatesForCases(ctx context.Context, cases []ledger.CaseID, section ledger.SectionID) ([]ledger.StockState, error) {
	if len(cases) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(cases)+1)
	for _, id := range cases {
		args = append(args, string(id))
	}
	query := `SELECT ` + stateColumns + ` FROM stock_states
		WHERE case_id IN (?` + strings.Repeat(", ?", len(cases)-1) + `)`
	if section != "" {
		query += ` AND section_id = ?`
		args = append(args, string(section))
	}
	return c.queryStates(ctx, query+` ORDER BY case_id, section_id, product_id`, args...)
}

func (c conn) SaveStockState(ctx context.Context, s ledger.StockState) error {
	var daily sql.NullString
	if s.DailyConsumption != nil {
		daily = sql.NullString{String: s.DailyConsumption.String(), Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO stock_states (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, section_id, product_id) DO UPDATE SET
			domain = excluded.domain,
			stock_on_hand = excluded.stock_on_hand,
			last_modified = excluded.last_modified,
			last_modified_report_id = excluded.last_modified_report_id,
			daily_consumption = excluded.daily_consumption
	`,
		string(s.CaseID), string(s.SectionID), string(s.ProductID), s.Domain,
		s.StockOnHand.String(), formatTime(s.LastModified), string(s.LastModifiedReportID), daily,
	)
	if err != nil {
		return fmt.Errorf("failed to save stock state: %w", err)
	}
	return nil
}

func (c conn) DeleteStockState(ctx context.Context, key ledger.Key) error {
	_, err := c.q.ExecContext(ctx, `
		DELETE FROM stock_states WHERE case_id = ? AND section_id = ? AND product_id = ?
	`, keyArgs(key)...)
	if err != nil {
		return fmt.Errorf("failed to delete stock state: %w", err)
	}
	return nil
}

func (c conn) queryStates(ctx context.Context, query string, args ...any) ([]ledger.StockState, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock states: %w", err)
	}
	defer rows.Close()

	var states []ledger.StockState
	for rows.Next() {
		var (
			s            ledger.StockState
			lastModified string
			daily        decimal.NullDecimal
		)
		if err := rows.Scan(
			&s.CaseID, &s.SectionID, &s.ProductID, &s.Domain, &s.StockOnHand,
			&lastModified, &s.LastModifiedReportID, &daily,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stock state: %w", err)
		}
		if s.LastModified, err = parseTime(lastModified); err != nil {
			return nil, err
		}
		if daily.Valid {
			d := daily.Decimal
			s.DailyConsumption = &d
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func keyArgs(k ledger.Key) []any {
	return []any{string(k.CaseID), string(k.SectionID), string(k.ProductID)}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique)
}
