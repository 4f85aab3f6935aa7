// Package postgres provides a PostgreSQL-backed ledger.Store on a pgx pool.
//
// The schema mirrors store/sqlite. Quantities are NUMERIC and travel as
// shopspring decimals through the pgx-shopspring-decimal codec, which every
// pooled connection registers on connect.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

//go:embed schema.sql
var schemaSQL string

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*txStore)(nil)
)

// Querier is satisfied by the pool and by pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	conn
}

type conn struct {
	q Querier
}

type txStore struct {
	conn
}

// PoolConfig tunes the connection pool. Zero values keep the pgx defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pool with the decimal codec registered on every connection.
func NewPool(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}
	return pool, nil
}

// New wraps pool and creates the schema if it is missing.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, conn: conn{q: pool}}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// WithTx runs fn in a transaction and commits when it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txStore{conn: conn{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) SetCaseType(ctx context.Context, caseID ledger.CaseID, caseType string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO case_types (case_id, case_type) VALUES ($1, $2)
		ON CONFLICT (case_id) DO UPDATE SET case_type = EXCLUDED.case_type`,
		string(caseID), caseType)
	if err != nil {
		return fmt.Errorf("set case type: %w", err)
	}
	return nil
}

func (s *Store) SetDefaultMonthlyConsumption(ctx context.Context, domain string, productID ledger.ProductID, monthly decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO default_consumption (domain, product_id, monthly) VALUES ($1, $2, $3)
		ON CONFLICT (domain, product_id) DO UPDATE SET monthly = EXCLUDED.monthly`,
		domain, string(productID), monthly)
	if err != nil {
		return fmt.Errorf("set default consumption: %w", err)
	}
	return nil
}

func (c conn) CaseType(ctx context.Context, caseID ledger.CaseID) (string, error) {
	var caseType string
	err := c.q.QueryRow(ctx, `SELECT case_type FROM case_types WHERE case_id = $1`, string(caseID)).Scan(&caseType)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get case type: %w", err)
	}
	return caseType, nil
}

func (c conn) DefaultMonthlyConsumption(ctx context.Context, domain string, productID ledger.ProductID) (*decimal.Decimal, error) {
	var monthly decimal.Decimal
	err := c.q.QueryRow(ctx, `
		SELECT monthly FROM default_consumption WHERE domain = $1 AND product_id = $2`,
		domain, string(productID)).Scan(&monthly)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get default consumption: %w", err)
	}
	return &monthly, nil
}

// =============================================================================
// REPORTS
// =============================================================================

const reportColumns = `id, seq, form_id, domain, occurred_at, report_type, status, created_at, archived_at`

func (c conn) GetReport(ctx context.Context, id ledger.ReportID) (*ledger.Report, error) {
	var (
		r          ledger.Report
		archivedAt *time.Time
	)
	err := c.q.QueryRow(ctx, `SELECT `+reportColumns+` FROM stock_reports WHERE id = $1`, string(id)).Scan(
		&r.ID, &r.Seq, &r.FormID, &r.Domain, &r.Timestamp, &r.Type, &r.Status, &r.CreatedAt, &archivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	r.Timestamp = r.Timestamp.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	if archivedAt != nil {
		t := archivedAt.UTC()
		r.ArchivedAt = &t
	}
	return &r, nil
}

func (c conn) CreateReport(ctx context.Context, r *ledger.Report) error {
	err := c.q.QueryRow(ctx, `
		INSERT INTO stock_reports (id, form_id, domain, occurred_at, report_type, status, created_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		string(r.ID), r.FormID, r.Domain, r.Timestamp, string(r.Type), string(r.Status), r.CreatedAt, r.ArchivedAt,
	).Scan(&r.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateReport
		}
		return fmt.Errorf("create report: %w", err)
	}
	return nil
}

func (c conn) SetReportArchived(ctx context.Context, id ledger.ReportID, archived bool, at time.Time) error {
	status, archivedAt := ledger.StatusApplied, (*time.Time)(nil)
	if archived {
		status, archivedAt = ledger.StatusArchived, &at
	}
	tag, err := c.q.Exec(ctx, `UPDATE stock_reports SET status = $1, archived_at = $2 WHERE id = $3`,
		string(status), archivedAt, string(id))
	if err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrReportNotFound
	}
	if _, err := c.q.Exec(ctx, `UPDATE stock_transactions SET archived = $1 WHERE report_id = $2`,
		archived, string(id)); err != nil {
		return fmt.Errorf("update report transactions: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const txColumns = `id, report_id, domain, case_id, section_id, product_id, tx_type, subtype,
	quantity, stock_on_hand, occurred_at, report_seq, line, archived`

const streamOrder = ` ORDER BY occurred_at, report_seq, line`

func (c conn) ReportTransactions(ctx context.Context, id ledger.ReportID, includeArchived bool) ([]ledger.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM stock_transactions WHERE report_id = $1`
	if !includeArchived {
		query += ` AND NOT archived`
	}
	return c.queryTransactions(ctx, query+streamOrder, string(id))
}

func (c conn) Stream(ctx context.Context, key ledger.Key) ([]ledger.Transaction, error) {
	return c.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM stock_transactions
		WHERE case_id = $1 AND section_id = $2 AND product_id = $3 AND NOT archived`+streamOrder,
		keyArgs(key)...)
}

func (c conn) PriorState(ctx context.Context, key ledger.Key, asOf time.Time) (*ledger.Transaction, error) {
	txs, err := c.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM stock_transactions
		WHERE case_id = $1 AND section_id = $2 AND product_id = $3 AND NOT archived
		  AND occurred_at <= $4
		ORDER BY occurred_at DESC, report_seq DESC, line DESC
		LIMIT 1`,
		append(keyArgs(key), asOf)...)
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

func (c conn) RewriteStream(ctx context.Context, key ledger.Key, txs []ledger.Transaction) error {
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, string(tx.ID))
	}
	if _, err := c.q.Exec(ctx, `
		DELETE FROM stock_transactions
		WHERE case_id = $1 AND section_id = $2 AND product_id = $3 AND NOT archived
		  AND NOT (id = ANY($4))`,
		append(keyArgs(key), ids)...); err != nil {
		return fmt.Errorf("prune stream %s: %w", key, err)
	}
	return c.AppendTransactions(ctx, txs)
}

func (c conn) upsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO stock_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			tx_type = EXCLUDED.tx_type,
			subtype = EXCLUDED.subtype,
			quantity = EXCLUDED.quantity,
			stock_on_hand = EXCLUDED.stock_on_hand,
			line = EXCLUDED.line,
			archived = EXCLUDED.archived`,
		string(tx.ID), string(tx.ReportID), tx.Domain,
		string(tx.CaseID), string(tx.SectionID), string(tx.ProductID),
		string(tx.Type), string(tx.Subtype), tx.Quantity, tx.StockOnHand,
		tx.Timestamp, tx.ReportSeq, tx.Line, tx.Archived,
	)
	if err != nil {
		return fmt.Errorf("write transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (c conn) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var tx ledger.Transaction
		if err := rows.Scan(
			&tx.ID, &tx.ReportID, &tx.Domain, &tx.CaseID, &tx.SectionID, &tx.ProductID,
			&tx.Type, &tx.Subtype, &tx.Quantity, &tx.StockOnHand,
			&tx.Timestamp, &tx.ReportSeq, &tx.Line, &tx.Archived,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Timestamp = tx.Timestamp.UTC()
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// STOCK STATES
// =============================================================================

const stateColumns = `case_id, section_id, product_id, domain, stock_on_hand, last_modified,
	last_modified_report_id, daily_consumption`

func (c conn) GetStockState(ctx context.Context, key ledger.Key) (*ledger.StockState, error) {
	states, err := c.queryStates(ctx, `
		SELECT `+stateColumns+` FROM stock_states
		WHERE case_id = $1 AND section_id = $2 AND product_id = $3`,
		keyArgs(key)...)
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return &states[0], nil
}

func (c conn) StockStatesForCases(ctx context.Context, cases []ledger.CaseID, section ledger.SectionID) ([]ledger.StockState, error) {
	if len(cases) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(cases))
	for _, id := range cases {
		ids = append(ids, string(id))
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + stateColumns + ` FROM stock_states WHERE case_id = ANY($1)`)
	args := []any{ids}
	if section != "" {
		b.WriteString(` AND section_id = $2`)
		args = append(args, string(section))
	}
	b.WriteString(` ORDER BY case_id, section_id, product_id`)
	return c.queryStates(ctx, b.String(), args...)
}

func (c conn) SaveStockState(ctx context.Context, s ledger.StockState) error {
	var daily decimal.NullDecimal
	if s.DailyConsumption != nil {
		daily = decimal.NewNullDecimal(*s.DailyConsumption)
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO stock_states (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (case_id, section_id, product_id) DO UPDATE SET
			domain = EXCLUDED.domain,
			stock_on_hand = EXCLUDED.stock_on_hand,
			last_modified = EXCLUDED.last_modified,
			last_modified_report_id = EXCLUDED.last_modified_report_id,
			daily_consumption = EXCLUDED.daily_consumption`,
		string(s.CaseID), string(s.SectionID), string(s.ProductID), s.Domain,
		s.StockOnHand, s.LastModified, string(s.LastModifiedReportID), daily,
	)
	if err != nil {
		return fmt.Errorf("save stock state: %w", err)
	}
	return nil
}

func (c conn) DeleteStockState(ctx context.Context, key ledger.Key) error {
	_, err := c.q.Exec(ctx, `
		DELETE FROM stock_states WHERE case_id = $1 AND section_id = $2 AND product_id = $3`,
		keyArgs(key)...)
	if err != nil {
		return fmt.Errorf("delete stock state: %w", err)
	}
	return nil
}

func (c conn) queryStates(ctx context.Context, query string, args ...any) ([]ledger.StockState, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stock states: %w", err)
	}
	defer rows.Close()

	var states []ledger.StockState
	for rows.Next() {
		var (
			s     ledger.StockState
			daily decimal.NullDecimal
		)
		if err := rows.Scan(
			&s.CaseID, &s.SectionID, &s.ProductID, &s.Domain, &s.StockOnHand,
			&s.LastModified, &s.LastModifiedReportID, &daily,
		); err != nil {
			return nil, fmt.Errorf("scan stock state: %w", err)
		}
		s.LastModified = s.LastModified.UTC()
		if daily.Valid {
			d := daily.Decimal
			s.DailyConsumption = &d
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func keyArgs(k ledger.Key) []any {
	return []any{string(k.CaseID), string(k.SectionID), string(k.ProductID)}
}

// isUniqueViolation reports a unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
