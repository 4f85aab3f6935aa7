// Package store provides the in-memory ledger.Store.
package store

import (
	"cmp"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps. WithTx holds the write lock for the whole
// unit of work and restores a snapshot when fn fails.
type Memory struct {
	mu sync.RWMutex
	d  *memData
}

type memData struct {
	reports   map[ledger.ReportID]ledger.Report
	streams   map[ledger.Key][]ledger.Transaction // stream order, archived rows included
	states    map[ledger.Key]ledger.StockState
	caseTypes map[ledger.CaseID]string
	defaults  map[defaultKey]decimal.Decimal
	seq       int64
}

var (
	_ ledger.Store = (*Memory)(nil)
	_ ledger.Tx    = (*memData)(nil)
)

type defaultKey struct {
	Domain    string
	ProductID ledger.ProductID
}

func NewMemory() *Memory {
	return &Memory{d: &memData{
		reports:   make(map[ledger.ReportID]ledger.Report),
		streams:   make(map[ledger.Key][]ledger.Transaction),
		states:    make(map[ledger.Key]ledger.StockState),
		caseTypes: make(map[ledger.CaseID]string),
		defaults:  make(map[defaultKey]decimal.Decimal),
	}}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (m *Memory) GetReport(ctx context.Context, id ledger.ReportID) (*ledger.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetReport(ctx, id)
}

func (m *Memory) ReportTransactions(ctx context.Context, id ledger.ReportID, includeArchived bool) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ReportTransactions(ctx, id, includeArchived)
}

func (m *Memory) Stream(ctx context.Context, key ledger.Key) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Stream(ctx, key)
}

func (m *Memory) PriorState(ctx context.Context, key ledger.Key, asOf time.Time) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.PriorState(ctx, key, asOf)
}

func (m *Memory) GetStockState(ctx context.Context, key ledger.Key) (*ledger.StockState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetStockState(ctx, key)
}

func (m *Memory) StockStatesForCases(ctx context.Context, cases []ledger.CaseID, section ledger.SectionID) ([]ledger.StockState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.StockStatesForCases(ctx, cases, section)
}

func (m *Memory) CaseType(ctx context.Context, caseID ledger.CaseID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.CaseType(ctx, caseID)
}

func (m *Memory) DefaultMonthlyConsumption(ctx context.Context, domain string, productID ledger.ProductID) (*decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.DefaultMonthlyConsumption(ctx, domain, productID)
}

func (m *Memory) SetCaseType(_ context.Context, caseID ledger.CaseID, caseType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.caseTypes[caseID] = caseType
	return nil
}

func (m *Memory) SetDefaultMonthlyConsumption(_ context.Context, domain string, productID ledger.ProductID, monthly decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.defaults[defaultKey{Domain: domain, ProductID: productID}] = monthly
	return nil
}

// =============================================================================
// UNLOCKED DATA - implements ledger.Tx; callers hold Memory.mu
// =============================================================================

func (d *memData) clone() *memData {
	c := &memData{
		reports:   make(map[ledger.ReportID]ledger.Report, len(d.reports)),
		streams:   make(map[ledger.Key][]ledger.Transaction, len(d.streams)),
		states:    make(map[ledger.Key]ledger.StockState, len(d.states)),
		caseTypes: make(map[ledger.CaseID]string, len(d.caseTypes)),
		defaults:  make(map[defaultKey]decimal.Decimal, len(d.defaults)),
		seq:       d.seq,
	}
	for k, v := range d.reports {
		c.reports[k] = v
	}
	for k, v := range d.streams {
		c.streams[k] = slices.Clone(v)
	}
	for k, v := range d.states {
		c.states[k] = v
	}
	for k, v := range d.caseTypes {
		c.caseTypes[k] = v
	}
	for k, v := range d.defaults {
		c.defaults[k] = v
	}
	return c
}

func (d *memData) GetReport(_ context.Context, id ledger.ReportID) (*ledger.Report, error) {
	r, ok := d.reports[id]
	if !ok {
		return nil, ledger.ErrReportNotFound
	}
	return &r, nil
}

func (d *memData) ReportTransactions(_ context.Context, id ledger.ReportID, includeArchived bool) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, stream := range d.streams {
		for _, tx := range stream {
			if tx.ReportID == id && (includeArchived || !tx.Archived) {
				out = append(out, tx)
			}
		}
	}
	sortStream(out)
	return out, nil
}

func (d *memData) Stream(_ context.Context, key ledger.Key) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range d.streams[key] {
		if !tx.Archived {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (d *memData) PriorState(_ context.Context, key ledger.Key, asOf time.Time) (*ledger.Transaction, error) {
	stream := d.streams[key]
	// First row strictly after asOf; everything before it qualifies.
	i := sort.Search(len(stream), func(i int) bool {
		return stream[i].Timestamp.After(asOf)
	})
	for i--; i >= 0; i-- {
		if !stream[i].Archived {
			tx := stream[i]
			return &tx, nil
		}
	}
	return nil, nil
}

func (d *memData) GetStockState(_ context.Context, key ledger.Key) (*ledger.StockState, error) {
	s, ok := d.states[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (d *memData) StockStatesForCases(_ context.Context, cases []ledger.CaseID, section ledger.SectionID) ([]ledger.StockState, error) {
	var out []ledger.StockState
	for k, s := range d.states {
		if !slices.Contains(cases, k.CaseID) {
			continue
		}
		if section != "" && k.SectionID != section {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b ledger.StockState) int {
		return cmp.Or(
			cmp.Compare(a.CaseID, b.CaseID),
			cmp.Compare(a.SectionID, b.SectionID),
			cmp.Compare(a.ProductID, b.ProductID),
		)
	})
	return out, nil
}

func (d *memData) CaseType(_ context.Context, caseID ledger.CaseID) (string, error) {
	return d.caseTypes[caseID], nil
}

func (d *memData) DefaultMonthlyConsumption(_ context.Context, domain string, productID ledger.ProductID) (*decimal.Decimal, error) {
	v, ok := d.defaults[defaultKey{Domain: domain, ProductID: productID}]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (d *memData) CreateReport(_ context.Context, r *ledger.Report) error {
	if _, ok := d.reports[r.ID]; ok {
		return ledger.ErrDuplicateReport
	}
	d.seq++
	r.Seq = d.seq
	d.reports[r.ID] = *r
	return nil
}

func (d *memData) AppendTransactions(_ context.Context, txs []ledger.Transaction) error {
	for _, tx := range txs {
		stream := d.streams[tx.Key]
		// Binary search for insertion point
		i := sort.Search(len(stream), func(i int) bool {
			return tx.Before(stream[i])
		})
		stream = slices.Insert(stream, i, tx)
		d.streams[tx.Key] = stream
	}
	return nil
}

func (d *memData) SetReportArchived(_ context.Context, id ledger.ReportID, archived bool, at time.Time) error {
	r, ok := d.reports[id]
	if !ok {
		return ledger.ErrReportNotFound
	}
	if archived {
		r.Status = ledger.StatusArchived
		r.ArchivedAt = &at
	} else {
		r.Status = ledger.StatusApplied
		r.ArchivedAt = nil
	}
	d.reports[id] = r

	for k, stream := range d.streams {
		for i := range stream {
			if stream[i].ReportID == id {
				stream[i].Archived = archived
			}
		}
		d.streams[k] = stream
	}
	return nil
}

func (d *memData) RewriteStream(_ context.Context, key ledger.Key, txs []ledger.Transaction) error {
	var kept []ledger.Transaction
	for _, tx := range d.streams[key] {
		if tx.Archived {
			kept = append(kept, tx)
		}
	}
	kept = append(kept, txs...)
	sortStream(kept)
	d.streams[key] = kept
	return nil
}

func (d *memData) SaveStockState(_ context.Context, s ledger.StockState) error {
	d.states[s.Key] = s
	return nil
}

func (d *memData) DeleteStockState(_ context.Context, key ledger.Key) error {
	delete(d.states, key)
	return nil
}

func sortStream(txs []ledger.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Before(txs[j]) })
}
