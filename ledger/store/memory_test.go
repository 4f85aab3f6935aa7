package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

var (
	t0  = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	key = ledger.Key{CaseID: "c1", SectionID: ledger.SectionStock, ProductID: "p1"}
)

func tx(id string, report ledger.ReportID, seq int64, at time.Time, line int, qty int64) ledger.Transaction {
	q := decimal.NewFromInt(qty)
	return ledger.Transaction{
		ID: ledger.TransactionID(id), ReportID: report, Key: key,
		Type: ledger.TxStockOnHand, Quantity: q, StockOnHand: q,
		Timestamp: at, ReportSeq: seq, Line: line,
	}
}

func TestMemory_RollbackRestoresSnapshot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.WithTx(ctx, func(w ledger.Tx) error {
		require.NoError(t, w.CreateReport(ctx, &ledger.Report{ID: "r1", Timestamp: t0}))
		require.NoError(t, w.AppendTransactions(ctx, []ledger.Transaction{tx("a", "r1", 1, t0, 1, 5)}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = m.GetReport(ctx, "r1")
	assert.ErrorIs(t, err, ledger.ErrReportNotFound)
	stream, err := m.Stream(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, stream)
}

func TestMemory_StreamOrderAndPriorState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.WithTx(ctx, func(w ledger.Tx) error {
		for _, id := range []ledger.ReportID{"r1", "r2", "r3"} {
			require.NoError(t, w.CreateReport(ctx, &ledger.Report{ID: id}))
		}
		return w.AppendTransactions(ctx, []ledger.Transaction{
			tx("late", "r1", 1, t0.Add(time.Hour), 1, 3),
			tx("second", "r3", 3, t0, 1, 2),
			tx("first", "r2", 2, t0, 4, 1),
			tx("first-inner", "r2", 2, t0, 1, 9),
		})
	}))

	stream, err := m.Stream(ctx, key)
	require.NoError(t, err)
	var ids []ledger.TransactionID
	for _, s := range stream {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []ledger.TransactionID{"first-inner", "first", "second", "late"}, ids)

	prior, err := m.PriorState(ctx, key, t0)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, ledger.TransactionID("second"), prior.ID)

	require.NoError(t, m.WithTx(ctx, func(w ledger.Tx) error {
		return w.SetReportArchived(ctx, "r3", true, t0)
	}))
	prior, err = m.PriorState(ctx, key, t0)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionID("first"), prior.ID, "archived rows are skipped")

	all, err := m.ReportTransactions(ctx, "r3", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Archived)
	active, err := m.ReportTransactions(ctx, "r3", false)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemory_RewriteStreamKeepsArchivedRows(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.WithTx(ctx, func(w ledger.Tx) error {
		require.NoError(t, w.CreateReport(ctx, &ledger.Report{ID: "r1"}))
		require.NoError(t, w.CreateReport(ctx, &ledger.Report{ID: "r2"}))
		require.NoError(t, w.AppendTransactions(ctx, []ledger.Transaction{
			tx("a", "r1", 1, t0, 1, 5),
			tx("b", "r2", 2, t0, 1, 6),
		}))
		require.NoError(t, w.SetReportArchived(ctx, "r2", true, t0))
		return w.RewriteStream(ctx, key, []ledger.Transaction{tx("a", "r1", 1, t0, 1, 7)})
	}))

	stream, err := m.Stream(ctx, key)
	require.NoError(t, err)
	require.Len(t, stream, 1)
	assert.Equal(t, "7", stream[0].Quantity.String())

	require.NoError(t, m.WithTx(ctx, func(w ledger.Tx) error {
		return w.SetReportArchived(ctx, "r2", false, t0)
	}))
	stream, err = m.Stream(ctx, key)
	require.NoError(t, err)
	assert.Len(t, stream, 2, "archived row survived the rewrite")
}

func TestMemory_Directory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetCaseType(ctx, "c1", "supply-point"))
	got, err := m.CaseType(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "supply-point", got)

	require.NoError(t, m.SetDefaultMonthlyConsumption(ctx, "d", "p1", decimal.NewFromInt(30)))
	monthly, err := m.DefaultMonthlyConsumption(ctx, "d", "p1")
	require.NoError(t, err)
	require.NotNil(t, monthly)
	assert.Equal(t, "30", monthly.String())

	none, err := m.DefaultMonthlyConsumption(ctx, "other", "p1")
	require.NoError(t, err)
	assert.Nil(t, none)
}
