package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

var t0 = time.Date(2024, time.March, 1, 8, 30, 0, 123456000, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(s *Store) *ledger.Engine {
	return ledger.NewEngine(s, ledger.DefaultConfig(), ledger.WithClock(func() time.Time { return t0.AddDate(1, 0, 0) }))
}

func balance(caseID, qty string) ledger.Entry {
	return ledger.Balance{CaseID: ledger.CaseID(caseID), ProductID: "amoxicillin", Quantity: qty}
}

func key(caseID string) ledger.Key {
	return ledger.Key{CaseID: ledger.CaseID(caseID), SectionID: ledger.SectionStock, ProductID: "amoxicillin"}
}

func TestSQLite_SubmitArchiveUnarchive(t *testing.T) {
	// GIVEN: Two balance reports thirty days apart
	// WHEN: The second is archived and then unarchived
	// THEN: State reverts to the first balance and comes back exactly

	s := newTestStore(t)
	eng := newEngine(s)
	ctx := context.Background()

	_, _, err := eng.SubmitReport(ctx, ledger.Submission{ReportID: "r1", Domain: "d", Timestamp: t0,
		Entries: []ledger.Entry{balance("clinic", "100")}})
	require.NoError(t, err)
	_, txs, err := eng.SubmitReport(ctx, ledger.Submission{ReportID: "r2", Domain: "d", Timestamp: t0.AddDate(0, 0, 30),
		Entries: []ledger.Entry{balance("clinic", "50")}})
	require.NoError(t, err)
	require.Len(t, txs, 2)

	before, err := eng.StockState(ctx, key("clinic"))
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, "50", before.StockOnHand.String())
	require.NotNil(t, before.DailyConsumption)
	assert.Equal(t, "1.67", before.RoundedDailyConsumption().String())

	report, err := eng.ArchiveReport(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusArchived, report.Status)
	require.NotNil(t, report.ArchivedAt)

	mid, err := eng.StockState(ctx, key("clinic"))
	require.NoError(t, err)
	assert.Equal(t, "100", mid.StockOnHand.String())
	assert.Nil(t, mid.DailyConsumption)

	_, err = eng.UnarchiveReport(ctx, "r2")
	require.NoError(t, err)
	after, err := eng.StockState(ctx, key("clinic"))
	require.NoError(t, err)
	assert.True(t, before.StockOnHand.Equal(after.StockOnHand))
	assert.True(t, before.DailyConsumption.Equal(*after.DailyConsumption))
	assert.Equal(t, before.LastModified, after.LastModified)
	assert.Equal(t, before.LastModifiedReportID, after.LastModifiedReportID)
}

func TestSQLite_FailedArchiveRollsBack(t *testing.T) {
	// GIVEN: A non-negative stock section holding 10 with 5 transferred out
	// WHEN: Archiving the balance report fails the projection
	// THEN: The tombstone is rolled back along with the rest of the unit of work

	s := newTestStore(t)
	cfg := ledger.DefaultConfig()
	cfg.NonNegativeSections = []ledger.SectionID{ledger.SectionStock}
	eng := ledger.NewEngine(s, cfg, ledger.WithClock(func() time.Time { return t0.AddDate(1, 0, 0) }))
	ctx := context.Background()

	_, _, err := eng.SubmitReport(ctx, ledger.Submission{ReportID: "r1", Timestamp: t0,
		Entries: []ledger.Entry{balance("clinic", "10")}})
	require.NoError(t, err)
	_, _, err = eng.SubmitReport(ctx, ledger.Submission{ReportID: "r2", Timestamp: t0.AddDate(0, 0, 1),
		Entries: []ledger.Entry{ledger.Transfer{SourceCaseID: "clinic", ProductID: "amoxicillin", Quantity: "5"}}})
	require.NoError(t, err)

	_, err = eng.ArchiveReport(ctx, "r1")
	require.ErrorIs(t, err, ledger.ErrProjectionInconsistency)

	report, err := s.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApplied, report.Status)
	assert.Nil(t, report.ArchivedAt)

	active, err := s.ReportTransactions(ctx, "r1", false)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	state, err := s.GetStockState(ctx, key("clinic"))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "5", state.StockOnHand.String())
}

func TestSQLite_TimestampRoundTrip(t *testing.T) {
	s := newTestStore(t)
	eng := newEngine(s)
	ctx := context.Background()

	_, _, err := eng.SubmitReport(ctx, ledger.Submission{ReportID: "r1", Timestamp: t0,
		Entries: []ledger.Entry{balance("clinic", "7.25")}})
	require.NoError(t, err)

	report, err := s.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, t0.Equal(report.Timestamp))
	assert.Equal(t, ledger.StatusApplied, report.Status)
	assert.Equal(t, int64(1), report.Seq)

	stream, err := s.Stream(ctx, key("clinic"))
	require.NoError(t, err)
	require.Len(t, stream, 1)
	assert.True(t, t0.Equal(stream[0].Timestamp))
	assert.Equal(t, "7.25", stream[0].Quantity.String())
}

func TestSQLite_DuplicateReport(t *testing.T) {
	s := newTestStore(t)
	eng := newEngine(s)
	ctx := context.Background()

	sub := ledger.Submission{ReportID: "r1", Timestamp: t0, Entries: []ledger.Entry{balance("clinic", "1")}}
	_, _, err := eng.SubmitReport(ctx, sub)
	require.NoError(t, err)

	_, _, err = eng.SubmitReport(ctx, sub)
	assert.ErrorIs(t, err, ledger.ErrDuplicateReport)
}

func TestSQLite_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		r := &ledger.Report{ID: "r1", Timestamp: t0, Type: ledger.ReportBalance, Status: ledger.StatusPending, CreatedAt: t0}
		require.NoError(t, tx.CreateReport(ctx, r))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = s.GetReport(ctx, "r1")
	assert.ErrorIs(t, err, ledger.ErrReportNotFound)
}

func TestSQLite_PriorStateAndStatesForCases(t *testing.T) {
	s := newTestStore(t)
	eng := newEngine(s)
	ctx := context.Background()

	_, _, err := eng.SubmitReport(ctx, ledger.Submission{ReportID: "r1", Timestamp: t0, Entries: []ledger.Entry{
		balance("b", "3"),
		balance("a", "4"),
		ledger.Transfer{SourceCaseID: "a", DestCaseID: "c", SectionID: "stock", ProductID: "amoxicillin", Quantity: "1"},
	}})
	require.NoError(t, err)

	prior, err := s.PriorState(ctx, key("a"), t0.Add(-time.Second))
	require.NoError(t, err)
	assert.Nil(t, prior)

	prior, err = s.PriorState(ctx, key("a"), t0)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "3", prior.StockOnHand.String())

	states, err := s.StockStatesForCases(ctx, []ledger.CaseID{"c", "a", "b"}, "")
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, ledger.CaseID("a"), states[0].CaseID)
	assert.Equal(t, ledger.CaseID("b"), states[1].CaseID)
	assert.Equal(t, ledger.CaseID("c"), states[2].CaseID)
	assert.Equal(t, "1", states[2].StockOnHand.String())
}

func TestSQLite_Directory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	caseType, err := s.CaseType(ctx, "clinic")
	require.NoError(t, err)
	assert.Empty(t, caseType)

	require.NoError(t, s.SetCaseType(ctx, "clinic", "supply-point"))
	require.NoError(t, s.SetCaseType(ctx, "clinic", "facility"))
	caseType, err = s.CaseType(ctx, "clinic")
	require.NoError(t, err)
	assert.Equal(t, "facility", caseType)

	monthly, err := s.DefaultMonthlyConsumption(ctx, "d", "amoxicillin")
	require.NoError(t, err)
	assert.Nil(t, monthly)

	require.NoError(t, s.SetDefaultMonthlyConsumption(ctx, "d", "amoxicillin", decimal.RequireFromString("45.5")))
	monthly, err = s.DefaultMonthlyConsumption(ctx, "d", "amoxicillin")
	require.NoError(t, err)
	require.NotNil(t, monthly)
	assert.Equal(t, "45.5", monthly.String())
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	_, _, err = newEngine(s).SubmitReport(ctx, ledger.Submission{ReportID: "r1", Timestamp: t0,
		Entries: []ledger.Entry{balance("clinic", "12")}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	state, err := s.GetStockState(ctx, key("clinic"))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "12", state.StockOnHand.String())
}
