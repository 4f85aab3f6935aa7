package ledger_test

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

// streamBuilder lays out a stream the way the projector would leave it.
type streamBuilder struct {
	txs []ledger.Transaction
	soh decimal.Decimal
}

func (b *streamBuilder) balance(d int, qty int64) *streamBuilder {
	q := decimal.NewFromInt(qty)
	if len(b.txs) > 0 && !q.Equal(b.soh) {
		txType := ledger.TxReceipts
		if q.LessThan(b.soh) {
			txType = ledger.TxConsumption
		}
		b.add(d, txType, ledger.SubtypeInferred, q.Sub(b.soh))
	}
	b.add(d, ledger.TxStockOnHand, "", q)
	return b
}

func (b *streamBuilder) consume(d int, qty int64) *streamBuilder {
	b.add(d, ledger.TxConsumption, "", decimal.NewFromInt(-qty))
	return b
}

func (b *streamBuilder) receive(d int, qty int64) *streamBuilder {
	b.add(d, ledger.TxReceipts, "", decimal.NewFromInt(qty))
	return b
}

func (b *streamBuilder) add(d int, txType ledger.TransactionType, subtype ledger.TransactionSubtype, q decimal.Decimal) {
	if txType == ledger.TxStockOnHand {
		b.soh = q
	} else {
		b.soh = b.soh.Add(q)
	}
	b.txs = append(b.txs, ledger.Transaction{
		ID:          ledger.TransactionID(fmt.Sprintf("t%d", len(b.txs))),
		Type:        txType,
		Subtype:     subtype,
		Quantity:    q,
		StockOnHand: b.soh,
		Timestamp:   day(d),
		Line:        len(b.txs),
	})
}

func TestComputeDailyConsumption(t *testing.T) {
	tests := []struct {
		name   string
		stream *streamBuilder
		want   string // "" means nil
	}{
		{
			name:   "two balances thirty days apart",
			stream: new(streamBuilder).balance(0, 100).balance(30, 50),
			want:   "1.6666666666666667",
		},
		{
			name:   "single balance is not enough",
			stream: new(streamBuilder).balance(0, 100),
			want:   "",
		},
		{
			name:   "period shorter than the minimum window",
			stream: new(streamBuilder).balance(0, 100).balance(5, 95),
			want:   "",
		},
		{
			name:   "explicit consumption between balances",
			stream: new(streamBuilder).balance(0, 100).consume(5, 20).balance(20, 80),
			want:   "1",
		},
		{
			name:   "receipts do not offset consumption",
			stream: new(streamBuilder).balance(0, 100).receive(3, 50).consume(5, 20).balance(20, 130),
			want:   "1",
		},
		{
			name: "stockout discards the period it closes",
			stream: new(streamBuilder).
				balance(0, 100).
				balance(10, 0).
				balance(20, 50).
				balance(40, 30),
			want: "1",
		},
		{
			name:   "transfers only, no checkpoints",
			stream: new(streamBuilder).receive(0, 100).consume(30, 50),
			want:   "",
		},
		{
			name:   "unchanged stock consumes nothing",
			stream: new(streamBuilder).balance(0, 40).balance(15, 40),
			want:   "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ledger.ComputeDailyConsumption(tt.stream.txs, ledger.DefaultConsumptionConfig())
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestComputeDailyConsumption_WindowClipsOldPeriods(t *testing.T) {
	// GIVEN: 60 consumed over days 0-90, 10 consumed over days 90-100
	// WHEN: The window is the last 60 days (40-100)
	// THEN: The first period counts for 50 of its 90 days
	//       (60*50/90 + 10) / 60 = 0.7222...

	stream := new(streamBuilder).balance(0, 100).balance(90, 40).balance(100, 30)

	got := ledger.ComputeDailyConsumption(stream.txs, ledger.DefaultConsumptionConfig())

	require.NotNil(t, got)
	assert.Equal(t, "0.72", got.Round(2).String())
}

func TestComputeDailyConsumption_PeriodOutsideWindowIgnored(t *testing.T) {
	stream := new(streamBuilder).balance(0, 100).balance(30, 50).balance(200, 50)

	got := ledger.ComputeDailyConsumption(stream.txs, ledger.DefaultConsumptionConfig())

	require.NotNil(t, got, "the last period still covers the window")
	assert.True(t, got.IsZero())
}

func TestComputeDailyConsumption_Thresholds(t *testing.T) {
	stream := new(streamBuilder).balance(0, 100).balance(6, 70)

	assert.Nil(t, ledger.ComputeDailyConsumption(stream.txs, ledger.DefaultConsumptionConfig()))

	relaxed := ledger.ConsumptionConfig{MinTransactions: 2, MinWindow: 5, OptimalWindow: 60}
	got := ledger.ComputeDailyConsumption(stream.txs, relaxed)
	require.NotNil(t, got)
	assert.Equal(t, "5", got.String())

	strict := ledger.ConsumptionConfig{MinTransactions: 3, MinWindow: 5, OptimalWindow: 60}
	assert.Nil(t, ledger.ComputeDailyConsumption(stream.txs, strict))
}

func TestComputeDailyConsumption_EmptyStream(t *testing.T) {
	assert.Nil(t, ledger.ComputeDailyConsumption(nil, ledger.DefaultConsumptionConfig()))
}
