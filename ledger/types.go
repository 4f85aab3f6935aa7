/*
Package ledger provides the stock transaction engine.

PURPOSE:
  Devices submit stock reports: absolute balances ("there are 40 units here")
  and transfers ("15 units moved from A to B"). The engine turns each report
  into ledger transactions, keeps a materialized StockState per
  (case, section, product) and can take a report back out again when the form
  that produced it is archived.

KEY CONCEPTS IN THIS FILE (types.go):
  - Key: the (case, section, product) triple every stream is keyed by
  - Report: one submission event, owner of its transactions
  - Transaction: an immutable ledger entry with a denormalized stock on hand
  - StockState: the current-value projection of one stream
  - Entry: the closed set of inbound report lines (Balance, Transfer)

ORDERING:
  Inside a stream, transactions are totally ordered by
  (Timestamp, ReportSeq, Line). ReportSeq is assigned when the report is first
  persisted and never changes, so archive/unarchive cycles keep the order.

SEE ALSO:
  - reconcile.go: entries -> transactions
  - projector.go: transactions -> StockState
  - archive.go:   report archival and restore
  - engine.go:    the public entry point
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CaseID string
type SectionID string
type ProductID string
type ReportID string
type TransactionID string

// SectionStock is the section used when an entry does not name one.
const SectionStock SectionID = "stock"

// Key identifies one independent stock-on-hand stream.
type Key struct {
	CaseID    CaseID
	SectionID SectionID
	ProductID ProductID
}

func (k Key) String() string {
	return string(k.CaseID) + "/" + string(k.SectionID) + "/" + string(k.ProductID)
}

// lockName is the name under which writers serialize on this stream.
func (k Key) lockName() string { return "stock:" + k.String() }

// =============================================================================
// REPORT - One submission event
// =============================================================================

type ReportType string

const (
	ReportBalance  ReportType = "balance"
	ReportTransfer ReportType = "transfer"
)

type ReportStatus string

const (
	StatusPending  ReportStatus = "pending"
	StatusApplied  ReportStatus = "applied"
	StatusArchived ReportStatus = "archived"
)

type Report struct {
	ID        ReportID
	FormID    string
	Domain    string
	Timestamp time.Time
	Type      ReportType
	Status    ReportStatus

	// Seq is the insertion sequence, assigned by the store on creation.
	Seq int64

	CreatedAt  time.Time
	ArchivedAt *time.Time
}

func (r Report) IsArchived() bool { return r.Status == StatusArchived }

// =============================================================================
// TRANSACTION - Atomic ledger entry
// =============================================================================

type TransactionType string

const (
	TxStockOnHand TransactionType = "stockonhand"
	TxReceipts    TransactionType = "receipts"
	TxConsumption TransactionType = "consumption"
)

type TransactionSubtype string

// SubtypeInferred marks a transaction synthesized from a balance delta.
const SubtypeInferred TransactionSubtype = "inferred"

type Transaction struct {
	ID       TransactionID
	ReportID ReportID
	Domain   string
	Key

	Type    TransactionType
	Subtype TransactionSubtype

	// Quantity is the signed delta, or the asserted absolute value for
	// stockonhand transactions.
	Quantity decimal.Decimal

	// StockOnHand is the stream value after this transaction. It is a cache:
	// the projector rebuilds it by replaying the stream.
	StockOnHand decimal.Decimal

	Timestamp time.Time
	ReportSeq int64
	Line      int
	Archived  bool
}

func (t Transaction) IsInferred() bool { return t.Subtype == SubtypeInferred }

// Before reports whether t sorts strictly before o in stream order.
func (t Transaction) Before(o Transaction) bool {
	if !t.Timestamp.Equal(o.Timestamp) {
		return t.Timestamp.Before(o.Timestamp)
	}
	if t.ReportSeq != o.ReportSeq {
		return t.ReportSeq < o.ReportSeq
	}
	return t.Line < o.Line
}

// sameProjection compares the fields a stream rebuild may change.
func (t Transaction) sameProjection(o Transaction) bool {
	return t.ID == o.ID &&
		t.Type == o.Type &&
		t.Subtype == o.Subtype &&
		t.Line == o.Line &&
		t.Quantity.Equal(o.Quantity) &&
		t.StockOnHand.Equal(o.StockOnHand)
}

// inferredFor builds the transaction that makes a balance's implicit delta
// explicit. It sits in the slot just before the stockonhand transaction and
// its ID is derived from it, so every rebuild yields the same row.
func inferredFor(balance Transaction, delta decimal.Decimal) Transaction {
	txType := TxReceipts
	if delta.IsNegative() {
		txType = TxConsumption
	}
	return Transaction{
		ID:          balance.ID + "-inferred",
		ReportID:    balance.ReportID,
		Domain:      balance.Domain,
		Key:         balance.Key,
		Type:        txType,
		Subtype:     SubtypeInferred,
		Quantity:    delta,
		StockOnHand: balance.Quantity,
		Timestamp:   balance.Timestamp,
		ReportSeq:   balance.ReportSeq,
		Line:        balance.Line - 1,
	}
}

// =============================================================================
// STOCK STATE - Materialized projection per key
// =============================================================================

type StockState struct {
	Key
	Domain               string
	StockOnHand          decimal.Decimal
	LastModified         time.Time
	LastModifiedReportID ReportID

	// DailyConsumption is nil when there is not enough data for an estimate.
	DailyConsumption *decimal.Decimal
}

// RoundedDailyConsumption is the display value of the estimate.
func (s StockState) RoundedDailyConsumption() *decimal.Decimal {
	if s.DailyConsumption == nil {
		return nil
	}
	r := s.DailyConsumption.Round(2)
	return &r
}

// PriorState is the last known stock on hand for a key at some point in time.
type PriorState struct {
	StockOnHand   decimal.Decimal
	Timestamp     time.Time
	TransactionID TransactionID
}

// =============================================================================
// ENTRIES - Pre-parsed report lines
// =============================================================================

// Entry is one line of a report. The set is closed: Balance and Transfer.
type Entry interface {
	isEntry()
}

// Balance asserts the absolute stock on hand for one key.
type Balance struct {
	CaseID    CaseID
	SectionID SectionID
	ProductID ProductID
	Quantity  string
}

// Transfer moves stock out of SourceCaseID and/or into DestCaseID.
// An empty case ID means "outside the system".
type Transfer struct {
	SourceCaseID CaseID
	DestCaseID   CaseID
	SectionID    SectionID
	ProductID    ProductID
	Quantity     string
}

func (Balance) isEntry()  {}
func (Transfer) isEntry() {}

// Submission is the input of Engine.SubmitReport.
type Submission struct {
	ReportID  ReportID // generated when empty
	FormID    string
	Domain    string
	Timestamp time.Time // defaults to the receive time
	Type      ReportType
	Entries   []Entry
}

// ParseQuantity parses a device-authored quantity. Blank and non-numeric
// values report ok=false; callers skip such entries.
func ParseQuantity(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func sectionOrDefault(s SectionID) SectionID {
	if strings.TrimSpace(string(s)) == "" {
		return SectionStock
	}
	return s
}

func isBlank[T ~string](s T) bool { return strings.TrimSpace(string(s)) == "" }
