/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

QUANTITIES:
  Inbound quantities are kept as text and parsed by the ledger, so a blank
  or malformed value skips its entry instead of failing the request. JSON
  numbers, strings and null are all accepted. Outbound quantities are
  decimal strings.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitReportRequest is the body of POST /api/reports.
type SubmitReportRequest struct {
	ReportID  string     `json:"report_id,omitempty"`
	FormID    string     `json:"form_id,omitempty"`
	Domain    string     `json:"domain"`
	Timestamp string     `json:"timestamp,omitempty"` // RFC3339 or YYYY-MM-DD
	Type      string     `json:"type,omitempty"`      // balance or transfer; derived when empty
	Entries   []EntryDTO `json:"entries"`
}

// EntryDTO is one report line. Kind is "balance" or "transfer"; when it is
// empty, an entry naming src or dest is a transfer.
type EntryDTO struct {
	Kind      string   `json:"kind,omitempty"`
	CaseID    string   `json:"case_id,omitempty"`
	Src       string   `json:"src,omitempty"`
	Dest      string   `json:"dest,omitempty"`
	SectionID string   `json:"section_id,omitempty"`
	ProductID string   `json:"product_id"`
	Quantity  Quantity `json:"quantity"`
}

// Quantity is a raw device quantity: a JSON number, string or null.
type Quantity string

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*q = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quantity(s)
	default:
		*q = Quantity(data)
	}
	return nil
}

type SetCaseTypeRequest struct {
	CaseType string `json:"case_type"`
}

type DefaultConsumptionRequest struct {
	MonthlyConsumption decimal.Decimal `json:"monthly_consumption"`
}

// toSubmission converts the request into the ledger input.
func (r SubmitReportRequest) toSubmission() (ledger.Submission, error) {
	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return ledger.Submission{}, err
	}
	sub := ledger.Submission{
		ReportID:  ledger.ReportID(r.ReportID),
		FormID:    r.FormID,
		Domain:    r.Domain,
		Timestamp: ts,
		Type:      ledger.ReportType(r.Type),
		Entries:   make([]ledger.Entry, 0, len(r.Entries)),
	}
	switch sub.Type {
	case "", ledger.ReportBalance, ledger.ReportTransfer:
	default:
		return ledger.Submission{}, fmt.Errorf("unknown report type %q", r.Type)
	}

	for i, e := range r.Entries {
		kind := e.Kind
		if kind == "" {
			kind = string(ledger.ReportBalance)
			if e.Src != "" || e.Dest != "" {
				kind = string(ledger.ReportTransfer)
			}
		}
		switch ledger.ReportType(kind) {
		case ledger.ReportBalance:
			sub.Entries = append(sub.Entries, ledger.Balance{
				CaseID:    ledger.CaseID(e.CaseID),
				SectionID: ledger.SectionID(e.SectionID),
				ProductID: ledger.ProductID(e.ProductID),
				Quantity:  string(e.Quantity),
			})
		case ledger.ReportTransfer:
			sub.Entries = append(sub.Entries, ledger.Transfer{
				SourceCaseID: ledger.CaseID(e.Src),
				DestCaseID:   ledger.CaseID(e.Dest),
				SectionID:    ledger.SectionID(e.SectionID),
				ProductID:    ledger.ProductID(e.ProductID),
				Quantity:     string(e.Quantity),
			})
		default:
			return ledger.Submission{}, fmt.Errorf("entry %d: unknown kind %q", i, e.Kind)
		}
	}
	return sub, nil
}

// parseTimestamp accepts RFC3339 or a plain date. Blank means "now".
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (want RFC3339 or YYYY-MM-DD)", s)
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ReportDTO struct {
	ID         string     `json:"id"`
	FormID     string     `json:"form_id,omitempty"`
	Domain     string     `json:"domain"`
	Timestamp  time.Time  `json:"timestamp"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Seq        int64      `json:"seq"`
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

type TransactionDTO struct {
	ID          string          `json:"id"`
	ReportID    string          `json:"report_id"`
	CaseID      string          `json:"case_id"`
	SectionID   string          `json:"section_id"`
	ProductID   string          `json:"product_id"`
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	StockOnHand decimal.Decimal `json:"stock_on_hand"`
	Timestamp   time.Time       `json:"timestamp"`
	Archived    bool            `json:"archived,omitempty"`
}

type StockStateDTO struct {
	CaseID               string           `json:"case_id"`
	SectionID            string           `json:"section_id"`
	ProductID            string           `json:"product_id"`
	StockOnHand          decimal.Decimal  `json:"stock_on_hand"`
	LastModified         time.Time        `json:"last_modified"`
	LastModifiedReportID string           `json:"last_modified_report_id"`
	DailyConsumption     *decimal.Decimal `json:"daily_consumption"`
}

type PriorStateDTO struct {
	StockOnHand   decimal.Decimal `json:"stock_on_hand"`
	Timestamp     time.Time       `json:"timestamp"`
	TransactionID string          `json:"transaction_id"`
}

// PriorStateResponse carries a null prior when the key had no stock yet.
type PriorStateResponse struct {
	CaseID    string         `json:"case_id"`
	SectionID string         `json:"section_id"`
	ProductID string         `json:"product_id"`
	AsOf      time.Time      `json:"as_of"`
	Prior     *PriorStateDTO `json:"prior"`
}

type SubmitReportResponse struct {
	Report       ReportDTO        `json:"report"`
	Transactions []TransactionDTO `json:"transactions"`
}

type ReportDetailResponse struct {
	Report       ReportDTO        `json:"report"`
	Transactions []TransactionDTO `json:"transactions"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func toReportDTO(r *ledger.Report) ReportDTO {
	return ReportDTO{
		ID:         string(r.ID),
		FormID:     r.FormID,
		Domain:     r.Domain,
		Timestamp:  r.Timestamp,
		Type:       string(r.Type),
		Status:     string(r.Status),
		Seq:        r.Seq,
		CreatedAt:  r.CreatedAt,
		ArchivedAt: r.ArchivedAt,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = TransactionDTO{
			ID:          string(t.ID),
			ReportID:    string(t.ReportID),
			CaseID:      string(t.CaseID),
			SectionID:   string(t.SectionID),
			ProductID:   string(t.ProductID),
			Type:        string(t.Type),
			Subtype:     string(t.Subtype),
			Quantity:    t.Quantity,
			StockOnHand: t.StockOnHand,
			Timestamp:   t.Timestamp,
			Archived:    t.Archived,
		}
	}
	return dtos
}

func toStockStateDTO(s ledger.StockState) StockStateDTO {
	return StockStateDTO{
		CaseID:               string(s.CaseID),
		SectionID:            string(s.SectionID),
		ProductID:            string(s.ProductID),
		StockOnHand:          s.StockOnHand,
		LastModified:         s.LastModified,
		LastModifiedReportID: string(s.LastModifiedReportID),
		DailyConsumption:     s.RoundedDailyConsumption(),
	}
}
