/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Engine.

ENDPOINTS:
  Reports:
    POST   /api/reports                  Submit a balance/transfer report
    GET    /api/reports/{id}             Report with its transactions
    POST   /api/reports/{id}/archive     Take the report out of the ledger
    POST   /api/reports/{id}/unarchive   Put it back

  Stock:
    GET    /api/cases/{caseID}/states?section=
    GET    /api/cases/{caseID}/sections/{section}/products/{product}
    GET    /api/cases/{caseID}/sections/{section}/products/{product}/transactions?since=
    GET    /api/cases/{caseID}/sections/{section}/products/{product}/prior?as_of=

  Restore:
    GET    /api/restore?case=a&case=b    OTA ledger XML

  Directory:
    PUT    /api/cases/{caseID}/type
    PUT    /api/domains/{domain}/products/{product}/default-consumption

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (code MissingProductId / IllegalCaseId), bad input
  - 404: Report not found
  - 409: Duplicate report id
  - 503: Key lock not acquired in time (Retry-After set); resubmit
  - 500: Projection inconsistency, internal errors

SECURITY NOTE:
  No authentication. Callers are trusted services.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ota"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	OTA    *ota.Assembler
	Log    zerolog.Logger
}

func NewHandler(engine *ledger.Engine, assembler *ota.Assembler, log zerolog.Logger) *Handler {
	return &Handler{Engine: engine, OTA: assembler, Log: log}
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// SubmitReport applies a report.
// POST /api/reports
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var req SubmitReportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := req.toSubmission()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid report", err)
		return
	}

	report, txs, err := h.Engine.SubmitReport(r.Context(), sub)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitReportResponse{
		Report:       toReportDTO(report),
		Transactions: toTransactionDTOs(txs),
	})
}

// GetReport returns a report and every transaction it owns.
// GET /api/reports/{id}
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReportID(chi.URLParam(r, "id"))
	report, err := h.Engine.Report(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	txs, err := h.Engine.ReportTransactions(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportDetailResponse{
		Report:       toReportDTO(report),
		Transactions: toTransactionDTOs(txs),
	})
}

// ArchiveReport archives a report. Repeating it is harmless.
// POST /api/reports/{id}/archive
func (h *Handler) ArchiveReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.ArchiveReport(r.Context(), ledger.ReportID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// UnarchiveReport restores an archived report.
// POST /api/reports/{id}/unarchive
func (h *Handler) UnarchiveReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.UnarchiveReport(r.Context(), ledger.ReportID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// ListCaseStates returns the stock states of a case.
// GET /api/cases/{caseID}/states?section=
func (h *Handler) ListCaseStates(w http.ResponseWriter, r *http.Request) {
	caseID := ledger.CaseID(chi.URLParam(r, "caseID"))
	section := ledger.SectionID(r.URL.Query().Get("section"))

	states, err := h.Engine.StockStatesForCase(r.Context(), caseID, section)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]StockStateDTO, len(states))
	for i, s := range states {
		dtos[i] = toStockStateDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStockState returns the state of one key.
// GET /api/cases/{caseID}/sections/{section}/products/{product}
func (h *Handler) GetStockState(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.StockState(r.Context(), keyFromPath(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "No stock recorded for this product", nil)
		return
	}
	writeJSON(w, http.StatusOK, toStockStateDTO(*state))
}

// GetTransactions returns the active stream of one key.
// GET /api/cases/{caseID}/sections/{section}/products/{product}/transactions?since=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since", err)
			return
		}
		since = &t
	}

	txs, err := h.Engine.TransactionHistory(r.Context(), keyFromPath(r), since)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetPriorState returns the stock on hand of one key at a point in time.
// GET /api/cases/{caseID}/sections/{section}/products/{product}/prior?as_of=
func (h *Handler) GetPriorState(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		asOf = t.UTC()
	}

	key := keyFromPath(r)
	prior, err := h.Engine.PriorState(r.Context(), key, asOf)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	resp := PriorStateResponse{
		CaseID:    string(key.CaseID),
		SectionID: string(key.SectionID),
		ProductID: string(key.ProductID),
		AsOf:      asOf,
	}
	if prior != nil {
		resp.Prior = &PriorStateDTO{
			StockOnHand:   prior.StockOnHand,
			Timestamp:     prior.Timestamp,
			TransactionID: string(prior.TransactionID),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Restore returns the OTA ledger payload for the requested cases.
// GET /api/restore?case=a&case=b
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["case"]
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "At least one case is required", nil)
		return
	}
	cases := make([]ledger.CaseID, len(raw))
	for i, c := range raw {
		cases[i] = ledger.CaseID(c)
	}

	payload, err := h.OTA.Render(r.Context(), cases)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// SetCaseType records the type of a case.
// PUT /api/cases/{caseID}/type
func (h *Handler) SetCaseType(w http.ResponseWriter, r *http.Request) {
	var req SetCaseTypeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CaseType == "" {
		writeError(w, http.StatusBadRequest, "case_type is required", nil)
		return
	}
	if err := h.Engine.SetCaseType(r.Context(), ledger.CaseID(chi.URLParam(r, "caseID")), req.CaseType); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetDefaultConsumption records the fallback monthly consumption.
// PUT /api/domains/{domain}/products/{product}/default-consumption
func (h *Handler) SetDefaultConsumption(w http.ResponseWriter, r *http.Request) {
	var req DefaultConsumptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MonthlyConsumption.IsNegative() {
		writeError(w, http.StatusBadRequest, "monthly_consumption must not be negative", nil)
		return
	}
	err := h.Engine.SetDefaultMonthlyConsumption(r.Context(),
		chi.URLParam(r, "domain"), ledger.ProductID(chi.URLParam(r, "product")), req.MonthlyConsumption)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func keyFromPath(r *http.Request) ledger.Key {
	return ledger.Key{
		CaseID:    ledger.CaseID(chi.URLParam(r, "caseID")),
		SectionID: ledger.SectionID(chi.URLParam(r, "section")),
		ProductID: ledger.ProductID(chi.URLParam(r, "product")),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeLedgerError maps ledger errors onto HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Report rejected",
			Code:    string(verr.Code),
			Details: verr.Error(),
		})
	case errors.Is(err, ledger.ErrDuplicateReport):
		writeError(w, http.StatusConflict, "Report already exists", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Report not found", err)
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Stock is busy, retry the submission", err)
	default:
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
