/*
errors.go - Error taxonomy of the stock ledger

ERROR CATEGORIES:
  1. Validation - the report is rejected before anything is persisted
     (MissingProductId, IllegalCaseId)
  2. Contention - a key lock could not be taken in time (retry with a fresh
     submission)
  3. Invariant  - projection produced an impossible state; fatal, never retried
  4. Lookup     - unknown report, duplicate report id

  Malformed quantities are NOT errors: the entry is skipped.

USAGE:
  _, _, err := engine.SubmitReport(ctx, sub)
  var verr *ledger.ValidationError
  if errors.As(err, &verr) && verr.Code == ledger.CodeIllegalCaseID {
      ...
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingProductID is returned when an entry has no product reference.
	ErrMissingProductID = errors.New("MissingProductId")

	// ErrIllegalCaseID is returned when an entry has no case reference.
	ErrIllegalCaseID = errors.New("IllegalCaseId")

	// ErrInvalidEntry is returned for an entry of an unknown shape (nil).
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrLockTimeout is returned when a key lock is not acquired within the
	// configured wait. The caller may resubmit.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrProjectionInconsistency signals a violated ledger invariant.
	ErrProjectionInconsistency = errors.New("projection inconsistency")

	ErrReportNotFound  = errors.New("report not found")
	ErrDuplicateReport = errors.New("duplicate report id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationCode string

const (
	CodeMissingProductID ValidationCode = "MissingProductId"
	CodeIllegalCaseID    ValidationCode = "IllegalCaseId"
	CodeInvalidEntry     ValidationCode = "InvalidEntry"
)

// ValidationError rejects a whole report because of one entry.
type ValidationError struct {
	Code       ValidationCode
	EntryIndex int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: entry %d: %s", e.Code, e.EntryIndex, e.Message)
}

func (e *ValidationError) Unwrap() error {
	switch e.Code {
	case CodeMissingProductID:
		return ErrMissingProductID
	case CodeIllegalCaseID:
		return ErrIllegalCaseID
	default:
		return ErrInvalidEntry
	}
}

// ProjectionInconsistencyError reports where a stream replay went wrong.
type ProjectionInconsistencyError struct {
	Key           Key
	TransactionID TransactionID
	StockOnHand   decimal.Decimal
	Reason        string
}

func (e *ProjectionInconsistencyError) Error() string {
	return fmt.Sprintf("projection inconsistency on %s at %s: %s (stock on hand %s)",
		e.Key, e.TransactionID, e.Reason, e.StockOnHand)
}

func (e *ProjectionInconsistencyError) Unwrap() error {
	return ErrProjectionInconsistency
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingProductID) ||
		errors.Is(err, ErrIllegalCaseID) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrDuplicateReport)
}

// IsRetryable returns true if resubmitting might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrReportNotFound)
}
