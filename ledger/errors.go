/*
errors.go - Centralized error types for the affiliate ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Components wrap these errors with context; callers classify them
  with errors.Is / errors.As or the helpers at the bottom of the file.

ERROR CATEGORIES:
  1. NotFound            - missing affiliate, link, product or attribution
  2. InvalidState        - inactive affiliate, product closed to affiliation
  3. AlreadyProcessed    - idempotency short-circuit (a normal outcome)
  4. Commission config   - no commission configured / non-positive commission
  5. TransientFailure    - lock contention or timeout, retry is safe
  6. Inconsistent        - invariant check failed; never clamped

SEE ALSO:
  - store.go: stores translate driver errors into these
  - api/handlers.go: maps categories to HTTP status codes
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
	ErrNotFound = errors.New("not found")

	ErrInvalidState = errors.New("invalid state")

	// ErrAffiliateInactive is returned when the affiliate status is not active.
	ErrAffiliateInactive = fmt.Errorf("affiliate inactive: %w", ErrInvalidState)

	// ErrProductNotAffiliable is returned when a product does not allow affiliation.
	ErrProductNotAffiliable = fmt.Errorf("product does not allow affiliation: %w", ErrInvalidState)

	// ErrLinkMismatch is returned when a tracking link belongs to a different affiliate or product.
	ErrLinkMismatch = fmt.Errorf("tracking link does not belong to affiliate: %w", ErrInvalidState)

	// ErrAlreadyProcessed marks an idempotent replay. Not a failure.
	ErrAlreadyProcessed = errors.New("already processed")

	ErrNoCommissionConfigured = errors.New("no commission configured")

	ErrInvalidCommission = errors.New("invalid commission")

	// ErrTransientFailure is returned on lock contention or transaction timeout.
	ErrTransientFailure = errors.New("transient failure")

	// ErrInconsistent is returned when an invariant check fails, e.g. a
	// reversal would push a balance below zero.
	ErrInconsistent = errors.New("ledger inconsistent")

	// ErrDuplicateAttribution is returned by stores on the (affiliate, sale) uniqueness violation.
	ErrDuplicateAttribution = fmt.Errorf("attribution exists for affiliate and sale: %w", ErrAlreadyProcessed)

	// ErrDuplicateLink is returned by stores on the (affiliate, product) uniqueness violation.
	ErrDuplicateLink = errors.New("tracking link exists for affiliate and product")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "affiliate", "link", "product", "attribution", "vendor_balance"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// InconsistentError reports a field that would underflow.
type InconsistentError struct {
	Subject string // affiliate or vendor id
	Field   string
	Have    decimal.Decimal
	Need    decimal.Decimal
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("inconsistent %s on %s: have %s, need %s",
		e.Field, e.Subject, e.Have.String(), e.Need.String())
}

func (e *InconsistentError) Unwrap() error { return ErrInconsistent }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientFailure)
}

// IsClientError returns true if the error is due to caller input or configuration.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNoCommissionConfigured) ||
		errors.Is(err, ErrInvalidCommission)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
