package services

import (
	"errors"
	"fmt"

	"github.com/edu-center/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderCartMismatch signals that a draft does not match the live cart.
	ErrOrderCartMismatch = errors.New("order: draft does not match cart")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller may not act on the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidState indicates an illegal status transition or an edit of a locked order.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")

	// ErrPaymentInvalidInput indicates locally rejected payment parameters.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentUnavailable indicates the provider could not be reached.
	ErrPaymentUnavailable = errors.New("payment: provider unavailable")
	// ErrPaymentSignatureInvalid indicates a provider notification failed token verification.
	ErrPaymentSignatureInvalid = errors.New("payment: invalid notification signature")
)

// CartMismatchError names the draft line and field that failed reconciliation. Line is -1 for
// order-level fields such as the total.
type CartMismatchError struct {
	Line    int
	Field   string
	Message string
}

func (e *CartMismatchError) Error() string {
	if e.Line < 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("line %d: %s: %s", e.Line+1, e.Field, e.Message)
}

// Unwrap lets callers match ErrOrderCartMismatch.
func (e *CartMismatchError) Unwrap() error {
	return ErrOrderCartMismatch
}

func lineMismatch(line int, field, format string, args ...any) error {
	return &CartMismatchError{Line: line, Field: field, Message: fmt.Sprintf(format, args...)}
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
