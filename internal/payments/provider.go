package payments

import (
	"errors"
	"fmt"
	"strings"
)

// Provider status literals that mean the money has arrived.
const (
	CardStatusConfirmed    = "CONFIRMED"
	QRStatusAccepted       = "ACCEPTED"
	InvoiceStatusExecuted  = "EXECUTED"
	defaultMaxOrderIDLen   = 36
	maxProviderErrorDetail = 512
)

// AttemptKind tags the provider operation behind an attempt.
type AttemptKind string

const (
	AttemptCard    AttemptKind = "card"
	AttemptQR      AttemptKind = "qr"
	AttemptInvoice AttemptKind = "invoice"
)

// Attempt is the provider-side view of one payment attempt. RawStatus is never stored on the order.
type Attempt struct {
	Kind       AttemptKind
	ExternalID string
	RawStatus  string
}

// Confirmed reports whether the provider considers the attempt paid.
func (a Attempt) Confirmed() bool {
	status := strings.ToUpper(strings.TrimSpace(a.RawStatus))
	switch a.Kind {
	case AttemptCard:
		return status == CardStatusConfirmed
	case AttemptQR:
		return status == QRStatusAccepted
	case AttemptInvoice:
		return status == InvoiceStatusExecuted
	default:
		return false
	}
}

var (
	// ErrInvalidRequest is returned when local validation rejects a request before any network call.
	ErrInvalidRequest = errors.New("payments: invalid request")
	// ErrUnavailable wraps transport failures and timeouts.
	ErrUnavailable = errors.New("payments: provider unavailable")
)

// ProviderError carries a rejection reported by the provider.
type ProviderError struct {
	Code       string
	Message    string
	Details    string
	HTTPStatus int
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request rejected"
	}
	if e.Code != "" {
		return fmt.Sprintf("payments: provider error %s: %s", e.Code, msg)
	}
	return "payments: provider error: " + msg
}

// UserMessage is the text safe to show to the customer.
func (e *ProviderError) UserMessage() string {
	if e == nil {
		return ""
	}
	if d := strings.TrimSpace(e.Details); d != "" {
		return strings.TrimSpace(e.Message + ". " + d)
	}
	if m := strings.TrimSpace(e.Message); m != "" {
		return m
	}
	return "payment provider rejected the request"
}

// Temporary reports whether the provider failed on its side.
func (e *ProviderError) Temporary() bool {
	return e != nil && e.HTTPStatus >= 500
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
