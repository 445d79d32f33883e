package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusAwaitingPayment is the initial state; the order can still be edited, cancelled or deleted.
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	// OrderStatusPaid indicates the provider confirmed the payment.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusInProgress indicates training has started.
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	// OrderStatusCompleted is terminal.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusCancelled is terminal and reachable only from OrderStatusAwaitingPayment.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// IsValid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusAwaitingPayment, OrderStatusPaid, OrderStatusInProgress, OrderStatusCompleted, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Editable reports whether contact, organization and training fields may still change.
func (s OrderStatus) Editable() bool {
	return s == OrderStatusAwaitingPayment
}

// CustomerType determines which optional order sections apply.
type CustomerType string

const (
	CustomerTypeSelf         CustomerType = "SELF"
	CustomerTypeIndividual   CustomerType = "INDIVIDUAL"
	CustomerTypeOrganization CustomerType = "ORGANIZATION"
)

// IsValid reports whether the customer type is recognised.
func (c CustomerType) IsValid() bool {
	switch c {
	case CustomerTypeSelf, CustomerTypeIndividual, CustomerTypeOrganization:
		return true
	default:
		return false
	}
}

// Order is the aggregate root for a purchase of one or more training programs.
type Order struct {
	ID                 string
	Number             string
	UserID             string
	CustomerType       CustomerType
	Status             OrderStatus
	TotalAmount        decimal.Decimal
	Lines              []OrderLine
	Contact            OrderContact
	Organization       *OrderOrganization
	Training           *TrainingDetails
	PaymentID          string
	InvoiceID          string
	InvoicePDFURL      string
	// InvoiceRequestedAt is set while an invoice is being issued.
	InvoiceRequestedAt *time.Time
	PaymentAttempts    []PaymentAttemptRef
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PaidAt             *time.Time
	CancelledAt        *time.Time
	CompletedAt        *time.Time
	CancelReason       *string
}

// LinesTotal recomputes the order total from its frozen lines.
func (o Order) LinesTotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Lines {
		total = total.Add(line.LineAmount)
	}
	return total
}

// OrderLine is a frozen snapshot of one purchased catalog item.
type OrderLine struct {
	ProgramID       string
	SubProgramIndex *int
	Title           string
	Hours           int
	UnitPrice       decimal.Decimal
	Quantity        int
	LineAmount      decimal.Decimal
	Learners        []Learner
}

// Learner is a person enrolled through an order line.
type Learner struct {
	FullName string
	Email    string
	Phone    string
	Position string
}

// OrderContact holds the purchaser channels used for receipts and notifications.
type OrderContact struct {
	Name  string
	Email string
	Phone string
}

// HasReceiptChannel reports whether a fiscal receipt can be delivered.
func (c OrderContact) HasReceiptChannel() bool {
	return c.Email != "" || c.Phone != ""
}

// OrderOrganization links an order to the paying legal entity.
type OrderOrganization struct {
	ID   string
	Name string
	INN  string
	KPP  string
}

// TrainingDetails carries the fields printed on the training application.
type TrainingDetails struct {
	BasisDocument string
	StartDate     *time.Time
	Comment       string
}

// PaymentAttemptKind tags the provider operation that produced an attempt.
type PaymentAttemptKind string

const (
	PaymentAttemptCard    PaymentAttemptKind = "card"
	PaymentAttemptQR      PaymentAttemptKind = "qr"
	PaymentAttemptInvoice PaymentAttemptKind = "invoice"
)

// PaymentAttemptRef records a provider-side attempt without its provider status.
type PaymentAttemptRef struct {
	Kind            PaymentAttemptKind
	ExternalID      string
	ProviderOrderID string
	CreatedAt       time.Time
}

// OrderDraft is the client-submitted proposal validated against the live cart.
type OrderDraft struct {
	CustomerType CustomerType
	Contact      OrderContact
	Organization *OrderOrganization
	Training     *TrainingDetails
	Lines        []DraftLine
	TotalAmount  decimal.Decimal
}

// DraftLine is one proposed order line.
type DraftLine struct {
	ProgramID       string
	SubProgramIndex *int
	Hours           int
	UnitPrice       decimal.Decimal
	Quantity        int
	LineAmount      decimal.Decimal
	Learners        []Learner
}

// Cart is the enriched view of a user's live cart.
type Cart struct {
	UserID      string
	Items       []CartItem
	TotalAmount decimal.Decimal
	UpdatedAt   time.Time
}

// CartItem resolves a cart entry against the current catalog.
type CartItem struct {
	ProgramID       string
	SubProgramIndex *int
	Title           string
	SubProgramTitle string
	CategoryID      string
	CategoryType    CategoryType
	Hours           int
	UnitPrice       decimal.Decimal
	Quantity        int
	Learners        []Learner
}

// CartEntry is a raw cart document entry before catalog enrichment.
type CartEntry struct {
	ProgramID       string
	SubProgramIndex *int
	Quantity        int
	Learners        []Learner
}

// Program is a catalog training program.
type Program struct {
	ID          string
	Title       string
	CategoryID  string
	Hours       int
	Price       decimal.Decimal
	SubPrograms []SubProgram
}

// SubProgram is an alternative variant of a program with its own hours and price.
type SubProgram struct {
	Title string
	Hours int
	Price decimal.Decimal
}

// CategoryType drives the display-title template for order lines.
type CategoryType string

const (
	CategoryTypeRetraining    CategoryType = "PROFESSIONAL_RETRAINING"
	CategoryTypeQualification CategoryType = "QUALIFICATION_UPGRADE"
	CategoryTypeTraining      CategoryType = "TRAINING"
	CategoryTypeSeminar       CategoryType = "SEMINAR"
)

// Category groups programs.
type Category struct {
	ID   string
	Name string
	Type CategoryType
}

// OrderEventType names outbox events emitted by the order core.
type OrderEventType string

const (
	OrderEventCreated OrderEventType = "order.created"
	OrderEventPaid    OrderEventType = "order.paid"
)

// OutboxStatus tracks dispatch of an outbox event.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusDispatched OutboxStatus = "dispatched"
)

// OutboxEvent is persisted with the order mutation that produced it and published afterwards.
type OutboxEvent struct {
	ID           string
	Type         OrderEventType
	OrderID      string
	OrderNumber  string
	UserID       string
	Email        string
	Payload      map[string]any
	Status       OutboxStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
