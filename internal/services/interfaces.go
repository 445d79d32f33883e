package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	OrderDraft         = domain.OrderDraft
	DraftLine          = domain.DraftLine
	OrderContact       = domain.OrderContact
	OrderOrganization  = domain.OrderOrganization
	TrainingDetails    = domain.TrainingDetails
	Learner            = domain.Learner
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	OutboxEvent        = domain.OutboxEvent
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns the order aggregate: creation from a cart, status transitions, edits and reads.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts GetOrderOptions) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (Order, error)
	UpdateDetails(ctx context.Context, cmd UpdateDetailsCommand) (Order, error)
	Delete(ctx context.Context, cmd DeleteOrderCommand) error
}

// CounterService allocates human-facing sequence numbers.
type CounterService interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// CartSnapshotProvider resolves the user's live cart against the current catalog.
type CartSnapshotProvider interface {
	GetEnrichedCart(ctx context.Context, userID string) (Cart, error)
}

// CartReconciler validates a draft line-by-line against the live cart.
type CartReconciler interface {
	Reconcile(ctx context.Context, userID string, draft OrderDraft) (ReconciledOrder, error)
}

// PaymentService starts provider-side payment attempts for an order.
type PaymentService interface {
	StartCardPayment(ctx context.Context, cmd StartPaymentCommand) (CardPaymentResult, error)
	CreateQRLink(ctx context.Context, cmd StartPaymentCommand) (QRLinkResult, error)
	IssueInvoice(ctx context.Context, cmd IssueInvoiceCommand) (InvoiceResult, error)
}

// PaymentReconciler folds provider confirmations into the order status.
type PaymentReconciler interface {
	HandleAcquiringNotification(ctx context.Context, payload map[string]any) error
	SyncStatus(ctx context.Context, cmd SyncStatusCommand) (SyncStatusResult, error)
}

// OrderEventDispatcher publishes committed outbox events.
type OrderEventDispatcher interface {
	Dispatch(ctx context.Context, event OutboxEvent) error
}

// OrderEventPublisher delivers order events to the message bus.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// MailPublisher hands outbound email requests to the mailer.
type MailPublisher interface {
	PublishMail(ctx context.Context, message MailMessage) (string, error)
}

// DocumentRequester asks the document pipeline to render order paperwork.
type DocumentRequester interface {
	RequestTrainingApplication(ctx context.Context, req DocumentRequest) (string, error)
}

// NotificationService reacts to order events delivered by the message bus.
type NotificationService interface {
	HandleEvent(ctx context.Context, message OrderEventMessage) error
}

// SystemService exposes health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CreateOrderCommand converts the caller's cart into an order.
type CreateOrderCommand struct {
	UserID string
	Draft  OrderDraft
}

// GetOrderOptions restricts reads to an owner unless the caller is staff.
type GetOrderOptions struct {
	UserID       string
	ActorIsStaff bool
}

// OrderListFilter narrows order listings.
type OrderListFilter = repositories.OrderListFilter

// UpdateStatusCommand requests an explicit status transition.
type UpdateStatusCommand struct {
	OrderID      string
	ActorID      string
	ActorIsStaff bool
	Status       OrderStatus
	Reason       string
}

// UpdateDetailsCommand edits purchaser data while the order awaits payment. Nil fields are left unchanged.
type UpdateDetailsCommand struct {
	OrderID      string
	ActorID      string
	ActorIsStaff bool
	Contact      *OrderContact
	Organization *OrderOrganization
	Training     *TrainingDetails
}

// DeleteOrderCommand removes an unpaid order.
type DeleteOrderCommand struct {
	OrderID      string
	ActorID      string
	ActorIsStaff bool
}

// ReconciledOrder is the validated, priced content of a future order.
type ReconciledOrder struct {
	Lines       []OrderLine
	TotalAmount decimal.Decimal
}

// StartPaymentCommand identifies the order a payment is started for.
type StartPaymentCommand struct {
	OrderID string
	UserID  string
}

// CardPaymentResult is returned after a successful acquiring Init call.
type CardPaymentResult struct {
	PaymentID  string
	PaymentURL string
}

// QRLinkResult is a one-time SBP payment link.
type QRLinkResult struct {
	QRID string
	Link string
}

// IssueInvoiceCommand requests an invoice for an organization order.
type IssueInvoiceCommand struct {
	OrderID string
	UserID  string
}

// InvoiceResult references the issued invoice document.
type InvoiceResult struct {
	InvoiceID string
	PDFURL    string
	Cached    bool
}

// SyncStatusCommand asks the reconciler to poll the provider for an order.
type SyncStatusCommand struct {
	OrderID      string
	UserID       string
	ActorIsStaff bool
}

// SyncStatusResult reports the order after polling.
type SyncStatusResult struct {
	Order     Order
	Confirmed bool
	Changed   bool
}

// OrderEventMessage is the payload delivered to listeners via Pub/Sub.
type OrderEventMessage struct {
	EventID     string         `json:"eventId"`
	Type        string         `json:"type"`
	OrderID     string         `json:"orderId"`
	OrderNumber string         `json:"orderNumber"`
	UserID      string         `json:"userId"`
	Email       string         `json:"email,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// MailMessage is an outbound email request.
type MailMessage struct {
	ID          string         `json:"id"`
	Template    string         `json:"template"`
	To          string         `json:"to"`
	OrderID     string         `json:"orderId"`
	OrderNumber string         `json:"orderNumber"`
	Data        map[string]any `json:"data,omitempty"`
}

// DocumentRequest identifies the order whose training application must be rendered.
type DocumentRequest struct {
	OrderID     string
	OrderNumber string
	EventID     string
	Order       Order
}
