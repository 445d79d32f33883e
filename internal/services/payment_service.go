package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/payments"
	"github.com/edu-center/api/internal/repositories"
)

const (
	defaultReceiptTax        = "none"
	defaultReceiptTaxation   = "usn_income"
	defaultBusinessVAT       = "None"
	defaultQRTTLMinutes      = 60
	defaultInvoiceDueDays    = 5
	invoiceReservationTTL    = 2 * time.Minute
	maxReceiptItemNameLength = 128
)

// acquiringGateway abstracts payments.AcquiringClient for easier testing.
type acquiringGateway interface {
	Init(ctx context.Context, req payments.InitRequest) (payments.InitResult, error)
	GetState(ctx context.Context, paymentID string) (payments.StateResult, error)
	CheckOrder(ctx context.Context, providerOrderID string) (payments.StateResult, error)
}

// qrGateway abstracts the SBP operations of payments.BusinessClient.
type qrGateway interface {
	CreateOneTimeQR(ctx context.Context, req payments.QRRequest) (payments.QRResult, error)
	GetQRStatus(ctx context.Context, qrID string) (payments.Attempt, error)
}

// invoiceGateway abstracts the invoice operations of payments.BusinessClient.
type invoiceGateway interface {
	SendInvoice(ctx context.Context, req payments.InvoiceRequest) (payments.InvoiceResult, error)
	GetInvoiceInfo(ctx context.Context, invoiceID string) (payments.Attempt, error)
}

// PaymentSettings carries provider parameters that do not belong to a single request.
type PaymentSettings struct {
	SuccessURL       string
	FailURL          string
	NotificationURL  string
	ReceiptTax       string
	Taxation         string
	VAT              string
	AccountNumber    string
	QRTTLMinutes     int
	QRRedirectURL    string
	InvoiceDueDays   int
	MaxOrderIDLength int
}

// PaymentServiceDeps wires the dependencies required by the payment service.
type PaymentServiceDeps struct {
	Orders     repositories.OrderRepository
	UnitOfWork repositories.UnitOfWork
	Acquiring  acquiringGateway
	QR         qrGateway
	Invoices   invoiceGateway
	Settings   PaymentSettings
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders    repositories.OrderRepository
	unit      repositories.UnitOfWork
	acquiring acquiringGateway
	qr        qrGateway
	invoices  invoiceGateway
	settings  PaymentSettings
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewPaymentService constructs a PaymentService validating required dependencies. The QR and invoice
// gateways are optional; their operations report ErrPaymentUnavailable when unset.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Acquiring == nil {
		return nil, errors.New("payment service: acquiring gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	return &paymentService{
		orders:    deps.Orders,
		unit:      unit,
		acquiring: deps.Acquiring,
		qr:        deps.QR,
		invoices:  deps.Invoices,
		settings:  normalisePaymentSettings(deps.Settings),
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func normalisePaymentSettings(s PaymentSettings) PaymentSettings {
	if strings.TrimSpace(s.ReceiptTax) == "" {
		s.ReceiptTax = defaultReceiptTax
	}
	if strings.TrimSpace(s.Taxation) == "" {
		s.Taxation = defaultReceiptTaxation
	}
	if strings.TrimSpace(s.VAT) == "" {
		s.VAT = defaultBusinessVAT
	}
	if s.QRTTLMinutes <= 0 {
		s.QRTTLMinutes = defaultQRTTLMinutes
	}
	if s.InvoiceDueDays <= 0 {
		s.InvoiceDueDays = defaultInvoiceDueDays
	}
	return s
}

// StartCardPayment registers a card payment for an unpaid order and records the attempt.
func (s *paymentService) StartCardPayment(ctx context.Context, cmd StartPaymentCommand) (CardPaymentResult, error) {
	order, err := s.loadPayableOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return CardPaymentResult{}, err
	}
	if !order.Contact.HasReceiptChannel() {
		return CardPaymentResult{}, fmt.Errorf("%w: an email or phone is required for the receipt", ErrPaymentInvalidInput)
	}

	providerOrderID := payments.IdempotencyKey(order.ID, s.now(), s.settings.MaxOrderIDLength)
	res, err := s.acquiring.Init(ctx, payments.InitRequest{
		OrderID:         providerOrderID,
		Amount:          domain.MinorUnits(order.TotalAmount),
		Description:     "Order " + order.Number,
		CustomerKey:     order.UserID,
		SuccessURL:      s.settings.SuccessURL,
		FailURL:         s.settings.FailURL,
		NotificationURL: s.settings.NotificationURL,
		Receipt:         s.buildReceipt(order),
	})
	if err != nil {
		s.logger(ctx, "payment.card.init.failed", map[string]any{
			"orderId":         order.ID,
			"providerOrderId": providerOrderID,
			"error":           err.Error(),
		})
		return CardPaymentResult{}, mapPaymentError(err)
	}

	attempt := domain.PaymentAttemptRef{
		Kind:            domain.PaymentAttemptCard,
		ExternalID:      res.PaymentID,
		ProviderOrderID: providerOrderID,
		CreatedAt:       s.now(),
	}
	if _, err := s.recordAttempt(ctx, order.ID, attempt, func(o *Order) {
		o.PaymentID = res.PaymentID
	}); err != nil {
		return CardPaymentResult{}, err
	}

	s.logger(ctx, "payment.card.started", map[string]any{
		"orderId":   order.ID,
		"paymentId": res.PaymentID,
	})
	return CardPaymentResult{PaymentID: res.PaymentID, PaymentURL: res.PaymentURL}, nil
}

// CreateQRLink issues a one-time SBP link for the order total.
func (s *paymentService) CreateQRLink(ctx context.Context, cmd StartPaymentCommand) (QRLinkResult, error) {
	if s.qr == nil {
		return QRLinkResult{}, fmt.Errorf("%w: sbp payments are not configured", ErrPaymentUnavailable)
	}
	order, err := s.loadPayableOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return QRLinkResult{}, err
	}

	res, err := s.qr.CreateOneTimeQR(ctx, payments.QRRequest{
		AccountNumber: s.settings.AccountNumber,
		Amount:        order.TotalAmount,
		Purpose:       "Payment for order " + order.Number,
		VAT:           s.settings.VAT,
		TTLMinutes:    s.settings.QRTTLMinutes,
		RedirectURL:   s.settings.QRRedirectURL,
	})
	if err != nil {
		s.logger(ctx, "payment.qr.create.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return QRLinkResult{}, mapPaymentError(err)
	}

	attempt := domain.PaymentAttemptRef{
		Kind:       domain.PaymentAttemptQR,
		ExternalID: res.QRID,
		CreatedAt:  s.now(),
	}
	if _, err := s.recordAttempt(ctx, order.ID, attempt, nil); err != nil {
		return QRLinkResult{}, err
	}
	return QRLinkResult{QRID: res.QRID, Link: res.Link}, nil
}

// IssueInvoice sends an invoice to the paying organization. Repeated calls return the stored invoice,
// and a call overlapping one that is still talking to the bank fails with ErrOrderConflict.
func (s *paymentService) IssueInvoice(ctx context.Context, cmd IssueInvoiceCommand) (InvoiceResult, error) {
	order, err := s.loadOwnedOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return InvoiceResult{}, err
	}
	if order.InvoiceID != "" {
		return InvoiceResult{InvoiceID: order.InvoiceID, PDFURL: order.InvoicePDFURL, Cached: true}, nil
	}
	if order.CustomerType != domain.CustomerTypeOrganization || order.Organization == nil {
		return InvoiceResult{}, fmt.Errorf("%w: invoices are only issued to organizations", ErrPaymentInvalidInput)
	}
	if order.Status != domain.OrderStatusAwaitingPayment {
		return InvoiceResult{}, fmt.Errorf("%w: order in status %s cannot be invoiced", ErrOrderInvalidState, order.Status)
	}
	if s.invoices == nil {
		return InvoiceResult{}, fmt.Errorf("%w: invoices are not configured", ErrPaymentUnavailable)
	}

	now := s.now()
	reserved, err := s.reserveInvoice(ctx, order.ID, now)
	if err != nil {
		return InvoiceResult{}, err
	}
	if reserved.InvoiceID != "" {
		return InvoiceResult{InvoiceID: reserved.InvoiceID, PDFURL: reserved.InvoicePDFURL, Cached: true}, nil
	}

	req := payments.InvoiceRequest{
		InvoiceNumber: order.Number,
		AccountNumber: s.settings.AccountNumber,
		InvoiceDate:   now,
		DueDate:       now.AddDate(0, 0, s.settings.InvoiceDueDays),
		Payer: payments.InvoicePayer{
			Name: order.Organization.Name,
			INN:  order.Organization.INN,
			KPP:  order.Organization.KPP,
		},
		ContactEmail: order.Contact.Email,
		Comment:      "Order " + order.Number,
	}
	for _, line := range order.Lines {
		req.Items = append(req.Items, payments.InvoiceItem{
			Name:   line.Title,
			Price:  line.UnitPrice,
			VAT:    s.settings.VAT,
			Amount: decimal.NewFromInt(int64(line.Quantity)),
		})
	}

	res, err := s.invoices.SendInvoice(ctx, req)
	if err != nil {
		s.logger(ctx, "payment.invoice.send.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		s.releaseInvoice(ctx, order.ID)
		return InvoiceResult{}, mapPaymentError(err)
	}

	attempt := domain.PaymentAttemptRef{
		Kind:       domain.PaymentAttemptInvoice,
		ExternalID: res.InvoiceID,
		CreatedAt:  now,
	}
	stored, err := s.recordAttempt(ctx, order.ID, attempt, func(o *Order) {
		if o.InvoiceID == "" {
			o.InvoiceID = res.InvoiceID
			o.InvoicePDFURL = res.PDFURL
		}
		o.InvoiceRequestedAt = nil
	})
	if err != nil {
		return InvoiceResult{}, err
	}
	return InvoiceResult{InvoiceID: stored.InvoiceID, PDFURL: stored.InvoicePDFURL}, nil
}

// reserveInvoice marks the order as being invoiced under a fresh read. The marker is not an edit, so
// UpdatedAt is left alone. An order that got its invoice meanwhile is returned as is.
func (s *paymentService) reserveInvoice(ctx context.Context, orderID string, now time.Time) (Order, error) {
	var result Order
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if order.InvoiceID != "" {
			result = order
			return nil
		}
		if at := order.InvoiceRequestedAt; at != nil && now.Before(at.Add(invoiceReservationTTL)) {
			return fmt.Errorf("%w: invoice for order %s is already being issued", ErrOrderConflict, orderID)
		}
		order.InvoiceRequestedAt = &now
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapOrderRepositoryError(err)
		}
		result = order
		return nil
	})
	return result, err
}

// releaseInvoice drops the reservation after a failed send so the customer can retry at once.
func (s *paymentService) releaseInvoice(ctx context.Context, orderID string) {
	err := s.unit.RunInTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return err
		}
		if order.InvoiceID != "" || order.InvoiceRequestedAt == nil {
			return nil
		}
		order.InvoiceRequestedAt = nil
		return s.orders.Update(txCtx, order)
	})
	if err != nil {
		// The reservation expires on its own.
		s.logger(ctx, "payment.invoice.release.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentService) loadOwnedOrder(ctx context.Context, orderID, userID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if err := checkOwner(order, userID, false); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *paymentService) loadPayableOrder(ctx context.Context, orderID, userID string) (Order, error) {
	order, err := s.loadOwnedOrder(ctx, orderID, userID)
	if err != nil {
		return Order{}, err
	}
	if order.Status != domain.OrderStatusAwaitingPayment {
		return Order{}, fmt.Errorf("%w: order in status %s cannot be paid", ErrOrderInvalidState, order.Status)
	}
	if !order.TotalAmount.IsPositive() {
		return Order{}, fmt.Errorf("%w: order total must be positive", ErrPaymentInvalidInput)
	}
	return order, nil
}

// recordAttempt appends the attempt ref under a fresh read. Status is never touched here.
func (s *paymentService) recordAttempt(ctx context.Context, orderID string, attempt domain.PaymentAttemptRef, mutate func(*Order)) (Order, error) {
	var result Order
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		order.PaymentAttempts = append(order.PaymentAttempts, attempt)
		if mutate != nil {
			mutate(&order)
		}
		order.UpdatedAt = s.now()
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapOrderRepositoryError(err)
		}
		result = order
		return nil
	})
	if err != nil {
		s.logger(ctx, "payment.attempt.record.failed", map[string]any{
			"orderId":    orderID,
			"kind":       string(attempt.Kind),
			"externalId": attempt.ExternalID,
			"error":      err.Error(),
		})
		return Order{}, err
	}
	return result, nil
}

func (s *paymentService) buildReceipt(order Order) *payments.Receipt {
	receipt := &payments.Receipt{
		Email:    order.Contact.Email,
		Phone:    order.Contact.Phone,
		Taxation: s.settings.Taxation,
	}
	for _, line := range order.Lines {
		name := line.Title
		if runes := []rune(name); len(runes) > maxReceiptItemNameLength {
			name = string(runes[:maxReceiptItemNameLength])
		}
		receipt.Items = append(receipt.Items, payments.ReceiptItem{
			Name:     name,
			Price:    domain.MinorUnits(line.UnitPrice),
			Quantity: line.Quantity,
			Amount:   domain.MinorUnits(line.LineAmount),
			Tax:      s.settings.ReceiptTax,
		})
	}
	return receipt
}

// mapPaymentError translates payments package failures into service errors. Provider rejections are
// passed through so handlers can surface the provider message.
func mapPaymentError(err error) error {
	if err == nil {
		return nil
	}
	var perr *payments.ProviderError
	switch {
	case errors.As(err, &perr):
		return err
	case errors.Is(err, payments.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	case errors.Is(err, payments.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	default:
		return err
	}
}
