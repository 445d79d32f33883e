package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/payments"
	"github.com/edu-center/api/internal/repositories"
)

const (
	reconcilerMetricNamespace = "github.com/edu-center/api/internal/services"
	reconcileSourceWebhook    = "webhook"
	reconcileSourcePoll       = "poll"
	maxConcurrentPolls        = 4
)

// PaymentReconcilerDeps wires the dependencies required by the payment reconciler.
type PaymentReconcilerDeps struct {
	Orders             repositories.OrderRepository
	Outbox             repositories.OutboxRepository
	UnitOfWork         repositories.UnitOfWork
	Dispatcher         OrderEventDispatcher
	Acquiring          acquiringGateway
	QR                 qrGateway
	Invoices           invoiceGateway
	NotificationSecret string
	Meter              metric.Meter
	Clock              func() time.Time
	IDGenerator        func() string
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	ledger    *orderLedger
	acquiring acquiringGateway
	qr        qrGateway
	invoices  invoiceGateway
	secret    string
	counter   metric.Int64Counter
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewPaymentReconciler constructs the reconciler shared by the webhook and the status poll.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order repository is required")
	}
	if deps.Outbox == nil {
		return nil, errors.New("payment reconciler: outbox repository is required")
	}
	if deps.Acquiring == nil {
		return nil, errors.New("payment reconciler: acquiring gateway is required")
	}
	if strings.TrimSpace(deps.NotificationSecret) == "" {
		return nil, errors.New("payment reconciler: notification secret is required")
	}

	ledger := newOrderLedger(deps.Orders, deps.Outbox, deps.UnitOfWork, deps.Dispatcher, deps.Clock, deps.IDGenerator, deps.Logger)

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(reconcilerMetricNamespace)
	}
	counter, err := meter.Int64Counter(
		"payments.reconciliations",
		metric.WithDescription("Payment confirmations processed, by source and outcome"),
	)
	if err != nil {
		ledger.logger(context.Background(), "payment.reconcile.metric_failed", map[string]any{"error": err.Error()})
		counter = nil
	}

	return &paymentReconciler{
		ledger:    ledger,
		acquiring: deps.Acquiring,
		qr:        deps.QR,
		invoices:  deps.Invoices,
		secret:    deps.NotificationSecret,
		counter:   counter,
		logger:    ledger.logger,
	}, nil
}

// HandleAcquiringNotification verifies a pushed acquiring notification and marks the order paid when
// the provider confirms it. Notifications for unknown orders are acknowledged so the provider stops
// retrying.
func (r *paymentReconciler) HandleAcquiringNotification(ctx context.Context, payload map[string]any) error {
	if !payments.VerifyToken(payload, r.secret) {
		r.record(ctx, reconcileSourceWebhook, "rejected")
		r.logger(ctx, "payment.webhook.signature_invalid", map[string]any{
			"providerOrderId": payloadString(payload["OrderId"]),
		})
		return ErrPaymentSignatureInvalid
	}

	providerOrderID := payloadString(payload["OrderId"])
	status := payloadString(payload["Status"])
	fields := map[string]any{
		"providerOrderId": providerOrderID,
		"paymentId":       payloadString(payload["PaymentId"]),
		"status":          status,
	}

	if !payloadBool(payload["Success"]) || !strings.EqualFold(status, payments.CardStatusConfirmed) {
		r.record(ctx, reconcileSourceWebhook, "ignored")
		r.logger(ctx, "payment.webhook.ignored", fields)
		return nil
	}

	orderID := payments.OrderIDFromKey(providerOrderID)
	if orderID == "" {
		r.record(ctx, reconcileSourceWebhook, "unknown_order")
		r.logger(ctx, "payment.webhook.unknown_order", fields)
		return nil
	}

	_, outcome, err := r.ledger.markPaid(ctx, orderID, reconcileSourceWebhook, nil)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			r.record(ctx, reconcileSourceWebhook, "unknown_order")
			r.logger(ctx, "payment.webhook.unknown_order", fields)
			return nil
		}
		r.record(ctx, reconcileSourceWebhook, "error")
		return err
	}

	r.record(ctx, reconcileSourceWebhook, string(outcome))
	fields["orderId"] = orderID
	fields["outcome"] = string(outcome)
	r.logger(ctx, "payment.webhook.processed", fields)
	return nil
}

// SyncStatus polls the provider for every recorded attempt of the order and marks it paid when any
// attempt is confirmed. Provider failures leave the order untouched.
func (r *paymentReconciler) SyncStatus(ctx context.Context, cmd SyncStatusCommand) (SyncStatusResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return SyncStatusResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := r.ledger.orders.FindByID(ctx, orderID)
	if err != nil {
		return SyncStatusResult{}, mapOrderRepositoryError(err)
	}
	if err := checkOwner(order, cmd.UserID, cmd.ActorIsStaff); err != nil {
		return SyncStatusResult{}, err
	}

	if order.Status != domain.OrderStatusAwaitingPayment {
		return SyncStatusResult{Order: order, Confirmed: order.Status != domain.OrderStatusCancelled}, nil
	}
	if len(order.PaymentAttempts) == 0 {
		return SyncStatusResult{Order: order}, nil
	}

	confirmed, pollErr := r.pollAttempts(ctx, order.PaymentAttempts)
	if !confirmed {
		if pollErr != nil {
			r.record(ctx, reconcileSourcePoll, "error")
			r.logger(ctx, "payment.poll.failed", map[string]any{
				"orderId": order.ID,
				"error":   pollErr.Error(),
			})
			return SyncStatusResult{}, mapPaymentError(pollErr)
		}
		r.record(ctx, reconcileSourcePoll, "pending")
		return SyncStatusResult{Order: order}, nil
	}

	updated, outcome, err := r.ledger.markPaid(ctx, order.ID, reconcileSourcePoll, nil)
	if err != nil {
		r.record(ctx, reconcileSourcePoll, "error")
		return SyncStatusResult{}, err
	}
	r.record(ctx, reconcileSourcePoll, string(outcome))
	r.logger(ctx, "payment.poll.confirmed", map[string]any{
		"orderId": order.ID,
		"outcome": string(outcome),
	})
	return SyncStatusResult{
		Order:     updated,
		Confirmed: true,
		Changed:   outcome == PaidOutcomeApplied,
	}, nil
}

// pollAttempts queries all attempts concurrently. A confirmation found before a sibling failed still
// counts.
func (r *paymentReconciler) pollAttempts(ctx context.Context, attempts []domain.PaymentAttemptRef) (bool, error) {
	confirmed := make([]bool, len(attempts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)
	for i, ref := range attempts {
		g.Go(func() error {
			attempt, err := r.queryAttempt(gctx, ref)
			if err != nil {
				return err
			}
			confirmed[i] = attempt.Confirmed()
			return nil
		})
	}
	err := g.Wait()
	for _, ok := range confirmed {
		if ok {
			return true, err
		}
	}
	return false, err
}

func (r *paymentReconciler) queryAttempt(ctx context.Context, ref domain.PaymentAttemptRef) (payments.Attempt, error) {
	switch ref.Kind {
	case domain.PaymentAttemptCard:
		return r.queryCard(ctx, ref)
	case domain.PaymentAttemptQR:
		if r.qr == nil {
			return payments.Attempt{}, fmt.Errorf("%w: sbp payments are not configured", payments.ErrUnavailable)
		}
		return r.qr.GetQRStatus(ctx, ref.ExternalID)
	case domain.PaymentAttemptInvoice:
		if r.invoices == nil {
			return payments.Attempt{}, fmt.Errorf("%w: invoices are not configured", payments.ErrUnavailable)
		}
		return r.invoices.GetInvoiceInfo(ctx, ref.ExternalID)
	default:
		return payments.Attempt{Kind: payments.AttemptKind(ref.Kind), ExternalID: ref.ExternalID}, nil
	}
}

// queryCard prefers CheckOrder, which sees every payment registered under the provider order id, and
// falls back to GetState for the recorded payment.
func (r *paymentReconciler) queryCard(ctx context.Context, ref domain.PaymentAttemptRef) (payments.Attempt, error) {
	if ref.ProviderOrderID != "" {
		state, err := r.acquiring.CheckOrder(ctx, ref.ProviderOrderID)
		if err == nil {
			return payments.Attempt{Kind: payments.AttemptCard, ExternalID: state.PaymentID, RawStatus: state.Status}, nil
		}
		if ref.ExternalID == "" {
			return payments.Attempt{}, err
		}
	}
	state, err := r.acquiring.GetState(ctx, ref.ExternalID)
	if err != nil {
		return payments.Attempt{}, err
	}
	return payments.Attempt{Kind: payments.AttemptCard, ExternalID: ref.ExternalID, RawStatus: state.Status}, nil
}

func (r *paymentReconciler) record(ctx context.Context, source, outcome string) {
	if r.counter == nil {
		return
	}
	r.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func payloadString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case fmt.Stringer:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}

func payloadBool(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		return strings.EqualFold(strings.TrimSpace(value), "true")
	default:
		return false
	}
}
