package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/repositories"
)

const (
	notificationStepDocuments = "documents"
	notificationStepMail      = "mail"

	mailTemplateOrderCreated = "order_created"
	mailTemplateOrderPaid    = "order_paid"

	defaultNotificationStepLease = 2 * time.Minute
)

var (
	// ErrNotificationInvalidEvent indicates an undecodable or incomplete order event.
	ErrNotificationInvalidEvent = errors.New("notification: invalid event")
	// ErrNotificationStepBusy means another delivery of the same event is running the step. The
	// event should be redelivered later.
	ErrNotificationStepBusy = errors.New("notification: step in progress")
)

// NotificationServiceDeps enumerates collaborators of the order event listener.
type NotificationServiceDeps struct {
	Orders    repositories.OrderRepository
	Receipts  repositories.NotificationReceiptRepository
	Documents DocumentRequester
	Mail      MailPublisher
	// StepLease bounds how long a claimed step blocks other deliveries. Default 2m.
	StepLease time.Duration
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	orders    repositories.OrderRepository
	receipts  repositories.NotificationReceiptRepository
	documents DocumentRequester
	mail      MailPublisher
	lease     time.Duration
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

type notificationStep struct {
	name string
	run  func(ctx context.Context, msg OrderEventMessage, order Order) error
}

// NewNotificationService wires the listener that turns order events into documents and email.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("notification service: order repository is required")
	}
	if deps.Receipts == nil {
		return nil, errors.New("notification service: receipt repository is required")
	}
	if deps.Documents == nil {
		return nil, errors.New("notification service: document requester is required")
	}
	if deps.Mail == nil {
		return nil, errors.New("notification service: mail publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	lease := deps.StepLease
	if lease <= 0 {
		lease = defaultNotificationStepLease
	}
	return &notificationService{
		orders:    deps.Orders,
		receipts:  deps.Receipts,
		documents: deps.Documents,
		mail:      deps.Mail,
		lease:     lease,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandleEvent runs the side effects of one order event. A step is claimed before it runs and
// completed after it succeeds, so concurrent or repeated deliveries run each step once and a
// redelivered event only repeats the steps that failed. Order status is never modified here.
func (s *notificationService) HandleEvent(ctx context.Context, msg OrderEventMessage) error {
	msg.EventID = strings.TrimSpace(msg.EventID)
	msg.OrderID = strings.TrimSpace(msg.OrderID)
	if msg.EventID == "" || msg.OrderID == "" {
		return fmt.Errorf("%w: event id and order id are required", ErrNotificationInvalidEvent)
	}

	var steps []notificationStep
	switch domain.OrderEventType(msg.Type) {
	case domain.OrderEventPaid:
		steps = []notificationStep{
			{name: notificationStepDocuments, run: s.requestDocuments},
			{name: notificationStepMail, run: s.sendMail(mailTemplateOrderPaid)},
		}
	case domain.OrderEventCreated:
		steps = []notificationStep{
			{name: notificationStepMail, run: s.sendMail(mailTemplateOrderCreated)},
		}
	default:
		s.logger(ctx, "notification.event.ignored", map[string]any{
			"eventId": msg.EventID,
			"type":    msg.Type,
		})
		return nil
	}

	order, err := s.orders.FindByID(ctx, msg.OrderID)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "notification.order.missing", map[string]any{
				"eventId": msg.EventID,
				"orderId": msg.OrderID,
			})
			return nil
		}
		return fmt.Errorf("notification: load order %s: %w", msg.OrderID, err)
	}

	for _, step := range steps {
		if err := s.runStep(ctx, msg, order, step); err != nil {
			s.logger(ctx, "notification.step.failed", map[string]any{
				"eventId": msg.EventID,
				"orderId": msg.OrderID,
				"step":    step.name,
				"error":   err.Error(),
			})
			return err
		}
	}
	return nil
}

func (s *notificationService) runStep(ctx context.Context, msg OrderEventMessage, order Order, step notificationStep) error {
	receiptID := msg.EventID + ":" + step.name
	now := s.clock()
	state, err := s.receipts.Claim(ctx, receiptID, now, now.Add(s.lease))
	if err != nil {
		return fmt.Errorf("notification: claim %s: %w", receiptID, err)
	}
	switch state {
	case repositories.ReceiptCompleted:
		return nil
	case repositories.ReceiptBusy:
		return fmt.Errorf("%w: %s", ErrNotificationStepBusy, receiptID)
	}

	if err := step.run(ctx, msg, order); err != nil {
		if relErr := s.receipts.Release(context.WithoutCancel(ctx), receiptID); relErr != nil {
			// The claim expires with its lease.
			s.logger(ctx, "notification.claim.release_failed", map[string]any{
				"receiptId": receiptID,
				"error":     relErr.Error(),
			})
		}
		return err
	}

	// The side effect already happened and returning nil acknowledges the event, so a failed write
	// is only logged.
	if err := s.receipts.Complete(ctx, receiptID, s.clock()); err != nil {
		s.logger(ctx, "notification.receipt.complete_failed", map[string]any{
			"receiptId": receiptID,
			"error":     err.Error(),
		})
	}
	return nil
}

func (s *notificationService) requestDocuments(ctx context.Context, msg OrderEventMessage, order Order) error {
	ref, err := s.documents.RequestTrainingApplication(ctx, DocumentRequest{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		EventID:     msg.EventID,
		Order:       order,
	})
	if err != nil {
		return fmt.Errorf("notification: request training application: %w", err)
	}
	s.logger(ctx, "notification.documents.requested", map[string]any{
		"eventId":  msg.EventID,
		"orderId":  order.ID,
		"document": ref,
	})
	return nil
}

func (s *notificationService) sendMail(template string) func(context.Context, OrderEventMessage, Order) error {
	return func(ctx context.Context, msg OrderEventMessage, order Order) error {
		to := order.Contact.Email
		if to == "" {
			to = strings.TrimSpace(msg.Email)
		}
		if to == "" {
			s.logger(ctx, "notification.mail.skipped", map[string]any{
				"eventId": msg.EventID,
				"orderId": order.ID,
				"reason":  "no email",
			})
			return nil
		}

		titles := make([]string, 0, len(order.Lines))
		for _, line := range order.Lines {
			titles = append(titles, line.Title)
		}
		messageID, err := s.mail.PublishMail(ctx, MailMessage{
			ID:          msg.EventID + ":" + notificationStepMail,
			Template:    template,
			To:          to,
			OrderID:     order.ID,
			OrderNumber: order.Number,
			Data: map[string]any{
				"name":        order.Contact.Name,
				"totalAmount": domain.FormatMoney(order.TotalAmount),
				"programs":    titles,
			},
		})
		if err != nil {
			return fmt.Errorf("notification: publish mail: %w", err)
		}
		s.logger(ctx, "notification.mail.queued", map[string]any{
			"eventId":   msg.EventID,
			"orderId":   order.ID,
			"template":  template,
			"messageId": messageID,
		})
		return nil
	}
}
