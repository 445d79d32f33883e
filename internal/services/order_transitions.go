package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/repositories"
)

const (
	outboxIDPrefix   = "evt_"
	paidSourceManual = "manual"
)

var orderStateEdges = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusAwaitingPayment: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:            {domain.OrderStatusInProgress},
	domain.OrderStatusInProgress:      {domain.OrderStatusCompleted},
}

// CanTransition reports whether from→to is a legal edge of the order state machine.
func CanTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateEdges[from], to)
}

// applyTransition moves the order along a legal edge and stamps the matching audit time.
func applyTransition(order *Order, target domain.OrderStatus, now time.Time) error {
	if !CanTransition(order.Status, target) {
		return fmt.Errorf("%w: cannot move order from %s to %s", ErrOrderInvalidState, order.Status, target)
	}
	order.Status = target
	order.UpdatedAt = now
	switch target {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	case domain.OrderStatusCompleted:
		order.CompletedAt = &now
	}
	return nil
}

// PaidOutcome describes what markPaid did to the order.
type PaidOutcome string

const (
	// PaidOutcomeApplied means this call moved the order to PAID.
	PaidOutcomeApplied PaidOutcome = "applied"
	// PaidOutcomeAlreadyPaid means the order was PAID or further along.
	PaidOutcomeAlreadyPaid PaidOutcome = "already_paid"
	// PaidOutcomeIgnoredCancelled means a late confirmation hit a cancelled order.
	PaidOutcomeIgnoredCancelled PaidOutcome = "ignored_cancelled"
)

// orderLedger owns every write of Order.Status. Each mutation re-reads the order inside a
// transaction, checks the edge and writes the order together with its outbox event. Only the
// caller whose transaction committed dispatches the event.
type orderLedger struct {
	orders     repositories.OrderRepository
	outbox     repositories.OutboxRepository
	unitOfWork repositories.UnitOfWork
	dispatcher OrderEventDispatcher
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// markPaid is the single AWAITING_PAYMENT→PAID transition shared by the webhook, the poll and
// staff updates. Repeats are no-ops and cancelled orders are left alone. authorize, when set, runs
// against the fresh read before anything else.
func (l *orderLedger) markPaid(ctx context.Context, orderID, source string, authorize func(Order) error) (Order, PaidOutcome, error) {
	var (
		result  Order
		outcome PaidOutcome
		event   *OutboxEvent
	)
	err := l.runInTx(ctx, func(txCtx context.Context) error {
		event = nil
		order, err := l.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if authorize != nil {
			if err := authorize(order); err != nil {
				return err
			}
		}

		switch order.Status {
		case domain.OrderStatusAwaitingPayment:
		case domain.OrderStatusCancelled:
			result, outcome = order, PaidOutcomeIgnoredCancelled
			return nil
		default:
			result, outcome = order, PaidOutcomeAlreadyPaid
			return nil
		}

		if err := applyTransition(&order, domain.OrderStatusPaid, l.clock()); err != nil {
			return err
		}
		if err := l.orders.Update(txCtx, order); err != nil {
			return mapOrderRepositoryError(err)
		}
		ev := l.newEvent(order, domain.OrderEventPaid, map[string]any{"source": source})
		if err := l.outbox.Enqueue(txCtx, ev); err != nil {
			return fmt.Errorf("order: enqueue paid event: %w", err)
		}
		result, outcome, event = order, PaidOutcomeApplied, &ev
		return nil
	})
	if err != nil {
		return Order{}, "", err
	}

	if event != nil {
		l.dispatch(ctx, *event)
	}
	return result, outcome, nil
}

// transition applies an explicit status request other than PAID. Illegal edges are reported, never
// skipped.
func (l *orderLedger) transition(ctx context.Context, orderID string, target domain.OrderStatus, reason string, authorize func(Order) error) (Order, error) {
	if target == domain.OrderStatusPaid {
		return Order{}, fmt.Errorf("%w: paid transitions go through markPaid", ErrOrderInvalidInput)
	}
	var result Order
	err := l.runInTx(ctx, func(txCtx context.Context) error {
		order, err := l.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if authorize != nil {
			if err := authorize(order); err != nil {
				return err
			}
		}
		if err := applyTransition(&order, target, l.clock()); err != nil {
			return err
		}
		if target == domain.OrderStatusCancelled {
			if trimmed := strings.TrimSpace(reason); trimmed != "" {
				order.CancelReason = &trimmed
			}
		}
		if err := l.orders.Update(txCtx, order); err != nil {
			return mapOrderRepositoryError(err)
		}
		result = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return result, nil
}

func (l *orderLedger) newEvent(order Order, eventType domain.OrderEventType, payload map[string]any) OutboxEvent {
	return OutboxEvent{
		ID:          outboxIDPrefix + l.newID(),
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		UserID:      order.UserID,
		Email:       order.Contact.Email,
		Payload:     maps.Clone(payload),
		Status:      domain.OutboxStatusPending,
		CreatedAt:   l.clock(),
	}
}

// dispatch publishes right after commit. Failures stay pending for the sweeper.
func (l *orderLedger) dispatch(ctx context.Context, event OutboxEvent) {
	if l.dispatcher == nil {
		return
	}
	if err := l.dispatcher.Dispatch(ctx, event); err != nil {
		l.logger(ctx, "order.event.dispatch.failed", map[string]any{
			"eventId": event.ID,
			"type":    string(event.Type),
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

func (l *orderLedger) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if l.unitOfWork == nil {
		return fn(ctx)
	}
	return l.unitOfWork.RunInTx(ctx, fn)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
