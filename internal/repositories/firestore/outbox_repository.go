package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/edu-center/api/internal/domain"
	pfirestore "github.com/edu-center/api/internal/platform/firestore"
	"github.com/edu-center/api/internal/repositories"
)

const (
	outboxCollection   = "order_outbox"
	receiptsCollection = "notification_receipts"
	maxOutboxErrorLen  = 512
)

type outboxDocument struct {
	Type         string         `firestore:"type"`
	OrderID      string         `firestore:"orderId"`
	OrderNumber  string         `firestore:"orderNumber"`
	UserID       string         `firestore:"userId"`
	Email        string         `firestore:"email,omitempty"`
	Payload      map[string]any `firestore:"payload,omitempty"`
	Status       string         `firestore:"status"`
	Attempts     int            `firestore:"attempts"`
	LastError    string         `firestore:"lastError,omitempty"`
	CreatedAt    time.Time      `firestore:"createdAt"`
	DispatchedAt *time.Time     `firestore:"dispatchedAt,omitempty"`
}

// OutboxRepository stores order events in Firestore so they commit with the order mutation.
type OutboxRepository struct {
	base *pfirestore.BaseRepository[outboxDocument]
}

var _ repositories.OutboxRepository = (*OutboxRepository)(nil)

// NewOutboxRepository constructs the Firestore outbox.
func NewOutboxRepository(provider *pfirestore.Provider) (*OutboxRepository, error) {
	if provider == nil {
		return nil, errors.New("outbox repository requires firestore provider")
	}
	return &OutboxRepository{base: pfirestore.NewBaseRepository[outboxDocument](provider, outboxCollection)}, nil
}

// Enqueue writes a pending event. Within a UnitOfWork it commits atomically with the order.
func (r *OutboxRepository) Enqueue(ctx context.Context, event domain.OutboxEvent) error {
	id := strings.TrimSpace(event.ID)
	if id == "" {
		return errors.New("outbox repository: event id is required")
	}
	status := event.Status
	if status == "" {
		status = domain.OutboxStatusPending
	}
	return r.base.Create(ctx, id, outboxDocument{
		Type:        string(event.Type),
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		UserID:      event.UserID,
		Email:       event.Email,
		Payload:     event.Payload,
		Status:      string(status),
		CreatedAt:   event.CreatedAt.UTC(),
	})
}

// MarkDispatched flags the event as published.
func (r *OutboxRepository) MarkDispatched(ctx context.Context, eventID string, at time.Time) error {
	return r.base.Update(ctx, eventID, []firestore.Update{
		{Path: "status", Value: string(domain.OutboxStatusDispatched)},
		{Path: "dispatchedAt", Value: at.UTC()},
		{Path: "attempts", Value: firestore.Increment(1)},
	})
}

// RecordFailure keeps the event pending and stores the last publish error.
func (r *OutboxRepository) RecordFailure(ctx context.Context, eventID string, reason string) error {
	if len(reason) > maxOutboxErrorLen {
		reason = reason[:maxOutboxErrorLen]
	}
	return r.base.Update(ctx, eventID, []firestore.Update{
		{Path: "lastError", Value: reason},
		{Path: "attempts", Value: firestore.Increment(1)},
	})
}

// ListPending returns the oldest pending events created before createdBefore.
func (r *OutboxRepository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(domain.OutboxStatusPending))
		if !createdBefore.IsZero() {
			q = q.Where("createdAt", "<", createdBefore.UTC())
		}
		return q.OrderBy("createdAt", firestore.Asc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	events := make([]domain.OutboxEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, domain.OutboxEvent{
			ID:           doc.ID,
			Type:         domain.OrderEventType(doc.Data.Type),
			OrderID:      doc.Data.OrderID,
			OrderNumber:  doc.Data.OrderNumber,
			UserID:       doc.Data.UserID,
			Email:        doc.Data.Email,
			Payload:      doc.Data.Payload,
			Status:       domain.OutboxStatus(doc.Data.Status),
			Attempts:     doc.Data.Attempts,
			LastError:    doc.Data.LastError,
			CreatedAt:    doc.Data.CreatedAt,
			DispatchedAt: doc.Data.DispatchedAt,
		})
	}
	return events, nil
}

const (
	receiptStateClaimed   = "claimed"
	receiptStateCompleted = "completed"
)

type receiptDocument struct {
	State       string     `firestore:"state"`
	LeaseUntil  time.Time  `firestore:"leaseUntil"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	CompletedAt *time.Time `firestore:"completedAt,omitempty"`
}

// NotificationReceiptRepository leases and records notification steps.
type NotificationReceiptRepository struct {
	base *pfirestore.BaseRepository[receiptDocument]
	uow  *pfirestore.UnitOfWork
}

var _ repositories.NotificationReceiptRepository = (*NotificationReceiptRepository)(nil)

// NewNotificationReceiptRepository constructs the receipt store.
func NewNotificationReceiptRepository(provider *pfirestore.Provider) (*NotificationReceiptRepository, error) {
	if provider == nil {
		return nil, errors.New("notification receipt repository requires firestore provider")
	}
	return &NotificationReceiptRepository{
		base: pfirestore.NewBaseRepository[receiptDocument](provider, receiptsCollection),
		uow:  pfirestore.NewUnitOfWork(provider),
	}, nil
}

// Claim reads and writes the receipt in one transaction, so only one delivery gets ReceiptClaimed
// for a live lease.
func (r *NotificationReceiptRepository) Claim(ctx context.Context, receiptID string, now, leaseUntil time.Time) (repositories.ReceiptState, error) {
	id := receiptDocID(receiptID)
	var state repositories.ReceiptState
	err := r.uow.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.base.Get(ctx, id)
		switch {
		case err == nil:
			// Receipts written before leases existed carry no state and count as completed.
			if doc.Data.State != receiptStateClaimed {
				state = repositories.ReceiptCompleted
				return nil
			}
			if doc.Data.LeaseUntil.After(now) {
				state = repositories.ReceiptBusy
				return nil
			}
		case isRepoNotFound(err):
		default:
			return err
		}
		state = repositories.ReceiptClaimed
		return r.base.Set(ctx, id, receiptDocument{
			State:      receiptStateClaimed,
			LeaseUntil: leaseUntil.UTC(),
			CreatedAt:  now.UTC(),
		})
	})
	if err != nil {
		return "", err
	}
	return state, nil
}

// Complete marks the step done.
func (r *NotificationReceiptRepository) Complete(ctx context.Context, receiptID string, at time.Time) error {
	return r.base.Update(ctx, receiptDocID(receiptID), []firestore.Update{
		{Path: "state", Value: receiptStateCompleted},
		{Path: "completedAt", Value: at.UTC()},
	})
}

// Release deletes the claim.
func (r *NotificationReceiptRepository) Release(ctx context.Context, receiptID string) error {
	return r.base.Delete(ctx, receiptDocID(receiptID))
}

// Firestore document ids cannot contain slashes.
func receiptDocID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "/", "_")
}
