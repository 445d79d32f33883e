package repositories

import (
	"context"
	"time"

	domain "github.com/edu-center/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Repositories called with the context handed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	Delete(ctx context.Context, orderID string) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OutboxRepository stores order events until they are published.
type OutboxRepository interface {
	Enqueue(ctx context.Context, event domain.OutboxEvent) error
	MarkDispatched(ctx context.Context, eventID string, at time.Time) error
	RecordFailure(ctx context.Context, eventID string, reason string) error
	// ListPending returns pending events created before createdBefore, oldest first. A zero
	// createdBefore lists every pending event.
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxEvent, error)
}

// ReceiptState is the result of claiming a notification step.
type ReceiptState string

const (
	// ReceiptClaimed means the caller owns the step until its lease ends and must Complete or
	// Release it.
	ReceiptClaimed ReceiptState = "claimed"
	// ReceiptCompleted means the step already ran.
	ReceiptCompleted ReceiptState = "completed"
	// ReceiptBusy means another delivery holds a live lease on the step.
	ReceiptBusy ReceiptState = "busy"
)

// NotificationReceiptRepository deduplicates side effects triggered by redelivered or concurrently
// delivered events.
type NotificationReceiptRepository interface {
	// Claim atomically takes the step until leaseUntil unless it is completed or leased by someone
	// else. An expired lease is taken over.
	Claim(ctx context.Context, receiptID string, now, leaseUntil time.Time) (ReceiptState, error)
	// Complete marks a claimed step as done.
	Complete(ctx context.Context, receiptID string, at time.Time) error
	// Release drops a claim so the step can run again.
	Release(ctx context.Context, receiptID string) error
}

// CartRepository reads raw cart entries and clears carts after checkout.
type CartRepository interface {
	GetEntries(ctx context.Context, userID string) ([]domain.CartEntry, error)
	Clear(ctx context.Context, userID string) error
}

// CatalogRepository resolves programs and categories.
type CatalogRepository interface {
	GetProgram(ctx context.Context, programID string) (domain.Program, error)
	GetCategory(ctx context.Context, categoryID string) (domain.Category, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}
