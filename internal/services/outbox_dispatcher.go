package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/edu-center/api/internal/repositories"
)

const (
	defaultOutboxBatchSize = 50
	defaultOutboxMinAge    = 30 * time.Second
)

// OutboxDispatcherDeps enumerates collaborators required to construct the dispatcher.
type OutboxDispatcherDeps struct {
	Outbox    repositories.OutboxRepository
	Publisher OrderEventPublisher
	// MinAge keeps DispatchPending away from events whose post-commit dispatch may still be
	// running. Default 30s.
	MinAge time.Duration
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// OutboxDispatcher publishes committed order events and marks them dispatched. Events that fail stay
// pending and are retried by DispatchPending.
type OutboxDispatcher struct {
	outbox    repositories.OutboxRepository
	publisher OrderEventPublisher
	minAge    time.Duration
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewOutboxDispatcher wires dependencies into an OutboxDispatcher.
func NewOutboxDispatcher(deps OutboxDispatcherDeps) (*OutboxDispatcher, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox dispatcher: outbox repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("outbox dispatcher: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	minAge := deps.MinAge
	if minAge <= 0 {
		minAge = defaultOutboxMinAge
	}
	return &OutboxDispatcher{
		outbox:    deps.Outbox,
		publisher: deps.Publisher,
		minAge:    minAge,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Dispatch publishes one event. Publishing is at-least-once; listeners deduplicate by event id.
func (d *OutboxDispatcher) Dispatch(ctx context.Context, event OutboxEvent) error {
	messageID, err := d.publisher.PublishOrderEvent(ctx, OrderEventMessageFromOutbox(event))
	if err != nil {
		if recErr := d.outbox.RecordFailure(ctx, event.ID, err.Error()); recErr != nil {
			d.logger(ctx, "outbox.failure.record_failed", map[string]any{
				"eventId": event.ID,
				"error":   recErr.Error(),
			})
		}
		return fmt.Errorf("outbox: publish %s: %w", event.ID, err)
	}

	if err := d.outbox.MarkDispatched(ctx, event.ID, d.clock()); err != nil {
		// The message is already out; a later sweep may publish it again.
		d.logger(ctx, "outbox.mark_dispatched.failed", map[string]any{
			"eventId":   event.ID,
			"messageId": messageID,
			"error":     err.Error(),
		})
		return nil
	}

	d.logger(ctx, "outbox.dispatched", map[string]any{
		"eventId":   event.ID,
		"type":      string(event.Type),
		"orderId":   event.OrderID,
		"messageId": messageID,
	})
	return nil
}

// DispatchPending retries up to limit pending events older than MinAge, oldest first, and reports
// how many went out.
func (d *OutboxDispatcher) DispatchPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultOutboxBatchSize
	}
	events, err := d.outbox.ListPending(ctx, d.clock().Add(-d.minAge), limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: list pending: %w", err)
	}

	sent := 0
	var errs []error
	for _, event := range events {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := d.Dispatch(ctx, event); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// OrderEventMessageFromOutbox converts a stored event into its bus representation.
func OrderEventMessageFromOutbox(event OutboxEvent) OrderEventMessage {
	return OrderEventMessage{
		EventID:     event.ID,
		Type:        string(event.Type),
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		UserID:      event.UserID,
		Email:       event.Email,
		Payload:     maps.Clone(event.Payload),
		OccurredAt:  event.CreatedAt,
	}
}
