//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/edu-center/api/internal/domain"
	pfirestore "github.com/edu-center/api/internal/platform/firestore"
	"github.com/edu-center/api/internal/platform/firestore/firestoretest"
	"github.com/edu-center/api/internal/repositories"
)

func TestCounterRepositoryConcurrentNextIsDistinct(t *testing.T) {
	provider := firestoretest.NewProvider(t, "counter-test")

	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers = 16
	results := make([]int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			value, err := repo.Next(ctx, "orders", 1)
			if err != nil {
				t.Errorf("next(%d): %v", idx, err)
				return
			}
			results[idx] = value
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, val := range results {
		if val != int64(i+1) {
			t.Fatalf("expected sequential distinct values, got %v", results)
		}
	}
}

func TestCounterRepositoryRejectsInvalidInput(t *testing.T) {
	provider := firestoretest.NewProvider(t, "counter-invalid")
	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	_, err = repo.Next(context.Background(), " ", 1)
	var counterErr *repositories.CounterError
	if !errors.As(err, &counterErr) || counterErr.Code != repositories.CounterErrorInvalidInput {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestOrderRepositoryRoundTripAndList(t *testing.T) {
	provider := firestoretest.NewProvider(t, "orders-test")
	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"ord_a", "ord_b", "ord_c"} {
		order := domain.Order{
			ID:           id,
			Number:       fmt.Sprintf("E-%06d", i+1),
			UserID:       "user-1",
			CustomerType: domain.CustomerTypeSelf,
			Status:       domain.OrderStatusAwaitingPayment,
			TotalAmount:  decimal.RequireFromString("5000.00"),
			Lines: []domain.OrderLine{{
				ProgramID:  "prog-1",
				Title:      "Fire safety",
				Hours:      72,
				UnitPrice:  decimal.RequireFromString("5000.00"),
				Quantity:   1,
				LineAmount: decimal.RequireFromString("5000.00"),
				Learners:   []domain.Learner{{FullName: "Ivan Petrov"}},
			}},
			Contact:   domain.OrderContact{Email: "ivan@example.com"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Insert(ctx, order); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	err = repo.Insert(ctx, domain.Order{ID: "ord_a", CreatedAt: base})
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	got, err := repo.FindByID(ctx, "ord_b")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.TotalAmount.Equal(decimal.RequireFromString("5000")) || len(got.Lines) != 1 || got.Lines[0].Learners[0].FullName != "Ivan Petrov" {
		t.Fatalf("unexpected decoded order: %+v", got)
	}

	page, err := repo.List(ctx, repositories.OrderListFilter{UserID: "user-1", Pagination: domain.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "ord_c" || page.NextPageToken == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	next, err := repo.List(ctx, repositories.OrderListFilter{UserID: "user-1", Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	if err != nil {
		t.Fatalf("list next: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].ID != "ord_a" || next.NextPageToken != "" {
		t.Fatalf("unexpected second page: %+v", next)
	}
}

func TestOutboxEnqueueRollsBackWithTransaction(t *testing.T) {
	provider := firestoretest.NewProvider(t, "outbox-test")
	outbox, err := NewOutboxRepository(provider)
	if err != nil {
		t.Fatalf("new outbox repository: %v", err)
	}
	uow := pfirestore.NewUnitOfWork(provider)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err = uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := outbox.Enqueue(ctx, domain.OutboxEvent{ID: "evt_rolled", Type: domain.OrderEventPaid, OrderID: "ord_1", CreatedAt: now}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if err := outbox.Enqueue(ctx, domain.OutboxEvent{ID: "evt_kept", Type: domain.OrderEventPaid, OrderID: "ord_1", CreatedAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending, err := outbox.ListPending(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "evt_kept" {
		t.Fatalf("expected only committed event, got %+v", pending)
	}
	if fresh, err := outbox.ListPending(ctx, now, 10); err != nil || len(fresh) != 0 {
		t.Fatalf("expected events at the cutoff to be skipped, got %+v (%v)", fresh, err)
	}

	if err := outbox.MarkDispatched(ctx, "evt_kept", now); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	pending, err = outbox.ListPending(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending events, got %+v", pending)
	}
}

func TestNotificationReceiptClaimLifecycle(t *testing.T) {
	provider := firestoretest.NewProvider(t, "receipts-test")
	receipts, err := NewNotificationReceiptRepository(provider)
	if err != nil {
		t.Fatalf("new receipts: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	lease := now.Add(time.Minute)

	state, err := receipts.Claim(ctx, "evt_1:mail", now, lease)
	if err != nil || state != repositories.ReceiptClaimed {
		t.Fatalf("expected claim, got %q (%v)", state, err)
	}
	state, err = receipts.Claim(ctx, "evt_1:mail", now.Add(time.Second), lease)
	if err != nil || state != repositories.ReceiptBusy {
		t.Fatalf("expected busy while leased, got %q (%v)", state, err)
	}
	state, err = receipts.Claim(ctx, "evt_1:mail", lease.Add(time.Second), lease.Add(time.Minute))
	if err != nil || state != repositories.ReceiptClaimed {
		t.Fatalf("expected expired lease to be taken over, got %q (%v)", state, err)
	}

	if err := receipts.Complete(ctx, "evt_1:mail", now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	state, err = receipts.Claim(ctx, "evt_1:mail", lease.Add(time.Hour), lease.Add(2*time.Hour))
	if err != nil || state != repositories.ReceiptCompleted {
		t.Fatalf("expected completed, got %q (%v)", state, err)
	}

	if _, err := receipts.Claim(ctx, "evt_2:mail", now, lease); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := receipts.Release(ctx, "evt_2:mail"); err != nil {
		t.Fatalf("release: %v", err)
	}
	state, err = receipts.Claim(ctx, "evt_2:mail", now, lease)
	if err != nil || state != repositories.ReceiptClaimed {
		t.Fatalf("expected released step to be claimable, got %q (%v)", state, err)
	}
}
