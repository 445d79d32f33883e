package services

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/payments"
	"github.com/edu-center/api/internal/repositories"
)

type testRepoError struct {
	notFound bool
	conflict bool
}

func (e testRepoError) Error() string {
	switch {
	case e.notFound:
		return "not found"
	case e.conflict:
		return "conflict"
	default:
		return "unavailable"
	}
}

func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return !e.notFound && !e.conflict }

var _ repositories.RepositoryError = testRepoError{}

// memoryOrderRepository stores copies so callers never share slices with the store.
type memoryOrderRepository struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	updates int
}

func newMemoryOrderRepository(orders ...domain.Order) *memoryOrderRepository {
	repo := &memoryOrderRepository{orders: map[string]domain.Order{}}
	for _, order := range orders {
		repo.orders[order.ID] = cloneOrder(order)
	}
	return repo
}

func (m *memoryOrderRepository) Insert(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return testRepoError{conflict: true}
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memoryOrderRepository) Update(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; !ok {
		return testRepoError{notFound: true}
	}
	m.orders[order.ID] = cloneOrder(order)
	m.updates++
	return nil
}

func (m *memoryOrderRepository) Delete(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return testRepoError{notFound: true}
	}
	delete(m.orders, orderID)
	return nil
}

func (m *memoryOrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, testRepoError{notFound: true}
	}
	return cloneOrder(order), nil
}

func (m *memoryOrderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.Order
	for _, order := range m.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		items = append(items, cloneOrder(order))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

func (m *memoryOrderRepository) get(orderID string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOrder(m.orders[orderID])
}

func (m *memoryOrderRepository) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

func cloneOrder(order domain.Order) domain.Order {
	order.Lines = slices.Clone(order.Lines)
	order.PaymentAttempts = slices.Clone(order.PaymentAttempts)
	if order.Organization != nil {
		org := *order.Organization
		order.Organization = &org
	}
	return order
}

type memoryOutbox struct {
	mu       sync.Mutex
	events   []domain.OutboxEvent
	failures map[string]string
}

func (m *memoryOutbox) Enqueue(_ context.Context, event domain.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.ID == event.ID {
			return testRepoError{conflict: true}
		}
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memoryOutbox) MarkDispatched(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == eventID {
			m.events[i].Status = domain.OutboxStatusDispatched
			m.events[i].DispatchedAt = &at
			m.events[i].Attempts++
			return nil
		}
	}
	return testRepoError{notFound: true}
}

func (m *memoryOutbox) RecordFailure(_ context.Context, eventID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = map[string]string{}
	}
	m.failures[eventID] = reason
	for i := range m.events {
		if m.events[i].ID == eventID {
			m.events[i].Attempts++
			m.events[i].LastError = reason
		}
	}
	return nil
}

func (m *memoryOutbox) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, event := range m.events {
		if !createdBefore.IsZero() && !event.CreatedAt.Before(createdBefore) {
			continue
		}
		if event.Status == domain.OutboxStatusPending {
			out = append(out, event)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryOutbox) ofType(eventType domain.OrderEventType) []domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, event := range m.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type receiptEntry struct {
	completed  bool
	leaseUntil time.Time
}

type memoryReceipts struct {
	mu    sync.Mutex
	steps map[string]receiptEntry
}

func (m *memoryReceipts) Claim(_ context.Context, receiptID string, now, leaseUntil time.Time) (repositories.ReceiptState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps == nil {
		m.steps = map[string]receiptEntry{}
	}
	if entry, ok := m.steps[receiptID]; ok {
		if entry.completed {
			return repositories.ReceiptCompleted, nil
		}
		if entry.leaseUntil.After(now) {
			return repositories.ReceiptBusy, nil
		}
	}
	m.steps[receiptID] = receiptEntry{leaseUntil: leaseUntil}
	return repositories.ReceiptClaimed, nil
}

func (m *memoryReceipts) Complete(_ context.Context, receiptID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[receiptID]; !ok {
		return testRepoError{notFound: true}
	}
	m.steps[receiptID] = receiptEntry{completed: true}
	return nil
}

func (m *memoryReceipts) Release(_ context.Context, receiptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.steps, receiptID)
	return nil
}

func (m *memoryReceipts) completed(receiptID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[receiptID].completed
}

type txKey struct{}

// serialUnitOfWork runs transactions one at a time, which is the observable behaviour of an
// optimistic transaction that retries on contention. Nested calls join the outer transaction.
type serialUnitOfWork struct {
	mu  sync.Mutex
	txs int
}

func (u *serialUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.txs++
	return fn(context.WithValue(ctx, txKey{}, true))
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.OutboxEvent
	err    error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, event domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingDispatcher) dispatched() []domain.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

type stubAcquiring struct {
	initFn       func(context.Context, payments.InitRequest) (payments.InitResult, error)
	getStateFn   func(context.Context, string) (payments.StateResult, error)
	checkOrderFn func(context.Context, string) (payments.StateResult, error)
}

func (s *stubAcquiring) Init(ctx context.Context, req payments.InitRequest) (payments.InitResult, error) {
	if s.initFn != nil {
		return s.initFn(ctx, req)
	}
	return payments.InitResult{}, errors.New("not implemented")
}

func (s *stubAcquiring) GetState(ctx context.Context, paymentID string) (payments.StateResult, error) {
	if s.getStateFn != nil {
		return s.getStateFn(ctx, paymentID)
	}
	return payments.StateResult{}, errors.New("not implemented")
}

func (s *stubAcquiring) CheckOrder(ctx context.Context, providerOrderID string) (payments.StateResult, error) {
	if s.checkOrderFn != nil {
		return s.checkOrderFn(ctx, providerOrderID)
	}
	return payments.StateResult{}, errors.New("not implemented")
}

type stubBusiness struct {
	createQRFn    func(context.Context, payments.QRRequest) (payments.QRResult, error)
	qrStatusFn    func(context.Context, string) (payments.Attempt, error)
	sendInvoiceFn func(context.Context, payments.InvoiceRequest) (payments.InvoiceResult, error)
	invoiceInfoFn func(context.Context, string) (payments.Attempt, error)
}

func (s *stubBusiness) CreateOneTimeQR(ctx context.Context, req payments.QRRequest) (payments.QRResult, error) {
	if s.createQRFn != nil {
		return s.createQRFn(ctx, req)
	}
	return payments.QRResult{}, errors.New("not implemented")
}

func (s *stubBusiness) GetQRStatus(ctx context.Context, qrID string) (payments.Attempt, error) {
	if s.qrStatusFn != nil {
		return s.qrStatusFn(ctx, qrID)
	}
	return payments.Attempt{}, errors.New("not implemented")
}

func (s *stubBusiness) SendInvoice(ctx context.Context, req payments.InvoiceRequest) (payments.InvoiceResult, error) {
	if s.sendInvoiceFn != nil {
		return s.sendInvoiceFn(ctx, req)
	}
	return payments.InvoiceResult{}, errors.New("not implemented")
}

func (s *stubBusiness) GetInvoiceInfo(ctx context.Context, invoiceID string) (payments.Attempt, error) {
	if s.invoiceInfoFn != nil {
		return s.invoiceInfoFn(ctx, invoiceID)
	}
	return payments.Attempt{}, errors.New("not implemented")
}

type stubCartSnapshot struct {
	cart domain.Cart
	err  error
}

func (s *stubCartSnapshot) GetEnrichedCart(context.Context, string) (domain.Cart, error) {
	return s.cart, s.err
}

type stubCartRepository struct {
	mu      sync.Mutex
	entries []domain.CartEntry
	cleared []string
	clearFn func(context.Context, string) error
}

func (s *stubCartRepository) GetEntries(context.Context, string) ([]domain.CartEntry, error) {
	return s.entries, nil
}

func (s *stubCartRepository) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.cleared = append(s.cleared, userID)
	s.mu.Unlock()
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return nil
}

type stubCatalogRepository struct {
	programs   map[string]domain.Program
	categories map[string]domain.Category
}

func (s *stubCatalogRepository) GetProgram(_ context.Context, programID string) (domain.Program, error) {
	program, ok := s.programs[programID]
	if !ok {
		return domain.Program{}, testRepoError{notFound: true}
	}
	return program, nil
}

func (s *stubCatalogRepository) GetCategory(_ context.Context, categoryID string) (domain.Category, error) {
	category, ok := s.categories[categoryID]
	if !ok {
		return domain.Category{}, testRepoError{notFound: true}
	}
	return category, nil
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequenceIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + string(rune('A'+n-1))
	}
}

func awaitingOrder(id, userID string) domain.Order {
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:           id,
		Number:       "E-000001",
		UserID:       userID,
		CustomerType: domain.CustomerTypeSelf,
		Status:       domain.OrderStatusAwaitingPayment,
		TotalAmount:  money("5000.00"),
		Lines: []domain.OrderLine{{
			ProgramID:  "prog-1",
			Title:      "Training \"Fire safety\" (16 h)",
			Hours:      16,
			UnitPrice:  money("5000.00"),
			Quantity:   1,
			LineAmount: money("5000.00"),
		}},
		Contact:   domain.OrderContact{Name: "Ivan", Email: "ivan@example.com"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}
