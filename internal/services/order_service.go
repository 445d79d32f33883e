package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/platform/textutil"
	"github.com/edu-center/api/internal/repositories"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Outbox      repositories.OutboxRepository
	Carts       repositories.CartRepository
	Reconciler  CartReconciler
	Counters    CounterService
	UnitOfWork  repositories.UnitOfWork
	Dispatcher  OrderEventDispatcher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	ledger     *orderLedger
	carts      repositories.CartRepository
	reconciler CartReconciler
	counters   CounterService
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Outbox == nil {
		return nil, errors.New("order service: outbox repository is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("order service: cart reconciler is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}

	ledger := newOrderLedger(deps.Orders, deps.Outbox, deps.UnitOfWork, deps.Dispatcher, deps.Clock, deps.IDGenerator, deps.Logger)
	return &orderService{
		ledger:     ledger,
		carts:      deps.Carts,
		reconciler: deps.Reconciler,
		counters:   deps.Counters,
		logger:     ledger.logger,
	}, nil
}

func newOrderLedger(
	orders repositories.OrderRepository,
	outbox repositories.OutboxRepository,
	unit repositories.UnitOfWork,
	dispatcher OrderEventDispatcher,
	clock func() time.Time,
	idGen func() string,
	logger func(context.Context, string, map[string]any),
) *orderLedger {
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	if clock == nil {
		clock = time.Now
	}
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderLedger{
		orders:     orders,
		outbox:     outbox,
		unitOfWork: unit,
		dispatcher: dispatcher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}
}

func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	draft := cmd.Draft
	if draft.CustomerType == "" {
		draft.CustomerType = domain.CustomerTypeSelf
	}
	if !draft.CustomerType.IsValid() {
		return Order{}, fmt.Errorf("%w: unsupported customer type %q", ErrOrderInvalidInput, draft.CustomerType)
	}
	contact := cleanContact(draft.Contact)
	organization, err := cleanOrganization(draft.CustomerType, draft.Organization)
	if err != nil {
		return Order{}, err
	}

	reconciled, err := s.reconciler.Reconcile(ctx, userID, draft)
	if err != nil {
		return Order{}, err
	}

	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, err
	}

	now := s.ledger.clock()
	order := Order{
		ID:           s.ledger.newID(),
		Number:       number,
		UserID:       userID,
		CustomerType: draft.CustomerType,
		Status:       domain.OrderStatusAwaitingPayment,
		TotalAmount:  reconciled.TotalAmount,
		Lines:        reconciled.Lines,
		Contact:      contact,
		Organization: organization,
		Training:     cleanTraining(draft.CustomerType, draft.Training),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	event := s.ledger.newEvent(order, domain.OrderEventCreated, map[string]any{
		"totalAmount": domain.FormatMoney(order.TotalAmount),
		"lines":       len(order.Lines),
	})
	err = s.ledger.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.ledger.orders.Insert(txCtx, order); err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := s.ledger.outbox.Enqueue(txCtx, event); err != nil {
			return fmt.Errorf("order: enqueue created event: %w", err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if s.carts != nil {
		if err := s.carts.Clear(ctx, userID); err != nil {
			s.logger(ctx, "order.cart.clear.failed", map[string]any{
				"orderId": order.ID,
				"userId":  userID,
				"error":   err.Error(),
			})
		}
	}
	s.ledger.dispatch(ctx, event)

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts GetOrderOptions) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.ledger.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if err := checkOwner(order, opts.UserID, opts.ActorIsStaff); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	for _, status := range filter.Status {
		if !status.IsValid() {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	page, err := s.ledger.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Status.IsValid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}

	authorize := func(order Order) error {
		if err := checkOwner(order, cmd.ActorID, cmd.ActorIsStaff); err != nil {
			return err
		}
		if !cmd.ActorIsStaff && cmd.Status != domain.OrderStatusCancelled {
			return fmt.Errorf("%w: customers may only cancel orders", ErrOrderForbidden)
		}
		return nil
	}

	var (
		order Order
		err   error
	)
	if cmd.Status == domain.OrderStatusPaid {
		var outcome PaidOutcome
		order, outcome, err = s.ledger.markPaid(ctx, orderID, paidSourceManual, authorize)
		if err == nil && outcome == PaidOutcomeIgnoredCancelled {
			err = fmt.Errorf("%w: cannot move order from %s to %s", ErrOrderInvalidState, order.Status, cmd.Status)
		}
	} else {
		order, err = s.ledger.transition(ctx, orderID, cmd.Status, textutil.CleanText(cmd.Reason), authorize)
	}
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
		"actorId": cmd.ActorID,
	})
	return order, nil
}

func (s *orderService) UpdateDetails(ctx context.Context, cmd UpdateDetailsCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var result Order
	err := s.ledger.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.ledger.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := checkOwner(order, cmd.ActorID, cmd.ActorIsStaff); err != nil {
			return err
		}
		if !order.Status.Editable() {
			return fmt.Errorf("%w: order in status %s cannot be edited", ErrOrderInvalidState, order.Status)
		}

		if cmd.Contact != nil {
			order.Contact = cleanContact(*cmd.Contact)
		}
		if cmd.Organization != nil {
			org, err := cleanOrganization(order.CustomerType, cmd.Organization)
			if err != nil {
				return err
			}
			order.Organization = org
		}
		if cmd.Training != nil {
			order.Training = cleanTraining(order.CustomerType, cmd.Training)
		}
		order.UpdatedAt = s.ledger.clock()

		if err := s.ledger.orders.Update(txCtx, order); err != nil {
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

func (s *orderService) Delete(ctx context.Context, cmd DeleteOrderCommand) error {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	err := s.ledger.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.ledger.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := checkOwner(order, cmd.ActorID, cmd.ActorIsStaff); err != nil {
			return err
		}
		if order.Status != domain.OrderStatusAwaitingPayment {
			return fmt.Errorf("%w: order in status %s cannot be deleted", ErrOrderInvalidState, order.Status)
		}
		if err := s.ledger.orders.Delete(txCtx, orderID); err != nil {
			return mapOrderRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger(ctx, "order.deleted", map[string]any{
		"orderId": orderID,
		"actorId": cmd.ActorID,
	})
	return nil
}

// checkOwner hides orders of other customers behind a not-found error.
func checkOwner(order Order, userID string, staff bool) error {
	if staff {
		return nil
	}
	if strings.TrimSpace(userID) == "" || order.UserID != strings.TrimSpace(userID) {
		return fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
	}
	return nil
}

func cleanContact(contact OrderContact) OrderContact {
	return OrderContact{
		Name:  textutil.CleanText(contact.Name),
		Email: strings.ToLower(strings.TrimSpace(contact.Email)),
		Phone: strings.TrimSpace(contact.Phone),
	}
}

func cleanOrganization(customerType domain.CustomerType, org *OrderOrganization) (*OrderOrganization, error) {
	if customerType != domain.CustomerTypeOrganization {
		if org != nil && strings.TrimSpace(org.Name) != "" {
			return nil, fmt.Errorf("%w: organization is only accepted for %s customers", ErrOrderInvalidInput, domain.CustomerTypeOrganization)
		}
		return nil, nil
	}
	if org == nil {
		return nil, fmt.Errorf("%w: organization is required for %s customers", ErrOrderInvalidInput, domain.CustomerTypeOrganization)
	}
	cleaned := OrderOrganization{
		ID:   strings.TrimSpace(org.ID),
		Name: textutil.CleanText(org.Name),
		INN:  textutil.DigitsOnly(org.INN),
		KPP:  textutil.DigitsOnly(org.KPP),
	}
	if cleaned.Name == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrOrderInvalidInput)
	}
	if n := len(cleaned.INN); n != 10 && n != 12 {
		return nil, fmt.Errorf("%w: organization INN must have 10 or 12 digits", ErrOrderInvalidInput)
	}
	if cleaned.KPP != "" && len(cleaned.KPP) != 9 {
		return nil, fmt.Errorf("%w: organization KPP must have 9 digits", ErrOrderInvalidInput)
	}
	return &cleaned, nil
}

func cleanTraining(customerType domain.CustomerType, training *TrainingDetails) *TrainingDetails {
	if training == nil || customerType == domain.CustomerTypeSelf {
		return nil
	}
	cleaned := TrainingDetails{
		BasisDocument: textutil.CleanText(training.BasisDocument),
		Comment:       textutil.CleanText(training.Comment),
	}
	if training.StartDate != nil {
		start := training.StartDate.UTC()
		cleaned.StartDate = &start
	}
	if cleaned.BasisDocument == "" && cleaned.Comment == "" && cleaned.StartDate == nil {
		return nil
	}
	return &cleaned
}
