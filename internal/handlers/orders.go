package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/payments"
	"github.com/edu-center/api/internal/platform/auth"
	"github.com/edu-center/api/internal/platform/httpx"
	"github.com/edu-center/api/internal/platform/pagination"
	"github.com/edu-center/api/internal/services"
)

const (
	maxOrderBodySize       = 256 * 1024
	maxOrderUpdateBodySize = 16 * 1024
)

// OrderHandlers exposes order and payment endpoints for authenticated customers and staff.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	payments    services.PaymentService
	reconciler  services.PaymentReconciler
	idempotency func(http.Handler) http.Handler
	middlewares []func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderPayments enables the payment start endpoints.
func WithOrderPayments(svc services.PaymentService) OrderOption {
	return func(h *OrderHandlers) {
		h.payments = svc
	}
}

// WithOrderReconciler enables POST /orders/{orderID}/payments/sync.
func WithOrderReconciler(reconciler services.PaymentReconciler) OrderOption {
	return func(h *OrderHandlers) {
		h.reconciler = reconciler
	}
}

// WithOrderIdempotency wraps order creation and invoice issuance with the Idempotency-Key middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithOrderMiddlewares adds middleware that runs after authentication, such as per-user throttling.
func WithOrderMiddlewares(mw ...func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.middlewares = append(h.middlewares, mw...)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *OrderHandlers) idempotent(fn http.HandlerFunc) http.Handler {
	if h.idempotency == nil {
		return fn
	}
	return h.idempotency(fn)
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	for _, mw := range h.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.Method(http.MethodPost, "/", h.idempotent(h.createOrder))
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Patch("/{orderID}", h.updateOrder)
	r.Delete("/{orderID}", h.deleteOrder)
	r.Put("/{orderID}/status", h.updateStatus)

	r.Post("/{orderID}/payments/card", h.startCardPayment)
	r.Post("/{orderID}/payments/qr", h.createQRLink)
	r.Method(http.MethodPost, "/{orderID}/invoice", h.idempotent(h.issueInvoice))
	r.Post("/{orderID}/payments/sync", h.syncPayment)
}

type contactRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type organizationRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	INN  string `json:"inn"`
	KPP  string `json:"kpp"`
}

type trainingRequest struct {
	BasisDocument string `json:"basis_document"`
	StartDate     string `json:"start_date"`
	Comment       string `json:"comment"`
}

type learnerRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Position string `json:"position"`
}

type draftLineRequest struct {
	ProgramID       string           `json:"program_id"`
	SubProgramIndex *int             `json:"sub_program_index"`
	Hours           int              `json:"hours"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	Quantity        int              `json:"quantity"`
	LineAmount      decimal.Decimal  `json:"line_amount"`
	Learners        []learnerRequest `json:"learners"`
}

type createOrderRequest struct {
	CustomerType string               `json:"customer_type"`
	Contact      contactRequest       `json:"contact"`
	Organization *organizationRequest `json:"organization"`
	Training     *trainingRequest     `json:"training"`
	Lines        []draftLineRequest   `json:"lines"`
	TotalAmount  decimal.Decimal      `json:"total_amount"`
}

type updateOrderRequest struct {
	Contact      *contactRequest      `json:"contact"`
	Organization *organizationRequest `json:"organization"`
	Training     *trainingRequest     `json:"training"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	draft, err := req.toDraft()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.CreateFromCart(ctx, services.CreateOrderCommand{UserID: identity.UID, Draft: draft})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		UserID: identity.UID,
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	}
	for _, raw := range parseFilterValues(r.URL.Query()["status"]) {
		status := domain.OrderStatus(raw)
		if !status.IsValid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown status filter "+raw, http.StatusBadRequest))
			return
		}
		filter.Status = append(filter.Status, status)
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderTarget(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, services.GetOrderOptions{
		UserID:       identity.UID,
		ActorIsStaff: identity.IsStaff(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderTarget(ctx, w, r)
	if !ok {
		return
	}

	var req updateOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderUpdateBodySize, &req) {
		return
	}
	if req.Contact == nil && req.Organization == nil && req.Training == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "at least one of contact, organization or training is required", http.StatusBadRequest))
		return
	}

	cmd := services.UpdateDetailsCommand{
		OrderID:      orderID,
		ActorID:      identity.UID,
		ActorIsStaff: identity.IsStaff(),
	}
	if req.Contact != nil {
		contact := req.Contact.toDomain()
		cmd.Contact = &contact
	}
	cmd.Organization = req.Organization.toDomain()
	training, err := req.Training.toDomain()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	cmd.Training = training

	order, err := h.orders.UpdateDetails(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderTarget(ctx, w, r)
	if !ok {
		return
	}

	err := h.orders.Delete(ctx, services.DeleteOrderCommand{
		OrderID:      orderID,
		ActorID:      identity.UID,
		ActorIsStaff: identity.IsStaff(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderTarget(ctx, w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if !decodeJSONBody(ctx, w, r, maxOrderUpdateBodySize, &req) {
		return
	}
	status := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !status.IsValid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateStatusCommand{
		OrderID:      orderID,
		ActorID:      identity.UID,
		ActorIsStaff: identity.IsStaff(),
		Status:       status,
		Reason:       req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *OrderHandlers) requireOrderTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.Identity, string, bool) {
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return nil, "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return nil, "", false
	}
	return identity, orderID, true
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func (req createOrderRequest) toDraft() (domain.OrderDraft, error) {
	customerType := domain.CustomerType(strings.ToUpper(strings.TrimSpace(req.CustomerType)))
	if !customerType.IsValid() {
		return domain.OrderDraft{}, errors.New("customer_type must be SELF, INDIVIDUAL or ORGANIZATION")
	}
	training, err := req.Training.toDomain()
	if err != nil {
		return domain.OrderDraft{}, err
	}
	draft := domain.OrderDraft{
		CustomerType: customerType,
		Contact:      req.Contact.toDomain(),
		Organization: req.Organization.toDomain(),
		Training:     training,
		TotalAmount:  req.TotalAmount,
		Lines:        make([]domain.DraftLine, 0, len(req.Lines)),
	}
	for _, line := range req.Lines {
		draft.Lines = append(draft.Lines, domain.DraftLine{
			ProgramID:       strings.TrimSpace(line.ProgramID),
			SubProgramIndex: line.SubProgramIndex,
			Hours:           line.Hours,
			UnitPrice:       line.UnitPrice,
			Quantity:        line.Quantity,
			LineAmount:      line.LineAmount,
			Learners:        learnersToDomain(line.Learners),
		})
	}
	return draft, nil
}

func (c contactRequest) toDomain() domain.OrderContact {
	return domain.OrderContact{Name: c.Name, Email: c.Email, Phone: c.Phone}
}

func (o *organizationRequest) toDomain() *domain.OrderOrganization {
	if o == nil {
		return nil
	}
	return &domain.OrderOrganization{ID: o.ID, Name: o.Name, INN: o.INN, KPP: o.KPP}
}

func (t *trainingRequest) toDomain() (*domain.TrainingDetails, error) {
	if t == nil {
		return nil, nil
	}
	details := &domain.TrainingDetails{BasisDocument: t.BasisDocument, Comment: t.Comment}
	if strings.TrimSpace(t.StartDate) != "" {
		start, err := parseDate(t.StartDate)
		if err != nil {
			return nil, errors.New("training.start_date " + err.Error())
		}
		details.StartDate = &start
	}
	return details, nil
}

func learnersToDomain(learners []learnerRequest) []domain.Learner {
	if len(learners) == 0 {
		return nil
	}
	out := make([]domain.Learner, 0, len(learners))
	for _, l := range learners {
		out = append(out, domain.Learner{FullName: l.FullName, Email: l.Email, Phone: l.Phone, Position: l.Position})
	}
	return out
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	Status       string `json:"status"`
	CustomerType string `json:"customer_type"`
	TotalAmount  string `json:"total_amount"`
	CreatedAt    string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string                  `json:"id"`
	Number          string                  `json:"number"`
	UserID          string                  `json:"user_id"`
	CustomerType    string                  `json:"customer_type"`
	Status          string                  `json:"status"`
	Currency        string                  `json:"currency"`
	TotalAmount     string                  `json:"total_amount"`
	Lines           []orderLinePayload      `json:"lines"`
	Contact         contactPayload          `json:"contact"`
	Organization    *organizationPayload    `json:"organization,omitempty"`
	Training        *trainingPayload        `json:"training,omitempty"`
	PaymentID       string                  `json:"payment_id,omitempty"`
	InvoiceID       string                  `json:"invoice_id,omitempty"`
	InvoicePDFURL   string                  `json:"invoice_pdf_url,omitempty"`
	PaymentAttempts []paymentAttemptPayload `json:"payment_attempts,omitempty"`
	CreatedAt       string                  `json:"created_at"`
	UpdatedAt       string                  `json:"updated_at,omitempty"`
	PaidAt          string                  `json:"paid_at,omitempty"`
	CancelledAt     string                  `json:"cancelled_at,omitempty"`
	CompletedAt     string                  `json:"completed_at,omitempty"`
	CancelReason    string                  `json:"cancel_reason,omitempty"`
}

type orderLinePayload struct {
	ProgramID       string           `json:"program_id"`
	SubProgramIndex *int             `json:"sub_program_index,omitempty"`
	Title           string           `json:"title"`
	Hours           int              `json:"hours"`
	UnitPrice       string           `json:"unit_price"`
	Quantity        int              `json:"quantity"`
	LineAmount      string           `json:"line_amount"`
	Learners        []learnerPayload `json:"learners,omitempty"`
}

type learnerPayload struct {
	FullName string `json:"full_name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Position string `json:"position,omitempty"`
}

type contactPayload struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type organizationPayload struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	INN  string `json:"inn"`
	KPP  string `json:"kpp,omitempty"`
}

type trainingPayload struct {
	BasisDocument string `json:"basis_document,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

type paymentAttemptPayload struct {
	Kind       string `json:"kind"`
	ExternalID string `json:"external_id"`
	CreatedAt  string `json:"created_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:           order.ID,
		Number:       order.Number,
		Status:       string(order.Status),
		CustomerType: string(order.CustomerType),
		TotalAmount:  domain.FormatMoney(order.TotalAmount),
		CreatedAt:    formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:            order.ID,
		Number:        order.Number,
		UserID:        order.UserID,
		CustomerType:  string(order.CustomerType),
		Status:        string(order.Status),
		Currency:      "RUB",
		TotalAmount:   domain.FormatMoney(order.TotalAmount),
		Lines:         make([]orderLinePayload, 0, len(order.Lines)),
		Contact:       contactPayload{Name: order.Contact.Name, Email: order.Contact.Email, Phone: order.Contact.Phone},
		PaymentID:     order.PaymentID,
		InvoiceID:     order.InvoiceID,
		InvoicePDFURL: order.InvoicePDFURL,
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
		PaidAt:        formatTime(pointerTime(order.PaidAt)),
		CancelledAt:   formatTime(pointerTime(order.CancelledAt)),
		CompletedAt:   formatTime(pointerTime(order.CompletedAt)),
	}
	if order.CancelReason != nil {
		payload.CancelReason = *order.CancelReason
	}

	for _, line := range order.Lines {
		entry := orderLinePayload{
			ProgramID:       line.ProgramID,
			SubProgramIndex: line.SubProgramIndex,
			Title:           line.Title,
			Hours:           line.Hours,
			UnitPrice:       domain.FormatMoney(line.UnitPrice),
			Quantity:        line.Quantity,
			LineAmount:      domain.FormatMoney(line.LineAmount),
		}
		for _, l := range line.Learners {
			entry.Learners = append(entry.Learners, learnerPayload{FullName: l.FullName, Email: l.Email, Phone: l.Phone, Position: l.Position})
		}
		payload.Lines = append(payload.Lines, entry)
	}

	if org := order.Organization; org != nil {
		payload.Organization = &organizationPayload{ID: org.ID, Name: org.Name, INN: org.INN, KPP: org.KPP}
	}
	if tr := order.Training; tr != nil {
		payload.Training = &trainingPayload{BasisDocument: tr.BasisDocument, Comment: tr.Comment}
		if tr.StartDate != nil {
			payload.Training.StartDate = tr.StartDate.UTC().Format("2006-01-02")
		}
	}
	for _, attempt := range order.PaymentAttempts {
		payload.PaymentAttempts = append(payload.PaymentAttempts, paymentAttemptPayload{
			Kind:       string(attempt.Kind),
			ExternalID: attempt.ExternalID,
			CreatedAt:  formatTime(attempt.CreatedAt),
		})
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var mismatch *services.CartMismatchError
	var providerErr *payments.ProviderError
	switch {
	case errors.As(err, &mismatch):
		details := map[string]any{"field": mismatch.Field}
		if mismatch.Line >= 0 {
			details["line"] = mismatch.Line
		}
		httpx.WriteError(ctx, w, httpx.NewError("cart_mismatch", mismatch.Error(), http.StatusUnprocessableEntity).WithDetails(details))
	case errors.Is(err, services.ErrOrderCartMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("cart_mismatch", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "operation not permitted", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payment_request", err.Error(), http.StatusBadRequest))
	case errors.As(err, &providerErr):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_error", providerErr.UserMessage(), http.StatusBadGateway))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment provider is temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrPaymentSignatureInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "notification signature is invalid", http.StatusForbidden))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
