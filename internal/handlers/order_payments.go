package handlers

import (
	"net/http"

	"github.com/edu-center/api/internal/platform/httpx"
	"github.com/edu-center/api/internal/services"
)

type cardPaymentResponse struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
}

type qrLinkResponse struct {
	QRID string `json:"qr_id"`
	Link string `json:"link"`
}

type invoiceResponse struct {
	InvoiceID string `json:"invoice_id"`
	PDFURL    string `json:"pdf_url"`
}

type syncPaymentResponse struct {
	Order     orderPayload `json:"order"`
	Confirmed bool         `json:"confirmed"`
	Changed   bool         `json:"changed"`
}

func (h *OrderHandlers) startCardPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderTarget(ctx, w, r)
	if !ok || !h.requirePayments(w, r) {
		return
	}

	result, err := h.payments.StartCardPayment(ctx, services.StartPaymentCommand{OrderID: orderID, UserID: identity.UID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cardPaymentResponse{PaymentID: result.PaymentID, PaymentURL: result.PaymentURL})
}

func (h *OrderHandlers) createQRLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderTarget(ctx, w, r)
	if !ok || !h.requirePayments(w, r) {
		return
	}

	result, err := h.payments.CreateQRLink(ctx, services.StartPaymentCommand{OrderID: orderID, UserID: identity.UID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, qrLinkResponse{QRID: result.QRID, Link: result.Link})
}

func (h *OrderHandlers) issueInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderTarget(ctx, w, r)
	if !ok || !h.requirePayments(w, r) {
		return
	}

	result, err := h.payments.IssueInvoice(ctx, services.IssueInvoiceCommand{OrderID: orderID, UserID: identity.UID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	status := http.StatusCreated
	if result.Cached {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, invoiceResponse{InvoiceID: result.InvoiceID, PDFURL: result.PDFURL})
}

func (h *OrderHandlers) syncPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireOrderTarget(ctx, w, r)
	if !ok {
		return
	}
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment reconciliation is not configured", http.StatusServiceUnavailable))
		return
	}

	result, err := h.reconciler.SyncStatus(ctx, services.SyncStatusCommand{
		OrderID:      orderID,
		UserID:       identity.UID,
		ActorIsStaff: identity.IsStaff(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, syncPaymentResponse{
		Order:     buildOrderPayload(result.Order),
		Confirmed: result.Confirmed,
		Changed:   result.Changed,
	})
}

func (h *OrderHandlers) requirePayments(w http.ResponseWriter, r *http.Request) bool {
	if h.payments != nil {
		return true
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("payment_unavailable", "payments are not configured", http.StatusServiceUnavailable))
	return false
}
