package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edu-center/api/internal/platform/httpx"
	"github.com/edu-center/api/internal/platform/requestctx"
	"github.com/edu-center/api/internal/services"
)

const maxWebhookBodySize = 32 * 1024

// WebhookHandlers receives provider callbacks. Routes are unauthenticated; the payload token is
// verified by the reconciler.
type WebhookHandlers struct {
	reconciler services.PaymentReconciler
}

// NewWebhookHandlers constructs the provider callback handlers.
func NewWebhookHandlers(reconciler services.PaymentReconciler) *WebhookHandlers {
	return &WebhookHandlers{reconciler: reconciler}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/acquiring", h.acquiringNotification)
}

// acquiringNotification acknowledges with a plain "OK" body, which the acquirer requires to stop
// retrying.
func (h *WebhookHandlers) acquiringNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment reconciliation is not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	// Numbers stay json.Number so the token is computed over their literal text.
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	if err := h.reconciler.HandleAcquiringNotification(ctx, payload); err != nil {
		if errors.Is(err, services.ErrPaymentSignatureInvalid) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "notification signature is invalid", http.StatusForbidden))
			return
		}
		requestctx.Logger(ctx).Error("acquiring notification failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("webhook_failed", "failed to process notification", http.StatusInternalServerError))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
