package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/edu-center/api/internal/services"
)

func webhookRouter(reconciler services.PaymentReconciler) chi.Router {
	router := chi.NewRouter()
	router.Route("/webhooks", NewWebhookHandlers(reconciler).Routes)
	return router
}

const acquiringBody = `{"TerminalKey":"TinkoffBankTest","OrderId":"01HV0000000000000000000000_800000012","Success":true,"Status":"CONFIRMED","PaymentId":13660,"ErrorCode":"0","Amount":500000,"Token":"abc"}`

func TestAcquiringWebhookAcknowledgesWithOK(t *testing.T) {
	var captured map[string]any
	router := webhookRouter(&stubReconciler{notifyFn: func(_ context.Context, payload map[string]any) error {
		captured = payload
		return nil
	}})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/acquiring", strings.NewReader(acquiringBody))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("expected 200 OK, got %d %q", rr.Code, rr.Body.String())
	}
	amount, ok := captured["Amount"].(json.Number)
	if !ok || amount.String() != "500000" {
		t.Fatalf("expected numbers kept as json.Number, got %T %v", captured["Amount"], captured["Amount"])
	}
	if captured["Success"] != true || captured["Token"] != "abc" {
		t.Fatalf("unexpected payload %v", captured)
	}
}

func TestAcquiringWebhookRejectsBadSignature(t *testing.T) {
	router := webhookRouter(&stubReconciler{notifyFn: func(context.Context, map[string]any) error {
		return services.ErrPaymentSignatureInvalid
	}})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/acquiring", strings.NewReader(acquiringBody))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body["error"] != "invalid_signature" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestAcquiringWebhookFailuresAskForRetry(t *testing.T) {
	router := webhookRouter(&stubReconciler{notifyFn: func(context.Context, map[string]any) error {
		return errors.New("firestore unavailable")
	}})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/acquiring", strings.NewReader(acquiringBody))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestAcquiringWebhookRejectsMalformedBody(t *testing.T) {
	router := webhookRouter(&stubReconciler{notifyFn: func(context.Context, map[string]any) error {
		t.Fatalf("reconciler must not be called")
		return nil
	}})
	for _, body := range []string{"", "not json", "[]", "null"} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/acquiring", strings.NewReader(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, rr.Code)
		}
	}
}
