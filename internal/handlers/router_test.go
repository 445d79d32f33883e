package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNewRouterDefaultMounts(t *testing.T) {
	router := NewRouter()

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/api/v1/orders", http.StatusNotImplemented},
		{http.MethodPost, "/api/v1/webhooks/payments/acquiring", http.StatusNotImplemented},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, rr.Code)
		}
	}
}

func TestNewRouterAppliesGroupMiddlewares(t *testing.T) {
	blocked := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	router := NewRouter(
		WithWebhookRoutes(NewWebhookHandlers(&stubReconciler{}).Routes),
		WithInternalRoutes(func(r chi.Router) {
			r.Post("/events/orders", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
		}),
		WithInternalMiddlewares(blocked),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/events/orders", strings.NewReader("{}")))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected internal middleware to run, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/acquiring", strings.NewReader(`{"Status":"NEW"}`)))
	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("expected webhook acknowledged, got %d %q", rr.Code, rr.Body.String())
	}
}
