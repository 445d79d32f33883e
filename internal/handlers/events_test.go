package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/edu-center/api/internal/services"
)

type stubNotificationService struct {
	handleFn func(context.Context, services.OrderEventMessage) error
	messages []services.OrderEventMessage
}

func (s *stubNotificationService) HandleEvent(ctx context.Context, msg services.OrderEventMessage) error {
	s.messages = append(s.messages, msg)
	if s.handleFn != nil {
		return s.handleFn(ctx, msg)
	}
	return nil
}

func pushBody(data string, attrs string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf(`{"message":{"data":%q,"attributes":%s,"messageId":"m-1"},"subscription":"projects/p/subscriptions/order-events-push"}`, encoded, attrs)
}

func serveEvent(svc services.NotificationService, body string) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Route("/internal", NewEventHandlers(svc).Routes)
	req := httptest.NewRequest(http.MethodPost, "/internal/events/orders", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestOrderEventPushIsDecodedAndAcknowledged(t *testing.T) {
	svc := &stubNotificationService{}
	rr := serveEvent(svc, pushBody(`{"eventId":"evt_1","type":"order.paid","orderId":"ord-1","orderNumber":"E-000001"}`, `{}`))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(svc.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(svc.messages))
	}
	msg := svc.messages[0]
	if msg.EventID != "evt_1" || msg.Type != "order.paid" || msg.OrderNumber != "E-000001" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestOrderEventPushFallsBackToAttributeEventID(t *testing.T) {
	svc := &stubNotificationService{}
	rr := serveEvent(svc, pushBody(`{"type":"order.created","orderId":"ord-1"}`, `{"eventId":"evt_attr"}`))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if svc.messages[0].EventID != "evt_attr" {
		t.Fatalf("expected attribute event id, got %+v", svc.messages[0])
	}
}

func TestOrderEventPushFailureRequestsRedelivery(t *testing.T) {
	svc := &stubNotificationService{handleFn: func(context.Context, services.OrderEventMessage) error {
		return errors.New("bucket unavailable")
	}}
	rr := serveEvent(svc, pushBody(`{"eventId":"evt_1","type":"order.paid","orderId":"ord-1"}`, `{}`))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}

	svc.handleFn = func(context.Context, services.OrderEventMessage) error {
		return fmt.Errorf("%w: evt_1:mail", services.ErrNotificationStepBusy)
	}
	rr = serveEvent(svc, pushBody(`{"eventId":"evt_1","type":"order.paid","orderId":"ord-1"}`, `{}`))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected overlapping delivery to be redelivered, got %d", rr.Code)
	}
}

func TestOrderEventPushDropsPoisonMessages(t *testing.T) {
	svc := &stubNotificationService{handleFn: func(context.Context, services.OrderEventMessage) error {
		return fmt.Errorf("%w: order id is required", services.ErrNotificationInvalidEvent)
	}}
	if rr := serveEvent(svc, pushBody(`{"eventId":"evt_1","type":"order.paid"}`, `{}`)); rr.Code != http.StatusNoContent {
		t.Fatalf("expected invalid event acknowledged, got %d", rr.Code)
	}
	if rr := serveEvent(svc, pushBody(`not json`, `{}`)); rr.Code != http.StatusNoContent {
		t.Fatalf("expected undecodable data acknowledged, got %d", rr.Code)
	}
	if len(svc.messages) != 1 {
		t.Fatalf("undecodable data must not reach the service")
	}
}

func TestOrderEventPushRejectsBadEnvelope(t *testing.T) {
	svc := &stubNotificationService{}
	for _, body := range []string{"", "{", `{"message":{}}`} {
		if rr := serveEvent(svc, body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, rr.Code)
		}
	}
}
