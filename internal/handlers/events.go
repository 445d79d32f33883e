package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edu-center/api/internal/platform/auth"
	"github.com/edu-center/api/internal/platform/httpx"
	"github.com/edu-center/api/internal/platform/requestctx"
	"github.com/edu-center/api/internal/services"
)

const maxPushBodySize = 256 * 1024

// EventHandlers receives Pub/Sub push deliveries. The /internal group is protected by OIDC push
// token verification.
type EventHandlers struct {
	notifications services.NotificationService
}

// NewEventHandlers constructs the push endpoints.
func NewEventHandlers(notifications services.NotificationService) *EventHandlers {
	return &EventHandlers{notifications: notifications}
}

// Routes registers the /internal endpoints.
func (h *EventHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/events/orders", h.orderEvents)
}

type pushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// orderEvents returns 204 to acknowledge. Any other status makes Pub/Sub redeliver the message.
func (h *EventHandlers) orderEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notifications_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	var envelope pushEnvelope
	if !decodeJSONBody(ctx, w, r, maxPushBodySize, &envelope) {
		return
	}
	if len(envelope.Message.Data) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "push message has no data", http.StatusBadRequest))
		return
	}

	var message services.OrderEventMessage
	if err := json.Unmarshal(envelope.Message.Data, &message); err != nil {
		// Redelivery cannot fix an undecodable payload.
		requestctx.Logger(ctx).Warn("dropping undecodable order event", zap.String("messageId", envelope.Message.MessageID), zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if strings.TrimSpace(message.EventID) == "" {
		message.EventID = strings.TrimSpace(envelope.Message.Attributes["eventId"])
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("messageId", envelope.Message.MessageID),
		zap.String("eventId", message.EventID),
		zap.String("eventType", message.Type),
	)
	if caller, ok := auth.ServiceIdentityFromContext(ctx); ok {
		logger = logger.With(zap.String("pushServiceAccount", caller.Email))
	}

	if err := h.notifications.HandleEvent(ctx, message); err != nil {
		if errors.Is(err, services.ErrNotificationInvalidEvent) {
			logger.Warn("dropping malformed order event", zap.Error(err))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if errors.Is(err, services.ErrNotificationStepBusy) {
			logger.Info("order event already in progress, asking for redelivery", zap.Error(err))
		} else {
			logger.Error("order event handling failed", zap.Error(err))
		}
		httpx.WriteError(ctx, w, httpx.NewError("event_handling_failed", "order event will be retried", http.StatusInternalServerError))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
