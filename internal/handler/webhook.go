package handler

import (
    "errors"
    "io"
    "log"
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/podly/pod-rental/internal/payment"
)

// WebhookHandler receives asynchronous notifications from the payment
// provider.  The booking flow does not depend on these events (the
// finalize endpoint re-reads the setup intent itself); the webhook
// exists to acknowledge deliveries and record them for audit.
type WebhookHandler struct {
    Payments payment.Processor
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(payments payment.Processor) *WebhookHandler {
    return &WebhookHandler{Payments: payments}
}

// HandleProviderEvent handles POST /webhook/provider.  The payload is
// verified against the provider signature header when a webhook secret
// is configured; unrecognised event types are rejected so the provider
// stops retrying them.
func (h *WebhookHandler) HandleProviderEvent(c echo.Context) error {
    body, err := io.ReadAll(c.Request().Body)
    if err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad_request", "message": "failed to read payload"})
    }

    event, err := h.Payments.ParseEvent(body, c.Request().Header.Get("Stripe-Signature"))
    if err != nil {
        if errors.Is(err, payment.ErrUnhandledEvent) {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": "unhandled_event", "message": "event type not handled"})
        }
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad_signature", "message": "payload verification failed"})
    }

    log.Printf("webhook: received %s for setup intent %s", event.Type, event.SetupIntentID)
    return c.JSON(http.StatusOK, echo.Map{"status": "success"})
}
