// Package payment wraps the payment processor behind a Processor
// capability.  The service only needs four things from it: create a
// setup intent to collect a payment method, read a setup intent back
// at finalize, charge a saved payment method off-session at checkout,
// and parse inbound webhook events.
package payment

import (
    "context"
    "errors"
)

// SetupIntent is the subset of a processor setup intent the
// orchestrator acts on.
type SetupIntent struct {
    ID            string // processor setup intent identifier
    ClientSecret  string // handed to the frontend to collect the card
    Status        string // "succeeded" once the payment method is attached
    CustomerRef   string // processor customer created for this booking
    PaymentMethod string // attached payment method reference
    CustomerEmail string // billing email from the payment method
}

// Succeeded reports whether the payment method collection finished.
func (s *SetupIntent) Succeeded() bool { return s.Status == "succeeded" }

// Event is an inbound webhook notification from the processor.
type Event struct {
    ID            string
    Type          string
    SetupIntentID string
}

// EventSetupIntentSucceeded is the only webhook event type this
// service acts on.
const EventSetupIntentSucceeded = "setup_intent.succeeded"

// ErrChargeDeclined is returned by Charge when the processor refused
// the payment (as opposed to a transport or configuration failure).
// Checkout handles a decline by recording an invalid payment attempt
// and closing the session anyway.
var ErrChargeDeclined = errors.New("charge declined")

// ErrUnhandledEvent is returned by ParseEvent for webhook event types
// this service does not process.
var ErrUnhandledEvent = errors.New("unhandled event type")

// Processor is the payment capability consumed by the orchestrator.
type Processor interface {
    // CreateSetupIntent creates a customer and a setup intent tagged
    // with the pod being booked.
    CreateSetupIntent(ctx context.Context, podID string) (*SetupIntent, error)

    // GetSetupIntent retrieves a setup intent with its customer,
    // payment method and billing email resolved.
    GetSetupIntent(ctx context.Context, id string) (*SetupIntent, error)

    // Charge collects amountPence from the saved payment method,
    // off-session.  A processor refusal is ErrChargeDeclined.
    Charge(ctx context.Context, customerRef, paymentMethod string, amountPence int64) error

    // ParseEvent validates and decodes a webhook payload.
    ParseEvent(payload []byte, signature string) (*Event, error)
}
