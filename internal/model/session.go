package model

import "time"

// Session records one timed occupancy of a pod, from booking finalize
// to checkout.  EndTime stays nil while the session is active and is
// set exactly once at checkout; the row is immutable thereafter.
// AccessCodeRef stays nil until background provisioning succeeds.
//
// Fields:
//  ID               – primary key identifier (UUID).
//  PodID            – pod being occupied.
//  UserEmail        – customer contact, taken from the payment method.
//  StartTime        – when the booking was finalized.
//  EndTime          – when the session was closed (nullable).
//  CustomerRef      – payment processor customer reference.
//  PaymentMethodRef – payment processor payment method reference.
//  SetupIntentID    – setup intent that created the session; unique,
//                     used as the finalize idempotency guard.
//  AccessCodeRef    – door access code reference (nullable until READY).
//  CreatedAt        – creation timestamp.
type Session struct {
    ID               string     // sessions.id
    PodID            string     // sessions.pod_id
    UserEmail        string     // sessions.user_email
    StartTime        time.Time  // sessions.start_time
    EndTime          *time.Time // sessions.end_time (nullable)
    CustomerRef      string     // sessions.customer_ref
    PaymentMethodRef string     // sessions.payment_method_ref
    SetupIntentID    string     // sessions.setup_intent_id (unique)
    AccessCodeRef    *string    // sessions.access_code_ref (nullable)
    CreatedAt        time.Time  // sessions.created_at
}

// Complete reports whether the session has been closed.
func (s *Session) Complete() bool { return s.EndTime != nil }
