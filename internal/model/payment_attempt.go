package model

import "time"

// InvalidPaymentAttempt is an append-only record of a failed checkout
// charge.  Rows are created when the final billing call is declined and
// are never updated or deleted; operators are alerted separately.
//
// Fields:
//  ID          – primary key identifier.
//  SessionID   – session whose charge failed.
//  AmountPence – the amount that could not be collected.
//  CreatedAt   – when the failure was recorded.
type InvalidPaymentAttempt struct {
    ID          uint64    // invalid_payment_attempts.id
    SessionID   string    // invalid_payment_attempts.session_id
    AmountPence int64     // invalid_payment_attempts.amount_pence
    CreatedAt   time.Time // invalid_payment_attempts.created_at
}
