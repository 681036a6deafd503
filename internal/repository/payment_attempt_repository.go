package repository

import (
    "context"
    "database/sql"
)

// PaymentAttemptRepo records failed checkout charges.  Rows are
// append-only: they are written when a charge is declined, read by
// operator alerting, and never updated or deleted.
type PaymentAttemptRepo struct {
    db *sql.DB
}

// NewPaymentAttemptRepo returns a new PaymentAttemptRepo bound to the given database.
func NewPaymentAttemptRepo(db *sql.DB) *PaymentAttemptRepo { return &PaymentAttemptRepo{db: db} }

// Create inserts an invalid payment attempt for a session with the
// amount that could not be collected.
func (r *PaymentAttemptRepo) Create(ctx context.Context, sessionID string, amountPence int64) error {
    const q = `INSERT INTO invalid_payment_attempts (session_id, amount_pence) VALUES (?, ?)`
    _, err := r.db.ExecContext(ctx, q, sessionID, amountPence)
    return err
}
