package repository

import (
    "context"
    "database/sql"
    "errors"
    "time"

    "github.com/podly/pod-rental/internal/model"
)

// SessionRepo provides CRUD operations for sessions.  A session row is
// inserted when a booking is finalized and receives exactly two later
// updates: the access code reference when provisioning succeeds and
// the end time at checkout.  All timestamp fields are stored in UTC.
type SessionRepo struct {
    db *sql.DB
}

// NewSessionRepo returns a new SessionRepo bound to the given database.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions
// spanning multiple repositories.
func (r *SessionRepo) DB() *sql.DB { return r.db }

// CreateTx inserts a new session within the scope of an existing
// transaction.  The caller must commit or rollback the transaction.
// sessions.setup_intent_id carries a unique key, so a concurrent
// finalize replaying the same setup intent fails here and the caller
// falls back to reading the existing row.
func (r *SessionRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.Session) error {
    const q = `INSERT INTO sessions
               (id, pod_id, user_email, start_time, end_time, customer_ref, payment_method_ref, setup_intent_id, access_code_ref)
               VALUES (?, ?, ?, ?, NULL, ?, ?, ?, NULL)`
    _, err := tx.ExecContext(ctx, q,
        s.ID, s.PodID, s.UserEmail, s.StartTime.UTC(),
        s.CustomerRef, s.PaymentMethodRef, s.SetupIntentID,
    )
    return err
}

// GetByID returns the session with the given identifier.  When no
// session exists, ErrSessionNotFound is returned.
func (r *SessionRepo) GetByID(ctx context.Context, sessionID string) (*model.Session, error) {
    const q = `SELECT id, pod_id, user_email, start_time, end_time, customer_ref, payment_method_ref, setup_intent_id, access_code_ref, created_at
               FROM sessions WHERE id = ?`
    return r.scanOne(r.db.QueryRowContext(ctx, q, sessionID))
}

// GetBySetupIntent returns the session created from the given setup
// intent, if any.  It is the idempotency lookup used by finalize:
// replaying a provisioning token whose setup intent already produced a
// session returns that session instead of creating a duplicate.
func (r *SessionRepo) GetBySetupIntent(ctx context.Context, setupIntentID string) (*model.Session, error) {
    const q = `SELECT id, pod_id, user_email, start_time, end_time, customer_ref, payment_method_ref, setup_intent_id, access_code_ref, created_at
               FROM sessions WHERE setup_intent_id = ?`
    return r.scanOne(r.db.QueryRowContext(ctx, q, setupIntentID))
}

// SetAccessCodeRef persists the access code reference produced by the
// provisioning backend onto the session.
func (r *SessionRepo) SetAccessCodeRef(ctx context.Context, sessionID, codeRef string) error {
    const q = `UPDATE sessions SET access_code_ref = ? WHERE id = ?`
    _, err := r.db.ExecContext(ctx, q, codeRef, sessionID)
    return err
}

// Close stamps the session's end time.  Closing an already-closed
// session leaves the original end time untouched so that a retried
// end-session call cannot stretch the billing window.
func (r *SessionRepo) Close(ctx context.Context, sessionID string, endTime time.Time) error {
    const q = `UPDATE sessions SET end_time = ? WHERE id = ? AND end_time IS NULL`
    _, err := r.db.ExecContext(ctx, q, endTime.UTC(), sessionID)
    return err
}

func (r *SessionRepo) scanOne(row *sql.Row) (*model.Session, error) {
    var s model.Session
    var endTime sql.NullTime
    var codeRef sql.NullString
    err := row.Scan(
        &s.ID, &s.PodID, &s.UserEmail, &s.StartTime, &endTime,
        &s.CustomerRef, &s.PaymentMethodRef, &s.SetupIntentID, &codeRef, &s.CreatedAt,
    )
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrSessionNotFound
    }
    if err != nil {
        return nil, err
    }
    if endTime.Valid {
        t := endTime.Time.UTC()
        s.EndTime = &t
    }
    if codeRef.Valid {
        ref := codeRef.String
        s.AccessCodeRef = &ref
    }
    s.StartTime = s.StartTime.UTC()
    return &s, nil
}
