package repository

import (
    "context"
    "database/sql"
    "errors"
    "time"

    "github.com/podly/pod-rental/internal/model"
)

// ProvisioningRepo provides operations on provisioning records, the
// per-session rows tracking asynchronous access-code acquisition.
// Status transitions are guarded in SQL: a terminal row (READY or
// FAILED) never changes status again even if a stale background task
// reports late.
type ProvisioningRepo struct {
    db *sql.DB
}

// NewProvisioningRepo returns a new ProvisioningRepo bound to the given database.
func NewProvisioningRepo(db *sql.DB) *ProvisioningRepo { return &ProvisioningRepo{db: db} }

// CreateTx inserts a PENDING provisioning record within the scope of
// an existing transaction.  Exactly one record exists per session;
// provisionings.session_id carries a unique key.
func (r *ProvisioningRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Provisioning) error {
    const q = `INSERT INTO provisionings (id, session_id, status, attempts) VALUES (?, ?, ?, 0)`
    _, err := tx.ExecContext(ctx, q, p.ID, p.SessionID, model.ProvisionPending)
    return err
}

// GetBySession returns the provisioning record for a session.  When no
// record exists, ErrProvisioningNotFound is returned; pollers treat
// that as PENDING.
func (r *ProvisioningRepo) GetBySession(ctx context.Context, sessionID string) (*model.Provisioning, error) {
    const q = `SELECT id, session_id, status, attempts, created_at, updated_at, ready_at, failed_at
               FROM provisionings WHERE session_id = ?`
    var p model.Provisioning
    var readyAt, failedAt sql.NullTime
    err := r.db.QueryRowContext(ctx, q, sessionID).Scan(
        &p.ID, &p.SessionID, &p.Status, &p.Attempts,
        &p.CreatedAt, &p.UpdatedAt, &readyAt, &failedAt,
    )
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrProvisioningNotFound
    }
    if err != nil {
        return nil, err
    }
    if readyAt.Valid {
        t := readyAt.Time.UTC()
        p.ReadyAt = &t
    }
    if failedAt.Valid {
        t := failedAt.Time.UTC()
        p.FailedAt = &t
    }
    return &p, nil
}

// IncrementAttempts bumps the attempt counter for a session's record.
// Every backend call counts, successful or not.
func (r *ProvisioningRepo) IncrementAttempts(ctx context.Context, sessionID string) error {
    const q = `UPDATE provisionings SET attempts = attempts + 1, updated_at = ? WHERE session_id = ?`
    _, err := r.db.ExecContext(ctx, q, time.Now().UTC(), sessionID)
    return err
}

// MarkReady transitions a PENDING record to READY and stamps ready_at.
// The WHERE clause keeps terminal rows terminal.
func (r *ProvisioningRepo) MarkReady(ctx context.Context, sessionID string) error {
    now := time.Now().UTC()
    const q = `UPDATE provisionings SET status = ?, ready_at = ?, updated_at = ? WHERE session_id = ? AND status = ?`
    _, err := r.db.ExecContext(ctx, q, model.ProvisionReady, now, now, sessionID, model.ProvisionPending)
    return err
}

// MarkFailed transitions a PENDING record to FAILED and stamps
// failed_at.  The WHERE clause keeps terminal rows terminal.
func (r *ProvisioningRepo) MarkFailed(ctx context.Context, sessionID string) error {
    now := time.Now().UTC()
    const q = `UPDATE provisionings SET status = ?, failed_at = ?, updated_at = ? WHERE session_id = ? AND status = ?`
    _, err := r.db.ExecContext(ctx, q, model.ProvisionFailed, now, now, sessionID, model.ProvisionPending)
    return err
}
