package repository

import (
    "context"
    "database/sql"
    "errors"

    "github.com/podly/pod-rental/internal/model"
)

// PodRepo provides read and occupancy operations for pods.  Pods are
// seeded out of band; this service only reads their metadata and flips
// the in-use flag when sessions open and close.
type PodRepo struct {
    db *sql.DB
}

// NewPodRepo returns a new PodRepo bound to the given database.
func NewPodRepo(db *sql.DB) *PodRepo { return &PodRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions
// spanning multiple repositories.
func (r *PodRepo) DB() *sql.DB { return r.db }

// GetByID returns the pod with the given identifier.  When no pod
// exists, ErrPodNotFound is returned.
func (r *PodRepo) GetByID(ctx context.Context, podID string) (*model.Pod, error) {
    const q = `SELECT id, name, address, price_per_minute, device_id, in_use FROM pods WHERE id = ?`
    var p model.Pod
    err := r.db.QueryRowContext(ctx, q, podID).Scan(
        &p.ID, &p.Name, &p.Address, &p.PricePerMinute, &p.DeviceID, &p.InUse,
    )
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrPodNotFound
    }
    if err != nil {
        return nil, err
    }
    return &p, nil
}

// ReserveTx marks a pod as in use within the scope of an existing
// transaction.  The update is conditional on the pod being free, so
// concurrent finalize calls for the same pod are linearized by the
// database: exactly one caller sees a row change, the rest receive
// ErrPodUnavailable.  ErrPodNotFound is returned when the pod does
// not exist at all.
func (r *PodRepo) ReserveTx(ctx context.Context, tx *sql.Tx, podID string) error {
    const q = `UPDATE pods SET in_use = 1 WHERE id = ? AND in_use = 0`
    res, err := tx.ExecContext(ctx, q, podID)
    if err != nil {
        return err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        // Distinguish a missing pod from a contended one.
        const exists = `SELECT 1 FROM pods WHERE id = ?`
        var one int
        if err := tx.QueryRowContext(ctx, exists, podID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
            return ErrPodNotFound
        } else if err != nil {
            return err
        }
        return ErrPodUnavailable
    }
    return nil
}

// Release marks a pod as free again after its session has closed.
// Releasing an already-free pod is a no-op.
func (r *PodRepo) Release(ctx context.Context, podID string) error {
    const q = `UPDATE pods SET in_use = 0 WHERE id = ?`
    _, err := r.db.ExecContext(ctx, q, podID)
    return err
}
