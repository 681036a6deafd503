package repository

import (
    "context"
    "database/sql"
    "errors"

    "github.com/go-sql-driver/mysql"

    "github.com/podly/pod-rental/internal/model"
)

// mysqlDuplicateEntry is the server error number for a unique key
// violation.
const mysqlDuplicateEntry = 1062

// BookingStore runs the multi-row finalize write: session insert,
// provisioning record insert, pod reserve.  The writes are sequenced
// inside one transaction so a failed pod reserve never leaves an
// orphaned session behind.
type BookingStore struct {
    db            *sql.DB
    pods          *PodRepo
    sessions      *SessionRepo
    provisionings *ProvisioningRepo
}

// NewBookingStore returns a BookingStore composing the given repositories.
func NewBookingStore(db *sql.DB, pods *PodRepo, sessions *SessionRepo, provisionings *ProvisioningRepo) *BookingStore {
    return &BookingStore{db: db, pods: pods, sessions: sessions, provisionings: provisionings}
}

// FinalizeBooking atomically creates the session and its PENDING
// provisioning record and reserves the pod.  A unique-key collision on
// the setup intent maps to ErrDuplicateBooking so callers can recover
// by reading the session that won the race; a contended pod surfaces
// as ErrPodUnavailable.
func (s *BookingStore) FinalizeBooking(ctx context.Context, sess *model.Session, rec *model.Provisioning) error {
    tx, err := s.db.BeginTx(ctx, nil)
    if err != nil {
        return err
    }
    committed := false
    defer func() {
        if !committed {
            _ = tx.Rollback()
        }
    }()

    if err := s.sessions.CreateTx(ctx, tx, sess); err != nil {
        var me *mysql.MySQLError
        if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
            return ErrDuplicateBooking
        }
        return err
    }
    if err := s.provisionings.CreateTx(ctx, tx, rec); err != nil {
        return err
    }
    if err := s.pods.ReserveTx(ctx, tx, sess.PodID); err != nil {
        return err
    }

    if err := tx.Commit(); err != nil {
        return err
    }
    committed = true
    return nil
}
