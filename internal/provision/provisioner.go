// Package provision implements the asynchronous access-code
// provisioning protocol: a per-session state machine moving PENDING to
// READY or FAILED, driven by background workers decoupled from the
// request that created the session.  Finalize returns the session
// token immediately; the customer can start walking to the pod while
// the code is generated here.
package provision

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/podly/pod-rental/internal/email"
    "github.com/podly/pod-rental/internal/lock"
    "github.com/podly/pod-rental/internal/model"
    "github.com/podly/pod-rental/internal/queue"
    "github.com/podly/pod-rental/internal/repository"
)

// SessionStore is the slice of session persistence the protocol needs.
type SessionStore interface {
    GetByID(ctx context.Context, sessionID string) (*model.Session, error)
    SetAccessCodeRef(ctx context.Context, sessionID, codeRef string) error
}

// PodStore resolves the pod a session occupies.
type PodStore interface {
    GetByID(ctx context.Context, podID string) (*model.Pod, error)
}

// RecordStore is the slice of provisioning-record persistence the
// protocol needs.  MarkReady and MarkFailed must be no-ops on rows
// already in a terminal state.
type RecordStore interface {
    GetBySession(ctx context.Context, sessionID string) (*model.Provisioning, error)
    IncrementAttempts(ctx context.Context, sessionID string) error
    MarkReady(ctx context.Context, sessionID string) error
    MarkFailed(ctx context.Context, sessionID string) error
}

// EventPublisher publishes lifecycle events; failures are tolerated.
type EventPublisher interface {
    PublishSessionEvent(ctx context.Context, event queue.SessionEvent) error
}

// Provisioner drives access-code acquisition and release against a
// lock backend.  It is safe for concurrent use by multiple workers;
// all per-session state lives in the stores.
type Provisioner struct {
    sessions    SessionStore
    pods        PodStore
    records     RecordStore
    backend     lock.Backend
    mailer      email.Mailer
    events      EventPublisher
    maxAttempts int
}

// NewProvisioner constructs a Provisioner.  maxAttempts bounds the
// number of backend calls made for one session before the record is
// declared FAILED; values below one are treated as one.
func NewProvisioner(sessions SessionStore, pods PodStore, records RecordStore, backend lock.Backend, mailer email.Mailer, events EventPublisher, maxAttempts int) *Provisioner {
    if maxAttempts < 1 {
        maxAttempts = 1
    }
    return &Provisioner{
        sessions:    sessions,
        pods:        pods,
        records:     records,
        backend:     backend,
        mailer:      mailer,
        events:      events,
        maxAttempts: maxAttempts,
    }
}

// Provision acquires an access code for a finalized session and moves
// its provisioning record to READY, or to FAILED once the attempt
// bound is exhausted.  It is idempotent: a session that already
// carries a code reference is marked READY and left alone, which also
// makes a stale task completing after the session ended harmless.
// The access email after READY is best-effort; a delivery failure
// never rolls the record back.
func (p *Provisioner) Provision(ctx context.Context, sessionID string) error {
    sess, err := p.sessions.GetByID(ctx, sessionID)
    if err != nil {
        return fmt.Errorf("load session: %w", err)
    }

    // Re-entry after a crash or a duplicate job: the code is already
    // there, only the status may be lagging.
    if sess.AccessCodeRef != nil {
        if err := p.records.MarkReady(ctx, sessionID); err != nil {
            return fmt.Errorf("mark ready: %w", err)
        }
        return nil
    }

    pod, err := p.pods.GetByID(ctx, sess.PodID)
    if err != nil {
        return fmt.Errorf("load pod: %w", err)
    }

    var codeRef string
    var lastErr error
    for attempt := 1; attempt <= p.maxAttempts; attempt++ {
        // Every backend call counts, successful or not.
        if err := p.records.IncrementAttempts(ctx, sessionID); err != nil {
            return fmt.Errorf("increment attempts: %w", err)
        }
        codeRef, lastErr = p.backend.CreateCode(ctx, pod.DeviceID, sess.StartTime)
        if lastErr == nil {
            break
        }
        log.Printf("provisioner: attempt %d/%d for session %s failed: %v", attempt, p.maxAttempts, sessionID, lastErr)
    }
    if lastErr != nil {
        if err := p.records.MarkFailed(ctx, sessionID); err != nil {
            return fmt.Errorf("mark failed: %w", err)
        }
        p.publish(ctx, queue.SessionEvent{
            Type:      queue.TypeSessionProvisionFailed,
            SessionID: sessionID,
            PodID:     pod.ID,
            PodName:   pod.Name,
            Attempts:  p.maxAttempts,
        })
        return fmt.Errorf("provisioning exhausted after %d attempts: %w", p.maxAttempts, lastErr)
    }

    if err := p.sessions.SetAccessCodeRef(ctx, sessionID, codeRef); err != nil {
        return fmt.Errorf("persist code reference: %w", err)
    }
    if err := p.records.MarkReady(ctx, sessionID); err != nil {
        return fmt.Errorf("mark ready: %w", err)
    }

    p.sendAccessEmail(ctx, sess, pod, codeRef)
    p.publish(ctx, queue.SessionEvent{
        Type:      queue.TypeSessionProvisioned,
        SessionID: sessionID,
        PodID:     pod.ID,
        PodName:   pod.Name,
        UserEmail: sess.UserEmail,
    })
    return nil
}

// Deprovision releases a code after checkout.  The session is already
// financially settled when this runs, so a failure is logged and
// swallowed; it must never block session closure.
func (p *Provisioner) Deprovision(ctx context.Context, codeRef string) error {
    if err := p.backend.DeleteCode(ctx, codeRef); err != nil {
        log.Printf("provisioner: deprovision of code %s failed: %v", codeRef, err)
    }
    return nil
}

// Status reports the provisioning state for a session.  A missing
// record reads as PENDING: a poll racing the finalize commit should
// not surface an error for a state that is about to exist.
func (p *Provisioner) Status(ctx context.Context, sessionID string) (model.ProvisionStatus, error) {
    rec, err := p.records.GetBySession(ctx, sessionID)
    if errors.Is(err, repository.ErrProvisioningNotFound) {
        return model.ProvisionPending, nil
    }
    if err != nil {
        return "", err
    }
    return rec.Status, nil
}

func (p *Provisioner) sendAccessEmail(ctx context.Context, sess *model.Session, pod *model.Pod, codeRef string) {
    code, err := p.backend.ReadCode(ctx, codeRef)
    if err != nil {
        log.Printf("provisioner: resolve code for access email failed: %v", err)
        return
    }
    details := email.AccessDetails{
        SessionID:  sess.ID,
        PodName:    pod.Name,
        Address:    pod.Address,
        StartTime:  sess.StartTime,
        AccessCode: code,
    }
    if err := p.mailer.SendAccessDetails(ctx, sess.UserEmail, details); err != nil {
        log.Printf("provisioner: access email to %s failed: %v", sess.UserEmail, err)
    }
}

func (p *Provisioner) publish(ctx context.Context, ev queue.SessionEvent) {
    ev.OccurredAt = time.Now().UTC().Format(time.RFC3339)
    _ = p.events.PublishSessionEvent(ctx, ev) // already logged by the publisher
}
