// Package queue defines message payloads exchanged over the message broker.
package queue

// Event type discriminators for SessionEvent.
const (
    TypeSessionProvisioned     = "session.provisioned"
    TypeSessionProvisionFailed = "session.provision_failed"
    TypeSessionClosed          = "session.closed"
)

// SessionEvent is published at the observable points of a session's
// background lifecycle: provisioning reaching a terminal state and the
// session closing at checkout.  It carries enough information for
// downstream consumers to log, alert or feed analytics without
// querying the primary database.
type SessionEvent struct {
    Type        string `json:"type"`
    SessionID   string `json:"session_id"`
    PodID       string `json:"pod_id"`
    PodName     string `json:"pod_name,omitempty"`
    UserEmail   string `json:"user_email,omitempty"`
    Attempts    int    `json:"attempts,omitempty"`
    AmountPence int64  `json:"amount_pence,omitempty"`
    Charged     bool   `json:"charged,omitempty"`
    OccurredAt  string `json:"occurred_at"`
}
