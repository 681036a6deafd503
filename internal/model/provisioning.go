package model

import "time"

// ProvisionStatus enumerates the states of the access-code
// provisioning state machine.  PENDING is the only non-terminal
// state; a record never transitions out of READY or FAILED.
type ProvisionStatus string

const (
    ProvisionPending ProvisionStatus = "PENDING"
    ProvisionReady   ProvisionStatus = "READY"
    ProvisionFailed  ProvisionStatus = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s ProvisionStatus) Terminal() bool {
    return s == ProvisionReady || s == ProvisionFailed
}

// Provisioning tracks the asynchronous access-code acquisition for one
// session.  Exactly one record exists per session, created PENDING when
// the session is finalized.  Attempts counts every backend call made
// on the record's behalf, successful or not.
//
// Fields:
//  ID        – primary key identifier (UUID).
//  SessionID – session the code is being provisioned for (unique).
//  Status    – PENDING, READY or FAILED.
//  Attempts  – number of backend calls made so far.
//  CreatedAt – creation timestamp.
//  UpdatedAt – last update timestamp.
//  ReadyAt   – when the code became available (nullable).
//  FailedAt  – when attempts were exhausted (nullable).
type Provisioning struct {
    ID        string          // provisionings.id
    SessionID string          // provisionings.session_id
    Status    ProvisionStatus // provisionings.status
    Attempts  int             // provisionings.attempts
    CreatedAt time.Time       // provisionings.created_at
    UpdatedAt time.Time       // provisionings.updated_at
    ReadyAt   *time.Time      // provisionings.ready_at (nullable)
    FailedAt  *time.Time      // provisionings.failed_at (nullable)
}
