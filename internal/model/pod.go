package model

// Pod represents a physical rentable space fitted with a smart or
// static lock.  The in-use flag marks a pod as occupied while a
// session is active; it is flipped back when the session ends.
//
// Fields:
//  ID              – primary key identifier (UUID).
//  Name            – display name shown to customers.
//  Address         – street address of the pod.
//  PricePerMinute  – metered rate in pence per minute.
//  DeviceID        – lock provider device identifier (dynamic mode).
//  InUse           – whether an active session currently occupies the pod.
type Pod struct {
    ID             string // pods.id
    Name           string // pods.name
    Address        string // pods.address
    PricePerMinute int64  // pods.price_per_minute
    DeviceID       string // pods.device_id
    InUse          bool   // pods.in_use
}
