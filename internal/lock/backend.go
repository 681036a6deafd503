// Package lock abstracts door access-code issuance behind a single
// Backend capability with two implementations: a dynamic backend
// talking to the lock provider's API and a static backend drawing from
// an encrypted pre-shared code list.  The implementation is selected
// once at startup by configuration; callers never branch on the mode.
package lock

import (
    "context"
    "errors"
    "time"
)

// Backend provisions and resolves door access codes.  CreateCode
// returns an opaque code reference which is persisted on the session;
// ReadCode resolves that reference back to the digits shown to the
// customer.  DeleteCode revokes a code after checkout where the
// backend supports revocation.
type Backend interface {
    // CreateCode obtains an access code for the device, valid from
    // start.  It returns a reference, never the code itself.
    CreateCode(ctx context.Context, deviceID string, start time.Time) (string, error)

    // DeleteCode revokes a previously created code.  Implementations
    // without external state treat this as a no-op.
    DeleteCode(ctx context.Context, codeRef string) error

    // ReadCode resolves a code reference to the plain access code.
    ReadCode(ctx context.Context, codeRef string) (string, error)

    // IsLocked reports the lock state of the device.
    IsLocked(ctx context.Context, deviceID string) (bool, error)
}

// ErrCodeNotSet is returned when the lock provider accepted a code but
// never reported it programmed onto the device within the polling
// bound.
var ErrCodeNotSet = errors.New("access code was not set on the device")
