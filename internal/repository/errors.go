// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as
// handlers to distinguish between different failure scenarios. For
// example, ErrPodUnavailable indicates that a booking attempt lost the
// race for a pod that is already in use, while ErrSessionNotFound
// signals that a session identifier does not correspond to any row.
package repository

import "errors"

// ErrPodNotFound is returned when a pod lookup matches no row.
// Handlers should translate this into an HTTP 404 response.
var ErrPodNotFound = errors.New("pod not found")

// ErrSessionNotFound is returned when a session lookup matches no
// row. Handlers should translate this into an HTTP 404 response.
var ErrSessionNotFound = errors.New("session not found")

// ErrProvisioningNotFound is returned when no provisioning record
// exists for a session. Callers polling for status should treat this
// as PENDING: a poll can race the finalize commit and see a session
// briefly without its provisioning row.
var ErrProvisioningNotFound = errors.New("provisioning not found")

// ErrPodUnavailable is returned when a conditional reserve finds the
// pod already in use. Handlers should translate this into an HTTP
// 409 response.
var ErrPodUnavailable = errors.New("pod unavailable")

// ErrDuplicateBooking is returned when a finalize write collides with
// an existing session for the same setup intent. Callers recover by
// reading the session that won the race and returning it, making a
// replayed finalize idempotent.
var ErrDuplicateBooking = errors.New("duplicate booking for setup intent")
