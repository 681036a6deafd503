package handler

import (
    "context"       // request-scoped contexts for store and capability calls
    "errors"        // errors.Is comparisons against sentinel errors
    "log"           // background dispatch failures are logged, not surfaced
    "net/http"      // HTTP status codes
    "time"          // checkout and billing instants

    "github.com/golang-jwt/jwt/v5" // registered claims for session tokens
    "github.com/google/uuid"       // identifiers for sessions and provisioning records
    "github.com/labstack/echo/v4"  // Echo web framework

    "github.com/podly/pod-rental/internal/billing"
    "github.com/podly/pod-rental/internal/email"
    "github.com/podly/pod-rental/internal/lock"
    "github.com/podly/pod-rental/internal/middleware"
    "github.com/podly/pod-rental/internal/model"
    "github.com/podly/pod-rental/internal/payment"
    "github.com/podly/pod-rental/internal/provision"
    "github.com/podly/pod-rental/internal/queue"
    "github.com/podly/pod-rental/internal/repository"
    "github.com/podly/pod-rental/internal/token"
)

// PodStore is the pod persistence consumed by the orchestrator.
type PodStore interface {
    GetByID(ctx context.Context, podID string) (*model.Pod, error)
    Release(ctx context.Context, podID string) error
}

// SessionStore is the session persistence consumed by the orchestrator.
type SessionStore interface {
    GetByID(ctx context.Context, sessionID string) (*model.Session, error)
    GetBySetupIntent(ctx context.Context, setupIntentID string) (*model.Session, error)
    Close(ctx context.Context, sessionID string, endTime time.Time) error
}

// BookingStore runs the sequenced finalize writes.
type BookingStore interface {
    FinalizeBooking(ctx context.Context, sess *model.Session, rec *model.Provisioning) error
}

// PaymentAttemptStore records failed checkout charges.
type PaymentAttemptStore interface {
    Create(ctx context.Context, sessionID string, amountPence int64) error
}

// StatusReader reports provisioning state for the polling endpoint.
type StatusReader interface {
    Status(ctx context.Context, sessionID string) (model.ProvisionStatus, error)
}

// Enqueuer hands background jobs to the worker pool.
type Enqueuer interface {
    Enqueue(job provision.Job) error
}

// EventPublisher publishes session lifecycle events; failures are tolerated.
type EventPublisher interface {
    PublishSessionEvent(ctx context.Context, event queue.SessionEvent) error
}

// SessionHandler is the session lifecycle orchestrator.  It validates
// scoped tokens, drives the persistence writes in order, triggers the
// payment capability and the provisioning protocol, and exposes the
// polling and query operations.  All methods assume token middleware
// has already run where a route requires it.
type SessionHandler struct {
    Pods            PodStore
    Sessions        SessionStore
    Bookings        BookingStore
    PaymentAttempts PaymentAttemptStore
    Provisioning    StatusReader
    Issuer          *token.Issuer
    Payments        payment.Processor
    Backend         lock.Backend
    Mailer          email.Mailer
    Jobs            Enqueuer
    Events          EventPublisher
    PromoEnabled    bool
}

// NewSessionHandler constructs a SessionHandler.  All dependencies
// must be non-nil.
func NewSessionHandler(pods PodStore, sessions SessionStore, bookings BookingStore, attempts PaymentAttemptStore, status StatusReader, issuer *token.Issuer, payments payment.Processor, backend lock.Backend, mailer email.Mailer, jobs Enqueuer, events EventPublisher, promoEnabled bool) *SessionHandler {
    if pods == nil || sessions == nil || bookings == nil || attempts == nil || status == nil || issuer == nil || payments == nil || backend == nil || mailer == nil || jobs == nil || events == nil {
        panic("nil dependency passed to NewSessionHandler")
    }
    return &SessionHandler{
        Pods:            pods,
        Sessions:        sessions,
        Bookings:        bookings,
        PaymentAttempts: attempts,
        Provisioning:    status,
        Issuer:          issuer,
        Payments:        payments,
        Backend:         backend,
        Mailer:          mailer,
        Jobs:            jobs,
        Events:          events,
        PromoEnabled:    promoEnabled,
    }
}

// ----- DTOs -----

type setupIntentReq struct {
    PodID string `json:"pod_id"`
}
type setupIntentResp struct {
    ClientSecret      string `json:"client_secret"`
    ProvisioningToken string `json:"provisioning_token"`
}
type podResp struct {
    Name           string `json:"name"`
    Address        string `json:"address"`
    PricePerMinute int64  `json:"price_per_minute"`
    InUse          bool   `json:"in_use"`
}
type finalizeResp struct {
    SessionToken string `json:"session_token"`
}
type provisioningStatusResp struct {
    Status     model.ProvisionStatus `json:"status"`
    AccessCode *string               `json:"access_code"`
}
type sessionDataResp struct {
    Session sessionPart `json:"session"`
    Pod     podPart     `json:"pod"`
}
type sessionPart struct {
    StartTime  time.Time  `json:"start_time"`
    EndTime    *time.Time `json:"end_time"`
    AccessCode *string    `json:"access_code"`
}
type podPart struct {
    Name           string `json:"name"`
    Address        string `json:"address"`
    PricePerMinute int64  `json:"price_per_minute"`
}
type previewResp struct {
    IsComplete bool       `json:"is_complete"`
    PodName    string     `json:"pod_name"`
    StartTime  time.Time  `json:"start_time"`
    EndTime    *time.Time `json:"end_time"`
    CostPence  int64      `json:"cost_pence"`
}
type endSessionResp struct {
    Status           string `json:"status"`
    FinalAmountPence int64  `json:"final_amount_pence"`
    Charged          bool   `json:"charged"`
}

// CreateSetupIntent handles POST /setup-intent.  It creates a
// payment-method-collection handle with the payment capability and
// issues a provisioning token scoped to the pod and that handle.
// Nothing is persisted: users may abandon setup, so this step is
// deliberately side-effect-light and freely repeatable.
func (h *SessionHandler) CreateSetupIntent(c echo.Context) error {
    var body setupIntentReq
    if err := c.Bind(&body); err != nil || body.PodID == "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad_request", "message": "pod_id is required"})
    }
    ctx := c.Request().Context()

    if _, err := h.Pods.GetByID(ctx, body.PodID); err != nil {
        if errors.Is(err, repository.ErrPodNotFound) {
            return c.JSON(http.StatusNotFound, echo.Map{"error": "pod_not_found", "message": "pod not found"})
        }
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
    }

    si, err := h.Payments.CreateSetupIntent(ctx, body.PodID)
    if err != nil {
        return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment_provider", "message": "failed to create setup intent"})
    }

    provToken, err := h.Issuer.Issue(token.Claims{
        Scope:          token.ScopeProvisioning,
        PodID:          body.PodID,
        SetupIntentID:  si.ID,
        ProvisioningID: uuid.NewString(),
    })
    if err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "failed to issue token"})
    }
    return c.JSON(http.StatusOK, setupIntentResp{ClientSecret: si.ClientSecret, ProvisioningToken: provToken})
}

// GetPod handles GET /pod.  It returns public pod metadata.
func (h *SessionHandler) GetPod(c echo.Context) error {
    podID := c.QueryParam("pod_id")
    if podID == "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad_request", "message": "pod_id is required"})
    }
    pod, err := h.Pods.GetByID(c.Request().Context(), podID)
    if err != nil {
        if errors.Is(err, repository.ErrPodNotFound) {
            return c.JSON(http.StatusNotFound, echo.Map{"error": "pod_not_found", "message": "pod not found"})
        }
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
    }
    return c.JSON(http.StatusOK, podResp{
        Name:           pod.Name,
        Address:        pod.Address,
        PricePerMinute: pod.PricePerMinute,
        InUse:          pod.InUse,
    })
}

// FinalizeBooking handles POST /booking/finalize.  It consumes the
// provisioning token, confirms the payment setup succeeded, creates
// the session with its PENDING provisioning record, reserves the pod,
// and issues the session token.  The actual access-code acquisition is
// queued after the response is written so lock-API latency never
// blocks handing the token back.  The call is retry-safe: a replayed
// token whose setup intent already produced a session gets the same
// session back.
func (h *SessionHandler) FinalizeBooking(c echo.Context) error {
    claims := middleware.GetClaims(c)
    if claims == nil {
        return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token_invalid", "message": "missing claims"})
    }
    ctx := c.Request().Context()

    si, err := h.Payments.GetSetupIntent(ctx, claims.SetupIntentID)
    if err != nil {
        return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment_provider", "message": "failed to retrieve setup intent"})
    }
    if !si.Succeeded() {
        return c.JSON(http.StatusConflict, echo.Map{"error": "payment_setup_incomplete", "message": "payment setup has not succeeded"})
    }

    // Idempotency: a retried finalize with the same token returns the
    // session created by the first call.
    if existing, err := h.Sessions.GetBySetupIntent(ctx, claims.SetupIntentID); err == nil {
        return h.respondWithSessionToken(c, existing.ID)
    } else if !errors.Is(err, repository.ErrSessionNotFound) {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
    }

    sess := &model.Session{
        ID:               uuid.NewString(),
        PodID:            claims.PodID,
        UserEmail:        si.CustomerEmail,
        StartTime:        time.Now().UTC(),
        CustomerRef:      si.CustomerRef,
        PaymentMethodRef: si.PaymentMethod,
        SetupIntentID:    si.ID,
    }
    rec := &model.Provisioning{
        ID:        claims.ProvisioningID,
        SessionID: sess.ID,
        Status:    model.ProvisionPending,
    }
    if rec.ID == "" {
        rec.ID = uuid.NewString()
    }

    if err := h.Bookings.FinalizeBooking(ctx, sess, rec); err != nil {
        switch {
        case errors.Is(err, repository.ErrDuplicateBooking):
            // Lost the replay race; the winner's session is ours too.
            winner, werr := h.Sessions.GetBySetupIntent(ctx, claims.SetupIntentID)
            if werr != nil {
                return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
            }
            return h.respondWithSessionToken(c, winner.ID)
        case errors.Is(err, repository.ErrPodUnavailable):
            return c.JSON(http.StatusConflict, echo.Map{"error": "pod_unavailable", "message": "pod is already in use"})
        case errors.Is(err, repository.ErrPodNotFound):
            return c.JSON(http.StatusNotFound, echo.Map{"error": "pod_not_found", "message": "pod not found"})
        default:
            return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "failed to create session"})
        }
    }

    if err := h.respondWithSessionToken(c, sess.ID); err != nil {
        return err
    }
    // Queued after the response: the user can start walking to the pod
    // while the code is generated.
    if err := h.Jobs.Enqueue(provision.Job{Kind: provision.JobProvision, SessionID: sess.ID}); err != nil {
        log.Printf("finalize: enqueue provisioning for session %s failed: %v", sess.ID, err)
    }
    return nil
}

// ProvisioningStatus handles GET /provisioning-status.  It reports the
// provisioning state and, once READY, the access code itself.
func (h *SessionHandler) ProvisioningStatus(c echo.Context) error {
    claims := middleware.GetClaims(c)
    if claims == nil {
        return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token_invalid", "message": "missing claims"})
    }
    ctx := c.Request().Context()

    status, err := h.Provisioning.Status(ctx, claims.Subject)
    if err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
    }
    if status != model.ProvisionReady {
        return c.JSON(http.StatusOK, provisioningStatusResp{Status: status})
    }

    sess, err := h.Sessions.GetByID(ctx, claims.Subject)
    if err != nil {
        return h.sessionLookupError(c, err)
    }
    if sess.AccessCodeRef == nil {
        // READY without a code reference should not happen; report
        // PENDING rather than erroring a poll loop.
        return c.JSON(http.StatusOK, provisioningStatusResp{Status: model.ProvisionPending})
    }
    code, err := h.Backend.ReadCode(ctx, *sess.AccessCodeRef)
    if err != nil {
        return c.JSON(http.StatusBadGateway, echo.Map{"error": "lock_provider", "message": "failed to resolve access code"})
    }
    return c.JSON(http.StatusOK, provisioningStatusResp{Status: status, AccessCode: &code})
}

// GetSessionData handles GET /get-session-data.  It returns session
// and pod details, resolving the access code at read time for active
// sessions.
func (h *SessionHandler) GetSessionData(c echo.Context) error {
    claims := middleware.GetClaims(c)
    if claims == nil {
        return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token_invalid", "message": "missing claims"})
    }
    ctx := c.Request().Context()

    sess, err := h.Sessions.GetByID(ctx, claims.Subject)
    if err != nil {
        return h.sessionLookupError(c, err)
    }
    pod, err := h.Pods.GetByID(ctx, sess.PodID)
    if err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
    }

    var code *string
    if !sess.Complete() && sess.AccessCodeRef != nil {
        resolved, err := h.Backend.ReadCode(ctx, *sess.AccessCodeRef)
        if err != nil {
            return c.JSON(http.StatusBadGateway, echo.Map{"error": "lock_provider", "message": "failed to resolve access code"})
        }
        code = &resolved
    }
    return c.JSON(http.StatusOK, sessionDataResp{
        Session: sessionPart{StartTime: sess.StartTime, EndTime: sess.EndTime, AccessCode: code},
        Pod:     podPart{Name: pod.Name, Address: pod.Address, PricePerMinute: pod.PricePerMinute},
    })
}

// EndSessionPreview handles GET /end-session-preview.  It estimates
// the cost of ending the session now without mutating anything.  The
// endpoint takes a session_id parameter instead of a token so the
// management page linked from the access email can show a quote.
func (h *SessionHandler) EndSessionPreview(c echo.Context) error {
    sessionID := c.QueryParam("session_id")
    if sessionID == "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad_request", "message": "session_id is required"})
    }
    ctx := c.Request().Context()

    sess, err := h.Sessions.GetByID(ctx, sessionID)
    if err != nil {
        return h.sessionLookupError(c, err)
    }
    pod, err := h.Pods.GetByID(ctx, sess.PodID)
    if err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
    }

    end := time.Now().UTC()
    if sess.Complete() {
        end = *sess.EndTime
    }
    cost := billing.Cost(sess.StartTime, end, pod.PricePerMinute, h.PromoEnabled)
    resp := previewResp{
        IsComplete: sess.Complete(),
        PodName:    pod.Name,
        StartTime:  sess.StartTime,
        EndTime:    sess.EndTime,
        CostPence:  cost,
    }
    return c.JSON(http.StatusOK, resp)
}

// IsSessionComplete handles GET /is-session-complete.
func (h *SessionHandler) IsSessionComplete(c echo.Context) error {
    sessionID := c.QueryParam("session_id")
    if sessionID == "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad_request", "message": "session_id is required"})
    }
    sess, err := h.Sessions.GetByID(c.Request().Context(), sessionID)
    if err != nil {
        return h.sessionLookupError(c, err)
    }
    return c.JSON(http.StatusOK, echo.Map{"is_complete": sess.Complete()})
}

// LockStatus handles GET /lock-status.  It reports the lock state of a
// pod's device; the static backend always reports locked.
func (h *SessionHandler) LockStatus(c echo.Context) error {
    podID := c.QueryParam("pod_id")
    if podID == "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad_request", "message": "pod_id is required"})
    }
    ctx := c.Request().Context()
    pod, err := h.Pods.GetByID(ctx, podID)
    if err != nil {
        if errors.Is(err, repository.ErrPodNotFound) {
            return c.JSON(http.StatusNotFound, echo.Map{"error": "pod_not_found", "message": "pod not found"})
        }
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
    }
    locked, err := h.Backend.IsLocked(ctx, pod.DeviceID)
    if err != nil {
        return c.JSON(http.StatusBadGateway, echo.Map{"error": "lock_provider", "message": "failed to read lock state"})
    }
    return c.JSON(http.StatusOK, echo.Map{"is_locked": locked})
}

// EndSession handles POST /end-session.  It computes the final cost at
// the checkout instant and charges the saved payment method.  A
// declined charge is recorded as an invalid payment attempt and
// alerted to operators, but the session still closes: an unbillable
// pod must not stay marked in-use forever.  Deprovisioning of the
// access code is queued in the background after closure.
func (h *SessionHandler) EndSession(c echo.Context) error {
    claims := middleware.GetClaims(c)
    if claims == nil {
        return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token_invalid", "message": "missing claims"})
    }
    ctx := c.Request().Context()

    sess, err := h.Sessions.GetByID(ctx, claims.Subject)
    if err != nil {
        return h.sessionLookupError(c, err)
    }
    if sess.Complete() {
        // Retried checkout: report the settled amount without charging again.
        pod, perr := h.Pods.GetByID(ctx, sess.PodID)
        if perr != nil {
            return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
        }
        amount := billing.Cost(sess.StartTime, *sess.EndTime, pod.PricePerMinute, h.PromoEnabled)
        return c.JSON(http.StatusOK, endSessionResp{Status: "closed", FinalAmountPence: amount, Charged: amount > 0})
    }

    pod, err := h.Pods.GetByID(ctx, sess.PodID)
    if err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
    }

    endTime := time.Now().UTC()
    amount := billing.Cost(sess.StartTime, endTime, pod.PricePerMinute, h.PromoEnabled)

    charged := false
    if amount > 0 {
        if err := h.Payments.Charge(ctx, sess.CustomerRef, sess.PaymentMethodRef, amount); err != nil {
            log.Printf("end-session: charge for session %s failed: %v", sess.ID, err)
            if aerr := h.PaymentAttempts.Create(ctx, sess.ID, amount); aerr != nil {
                log.Printf("end-session: record invalid payment attempt failed: %v", aerr)
            }
            if merr := h.Mailer.SendPaymentAlert(ctx, sess.ID, sess.UserEmail, amount); merr != nil {
                log.Printf("end-session: payment alert failed: %v", merr)
            }
        } else {
            charged = true
        }
    }

    if err := h.Sessions.Close(ctx, sess.ID, endTime); err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "failed to close session"})
    }
    if err := h.Pods.Release(ctx, sess.PodID); err != nil {
        log.Printf("end-session: release pod %s failed: %v", sess.PodID, err)
    }

    h.publishClosed(ctx, sess, pod, amount, charged)

    if err := c.JSON(http.StatusOK, endSessionResp{Status: "closed", FinalAmountPence: amount, Charged: charged}); err != nil {
        return err
    }
    if sess.AccessCodeRef != nil {
        if err := h.Jobs.Enqueue(provision.Job{Kind: provision.JobDeprovision, SessionID: sess.ID, CodeRef: *sess.AccessCodeRef}); err != nil {
            log.Printf("end-session: enqueue deprovision for session %s failed: %v", sess.ID, err)
        }
    }
    return nil
}

// respondWithSessionToken issues a session-scoped token and writes the
// finalize response.
func (h *SessionHandler) respondWithSessionToken(c echo.Context, sessionID string) error {
    sessToken, err := h.Issuer.Issue(token.Claims{
        Scope:            token.ScopeSession,
        RegisteredClaims: jwt.RegisteredClaims{Subject: sessionID},
    })
    if err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "failed to issue token"})
    }
    return c.JSON(http.StatusOK, finalizeResp{SessionToken: sessToken})
}

func (h *SessionHandler) sessionLookupError(c echo.Context, err error) error {
    if errors.Is(err, repository.ErrSessionNotFound) {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "session_not_found", "message": "session not found"})
    }
    return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "database error"})
}

func (h *SessionHandler) publishClosed(ctx context.Context, sess *model.Session, pod *model.Pod, amount int64, charged bool) {
    _ = h.Events.PublishSessionEvent(ctx, queue.SessionEvent{
        Type:        queue.TypeSessionClosed,
        SessionID:   sess.ID,
        PodID:       pod.ID,
        PodName:     pod.Name,
        UserEmail:   sess.UserEmail,
        AmountPence: amount,
        Charged:     charged,
        OccurredAt:  time.Now().UTC().Format(time.RFC3339),
    })
}
