package handler

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/podly/pod-rental/internal/email"
    "github.com/podly/pod-rental/internal/middleware"
    "github.com/podly/pod-rental/internal/model"
    "github.com/podly/pod-rental/internal/payment"
    "github.com/podly/pod-rental/internal/provision"
    "github.com/podly/pod-rental/internal/queue"
    "github.com/podly/pod-rental/internal/repository"
    "github.com/podly/pod-rental/internal/token"
)

// ----- fakes -----

type fakePods struct {
    pods     map[string]*model.Pod
    released []string
}

func (f *fakePods) GetByID(_ context.Context, podID string) (*model.Pod, error) {
    p, ok := f.pods[podID]
    if !ok {
        return nil, repository.ErrPodNotFound
    }
    cp := *p
    return &cp, nil
}

func (f *fakePods) Release(_ context.Context, podID string) error {
    f.released = append(f.released, podID)
    if p, ok := f.pods[podID]; ok {
        p.InUse = false
    }
    return nil
}

type fakeSessions struct {
    byID          map[string]*model.Session
    bySetupIntent map[string]*model.Session
}

func newFakeSessions() *fakeSessions {
    return &fakeSessions{
        byID:          map[string]*model.Session{},
        bySetupIntent: map[string]*model.Session{},
    }
}

func (f *fakeSessions) add(s *model.Session) {
    f.byID[s.ID] = s
    f.bySetupIntent[s.SetupIntentID] = s
}

func (f *fakeSessions) GetByID(_ context.Context, sessionID string) (*model.Session, error) {
    s, ok := f.byID[sessionID]
    if !ok {
        return nil, repository.ErrSessionNotFound
    }
    cp := *s
    return &cp, nil
}

func (f *fakeSessions) GetBySetupIntent(_ context.Context, setupIntentID string) (*model.Session, error) {
    s, ok := f.bySetupIntent[setupIntentID]
    if !ok {
        return nil, repository.ErrSessionNotFound
    }
    cp := *s
    return &cp, nil
}

func (f *fakeSessions) Close(_ context.Context, sessionID string, endTime time.Time) error {
    s, ok := f.byID[sessionID]
    if !ok {
        return repository.ErrSessionNotFound
    }
    if s.EndTime == nil {
        s.EndTime = &endTime
    }
    return nil
}

type fakeBookings struct {
    pods     *fakePods
    sessions *fakeSessions
    reserves int
}

func (f *fakeBookings) FinalizeBooking(_ context.Context, sess *model.Session, rec *model.Provisioning) error {
    if _, ok := f.sessions.bySetupIntent[sess.SetupIntentID]; ok {
        return repository.ErrDuplicateBooking
    }
    pod, ok := f.pods.pods[sess.PodID]
    if !ok {
        return repository.ErrPodNotFound
    }
    if pod.InUse {
        return repository.ErrPodUnavailable
    }
    pod.InUse = true
    f.reserves++
    f.sessions.add(sess)
    return nil
}

type fakeAttempts struct {
    sessionIDs []string
    amounts    []int64
}

func (f *fakeAttempts) Create(_ context.Context, sessionID string, amountPence int64) error {
    f.sessionIDs = append(f.sessionIDs, sessionID)
    f.amounts = append(f.amounts, amountPence)
    return nil
}

type fakeStatus struct {
    status model.ProvisionStatus
}

func (f *fakeStatus) Status(context.Context, string) (model.ProvisionStatus, error) {
    return f.status, nil
}

type fakePayments struct {
    intent      *payment.SetupIntent
    chargeErr   error
    chargeCalls int
    chargedAmts []int64
}

func (f *fakePayments) CreateSetupIntent(_ context.Context, podID string) (*payment.SetupIntent, error) {
    return f.intent, nil
}

func (f *fakePayments) GetSetupIntent(_ context.Context, id string) (*payment.SetupIntent, error) {
    return f.intent, nil
}

func (f *fakePayments) Charge(_ context.Context, _, _ string, amountPence int64) error {
    f.chargeCalls++
    f.chargedAmts = append(f.chargedAmts, amountPence)
    return f.chargeErr
}

func (f *fakePayments) ParseEvent(payload []byte, _ string) (*payment.Event, error) {
    var e payment.Event
    if err := json.Unmarshal(payload, &e); err != nil {
        return nil, err
    }
    if e.Type != payment.EventSetupIntentSucceeded {
        return nil, payment.ErrUnhandledEvent
    }
    return &e, nil
}

type fakeBackend struct {
    codes  map[string]string
    locked bool
}

func (f *fakeBackend) CreateCode(_ context.Context, _ string, _ time.Time) (string, error) {
    return "code-ref", nil
}
func (f *fakeBackend) DeleteCode(context.Context, string) error { return nil }
func (f *fakeBackend) ReadCode(_ context.Context, ref string) (string, error) {
    return f.codes[ref], nil
}
func (f *fakeBackend) IsLocked(context.Context, string) (bool, error) { return f.locked, nil }

type fakeMailer struct {
    alerts []string
}

func (f *fakeMailer) SendAccessDetails(context.Context, string, email.AccessDetails) error {
    return nil
}
func (f *fakeMailer) SendPaymentAlert(_ context.Context, sessionID, _ string, _ int64) error {
    f.alerts = append(f.alerts, sessionID)
    return nil
}

type fakeJobs struct {
    jobs []provision.Job
}

func (f *fakeJobs) Enqueue(job provision.Job) error {
    f.jobs = append(f.jobs, job)
    return nil
}

type fakeEvents struct {
    events []queue.SessionEvent
}

func (f *fakeEvents) PublishSessionEvent(_ context.Context, event queue.SessionEvent) error {
    f.events = append(f.events, event)
    return nil
}

// ----- fixture -----

type fixture struct {
    e        *echo.Echo
    h        *SessionHandler
    issuer   *token.Issuer
    pods     *fakePods
    sessions *fakeSessions
    bookings *fakeBookings
    attempts *fakeAttempts
    status   *fakeStatus
    payments *fakePayments
    backend  *fakeBackend
    mailer   *fakeMailer
    jobs     *fakeJobs
    events   *fakeEvents
}

func newFixture() *fixture {
    pods := &fakePods{pods: map[string]*model.Pod{
        "pod-1": {ID: "pod-1", Name: "Soho Pod", Address: "12 Dean St", PricePerMinute: 10, DeviceID: "dev-1"},
    }}
    sessions := newFakeSessions()
    f := &fixture{
        e:        echo.New(),
        issuer:   token.NewIssuer("test-secret"),
        pods:     pods,
        sessions: sessions,
        bookings: &fakeBookings{pods: pods, sessions: sessions},
        attempts: &fakeAttempts{},
        status:   &fakeStatus{status: model.ProvisionPending},
        payments: &fakePayments{intent: &payment.SetupIntent{
            ID:            "si-1",
            ClientSecret:  "si-1_secret",
            Status:        "succeeded",
            CustomerRef:   "cus-1",
            PaymentMethod: "pm-1",
            CustomerEmail: "alice@example.com",
        }},
        backend: &fakeBackend{codes: map[string]string{"ref-1": "14231"}, locked: true},
        mailer:  &fakeMailer{},
        jobs:    &fakeJobs{},
        events:  &fakeEvents{},
    }
    f.h = NewSessionHandler(f.pods, f.sessions, f.bookings, f.attempts, f.status, f.issuer, f.payments, f.backend, f.mailer, f.jobs, f.events, false)
    return f
}

func (f *fixture) request(method, target string, body string) (echo.Context, *httptest.ResponseRecorder) {
    var req *http.Request
    if body != "" {
        req = httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
        req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
    } else {
        req = httptest.NewRequest(method, target, nil)
    }
    rec := httptest.NewRecorder()
    return f.e.NewContext(req, rec), rec
}

func (f *fixture) provisioningClaims(c echo.Context) {
    c.Set(middleware.ClaimsKey, &token.Claims{
        Scope:          token.ScopeProvisioning,
        PodID:          "pod-1",
        SetupIntentID:  "si-1",
        ProvisioningID: "prov-1",
    })
}

func (f *fixture) sessionClaims(c echo.Context, sessionID string) {
    claims := &token.Claims{Scope: token.ScopeSession}
    claims.Subject = sessionID
    c.Set(middleware.ClaimsKey, claims)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
    t.Helper()
    var out T
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
    return out
}

// ----- setup intent -----

func TestCreateSetupIntentIssuesProvisioningToken(t *testing.T) {
    f := newFixture()
    c, rec := f.request(http.MethodPost, "/setup-intent", `{"pod_id":"pod-1"}`)

    require.NoError(t, f.h.CreateSetupIntent(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[setupIntentResp](t, rec)
    assert.Equal(t, "si-1_secret", resp.ClientSecret)

    claims, err := f.issuer.Verify(resp.ProvisioningToken, token.ScopeProvisioning)
    require.NoError(t, err)
    assert.Equal(t, "pod-1", claims.PodID)
    assert.Equal(t, "si-1", claims.SetupIntentID)
    assert.NotEmpty(t, claims.ProvisioningID)
}

func TestCreateSetupIntentUnknownPod(t *testing.T) {
    f := newFixture()
    c, rec := f.request(http.MethodPost, "/setup-intent", `{"pod_id":"nope"}`)

    require.NoError(t, f.h.CreateSetupIntent(c))
    assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ----- finalize -----

func TestFinalizeBookingCreatesSessionAndQueuesProvisioning(t *testing.T) {
    f := newFixture()
    c, rec := f.request(http.MethodPost, "/booking/finalize", "")
    f.provisioningClaims(c)

    require.NoError(t, f.h.FinalizeBooking(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[finalizeResp](t, rec)
    claims, err := f.issuer.Verify(resp.SessionToken, token.ScopeSession)
    require.NoError(t, err)

    sess, err := f.sessions.GetByID(context.Background(), claims.Subject)
    require.NoError(t, err)
    assert.Equal(t, "pod-1", sess.PodID)
    assert.Equal(t, "alice@example.com", sess.UserEmail)
    assert.True(t, f.pods.pods["pod-1"].InUse)

    require.Len(t, f.jobs.jobs, 1)
    assert.Equal(t, provision.JobProvision, f.jobs.jobs[0].Kind)
    assert.Equal(t, sess.ID, f.jobs.jobs[0].SessionID)
}

func TestFinalizeBookingIsIdempotent(t *testing.T) {
    f := newFixture()

    c1, rec1 := f.request(http.MethodPost, "/booking/finalize", "")
    f.provisioningClaims(c1)
    require.NoError(t, f.h.FinalizeBooking(c1))
    require.Equal(t, http.StatusOK, rec1.Code)

    c2, rec2 := f.request(http.MethodPost, "/booking/finalize", "")
    f.provisioningClaims(c2)
    require.NoError(t, f.h.FinalizeBooking(c2))
    require.Equal(t, http.StatusOK, rec2.Code)

    first := decode[finalizeResp](t, rec1)
    second := decode[finalizeResp](t, rec2)
    claims1, err := f.issuer.Verify(first.SessionToken, token.ScopeSession)
    require.NoError(t, err)
    claims2, err := f.issuer.Verify(second.SessionToken, token.ScopeSession)
    require.NoError(t, err)

    assert.Equal(t, claims1.Subject, claims2.Subject, "replayed finalize must return the same session")
    assert.Len(t, f.sessions.byID, 1)
    assert.Equal(t, 1, f.bookings.reserves, "pod must not be reserved twice")
    assert.Len(t, f.jobs.jobs, 1, "provisioning must be queued once")
}

func TestFinalizeBookingPaymentSetupIncomplete(t *testing.T) {
    f := newFixture()
    f.payments.intent.Status = "requires_payment_method"
    c, rec := f.request(http.MethodPost, "/booking/finalize", "")
    f.provisioningClaims(c)

    require.NoError(t, f.h.FinalizeBooking(c))
    assert.Equal(t, http.StatusConflict, rec.Code)

    body := decode[map[string]string](t, rec)
    assert.Equal(t, "payment_setup_incomplete", body["error"])
    assert.Empty(t, f.sessions.byID)
}

func TestFinalizeBookingPodUnavailable(t *testing.T) {
    f := newFixture()
    f.pods.pods["pod-1"].InUse = true
    c, rec := f.request(http.MethodPost, "/booking/finalize", "")
    f.provisioningClaims(c)

    require.NoError(t, f.h.FinalizeBooking(c))
    assert.Equal(t, http.StatusConflict, rec.Code)

    body := decode[map[string]string](t, rec)
    assert.Equal(t, "pod_unavailable", body["error"])
}

// ----- provisioning status -----

func TestProvisioningStatusPending(t *testing.T) {
    f := newFixture()
    c, rec := f.request(http.MethodGet, "/provisioning-status", "")
    f.sessionClaims(c, "sess-1")

    require.NoError(t, f.h.ProvisioningStatus(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[provisioningStatusResp](t, rec)
    assert.Equal(t, model.ProvisionPending, resp.Status)
    assert.Nil(t, resp.AccessCode)
}

func TestProvisioningStatusReadyReturnsCode(t *testing.T) {
    f := newFixture()
    ref := "ref-1"
    f.sessions.add(&model.Session{ID: "sess-1", PodID: "pod-1", SetupIntentID: "si-1", AccessCodeRef: &ref})
    f.status.status = model.ProvisionReady

    c, rec := f.request(http.MethodGet, "/provisioning-status", "")
    f.sessionClaims(c, "sess-1")

    require.NoError(t, f.h.ProvisioningStatus(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[provisioningStatusResp](t, rec)
    assert.Equal(t, model.ProvisionReady, resp.Status)
    require.NotNil(t, resp.AccessCode)
    assert.Equal(t, "14231", *resp.AccessCode)
}

// ----- end session -----

func endableSession(f *fixture, start time.Time) *model.Session {
    ref := "ref-1"
    sess := &model.Session{
        ID:               "sess-1",
        PodID:            "pod-1",
        UserEmail:        "alice@example.com",
        StartTime:        start,
        CustomerRef:      "cus-1",
        PaymentMethodRef: "pm-1",
        SetupIntentID:    "si-1",
        AccessCodeRef:    &ref,
    }
    f.sessions.add(sess)
    f.pods.pods["pod-1"].InUse = true
    return sess
}

func TestEndSessionChargesAndCloses(t *testing.T) {
    f := newFixture()
    endableSession(f, time.Now().UTC().Add(-4*time.Minute-30*time.Second))

    c, rec := f.request(http.MethodPost, "/end-session", "")
    f.sessionClaims(c, "sess-1")

    require.NoError(t, f.h.EndSession(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[endSessionResp](t, rec)
    assert.Equal(t, "closed", resp.Status)
    assert.True(t, resp.Charged)
    assert.Equal(t, int64(50), resp.FinalAmountPence, "4m30s at 10p/min rounds up to 5 minutes")

    require.Equal(t, 1, f.payments.chargeCalls)
    assert.Equal(t, int64(50), f.payments.chargedAmts[0])
    assert.NotNil(t, f.sessions.byID["sess-1"].EndTime)
    assert.Equal(t, []string{"pod-1"}, f.pods.released)

    require.Len(t, f.jobs.jobs, 1)
    assert.Equal(t, provision.JobDeprovision, f.jobs.jobs[0].Kind)
    assert.Equal(t, "ref-1", f.jobs.jobs[0].CodeRef)

    require.Len(t, f.events.events, 1)
    assert.Equal(t, queue.TypeSessionClosed, f.events.events[0].Type)
    assert.True(t, f.events.events[0].Charged)
}

func TestEndSessionChargeDeclinedStillCloses(t *testing.T) {
    f := newFixture()
    endableSession(f, time.Now().UTC().Add(-4*time.Minute-30*time.Second))
    f.payments.chargeErr = payment.ErrChargeDeclined

    c, rec := f.request(http.MethodPost, "/end-session", "")
    f.sessionClaims(c, "sess-1")

    require.NoError(t, f.h.EndSession(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[endSessionResp](t, rec)
    assert.Equal(t, "closed", resp.Status)
    assert.False(t, resp.Charged)
    assert.Equal(t, int64(50), resp.FinalAmountPence)

    assert.NotNil(t, f.sessions.byID["sess-1"].EndTime, "a declined charge must not keep the session open")
    assert.Equal(t, []string{"pod-1"}, f.pods.released)
    assert.Equal(t, []string{"sess-1"}, f.attempts.sessionIDs)
    assert.Equal(t, []int64{50}, f.attempts.amounts)
    assert.Equal(t, []string{"sess-1"}, f.mailer.alerts)
}

func TestEndSessionBelowMinimumIsFree(t *testing.T) {
    f := newFixture()
    f.pods.pods["pod-1"].PricePerMinute = 1
    endableSession(f, time.Now().UTC().Add(-10*time.Second))

    c, rec := f.request(http.MethodPost, "/end-session", "")
    f.sessionClaims(c, "sess-1")

    require.NoError(t, f.h.EndSession(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[endSessionResp](t, rec)
    assert.Equal(t, int64(0), resp.FinalAmountPence)
    assert.False(t, resp.Charged)
    assert.Zero(t, f.payments.chargeCalls, "nothing to collect below the minimum charge")
    assert.Empty(t, f.attempts.sessionIDs)
    assert.NotNil(t, f.sessions.byID["sess-1"].EndTime)
}

func TestEndSessionAlreadyComplete(t *testing.T) {
    f := newFixture()
    sess := endableSession(f, time.Now().UTC().Add(-10*time.Minute))
    end := sess.StartTime.Add(5 * time.Minute)
    f.sessions.byID["sess-1"].EndTime = &end

    c, rec := f.request(http.MethodPost, "/end-session", "")
    f.sessionClaims(c, "sess-1")

    require.NoError(t, f.h.EndSession(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[endSessionResp](t, rec)
    assert.Equal(t, "closed", resp.Status)
    assert.Equal(t, int64(50), resp.FinalAmountPence, "settled amount is recomputed from the stored end time")
    assert.Zero(t, f.payments.chargeCalls, "a completed session must never be charged again")
    assert.Empty(t, f.pods.released)
    assert.Empty(t, f.jobs.jobs)
}

// ----- queries -----

func TestGetSessionDataResolvesCodeForActiveSession(t *testing.T) {
    f := newFixture()
    endableSession(f, time.Now().UTC().Add(-time.Minute))

    c, rec := f.request(http.MethodGet, "/get-session-data", "")
    f.sessionClaims(c, "sess-1")

    require.NoError(t, f.h.GetSessionData(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[sessionDataResp](t, rec)
    require.NotNil(t, resp.Session.AccessCode)
    assert.Equal(t, "14231", *resp.Session.AccessCode)
    assert.Equal(t, "Soho Pod", resp.Pod.Name)
    assert.Equal(t, int64(10), resp.Pod.PricePerMinute)
}

func TestGetSessionDataHidesCodeAfterCompletion(t *testing.T) {
    f := newFixture()
    sess := endableSession(f, time.Now().UTC().Add(-time.Hour))
    end := sess.StartTime.Add(30 * time.Minute)
    f.sessions.byID["sess-1"].EndTime = &end

    c, rec := f.request(http.MethodGet, "/get-session-data", "")
    f.sessionClaims(c, "sess-1")

    require.NoError(t, f.h.GetSessionData(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[sessionDataResp](t, rec)
    assert.Nil(t, resp.Session.AccessCode)
    require.NotNil(t, resp.Session.EndTime)
}

func TestEndSessionPreviewDoesNotMutate(t *testing.T) {
    f := newFixture()
    endableSession(f, time.Now().UTC().Add(-4*time.Minute-30*time.Second))

    c, rec := f.request(http.MethodGet, "/end-session-preview?session_id=sess-1", "")

    require.NoError(t, f.h.EndSessionPreview(c))
    require.Equal(t, http.StatusOK, rec.Code)

    resp := decode[previewResp](t, rec)
    assert.False(t, resp.IsComplete)
    assert.Equal(t, "Soho Pod", resp.PodName)
    assert.Equal(t, int64(50), resp.CostPence)

    assert.Nil(t, f.sessions.byID["sess-1"].EndTime, "preview must not close the session")
    assert.Zero(t, f.payments.chargeCalls)
}

func TestIsSessionComplete(t *testing.T) {
    f := newFixture()
    endableSession(f, time.Now().UTC().Add(-time.Minute))

    c, rec := f.request(http.MethodGet, "/is-session-complete?session_id=sess-1", "")
    require.NoError(t, f.h.IsSessionComplete(c))
    body := decode[map[string]bool](t, rec)
    assert.False(t, body["is_complete"])

    end := time.Now().UTC()
    f.sessions.byID["sess-1"].EndTime = &end

    c2, rec2 := f.request(http.MethodGet, "/is-session-complete?session_id=sess-1", "")
    require.NoError(t, f.h.IsSessionComplete(c2))
    body2 := decode[map[string]bool](t, rec2)
    assert.True(t, body2["is_complete"])
}

func TestLockStatus(t *testing.T) {
    f := newFixture()
    c, rec := f.request(http.MethodGet, "/lock-status?pod_id=pod-1", "")

    require.NoError(t, f.h.LockStatus(c))
    require.Equal(t, http.StatusOK, rec.Code)

    body := decode[map[string]bool](t, rec)
    assert.True(t, body["is_locked"])
}

// ----- webhook -----

func TestWebhookAcknowledgesKnownEvent(t *testing.T) {
    f := newFixture()
    wh := NewWebhookHandler(f.payments)

    c, rec := f.request(http.MethodPost, "/webhook/provider", `{"ID":"evt-1","Type":"setup_intent.succeeded","SetupIntentID":"si-1"}`)
    require.NoError(t, wh.HandleProviderEvent(c))
    require.Equal(t, http.StatusOK, rec.Code)

    body := decode[map[string]string](t, rec)
    assert.Equal(t, "success", body["status"])
}

func TestWebhookRejectsUnhandledEvent(t *testing.T) {
    f := newFixture()
    wh := NewWebhookHandler(f.payments)

    c, rec := f.request(http.MethodPost, "/webhook/provider", `{"ID":"evt-2","Type":"charge.refunded"}`)
    require.NoError(t, wh.HandleProviderEvent(c))
    require.Equal(t, http.StatusBadRequest, rec.Code)

    body := decode[map[string]string](t, rec)
    assert.Equal(t, "unhandled_event", body["error"])
}
