package router // package router defines how HTTP routes are registered for the API

import (
    "github.com/labstack/echo/v4" // import the Echo web framework to handle routing

    "github.com/podly/pod-rental/internal/handler"    // import the handlers that implement business logic
    "github.com/podly/pod-rental/internal/middleware" // import middleware for token scope enforcement
    "github.com/podly/pod-rental/internal/token"      // token scopes guarding each lifecycle phase
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
    // Map the GET request at path "/healthz" to the Health handler.  This
    // endpoint can be used by load balancers or monitoring systems to verify
    // that the service is up and running.
    e.GET("/healthz", handler.Health)
}

// RegisterSession registers the booking and session lifecycle routes.
// Public endpoints (pod metadata, setup intent creation, the
// email-linked session views and the lock probe) take the rate
// limiter; the token-gated endpoints are grouped by the scope their
// bearer token must carry.
func RegisterSession(e *echo.Echo, s *handler.SessionHandler, w *handler.WebhookHandler, issuer *token.Issuer, limiter echo.MiddlewareFunc) {
    // Unauthenticated surface.  These endpoints are reachable without a
    // token (the booking page and the session-management page linked from
    // the access email), so they carry the rate limiter.
    pub := e.Group("", limiter)
    pub.POST("/setup-intent", s.CreateSetupIntent)
    pub.GET("/pod", s.GetPod)
    pub.GET("/end-session-preview", s.EndSessionPreview)
    pub.GET("/is-session-complete", s.IsSessionComplete)
    pub.GET("/lock-status", s.LockStatus)

    // The webhook is authenticated by its provider signature, not a
    // bearer token, and must never be rate limited: dropped deliveries
    // trigger provider-side retries.
    e.POST("/webhook/provider", w.HandleProviderEvent)

    // Finalize consumes the provisioning token issued at setup.
    prov := e.Group("", middleware.RequireScope(issuer, token.ScopeProvisioning))
    prov.POST("/booking/finalize", s.FinalizeBooking)

    // Everything after finalize requires the session token.
    sess := e.Group("", middleware.RequireScope(issuer, token.ScopeSession))
    sess.GET("/provisioning-status", s.ProvisioningStatus)
    sess.GET("/get-session-data", s.GetSessionData)
    sess.POST("/end-session", s.EndSession)
}
