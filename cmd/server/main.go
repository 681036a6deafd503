package main // Entry point package

import (
    "context" // root context for the background worker pool
    "log"     // Logging library

    "github.com/joho/godotenv"    // Loads .env files in development
    "github.com/labstack/echo/v4" // Echo web framework

    "github.com/podly/pod-rental/internal/config"     // Internal config loader
    "github.com/podly/pod-rental/internal/database"   // Database connection pool
    "github.com/podly/pod-rental/internal/email"      // Transactional email capability
    "github.com/podly/pod-rental/internal/handler"    // HTTP handlers
    "github.com/podly/pod-rental/internal/lock"       // Access-code backends
    "github.com/podly/pod-rental/internal/middleware" // Rate limiting middleware
    "github.com/podly/pod-rental/internal/payment"    // Payment processor client
    "github.com/podly/pod-rental/internal/provision"  // Provisioning protocol and worker pool
    "github.com/podly/pod-rental/internal/queue"      // Session lifecycle event consumer
    "github.com/podly/pod-rental/internal/repository" // Persistence layer
    "github.com/podly/pod-rental/internal/router"     // Route registration
    qp "github.com/podly/pod-rental/internal/service"  // Lifecycle event publisher
    "github.com/podly/pod-rental/internal/token"      // Scoped token issuer
)

func main() {
    // Load .env if present so local development does not need exported
    // variables.  Missing files are fine; production sets real env vars.
    _ = godotenv.Load()

    cfg := config.Load() // Load environment config

    // Open the database pool.  Everything persistent lives here: pods,
    // sessions, provisioning records and invalid payment attempts.
    db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
    if err != nil {
        log.Fatalf("database: %v", err)
    }
    defer db.Close()

    pods := repository.NewPodRepo(db)
    sessions := repository.NewSessionRepo(db)
    provisionings := repository.NewProvisioningRepo(db)
    attempts := repository.NewPaymentAttemptRepo(db)
    bookings := repository.NewBookingStore(db, pods, sessions, provisionings)

    issuer := token.NewIssuer(cfg.JWTSecret)
    payments := payment.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
    mailer := email.NewResendMailer(cfg.ResendAPIKey, cfg.EmailFrom, cfg.AlertRecipients)

    // Pick the access-code backend.  Static mode ships pre-programmed
    // keypad codes and never calls the lock API; dynamic mode provisions
    // codes through the lock provider and polls until they are set.
    var backend lock.Backend
    if cfg.UseStaticCodes {
        backend, err = lock.NewStaticBackend(cfg.StaticCodeKey, nil)
        if err != nil {
            log.Fatalf("static codes: %v", err)
        }
    } else {
        backend = lock.NewSeamBackend(cfg.SeamBaseURL, cfg.SeamAPIKey, cfg.LockPollAttempts, cfg.LockPollInterval)
    }

    events := qp.NewPublisher(cfg.AmqpURL)

    // Background provisioning: the worker pool drains a bounded job
    // queue so a slow lock API backs pressure up to Enqueue instead of
    // spawning unbounded goroutines.
    prov := provision.NewProvisioner(sessions, pods, provisionings, backend, mailer, events, cfg.ProvisionMaxAttempts)
    dispatcher := provision.NewDispatcher(prov, cfg.WorkerCount, cfg.JobQueueSize)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    dispatcher.Start(ctx)
    defer dispatcher.Stop()

    // Consume lifecycle events into the audit log.  The consumer
    // reconnects on broker failures and never takes the service down.
    go func() {
        if err := queue.StartSessionConsumer(cfg.AmqpURL); err != nil {
            log.Printf("queue consumer stopped: %v", err)
        }
    }()

    // Rate limiting for the unauthenticated surface.  A missing Redis
    // degrades to pass-through rather than blocking startup.
    rdb := config.NewRedisClient()
    limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)

    sessionHandler := handler.NewSessionHandler(pods, sessions, bookings, attempts, prov, issuer, payments, backend, mailer, dispatcher, events, cfg.PromoEnabled)
    webhookHandler := handler.NewWebhookHandler(payments)

    e := echo.New() // Create Echo instance
    router.RegisterRoutes(e)
    router.RegisterSession(e, sessionHandler, webhookHandler, issuer, limiter)

    addr := ":" + cfg.Port                                // Address string with port
    log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info

    if err := e.Start(addr); err != nil { // Start HTTP server
        log.Fatal(err) // Log and exit if server fails
    }
}
