package provision

import (
    "context"
    "errors"
    "log"
    "sync"
    "time"
)

// JobKind discriminates the two background task types.
type JobKind string

const (
    JobProvision   JobKind = "provision"
    JobDeprovision JobKind = "deprovision"
)

// Job is one unit of background work.  SessionID is set for provision
// jobs; CodeRef for deprovision jobs.
type Job struct {
    Kind      JobKind
    SessionID string
    CodeRef   string
}

// ErrQueueFull is returned by Enqueue when the bounded job queue has
// no room.  Callers log it; the polling endpoint will keep reporting
// PENDING and an operator can requeue.
var ErrQueueFull = errors.New("provisioning queue full")

// jobTimeout caps how long one job may run.  It comfortably covers the
// lock provider's polling window.
const jobTimeout = 2 * time.Minute

// Dispatcher runs provisioning jobs on a fixed worker pool fed by a
// bounded queue.  Dispatch is decoupled from the HTTP request that
// produced the job, but unlike detached goroutines the queue gives
// backpressure and the workers report every failure to the log and
// the event stream.
type Dispatcher struct {
    prov    *Provisioner
    jobs    chan Job
    workers int
    wg      sync.WaitGroup
}

// NewDispatcher returns a Dispatcher with the given pool size and
// queue capacity.  Values below one are raised to one.
func NewDispatcher(prov *Provisioner, workers, queueSize int) *Dispatcher {
    if workers < 1 {
        workers = 1
    }
    if queueSize < 1 {
        queueSize = 1
    }
    return &Dispatcher{
        prov:    prov,
        jobs:    make(chan Job, queueSize),
        workers: workers,
    }
}

// Start launches the worker pool.  Workers exit when ctx is cancelled
// or Stop closes the queue.
func (d *Dispatcher) Start(ctx context.Context) {
    for i := 0; i < d.workers; i++ {
        d.wg.Add(1)
        go d.worker(ctx)
    }
}

// Enqueue adds a job without blocking.  A full queue returns
// ErrQueueFull instead of stalling the HTTP request that produced the
// job.
func (d *Dispatcher) Enqueue(job Job) error {
    select {
    case d.jobs <- job:
        return nil
    default:
        return ErrQueueFull
    }
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (d *Dispatcher) Stop() {
    close(d.jobs)
    d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
    defer d.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case job, ok := <-d.jobs:
            if !ok {
                return
            }
            d.run(job)
        }
    }
}

// run executes one job with its own timeout.  Jobs have no
// cancellation hook beyond the timeout: a session ending before its
// provision job completes just leaves the job to finish harmlessly,
// since Provision is idempotent.
func (d *Dispatcher) run(job Job) {
    ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
    defer cancel()

    var err error
    switch job.Kind {
    case JobProvision:
        err = d.prov.Provision(ctx, job.SessionID)
    case JobDeprovision:
        err = d.prov.Deprovision(ctx, job.CodeRef)
    default:
        log.Printf("dispatcher: unknown job kind %q", job.Kind)
        return
    }
    if err != nil {
        log.Printf("dispatcher: %s job for session %s failed: %v", job.Kind, job.SessionID, err)
    }
}
