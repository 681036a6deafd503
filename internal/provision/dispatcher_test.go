package provision

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/podly/pod-rental/internal/model"
)

func TestDispatcherRunsProvisionJobs(t *testing.T) {
    f := newFixture()
    d := NewDispatcher(f.provisioner(3), 2, 8)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    d.Start(ctx)

    require.NoError(t, d.Enqueue(Job{Kind: JobProvision, SessionID: "sess-1"}))
    d.Stop()

    assert.Equal(t, model.ProvisionReady, f.records.records["sess-1"].Status)
}

func TestDispatcherRunsDeprovisionJobs(t *testing.T) {
    f := newFixture()
    d := NewDispatcher(f.provisioner(3), 1, 8)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    d.Start(ctx)

    require.NoError(t, d.Enqueue(Job{Kind: JobDeprovision, CodeRef: "ref-9"}))
    d.Stop()

    assert.Equal(t, []string{"ref-9"}, f.backend.deleted)
}

func TestDispatcherEnqueueFullQueue(t *testing.T) {
    f := newFixture()
    // No workers started: the queue fills up.
    d := NewDispatcher(f.provisioner(3), 1, 2)

    require.NoError(t, d.Enqueue(Job{Kind: JobProvision, SessionID: "a"}))
    require.NoError(t, d.Enqueue(Job{Kind: JobProvision, SessionID: "b"}))
    assert.ErrorIs(t, d.Enqueue(Job{Kind: JobProvision, SessionID: "c"}), ErrQueueFull)
}

func TestDispatcherStopsOnContextCancel(t *testing.T) {
    f := newFixture()
    d := NewDispatcher(f.provisioner(3), 1, 1)

    ctx, cancel := context.WithCancel(context.Background())
    d.Start(ctx)
    cancel()

    done := make(chan struct{})
    go func() {
        d.wg.Wait()
        close(done)
    }()
    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatal("workers did not exit after context cancellation")
    }
}
