package opstate

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regix1/lancache-manager-sub005/internal/api"
)

// reconcilerHarness bundles the pieces most reconciler tests need.
type reconcilerHarness struct {
	store    *fakeStore
	proxy    *Proxy
	binding  *Binding
	status   *scriptedStatus
	progress *progressLog
	done     chan api.OperationStatus
	cancels  chan string
	rec      *Reconciler
}

func newReconcilerHarness(t *testing.T, statuses ...api.OperationStatus) *reconcilerHarness {
	t.Helper()

	h := &reconcilerHarness{
		store:    newFakeStore(),
		status:   &scriptedStatus{sequence: statuses, errAt: map[int]error{}},
		progress: &progressLog{},
		done:     make(chan api.OperationStatus, 1),
		cancels:  make(chan string, 4),
	}

	h.proxy = NewProxy(h.store, slog.Default())
	h.proxy.window = 20 * time.Millisecond
	t.Cleanup(h.proxy.Close)

	h.binding = NewBinding(h.proxy, KeyCacheClear, api.OpCacheClearing, 0, slog.Default())

	h.rec = NewReconciler(ReconcilerConfig{
		Binding:      h.binding,
		Status:       h.status.fn,
		Cancel:       func(_ context.Context, id string) error { h.cancels <- id; return nil },
		PollInterval: 20 * time.Millisecond,
		// Degraded interval kept short, tests wait on real timers.
		ErrorPollInterval: 40 * time.Millisecond,
		CancelGrace:       80 * time.Millisecond,
		OnProgress:        h.progress.add,
		OnComplete:        func(st api.OperationStatus) { h.done <- st },
		Logger:            slog.Default(),
	})

	t.Cleanup(h.rec.Stop)

	return h
}

func running(pct float64) api.OperationStatus {
	return api.OperationStatus{OperationID: "7", Status: api.StatusRunning, PercentComplete: pct}
}

func terminal(s api.Status) api.OperationStatus {
	return api.OperationStatus{OperationID: "7", Status: s, PercentComplete: 100}
}

func (h *reconcilerHarness) waitDone(t *testing.T) api.OperationStatus {
	t.Helper()

	select {
	case st := <-h.done:
		return st
	case <-time.After(3 * time.Second):
		t.Fatal("operation never reached a terminal state")
		return api.OperationStatus{}
	}
}

func TestReconciler_TracksToCompletion(t *testing.T) {
	h := newReconcilerHarness(t, running(10), running(60), terminal(api.StatusCompleted))

	ctx := context.Background()

	_, err := h.binding.Save(ctx, CacheClearData{OperationID: "7"})
	require.NoError(t, err)

	h.rec.Track(ctx, "7")

	final := h.waitDone(t)
	assert.Equal(t, api.StatusCompleted, final.Status)
	assert.Equal(t, PhaseIdle, h.rec.Phase())

	// Progress flowed through in order.
	updates := h.progress.all()
	require.NotEmpty(t, updates)
	assert.Equal(t, 10.0, updates[0].PercentComplete)

	// Terminal state clears the persisted pointer (queued, so poll for it).
	require.Eventually(t, func() bool {
		return !h.store.has(KeyCacheClear)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReconciler_PushNeverRegressesToStalePoll(t *testing.T) {
	// Every poll reports 10: after the push arrives, polls are stale.
	h := newReconcilerHarness(t, running(10))

	h.rec.Track(context.Background(), "7")

	// Wait for the first poll to land.
	require.Eventually(t, func() bool {
		_, ok := h.progress.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// A push event jumps ahead of polling.
	h.rec.handlePush(running(55))

	last, _ := h.progress.last()
	assert.Equal(t, 55.0, last.PercentComplete, "push must update progress immediately")

	// Let several stale polls land; none may regress the progress.
	start := h.status.callCount()

	require.Eventually(t, func() bool {
		return h.status.callCount() >= start+2
	}, 2*time.Second, 5*time.Millisecond)

	last, _ = h.progress.last()
	assert.Equal(t, 55.0, last.PercentComplete, "stale polls must not regress pushed progress")
}

func TestReconciler_PushForOtherOperationIgnored(t *testing.T) {
	h := newReconcilerHarness(t, running(10))

	h.rec.Track(context.Background(), "7")

	h.rec.handlePush(api.OperationStatus{OperationID: "99", Status: api.StatusCompleted})

	assert.Equal(t, PhasePolling, h.rec.Phase(), "a terminal push for another id must not finish this operation")
}

func TestReconciler_PushTerminalCompletes(t *testing.T) {
	h := newReconcilerHarness(t, running(10))

	h.rec.Track(context.Background(), "7")
	h.rec.handlePush(terminal(api.StatusCompleted))

	final := h.waitDone(t)
	assert.Equal(t, api.StatusCompleted, final.Status)
	assert.Equal(t, PhaseIdle, h.rec.Phase())
}

func TestReconciler_CancelOverlaysImmediately(t *testing.T) {
	h := newReconcilerHarness(t, running(30))

	ctx := context.Background()
	h.rec.Track(ctx, "7")

	require.Eventually(t, func() bool {
		_, ok := h.progress.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	h.rec.RequestCancel(ctx)

	last, _ := h.progress.last()
	assert.Equal(t, api.StatusCancelling, last.Status, "cancel must overlay the displayed status immediately")

	// The cancel call itself is fire-and-forget.
	select {
	case id := <-h.cancels:
		assert.Equal(t, "7", id)
	case <-time.After(time.Second):
		t.Fatal("cancel endpoint never called")
	}
}

func TestReconciler_StuckCancelForceResolves(t *testing.T) {
	// The server keeps reporting Running forever; no terminal status will
	// ever arrive.
	h := newReconcilerHarness(t, running(30))

	ctx := context.Background()
	h.rec.Track(ctx, "7")

	_, err := h.binding.Save(ctx, CacheClearData{OperationID: "7"})
	require.NoError(t, err)

	h.rec.RequestCancel(ctx)

	final := h.waitDone(t)
	assert.Equal(t, api.StatusCancelled, final.Status, "stuck cancel must resolve locally as cancelled")
	assert.Equal(t, PhaseIdle, h.rec.Phase())

	require.Eventually(t, func() bool {
		return !h.store.has(KeyCacheClear)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReconciler_CancelConfirmedByServerBeatsGrace(t *testing.T) {
	h := newReconcilerHarness(t, running(30), running(30), terminal(api.StatusCancelled))

	ctx := context.Background()
	h.rec.Track(ctx, "7")
	h.rec.RequestCancel(ctx)

	final := h.waitDone(t)
	assert.Equal(t, api.StatusCancelled, final.Status)
}

func TestReconciler_PollErrorsSwitchToDegradedCadence(t *testing.T) {
	h := newReconcilerHarness(t, running(10))
	h.status.errAt[1] = errors.New("connection refused")
	h.status.errAt[2] = errors.New("connection refused")

	h.rec.Track(context.Background(), "7")

	// Errors do not kill the loop; polling continues and recovers.
	require.Eventually(t, func() bool {
		return h.status.callCount() >= 4
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, PhasePolling, h.rec.Phase())
}

func TestReconciler_RecoverResumesLiveOperation(t *testing.T) {
	h := newReconcilerHarness(t, running(40), terminal(api.StatusCompleted))

	ctx := context.Background()

	// A previous session persisted the pointer.
	_, err := h.binding.Save(ctx, CacheClearData{OperationID: "7"})
	require.NoError(t, err)

	h.rec.Recover(ctx)

	final := h.waitDone(t)
	assert.Equal(t, api.StatusCompleted, final.Status)
}

func TestReconciler_RecoverDiscardsTerminalPointer(t *testing.T) {
	h := newReconcilerHarness(t, terminal(api.StatusCompleted))

	ctx := context.Background()

	_, err := h.binding.Save(ctx, CacheClearData{OperationID: "7"})
	require.NoError(t, err)

	h.rec.Recover(ctx)

	assert.Equal(t, PhaseIdle, h.rec.Phase())

	require.Eventually(t, func() bool {
		return !h.store.has(KeyCacheClear)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReconciler_RecoverStatusFailureDiscardsPointer(t *testing.T) {
	h := newReconcilerHarness(t)
	h.status.errAt[0] = errors.New("connection refused")

	ctx := context.Background()

	_, err := h.binding.Save(ctx, CacheClearData{OperationID: "7"})
	require.NoError(t, err)

	h.rec.Recover(ctx)

	assert.Equal(t, PhaseIdle, h.rec.Phase())
}

func TestReconciler_RecoverWithNoRecordStaysIdle(t *testing.T) {
	h := newReconcilerHarness(t, running(10))

	h.rec.Recover(context.Background())

	assert.Equal(t, PhaseIdle, h.rec.Phase())
	assert.Equal(t, 0, h.status.callCount(), "no record means no status fetch")
}

func TestReconciler_DuplicateTerminalNotificationsCollapse(t *testing.T) {
	h := newReconcilerHarness(t, running(10))

	h.rec.Track(context.Background(), "7")

	h.rec.handlePush(terminal(api.StatusCompleted))
	h.rec.handlePush(terminal(api.StatusCompleted))

	final := h.waitDone(t)
	assert.Equal(t, api.StatusCompleted, final.Status)

	select {
	case <-h.done:
		t.Fatal("completion callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}
