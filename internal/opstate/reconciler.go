package opstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/regix1/lancache-manager-sub005/internal/api"
)

// Reconciler timing defaults.
const (
	// defaultErrorPollInterval is the degraded cadence used after
	// consecutive poll failures, on the assumption the server is
	// restarting.
	defaultErrorPollInterval = 5 * time.Second

	// defaultCancelGrace bounds how long a requested cancel may sit in
	// Cancelling with no terminal status before the reconciler force-
	// resolves locally. A safety valve for the UI, not a correctness
	// guarantee: the server's own belief may lag behind.
	defaultCancelGrace = 5 * time.Second
)

// Phase is the reconciler's position in its per-operation state machine.
type Phase int

const (
	// PhaseIdle means no operation is being tracked.
	PhaseIdle Phase = iota
	// PhasePolling means an operation id is tracked: the poll loop runs
	// and push events for the id are merged as they arrive.
	PhasePolling
)

func (p Phase) String() string {
	switch p {
	case PhasePolling:
		return "polling"
	default:
		return "idle"
	}
}

// StatusFunc fetches the authoritative status of a tracked operation.
// Kinds whose status endpoint takes no id ignore the argument.
type StatusFunc func(ctx context.Context, operationID string) (*api.OperationStatus, error)

// CancelFunc requests cancellation of a tracked operation. Best-effort,
// one attempt, own timeout.
type CancelFunc func(ctx context.Context, operationID string) error

// ReconcilerConfig wires a reconciler to one operation kind.
type ReconcilerConfig struct {
	Binding *Binding
	Status  StatusFunc
	Cancel  CancelFunc

	// PollInterval is the steady-state poll cadence for this kind.
	PollInterval time.Duration
	// ErrorPollInterval is used while consecutive polls fail. Zero means
	// the 5 s default.
	ErrorPollInterval time.Duration
	// CancelGrace is the stuck-cancel timeout. Zero means the 5 s default.
	CancelGrace time.Duration

	// OnProgress receives every accepted status update. The reconciler
	// pushes state out; it retains nothing the caller could read instead.
	OnProgress func(api.OperationStatus)
	// OnComplete receives the terminal (or force-resolved) status once.
	OnComplete func(api.OperationStatus)

	// Events, when non-nil, supplies push notifications for PushEvent.
	// Push is a low-latency accelerant: it never replaces the poll loop,
	// which tolerates a hub that drops and reconnects.
	Events    *Subscriber
	PushEvent string

	Logger *slog.Logger
}

// Reconciler drives one operation kind from save to terminal status by
// merging two independent channels: the authoritative poll loop and
// at-most-once, possibly out-of-order push events. It owns its poll
// goroutine and push subscription; records are read and cleared only
// through the lifecycle binding.
type Reconciler struct {
	cfg    ReconcilerConfig
	logger *slog.Logger

	mu          sync.Mutex
	phase       Phase
	opID        string
	last        *api.OperationStatus
	errStreak   int
	cancelAsked bool
	cancelTimer *time.Timer
	pollCancel  context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewReconciler creates a reconciler in Idle. Call Track after a save
// returns an operation id, or Recover on startup.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.ErrorPollInterval <= 0 {
		cfg.ErrorPollInterval = defaultErrorPollInterval
	}

	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}

	return &Reconciler{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("kind", string(cfg.Binding.Type()))),
	}
}

// Phase returns the current state machine phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.phase
}

// Track transitions Idle → Polling for the given operation id: one
// immediate status request, then the per-kind interval, plus a push
// subscription for the same id. A no-op when already tracking.
func (r *Reconciler) Track(ctx context.Context, operationID string) {
	r.mu.Lock()
	if r.phase == PhasePolling {
		r.mu.Unlock()
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	r.phase = PhasePolling
	r.opID = operationID
	r.last = nil
	r.errStreak = 0
	r.cancelAsked = false
	r.pollCancel = cancel

	if r.cfg.Events != nil && r.cfg.PushEvent != "" {
		r.unsubscribe = r.cfg.Events.Subscribe(r.cfg.PushEvent, func(st api.OperationStatus) {
			r.handlePush(st)
		})
	}

	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("tracking operation",
		slog.String("operation_id", operationID),
		slog.Duration("poll_interval", r.cfg.PollInterval),
	)

	go r.pollLoop(pollCtx)
}

// Recover attempts to resume tracking from a persisted record: load the
// binding's slot, ask the status endpoint once, and either resume polling
// (non-terminal) or clear the stale pointer (terminal, or the fetch failed
// outright). Never returns an error: recovery degrades to "nothing to
// resume, start fresh".
func (r *Reconciler) Recover(ctx context.Context) {
	rec := r.cfg.Binding.Load(ctx)
	if rec == nil {
		return
	}

	opID := OperationID(rec)

	st, err := r.cfg.Status(ctx, opID)
	if err != nil {
		r.logger.Warn("status fetch for recovered operation failed, discarding pointer",
			slog.String("operation_id", opID),
			slog.String("error", err.Error()),
		)

		if clearErr := r.cfg.Binding.Clear(ctx); clearErr != nil {
			r.logger.Debug("clearing stale pointer failed", slog.String("error", clearErr.Error()))
		}

		return
	}

	if st.Status.IsTerminal() {
		r.logger.Info("recovered operation already terminal, discarding pointer",
			slog.String("operation_id", opID),
			slog.String("status", string(st.Status)),
		)

		if clearErr := r.cfg.Binding.Clear(ctx); clearErr != nil {
			r.logger.Debug("clearing stale pointer failed", slog.String("error", clearErr.Error()))
		}

		return
	}

	r.logger.Info("resuming tracking of live operation",
		slog.String("operation_id", opID),
		slog.String("status", string(st.Status)),
		slog.Float64("percent", st.PercentComplete),
	)

	r.Track(ctx, opID)
}

// RequestCancel overlays Cancelling on the displayed status immediately,
// fires a best-effort cancel at the server, and arms the stuck-cancel
// timer. The poll loop keeps running until the server reports a terminal
// status or the grace period expires.
func (r *Reconciler) RequestCancel(ctx context.Context) {
	r.mu.Lock()
	if r.phase != PhasePolling || r.cancelAsked {
		r.mu.Unlock()
		return
	}

	r.cancelAsked = true
	opID := r.opID

	// Optimistic overlay for instant feedback, independent of what the
	// server reports next.
	overlaid := api.OperationStatus{OperationID: opID, Status: api.StatusCancelling}
	if r.last != nil {
		overlaid = *r.last
		overlaid.Status = api.StatusCancelling
	}

	r.last = &overlaid

	r.cancelTimer = time.AfterFunc(r.cfg.CancelGrace, func() { r.forceResolveCancel() })
	r.mu.Unlock()

	if r.cfg.OnProgress != nil {
		r.cfg.OnProgress(overlaid)
	}

	r.logger.Info("cancel requested", slog.String("operation_id", opID))

	// Fire and forget: one attempt with the cancel endpoint's own
	// timeout, never retried.
	go func() {
		if err := r.cfg.Cancel(ctx, opID); err != nil {
			r.logger.Warn("cancel request failed, waiting for poll to confirm state",
				slog.String("operation_id", opID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// forceResolveCancel fires when Cancelling persisted past the grace period
// with no terminal status from any channel. The operation is locally
// treated as cancelled so the caller is not stuck forever. Best effort by
// design: the server may still believe the operation is live, in which
// case the next startup recovery sweep corrects the disagreement.
func (r *Reconciler) forceResolveCancel() {
	r.mu.Lock()
	if r.phase != PhasePolling || !r.cancelAsked {
		r.mu.Unlock()
		return
	}

	st := api.OperationStatus{
		OperationID: r.opID,
		Status:      api.StatusCancelled,
		Message:     "cancel unconfirmed by server; resolved locally",
	}
	if r.last != nil {
		st.PercentComplete = r.last.PercentComplete
	}

	r.logger.Warn("no terminal status within cancel grace, resolving locally",
		slog.String("operation_id", r.opID),
		slog.Duration("grace", r.cfg.CancelGrace),
	)

	r.finishLocked(st)
}

// pollLoop is the authoritative fallback channel: an immediate status
// request, then a fixed cadence that degrades while polls keep failing.
func (r *Reconciler) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		r.pollOnce(ctx)

		r.mu.Lock()
		if r.phase != PhasePolling {
			r.mu.Unlock()
			return
		}

		interval := r.cfg.PollInterval
		if r.errStreak > 0 {
			interval = r.cfg.ErrorPollInterval
		}
		r.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce issues one status request and merges the response.
func (r *Reconciler) pollOnce(ctx context.Context) {
	r.mu.Lock()
	opID := r.opID
	r.mu.Unlock()

	st, err := r.cfg.Status(ctx, opID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		r.errStreak++
		streak := r.errStreak
		r.mu.Unlock()

		r.logger.Debug("status poll failed",
			slog.String("operation_id", opID),
			slog.Int("consecutive_errors", streak),
			slog.String("error", err.Error()),
		)

		return
	}

	r.mu.Lock()
	r.errStreak = 0
	r.mu.Unlock()

	r.apply(*st)
}

// handlePush merges a push event for the tracked id. Push resets the error
// streak (the server is clearly alive) but never stops the poll loop.
func (r *Reconciler) handlePush(st api.OperationStatus) {
	r.mu.Lock()
	if r.phase != PhasePolling {
		r.mu.Unlock()
		return
	}

	if st.OperationID != "" && r.opID != "" && st.OperationID != r.opID {
		r.mu.Unlock()
		return
	}

	r.errStreak = 0
	r.mu.Unlock()

	r.apply(st)
}

// apply runs the monotonic merge: an incoming status is accepted only if
// it does not regress an already-observed terminal or higher-progress
// state. Duplicate terminal notifications collapse to one completion.
func (r *Reconciler) apply(st api.OperationStatus) {
	r.mu.Lock()

	if r.phase != PhasePolling {
		r.mu.Unlock()
		return
	}

	// While a cancel is pending, non-terminal reports keep the
	// Cancelling overlay rather than reverting the display to Running.
	if r.cancelAsked && !st.Status.IsTerminal() {
		st.Status = api.StatusCancelling
	}

	if !st.Supersedes(r.last) {
		r.mu.Unlock()

		r.logger.Debug("discarding stale status report",
			slog.String("status", string(st.Status)),
			slog.Float64("percent", st.PercentComplete),
		)

		return
	}

	r.last = &st

	if st.Status.IsTerminal() {
		r.finishLocked(st)
		return
	}

	r.mu.Unlock()

	if r.cfg.OnProgress != nil {
		r.cfg.OnProgress(st)
	}
}

// finishLocked tears down tracking and returns to Idle. Called with the
// mutex held; releases it.
func (r *Reconciler) finishLocked(st api.OperationStatus) {
	r.phase = PhaseIdle
	r.last = nil
	r.opID = ""
	r.cancelAsked = false

	if r.cancelTimer != nil {
		r.cancelTimer.Stop()
		r.cancelTimer = nil
	}

	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}

	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	r.logger.Info("operation reached terminal state",
		slog.String("operation_id", st.OperationID),
		slog.String("status", string(st.Status)),
	)

	if r.cfg.OnComplete != nil {
		r.cfg.OnComplete(st)
	}

	// The pointer is stale the moment the operation terminates. Clearing
	// goes through the binding so the proxy's queue and retry still apply.
	if err := r.cfg.Binding.Clear(context.Background()); err != nil {
		r.logger.Warn("clearing completed operation pointer failed",
			slog.String("error", err.Error()),
		)
	}
}

// Stop halts tracking without resolving the operation. The persisted
// record is left in place so a later Recover can resume it.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.phase != PhasePolling {
		r.mu.Unlock()
		return
	}

	r.phase = PhaseIdle
	r.last = nil
	r.opID = ""
	r.cancelAsked = false

	if r.cancelTimer != nil {
		r.cancelTimer.Stop()
		r.cancelTimer = nil
	}

	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}

	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	r.wg.Wait()
}
