// Package opstate implements client-side tracking of long-running server
// operations: a proxy to the durable operation-state store with bounded
// queueing, per-key debouncing and retrying transport; typed lifecycle
// bindings per operation kind; and a reconciler that merges polled and
// pushed status until an operation reaches a terminal state.
package opstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regix1/lancache-manager-sub005/internal/api"
)

// Queue and debounce tuning.
const (
	// maxConcurrentRequests caps in-flight store calls. Excess requests
	// wait in FIFO order.
	maxConcurrentRequests = 3

	// requestPacing delays each dispatched request briefly so a burst
	// after a reconnect does not hammer the server.
	requestPacing = 100 * time.Millisecond

	// defaultDebounceWindow coalesces rapid updates for the same key
	// into a single PATCH carrying the last writer's fields.
	defaultDebounceWindow = 500 * time.Millisecond

	// queueBuffer is the enqueue channel depth. Producers block (or bail
	// on context cancel) once it fills.
	queueBuffer = 256
)

// TTLs in minutes, matching the store's expirationMinutes field.
const (
	DefaultTTLMinutes = 30

	// migratedTTLMinutes is the extended TTL for records migrated from
	// legacy local state: a migrated job may already be mid-flight.
	migratedTTLMinutes = 120
)

// ErrProxyClosed is returned for requests enqueued after Close.
var ErrProxyClosed = errors.New("opstate: proxy closed")

// StateClient is the slice of the management API the proxy needs.
// *api.Client satisfies it.
type StateClient interface {
	GetState(ctx context.Context, key string) (*api.OperationRecord, error)
	SaveState(ctx context.Context, key string, typ api.OperationType, data map[string]any, ttlMinutes int) (*api.OperationRecord, error)
	UpdateState(ctx context.Context, key string, updates map[string]any) (*api.OperationRecord, error)
	DeleteState(ctx context.Context, key string) (*api.RemoveResult, error)
	ListStates(ctx context.Context, typ api.OperationType) ([]api.OperationRecord, error)
}

// LegacyStore is the local-only store that predates the durable server-side
// one. MigrateLegacyState drains it. internal/legacy provides the real
// implementation.
type LegacyStore interface {
	Load(ctx context.Context, key string) (map[string]any, bool, error)
	Delete(ctx context.Context, key string) error
}

// legacyKeyTypes maps the fixed set of legacy keys to the operation type
// each one tracked. Key names are the ones the old client persisted.
var legacyKeyTypes = []struct {
	key string
	typ api.OperationType
}{
	{"activeCacheClearOperation", api.OpCacheClearing},
	{"activeLogProcessing", api.OpLogProcessing},
	{"activeServiceRemoval", api.OpServiceRemoval},
}

// requestResult carries a queued request's outcome back to its caller.
type requestResult struct {
	record *api.OperationRecord
	remove *api.RemoveResult
	err    error
}

// queuedRequest is one store call awaiting dispatch. It lives only in the
// proxy's in-memory queue and is never persisted.
type queuedRequest struct {
	id   string
	op   string
	key  string
	run  func(ctx context.Context) requestResult
	done chan requestResult
}

// pendingUpdate accumulates debounced partial updates for one key. The
// payload is merged last-writer-wins per field; every waiter in the window
// receives the result of the single coalesced PATCH.
type pendingUpdate struct {
	timer   *time.Timer
	payload map[string]any
	waiters []chan requestResult
}

// Proxy is the client-side gateway to the operation-state store. It owns
// the bounded request queue and the per-key debounce timers; nothing else
// talks to the store's write endpoints.
type Proxy struct {
	client StateClient
	logger *slog.Logger

	window time.Duration

	requests chan *queuedRequest

	pendingMu sync.Mutex
	pending   map[string]*pendingUpdate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProxy creates a proxy and starts its dispatch workers. Call Close to
// stop them.
func NewProxy(client StateClient, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Proxy{
		client:   client,
		logger:   logger,
		window:   defaultDebounceWindow,
		requests: make(chan *queuedRequest, queueBuffer),
		pending:  make(map[string]*pendingUpdate),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < maxConcurrentRequests; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// worker pulls requests off the FIFO queue and executes them. Three
// workers reading one channel gives the concurrency cap; the pacing sleep
// spreads out bursts.
func (p *Proxy) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.requests:
			select {
			case <-p.ctx.Done():
				req.done <- requestResult{err: ErrProxyClosed}
				return
			case <-time.After(requestPacing):
			}

			res := req.run(p.ctx)
			if res.err != nil {
				p.logger.Warn("store request failed",
					slog.String("op", req.op),
					slog.String("key", req.key),
					slog.String("request_id", req.id),
					slog.String("error", res.err.Error()),
				)
			}

			req.done <- res
		}
	}
}

// enqueue places a request on the queue and waits for its result.
func (p *Proxy) enqueue(ctx context.Context, req *queuedRequest) requestResult {
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return requestResult{err: ctx.Err()}
	case <-p.ctx.Done():
		return requestResult{err: ErrProxyClosed}
	}

	select {
	case res := <-req.done:
		return res
	case <-ctx.Done():
		return requestResult{err: ctx.Err()}
	}
}

// Get is a best-effort, non-blocking lookup. Any failure, including an
// unreachable store, is reported as "no record": recovery paths treat
// "not found" and "store down" identically and degrade to a fresh start.
func (p *Proxy) Get(ctx context.Context, key string) *api.OperationRecord {
	rec, err := p.client.GetState(ctx, key)
	if err != nil {
		if !errors.Is(err, api.ErrNotFound) {
			p.logger.Debug("state lookup failed, treating as absent",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}

	return rec
}

// Save enqueues a create-or-overwrite for key and resolves once it has
// actually executed. Saves always go through the queue and the retrying
// transport: a lost save means losing the ability to recover after reload.
func (p *Proxy) Save(ctx context.Context, key string, typ api.OperationType, data map[string]any, ttlMinutes int) (*api.OperationRecord, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = DefaultTTLMinutes
	}

	req := &queuedRequest{
		id:   uuid.NewString(),
		op:   "save",
		key:  key,
		done: make(chan requestResult, 1),
		run: func(ctx context.Context) requestResult {
			rec, err := p.client.SaveState(ctx, key, typ, data, ttlMinutes)
			return requestResult{record: rec, err: err}
		},
	}

	res := p.enqueue(ctx, req)

	return res.record, res.err
}

// Update coalesces rapid partial updates for the same key: calls within
// the debounce window are merged last-writer-wins per field into a single
// PATCH, and every caller in the window receives that PATCH's result.
func (p *Proxy) Update(ctx context.Context, key string, partial map[string]any) (*api.OperationRecord, error) {
	waiter := make(chan requestResult, 1)

	p.pendingMu.Lock()

	pu, ok := p.pending[key]
	if !ok {
		pu = &pendingUpdate{payload: make(map[string]any)}
		pu.timer = time.AfterFunc(p.window, func() { p.flushUpdate(key) })
		p.pending[key] = pu
	} else {
		pu.timer.Reset(p.window)
	}

	for k, v := range partial {
		pu.payload[k] = v
	}

	pu.waiters = append(pu.waiters, waiter)
	p.pendingMu.Unlock()

	select {
	case res := <-waiter:
		return res.record, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrProxyClosed
	}
}

// flushUpdate fires when a key's debounce window elapses: it removes the
// pending entry, enqueues the one coalesced PATCH, and broadcasts the
// result to every waiter from the window.
func (p *Proxy) flushUpdate(key string) {
	p.pendingMu.Lock()

	pu, ok := p.pending[key]
	if !ok {
		p.pendingMu.Unlock()
		return
	}

	delete(p.pending, key)
	p.pendingMu.Unlock()

	req := &queuedRequest{
		id:   uuid.NewString(),
		op:   "update",
		key:  key,
		done: make(chan requestResult, 1),
		run: func(ctx context.Context) requestResult {
			rec, err := p.client.UpdateState(ctx, key, pu.payload)
			return requestResult{record: rec, err: err}
		},
	}

	res := p.enqueue(p.ctx, req)

	for _, w := range pu.waiters {
		w <- res
	}
}

// Remove enqueues a delete for key. Removal is idempotent: deleting an
// absent key is success, not an error.
func (p *Proxy) Remove(ctx context.Context, key string) (*api.RemoveResult, error) {
	req := &queuedRequest{
		id:   uuid.NewString(),
		op:   "remove",
		key:  key,
		done: make(chan requestResult, 1),
		run: func(ctx context.Context) requestResult {
			res, err := p.client.DeleteState(ctx, key)
			if errors.Is(err, api.ErrNotFound) {
				return requestResult{remove: &api.RemoveResult{Success: true, Message: "not found"}}
			}

			return requestResult{remove: res, err: err}
		},
	}

	res := p.enqueue(ctx, req)

	return res.remove, res.err
}

// ListAll returns all live records, optionally filtered by type. Direct
// read used for diagnostics and migration; failures yield an empty list.
func (p *Proxy) ListAll(ctx context.Context, typ api.OperationType) []api.OperationRecord {
	recs, err := p.client.ListStates(ctx, typ)
	if err != nil {
		p.logger.Warn("listing operation state failed",
			slog.String("error", err.Error()),
		)

		return nil
	}

	return recs
}

// MigrateLegacyState sweeps the fixed set of legacy local-only keys into
// the durable store, inferring each record's type from its key name and
// extending the TTL because migrated jobs may already be mid-flight. Safe
// to call repeatedly: once legacy state is drained it migrates nothing.
// Per-key failures are logged and skipped, never aborting the sweep.
func (p *Proxy) MigrateLegacyState(ctx context.Context, legacy LegacyStore) int {
	var migrated int

	for _, lk := range legacyKeyTypes {
		data, ok, err := legacy.Load(ctx, lk.key)
		if err != nil {
			p.logger.Warn("reading legacy state failed, skipping key",
				slog.String("key", lk.key),
				slog.String("error", err.Error()),
			)

			continue
		}

		if !ok {
			continue
		}

		if _, err := p.Save(ctx, lk.key, lk.typ, data, migratedTTLMinutes); err != nil {
			p.logger.Warn("migrating legacy state failed, skipping key",
				slog.String("key", lk.key),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := legacy.Delete(ctx, lk.key); err != nil {
			p.logger.Warn("deleting migrated legacy state failed",
				slog.String("key", lk.key),
				slog.String("error", err.Error()),
			)
		}

		migrated++

		p.logger.Info("migrated legacy operation state",
			slog.String("key", lk.key),
			slog.String("type", string(lk.typ)),
		)
	}

	return migrated
}

// Flush forces any pending debounced updates to fire immediately.
// Used on shutdown so the last known progress still reaches the store.
func (p *Proxy) Flush() {
	p.pendingMu.Lock()
	keys := make([]string, 0, len(p.pending))

	for key, pu := range p.pending {
		pu.timer.Stop()

		keys = append(keys, key)
	}
	p.pendingMu.Unlock()

	for _, key := range keys {
		p.flushUpdate(key)
	}
}

// Close stops the dispatch workers. Requests still queued fail with
// ErrProxyClosed.
func (p *Proxy) Close() {
	p.pendingMu.Lock()
	for key, pu := range p.pending {
		pu.timer.Stop()
		delete(p.pending, key)

		for _, w := range pu.waiters {
			w <- requestResult{err: ErrProxyClosed}
		}
	}
	p.pendingMu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// String implements fmt.Stringer for debug logging.
func (p *Proxy) String() string {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	return fmt.Sprintf("opstate.Proxy{queued=%d pending_updates=%d}", len(p.requests), len(p.pending))
}
