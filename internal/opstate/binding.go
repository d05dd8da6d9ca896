package opstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/regix1/lancache-manager-sub005/internal/api"
)

// Well-known record keys, one logical slot per operation kind.
const (
	KeyCacheClear     = "activeCacheClearOperation"
	KeyLogProcessing  = "activeLogProcessing"
	KeyServiceRemoval = "activeServiceRemoval"
)

// OperationData is the tagged union of per-kind record payloads. The proxy
// stays generic over an opaque map; bindings encode and decode through this
// interface so callers work with typed data.
type OperationData interface {
	// Encode produces the opaque map stored in the record's data field.
	Encode() map[string]any
}

// CacheClearData is the payload for a tracked cache clear.
type CacheClearData struct {
	OperationID string
}

func (d CacheClearData) Encode() map[string]any {
	return map[string]any{"operationId": d.OperationID}
}

// LogProcessingData is the payload for a tracked log reprocessing run.
// Kind distinguishes full reprocessing from incremental runs.
type LogProcessingData struct {
	Kind string
}

func (d LogProcessingData) Encode() map[string]any {
	return map[string]any{"type": d.Kind}
}

// ServiceRemovalData is the payload for a tracked per-service log removal.
type ServiceRemovalData struct {
	OperationID string
	Service     string
}

func (d ServiceRemovalData) Encode() map[string]any {
	return map[string]any{"operationId": d.OperationID, "service": d.Service}
}

// DecodeData turns a record's opaque payload back into its typed form.
// Unknown or general records decode to nil.
func DecodeData(typ api.OperationType, data map[string]any) OperationData {
	str := func(k string) string {
		s, _ := data[k].(string)
		return s
	}

	switch typ {
	case api.OpCacheClearing:
		return CacheClearData{OperationID: str("operationId")}
	case api.OpLogProcessing:
		return LogProcessingData{Kind: str("type")}
	case api.OpServiceRemoval:
		return ServiceRemovalData{OperationID: str("operationId"), Service: str("service")}
	default:
		return nil
	}
}

// OperationID extracts the server-assigned operation id from a record's
// payload, if the kind carries one.
func OperationID(rec *api.OperationRecord) string {
	if rec == nil {
		return ""
	}

	id, _ := rec.Data["operationId"].(string)

	return id
}

// Binding wraps one operation kind's durable record slot. It exposes the
// last loaded record plus loading/error state, and funnels every mutation
// through the proxy so it inherits queueing, debouncing, and retry. A
// binding never talks to status or push endpoints; watching live status is
// the reconciler's job.
type Binding struct {
	key        string
	typ        api.OperationType
	ttlMinutes int

	proxy  *Proxy
	logger *slog.Logger

	mu        sync.Mutex
	operation *api.OperationRecord
	loading   bool
	lastErr   error
}

// NewBinding creates a binding for one record slot. ttlMinutes <= 0 uses
// the store default.
func NewBinding(proxy *Proxy, key string, typ api.OperationType, ttlMinutes int, logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}

	if ttlMinutes <= 0 {
		ttlMinutes = DefaultTTLMinutes
	}

	return &Binding{
		key:        key,
		typ:        typ,
		ttlMinutes: ttlMinutes,
		proxy:      proxy,
		logger:     logger.With(slog.String("key", key)),
	}
}

// Key returns the record slot this binding owns.
func (b *Binding) Key() string { return b.key }

// Type returns the operation kind this binding tracks.
func (b *Binding) Type() api.OperationType { return b.typ }

// Operation returns the last loaded or saved record, or nil.
func (b *Binding) Operation() *api.OperationRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.operation
}

// Loading reports whether a save, update, or clear is in flight.
func (b *Binding) Loading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.loading
}

// Err returns the last mutation error, or nil. Load never sets it:
// recovery-path failures degrade to "nothing to resume".
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastErr
}

// Load attempts to recover a persisted record for this slot. Absence of a
// record, for any reason including an unreachable store, is not an error.
func (b *Binding) Load(ctx context.Context) *api.OperationRecord {
	rec := b.proxy.Get(ctx, b.key)

	b.mu.Lock()
	b.operation = rec
	b.mu.Unlock()

	if rec != nil {
		b.logger.Debug("recovered persisted operation",
			slog.String("type", string(rec.Type)),
		)
	}

	return rec
}

// Save overwrites this slot with a fresh typed payload.
func (b *Binding) Save(ctx context.Context, data OperationData) (*api.OperationRecord, error) {
	b.setLoading(true)
	defer b.setLoading(false)

	rec, err := b.proxy.Save(ctx, b.key, b.typ, data.Encode(), b.ttlMinutes)
	b.finish(rec, err)

	if err != nil {
		return nil, fmt.Errorf("saving %s operation: %w", b.typ, err)
	}

	return rec, nil
}

// Update merges partial fields into this slot's payload, debounced by the
// proxy. Used to persist last known progress so recovery after a reload
// can resume with context.
func (b *Binding) Update(ctx context.Context, partial map[string]any) (*api.OperationRecord, error) {
	b.setLoading(true)
	defer b.setLoading(false)

	rec, err := b.proxy.Update(ctx, b.key, partial)
	b.finish(rec, err)

	if err != nil {
		return nil, fmt.Errorf("updating %s operation: %w", b.typ, err)
	}

	return rec, nil
}

// Clear removes this slot's record. Clearing an already-empty slot
// succeeds.
func (b *Binding) Clear(ctx context.Context) error {
	b.setLoading(true)
	defer b.setLoading(false)

	_, err := b.proxy.Remove(ctx, b.key)

	b.mu.Lock()
	b.operation = nil
	b.lastErr = err
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("clearing %s operation: %w", b.typ, err)
	}

	return nil
}

func (b *Binding) setLoading(v bool) {
	b.mu.Lock()
	b.loading = v
	b.mu.Unlock()
}

func (b *Binding) finish(rec *api.OperationRecord, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastErr = err
	if err == nil && rec != nil {
		b.operation = rec
	}
}
