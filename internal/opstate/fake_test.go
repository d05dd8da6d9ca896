package opstate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/regix1/lancache-manager-sub005/internal/api"
)

// fakeStore is an in-memory StateClient that records call patterns:
// per-call payloads, TTLs, and the maximum number of concurrently
// executing requests.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*api.OperationRecord
	ttls    map[string]int

	saveCalls   int
	updateCalls int
	deleteCalls int
	updates     []map[string]any

	inFlight    int
	maxInFlight int
	delay       time.Duration

	getErr    error
	saveErr   error
	deleteErr error
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]*api.OperationRecord),
		ttls:    make(map[string]int),
	}
}

// enter/leave bracket a simulated request to measure concurrency.
func (f *fakeStore) enter() {
	f.mu.Lock()
	f.inFlight++

	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}

	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
}

func (f *fakeStore) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeStore) GetState(_ context.Context, key string) (*api.OperationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, f.getErr
	}

	rec, ok := f.records[key]
	if !ok {
		return nil, &api.APIError{StatusCode: http.StatusNotFound, Err: api.ErrNotFound}
	}

	cp := *rec

	return &cp, nil
}

func (f *fakeStore) SaveState(_ context.Context, key string, typ api.OperationType, data map[string]any, ttlMinutes int) (*api.OperationRecord, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.saveCalls++

	if f.saveErr != nil {
		return nil, f.saveErr
	}

	now := time.Now()
	rec := &api.OperationRecord{
		Key:       key,
		Type:      typ,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlMinutes) * time.Minute),
	}
	f.records[key] = rec
	f.ttls[key] = ttlMinutes

	cp := *rec

	return &cp, nil
}

func (f *fakeStore) UpdateState(_ context.Context, key string, updates map[string]any) (*api.OperationRecord, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateCalls++
	f.updates = append(f.updates, updates)

	rec, ok := f.records[key]
	if !ok {
		return nil, &api.APIError{StatusCode: http.StatusNotFound, Err: api.ErrNotFound}
	}

	// Merge by key, never replace wholesale.
	for k, v := range updates {
		rec.Data[k] = v
	}

	cp := *rec

	return &cp, nil
}

func (f *fakeStore) DeleteState(_ context.Context, key string) (*api.RemoveResult, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteCalls++

	if f.deleteErr != nil {
		return nil, f.deleteErr
	}

	_, existed := f.records[key]
	delete(f.records, key)

	if !existed {
		return &api.RemoveResult{Success: true, Message: "not found"}, nil
	}

	return &api.RemoveResult{Success: true}, nil
}

func (f *fakeStore) ListStates(_ context.Context, typ api.OperationType) ([]api.OperationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	var out []api.OperationRecord

	for _, rec := range f.records {
		if typ == "" || rec.Type == typ {
			out = append(out, *rec)
		}
	}

	return out, nil
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.records[key]

	return ok
}

// fakeLegacy is an in-memory LegacyStore.
type fakeLegacy struct {
	mu      sync.Mutex
	entries map[string]map[string]any
	loadErr map[string]error
}

func newFakeLegacy() *fakeLegacy {
	return &fakeLegacy{
		entries: make(map[string]map[string]any),
		loadErr: make(map[string]error),
	}
}

func (f *fakeLegacy) seed(key string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[key] = payload
}

func (f *fakeLegacy) Load(_ context.Context, key string) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadErr[key]; err != nil {
		return nil, false, err
	}

	payload, ok := f.entries[key]

	return payload, ok, nil
}

func (f *fakeLegacy) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.entries, key)

	return nil
}

// scriptedStatus replays a fixed sequence of statuses, repeating the last
// one forever. Errors interleave via errAt (attempt index → error).
type scriptedStatus struct {
	mu       sync.Mutex
	sequence []api.OperationStatus
	errAt    map[int]error
	calls    int
}

func (s *scriptedStatus) fn(_ context.Context, _ string) (*api.OperationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.calls
	s.calls++

	if err, ok := s.errAt[call]; ok {
		return nil, err
	}

	if len(s.sequence) == 0 {
		return nil, fmt.Errorf("no status scripted")
	}

	idx := call
	if idx >= len(s.sequence) {
		idx = len(s.sequence) - 1
	}

	st := s.sequence[idx]

	return &st, nil
}

func (s *scriptedStatus) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

// progressLog collects accepted status updates.
type progressLog struct {
	mu      sync.Mutex
	updates []api.OperationStatus
}

func (p *progressLog) add(st api.OperationStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updates = append(p.updates, st)
}

func (p *progressLog) all() []api.OperationStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]api.OperationStatus(nil), p.updates...)
}

func (p *progressLog) last() (api.OperationStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.updates) == 0 {
		return api.OperationStatus{}, false
	}

	return p.updates[len(p.updates)-1], true
}
