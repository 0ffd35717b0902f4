// internal/cards/store.go
package cards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Persister saves and restores the full application state.
type Persister interface {
	Save(ctx context.Context, state *ApplicationState) error
	Load(ctx context.Context) (*ApplicationState, error)
}

// Store owns the ApplicationState. Every mutation runs under one lock and is
// followed by a full save before the lock is released.
type Store struct {
	mu        sync.Mutex
	state     *ApplicationState
	persister Persister
	logger    *slog.Logger
	metrics   Recorder

	maxQueue  int
	evicted   int
	recovered bool
	lastSave  error
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxQueue bounds the pending queue; the oldest entries are evicted first. Zero means unbounded.
func WithMaxQueue(n int) StoreOption {
	return func(s *Store) { s.maxQueue = n }
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithStoreMetrics sets the store metrics recorder.
func WithStoreMetrics(r Recorder) StoreOption {
	return func(s *Store) { s.metrics = r }
}

// OpenStore restores the last snapshot from p. A corrupt snapshot is replaced
// by an empty state and reported through Recovered.
func OpenStore(ctx context.Context, p Persister, opts ...StoreOption) (*Store, error) {
	s := &Store{
		persister: p,
		logger:    slog.Default(),
		metrics:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}

	state, err := p.Load(ctx)
	switch {
	case errors.Is(err, ErrPersistenceCorruption):
		s.logger.Error("snapshot is corrupt, starting from an empty state; previous records are not loaded", "error", err)
		s.recovered = true
		state = NewApplicationState()
	case err != nil:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	case state == nil:
		state = NewApplicationState()
	}
	s.state = state
	s.metrics.QueueDepth(len(state.Queue))
	return s, nil
}

// mutate applies fn to the state and persists the result. When fn returns an
// error nothing is saved; fn must not have modified the state in that case.
func (s *Store) mutate(ctx context.Context, fn func(*ApplicationState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.state); err != nil {
		return err
	}
	s.persistLocked(ctx)
	return nil
}

func (s *Store) persistLocked(ctx context.Context) {
	err := s.persister.Save(context.WithoutCancel(ctx), s.state)
	s.lastSave = err
	s.metrics.QueueDepth(len(s.state.Queue))
	if err != nil {
		s.metrics.SnapshotSaveFailed()
		s.logger.Error("failed to save snapshot", "error", err)
	}
}

func (s *Store) enqueue(ctx context.Context, op PendingOperation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(ctx, op)
}

// enqueueFor queues op only while identifier still has a record. It reports
// false when the record was cleared after the transition.
func (s *Store) enqueueFor(ctx context.Context, identifier string, op PendingOperation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Records[identifier]; !ok {
		return false
	}
	s.enqueueLocked(ctx, op)
	return true
}

func (s *Store) enqueueLocked(ctx context.Context, op PendingOperation) int {
	evicted := 0
	if s.maxQueue > 0 && len(s.state.Queue) >= s.maxQueue {
		evicted = len(s.state.Queue) - s.maxQueue + 1
		for _, old := range s.state.Queue[:evicted] {
			s.logger.Warn("pending queue is full, dropping oldest remote write",
				"operation_id", old.ID, "endpoint", old.Endpoint, "enqueued_at", old.EnqueuedAt)
		}
		s.state.Queue = append(make([]PendingOperation, 0, s.maxQueue), s.state.Queue[evicted:]...)
		s.evicted += evicted
		s.metrics.QueueEvicted(evicted)
	}
	s.state.Queue = append(s.state.Queue, op)
	s.persistLocked(ctx)
	return evicted
}

func (s *Store) pendingSnapshot() []PendingOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePending(s.state.Queue)
}

// settle drops delivered operations and records the failure of the others.
// Operations enqueued after the snapshot are untouched.
func (s *Store) settle(ctx context.Context, delivered map[uuid.UUID]struct{}, failed map[uuid.UUID]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]PendingOperation, 0, len(s.state.Queue))
	for _, op := range s.state.Queue {
		if _, ok := delivered[op.ID]; ok {
			continue
		}
		if msg, ok := failed[op.ID]; ok {
			op.LastError = msg
			op.Attempts++
		}
		kept = append(kept, op)
	}
	s.state.Queue = kept
	s.persistLocked(ctx)
	return len(kept)
}

func (s *Store) clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = NewApplicationState()
	s.persistLocked(ctx)
}

func (s *Store) card(identifier string) (*CardRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Records[identifier]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// records returns the records whose identifier contains filter (case
// insensitive), newest registration first.
func (s *Store) records(filter string) []CardRecord {
	q := strings.ToLower(strings.TrimSpace(filter))

	s.mu.Lock()
	out := make([]CardRecord, 0, len(s.state.Records))
	for id, r := range s.state.Records {
		if q != "" && !strings.Contains(strings.ToLower(id), q) {
			continue
		}
		out = append(out, *r.clone())
	}
	s.mu.Unlock()

	SortRecords(out)
	return out
}

func (s *Store) activity(limit int) []ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.state.Activity)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ActivityEntry, n)
	copy(out, s.state.Activity[:n])
	return out
}

func (s *Store) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Queue)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *ApplicationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CloneState(s.state)
}

// Recovered reports whether startup discarded a corrupt snapshot.
func (s *Store) Recovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// EvictedTotal is the number of pending operations dropped because the queue was full.
func (s *Store) EvictedTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// LastSaveError is the error of the most recent snapshot save, if it failed.
func (s *Store) LastSaveError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSave
}

// SortRecords orders records newest registration first, ties by identifier.
func SortRecords(rs []CardRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].RegisteredAt.Equal(rs[j].RegisteredAt) {
			return rs[i].RegisteredAt.After(rs[j].RegisteredAt)
		}
		return rs[i].Identifier < rs[j].Identifier
	})
}

// CloneState deep-copies st.
func CloneState(st *ApplicationState) *ApplicationState {
	out := &ApplicationState{
		Records:  make(map[string]*CardRecord, len(st.Records)),
		Activity: make([]ActivityEntry, len(st.Activity)),
		Queue:    clonePending(st.Queue),
	}
	for id, r := range st.Records {
		out.Records[id] = r.clone()
	}
	copy(out.Activity, st.Activity)
	return out
}

func clonePending(q []PendingOperation) []PendingOperation {
	out := make([]PendingOperation, len(q))
	for i, op := range q {
		op.Payload = append([]byte(nil), op.Payload...)
		out[i] = op
	}
	return out
}
