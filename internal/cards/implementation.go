// internal/cards/implementation.go
package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	DefaultMinLength = 4
	DefaultDebounce  = 250 * time.Millisecond
)

// service implements the Service interface.
type service struct {
	store     *Store
	remote    RemoteWriter
	limiter   *rate.Limiter
	minLength int
	debounce  time.Duration
	now       func() time.Time
	mono      func() time.Time
	logger    *slog.Logger
	metrics   Recorder
	tracer    trace.Tracer
	recovered func()

	scanMu sync.Mutex
	lastID string
	lastAt time.Time

	flushMu sync.Mutex
}

// Option configures the service.
type Option func(*service)

// WithRemote sets the remote writer. Without one, transitions are local only.
func WithRemote(w RemoteWriter) Option {
	return func(s *service) { s.remote = w }
}

// WithMinLength sets the minimum identifier length.
func WithMinLength(n int) Option {
	return func(s *service) { s.minLength = n }
}

// WithDebounce sets the window in which a repeated scan of the last accepted identifier is ignored.
func WithDebounce(d time.Duration) Option {
	return func(s *service) { s.debounce = d }
}

// WithClock overrides time.Now for timestamps and the debounce window.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
		s.mono = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

func WithMetrics(r Recorder) Option {
	return func(s *service) { s.metrics = r }
}

// WithFlushLimiter paces remote calls during a flush.
func WithFlushLimiter(l *rate.Limiter) Option {
	return func(s *service) { s.limiter = l }
}

// WithRecoveryHook is called when a live remote write succeeds while writes are still pending.
func WithRecoveryHook(fn func()) Option {
	return func(s *service) { s.recovered = fn }
}

// NewService creates a new card custody service on top of store.
func NewService(store *Store, opts ...Option) Service {
	s := &service{
		store:     store,
		minLength: DefaultMinLength,
		debounce:  DefaultDebounce,
		now:       func() time.Time { return time.Now().UTC().Round(0) },
		mono:      time.Now,
		logger:    slog.Default(),
		metrics:   nopRecorder{},
		tracer:    otel.Tracer("cardkiosk/cards"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan validates a raw scan, drops it if it repeats the last accepted
// identifier inside the debounce window, and applies it in the given mode.
func (s *service) Scan(ctx context.Context, mode Mode, raw string) (*ScanResult, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	id, err := ValidateIdentifier(raw, s.minLength)
	if err != nil {
		s.metrics.ScanObserved("invalid")
		return nil, err
	}

	if s.debounced(id) {
		s.metrics.ScanObserved("ignored")
		return &ScanResult{Mode: mode, Ignored: true}, nil
	}

	var rec *CardRecord
	switch mode {
	case ModeRegister:
		rec, err = s.Register(ctx, id)
	case ModePickup:
		rec, err = s.Pickup(ctx, id)
	}
	if err != nil {
		s.metrics.ScanObserved("rejected")
		return nil, err
	}

	s.metrics.ScanObserved("applied")
	return &ScanResult{Mode: mode, Record: rec}, nil
}

func (s *service) debounced(id string) bool {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	// measured on the monotonic clock; a wall clock step back must not extend the window
	now := s.mono()
	if id == s.lastID {
		if d := now.Sub(s.lastAt); d >= 0 && d < s.debounce {
			return true
		}
	}
	s.lastID, s.lastAt = id, now
	return false
}

// Register creates a registered record for an identifier that has none.
func (s *service) Register(ctx context.Context, identifier string) (*CardRecord, error) {
	identifier, err := ValidateIdentifier(identifier, s.minLength)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "cards.register",
		trace.WithAttributes(attribute.String("card.identifier", identifier)),
	)
	defer span.End()

	now := s.now()
	var rec *CardRecord
	err = s.store.mutate(ctx, func(st *ApplicationState) error {
		if _, exists := st.Records[identifier]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateRegistration, identifier)
		}
		r := &CardRecord{
			Identifier:   identifier,
			State:        StateRegistered,
			RegisteredAt: now,
		}
		st.Records[identifier] = r
		st.Activity = prepend(st.Activity, ActivityEntry{
			Timestamp:  now,
			Identifier: identifier,
			Action:     StateRegistered,
			Note:       "card registered",
		})
		rec = r.clone()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Info("registration rejected", "identifier", identifier, "error", err)
		return nil, err
	}

	s.metrics.TransitionApplied(StateRegistered)
	s.logger.Info("card registered", "identifier", identifier)
	s.mirror(ctx, EndpointRegister, identifier, now)
	return rec, nil
}

// Pickup moves a registered record to withdrawn.
func (s *service) Pickup(ctx context.Context, identifier string) (*CardRecord, error) {
	identifier, err := ValidateIdentifier(identifier, s.minLength)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "cards.pickup",
		trace.WithAttributes(attribute.String("card.identifier", identifier)),
	)
	defer span.End()

	now := s.now()
	var rec *CardRecord
	err = s.store.mutate(ctx, func(st *ApplicationState) error {
		r, exists := st.Records[identifier]
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, identifier)
		}
		if r.State == StateWithdrawn {
			return fmt.Errorf("%w: %s", ErrAlreadyWithdrawn, identifier)
		}
		withdrawnAt := now
		r.State = StateWithdrawn
		r.WithdrawnAt = &withdrawnAt
		st.Activity = prepend(st.Activity, ActivityEntry{
			Timestamp:  now,
			Identifier: identifier,
			Action:     StateWithdrawn,
			Note:       "card handed over",
		})
		rec = r.clone()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Info("pickup rejected", "identifier", identifier, "error", err)
		return nil, err
	}

	s.metrics.TransitionApplied(StateWithdrawn)
	s.logger.Info("card handed over", "identifier", identifier)
	s.mirror(ctx, EndpointPickup, identifier, now)
	return rec, nil
}

// mirror makes the single remote attempt that follows a transition. The lock
// is not held; a failure queues the write unless the card was cleared meanwhile.
func (s *service) mirror(ctx context.Context, endpoint, identifier string, at time.Time) {
	if s.remote == nil {
		return
	}

	payload, err := json.Marshal(CardEvent{Identifier: identifier, Timestamp: at})
	if err != nil {
		s.logger.Error("failed to marshal remote payload", "identifier", identifier, "error", err)
		return
	}

	if err := s.remote.Send(ctx, endpoint, payload); err != nil {
		s.metrics.RemoteWrite(endpoint, false)
		op := PendingOperation{
			ID:         uuid.New(),
			Endpoint:   endpoint,
			Payload:    payload,
			EnqueuedAt: s.now(),
			LastError:  fmt.Errorf("%w: %v", ErrRemoteWrite, err).Error(),
			Attempts:   1,
		}
		if !s.store.enqueueFor(ctx, identifier, op) {
			s.logger.Warn("remote write failed after local data was cleared, dropping it",
				"identifier", identifier, "endpoint", endpoint, "error", err)
			return
		}
		s.logger.Warn("remote write failed, queued for replay",
			"identifier", identifier, "endpoint", endpoint, "error", err)
		return
	}

	s.metrics.RemoteWrite(endpoint, true)
	if s.recovered != nil && s.store.pendingCount() > 0 {
		s.recovered()
	}
}

func (s *service) Card(ctx context.Context, identifier string) (*CardRecord, error) {
	r, ok := s.store.card(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	return r, nil
}

func (s *service) Records(ctx context.Context, filter string) []CardRecord {
	return s.store.records(filter)
}

func (s *service) Activity(ctx context.Context, limit int) []ActivityEntry {
	return s.store.activity(limit)
}

func (s *service) Pending(ctx context.Context) []PendingOperation {
	return s.store.pendingSnapshot()
}

// Clear drops every record, activity entry and pending write.
func (s *service) Clear(ctx context.Context) error {
	s.store.clear(ctx)

	s.scanMu.Lock()
	s.lastID, s.lastAt = "", time.Time{}
	s.scanMu.Unlock()

	s.logger.Warn("local data cleared")
	return nil
}

func (s *service) Health(ctx context.Context) Health {
	h := Health{
		SnapshotRecovered: s.store.Recovered(),
		RemoteEnabled:     s.remote != nil,
		Pending:           s.store.pendingCount(),
		EvictedTotal:      s.store.EvictedTotal(),
	}
	if err := s.store.LastSaveError(); err != nil {
		h.SnapshotSaveError = err.Error()
	}
	return h
}

func prepend(entries []ActivityEntry, e ActivityEntry) []ActivityEntry {
	out := make([]ActivityEntry, 0, len(entries)+1)
	out = append(out, e)
	return append(out, entries...)
}
