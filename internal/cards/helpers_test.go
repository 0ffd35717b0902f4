package cards

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memPersister keeps the last saved state in memory.
type memPersister struct {
	mu      sync.Mutex
	saved   *ApplicationState
	saves   int
	saveErr error
	loadErr error
}

func (p *memPersister) Save(ctx context.Context, st *ApplicationState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = CloneState(st)
	return nil
}

func (p *memPersister) Load(ctx context.Context) (*ApplicationState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	if p.saved == nil {
		return NewApplicationState(), nil
	}
	return CloneState(p.saved), nil
}

func (p *memPersister) last() *ApplicationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved
}

func (p *memPersister) failSaves(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveErr = err
}

type sentWrite struct {
	Endpoint string
	Event    CardEvent
}

// fakeRemote records every write it acknowledges.
type fakeRemote struct {
	mu      sync.Mutex
	down    bool
	calls   int
	sent    []sentWrite
	onSend  func()
	failFor map[string]bool
}

var errRemoteDown = errors.New("connection refused")

func (r *fakeRemote) Send(ctx context.Context, endpoint string, payload json.RawMessage) error {
	r.mu.Lock()
	r.calls++
	hook := r.onSend
	down := r.down
	var ev CardEvent
	_ = json.Unmarshal(payload, &ev)
	if r.failFor[ev.Identifier] {
		down = true
	}
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	if down {
		return errRemoteDown
	}

	r.mu.Lock()
	r.sent = append(r.sent, sentWrite{Endpoint: endpoint, Event: ev})
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *fakeRemote) Sent() []sentWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentWrite(nil), r.sent...)
}

func (r *fakeRemote) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	persister *memPersister
	store     *Store
	remote    *fakeRemote
	clock     *fakeClock
	svc       Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		persister: &memPersister{},
		remote:    &fakeRemote{},
		clock:     newFakeClock(),
	}
	store, err := OpenStore(context.Background(), f.persister)
	require.NoError(t, err)
	f.store = store

	base := []Option{WithRemote(f.remote), WithClock(f.clock.Now)}
	f.svc = NewService(store, append(base, opts...)...)
	return f
}
