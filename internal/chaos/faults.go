package chaos

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"cardkiosk/internal/cards"
)

var ErrInjectedOutage = errors.New("injected remote outage")

// FaultInjector is a cards.RemoteWriter that can be made to fail or stall.
// Writes that get through are passed to the wrapped writer, or acknowledged
// when there is none.
type FaultInjector struct {
	next cards.RemoteWriter

	mu      sync.RWMutex
	failing bool
	latency time.Duration

	calls     atomic.Int64
	delivered atomic.Int64
}

func NewFaultInjector(next cards.RemoteWriter) *FaultInjector {
	return &FaultInjector{next: next}
}

func (f *FaultInjector) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *FaultInjector) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// Calls counts every Send, failed or not.
func (f *FaultInjector) Calls() int64 { return f.calls.Load() }

// Delivered counts the Sends that were acknowledged.
func (f *FaultInjector) Delivered() int64 { return f.delivered.Load() }

func (f *FaultInjector) Send(ctx context.Context, endpoint string, payload json.RawMessage) error {
	f.calls.Add(1)

	f.mu.RLock()
	failing, latency := f.failing, f.latency
	f.mu.RUnlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	if failing {
		return ErrInjectedOutage
	}
	if f.next != nil {
		if err := f.next.Send(ctx, endpoint, payload); err != nil {
			return err
		}
	}
	f.delivered.Add(1)
	return nil
}
