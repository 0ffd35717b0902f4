// internal/cards/service.go
package cards

import (
	"context"
	"encoding/json"
	"time"
)

// Service defines the interface for the card custody service.
type Service interface {
	Scan(ctx context.Context, mode Mode, raw string) (*ScanResult, error)
	Register(ctx context.Context, identifier string) (*CardRecord, error)
	Pickup(ctx context.Context, identifier string) (*CardRecord, error)
	Card(ctx context.Context, identifier string) (*CardRecord, error)
	Records(ctx context.Context, filter string) []CardRecord
	Activity(ctx context.Context, limit int) []ActivityEntry
	Pending(ctx context.Context) []PendingOperation
	Flush(ctx context.Context) (*FlushResult, error)
	Clear(ctx context.Context) error
	Health(ctx context.Context) Health
}

// RemoteWriter delivers one write to the remote authority. It makes a single
// attempt; any error means the write was not acknowledged.
type RemoteWriter interface {
	Send(ctx context.Context, endpoint string, payload json.RawMessage) error
}

// Recorder receives service measurements.
type Recorder interface {
	ScanObserved(outcome string)
	TransitionApplied(action CardState)
	RemoteWrite(endpoint string, ok bool)
	QueueDepth(n int)
	QueueEvicted(n int)
	SnapshotSaveFailed()
	FlushCompleted(d time.Duration, res FlushResult)
}

// Health is reported to the operator.
type Health struct {
	SnapshotRecovered bool   `json:"snapshot_recovered"`
	SnapshotSaveError string `json:"snapshot_save_error,omitempty"`
	RemoteEnabled     bool   `json:"remote_enabled"`
	Pending           int    `json:"pending"`
	EvictedTotal      int    `json:"evicted_total"`
}

type nopRecorder struct{}

func (nopRecorder) ScanObserved(string) {}
func (nopRecorder) TransitionApplied(CardState) {}
func (nopRecorder) RemoteWrite(string, bool) {}
func (nopRecorder) QueueDepth(int) {}
func (nopRecorder) QueueEvicted(int) {}
func (nopRecorder) SnapshotSaveFailed() {}
func (nopRecorder) FlushCompleted(time.Duration, FlushResult) {}
