// internal/cards/domain.go
package cards

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CardState is the lifecycle state of a card record.
type CardState string

const (
	StateRegistered CardState = "registered"
	StateWithdrawn  CardState = "withdrawn"
)

// Mode selects which lifecycle operation a scan drives.
type Mode string

const (
	ModeRegister Mode = "register"
	ModePickup   Mode = "pickup"
)

// Valid reports whether m is a known scan mode.
func (m Mode) Valid() bool {
	return m == ModeRegister || m == ModePickup
}

// Remote authority endpoints.
const (
	EndpointRegister = "/cards/register"
	EndpointPickup   = "/cards/pickup"
)

var (
	ErrInvalidIdentifier     = errors.New("invalid identifier")
	ErrDuplicateRegistration = errors.New("card already registered")
	ErrNotFound              = errors.New("card not found")
	ErrAlreadyWithdrawn      = errors.New("card already withdrawn")
	ErrInvalidMode           = errors.New("invalid scan mode")
	ErrRemoteWrite           = errors.New("remote write failed")
	ErrPersistenceCorruption = errors.New("persisted snapshot is corrupt")
	ErrNoMatch               = errors.New("no identifier found in image")
)

// CardRecord is the custody record of one physical card.
type CardRecord struct {
	Identifier   string     `json:"identifier"`
	State        CardState  `json:"state"`
	RegisteredAt time.Time  `json:"registered_at"`
	WithdrawnAt  *time.Time `json:"withdrawn_at,omitempty"`
}

// ActivityEntry is one line of the audit trail.
type ActivityEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Identifier string    `json:"identifier"`
	Action     CardState `json:"action"`
	Note       string    `json:"note"`
}

// PendingOperation is a remote write that has not been acknowledged yet.
type PendingOperation struct {
	ID         uuid.UUID       `json:"id"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
	Attempts   int             `json:"attempts"`
}

// ApplicationState is the root aggregate persisted by the kiosk.
type ApplicationState struct {
	Records  map[string]*CardRecord
	Activity []ActivityEntry
	Queue    []PendingOperation
}

// NewApplicationState returns an empty state.
func NewApplicationState() *ApplicationState {
	return &ApplicationState{
		Records:  make(map[string]*CardRecord),
		Activity: make([]ActivityEntry, 0),
		Queue:    make([]PendingOperation, 0),
	}
}

// CardEvent is the payload sent to the remote authority for a transition.
type CardEvent struct {
	Identifier string    `json:"identifier"`
	Timestamp  time.Time `json:"timestamp"`
}

// ScanResult is the outcome of an accepted or ignored scan.
type ScanResult struct {
	Mode    Mode        `json:"mode"`
	Ignored bool        `json:"ignored"`
	Record  *CardRecord `json:"record,omitempty"`
}

// FlushResult summarizes one pass over the pending queue.
type FlushResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
	// EvictedTotal counts writes dropped from a full queue since startup.
	EvictedTotal int `json:"evicted_total"`
}

func (r *CardRecord) clone() *CardRecord {
	c := *r
	if r.WithdrawnAt != nil {
		t := *r.WithdrawnAt
		c.WithdrawnAt = &t
	}
	return &c
}
