// Package snapshot persists the kiosk ApplicationState as one JSON document.
// Each backend replaces the previous document atomically on every save.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cardkiosk/internal/cards"

	"github.com/google/uuid"
)

// FormatVersion is the document version written by Encode.
const FormatVersion = 1

const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type document struct {
	Version  int                      `json:"version"`
	Records  []cards.CardRecord       `json:"records"`
	Activity []cards.ActivityEntry    `json:"activity"`
	Queue    []cards.PendingOperation `json:"queue"`
}

// Encode serializes st. Records are written newest registration first.
func Encode(st *cards.ApplicationState) ([]byte, error) {
	doc := document{
		Version:  FormatVersion,
		Records:  make([]cards.CardRecord, 0, len(st.Records)),
		Activity: st.Activity,
		Queue:    st.Queue,
	}
	for _, r := range st.Records {
		doc.Records = append(doc.Records, *r)
	}
	cards.SortRecords(doc.Records)
	if doc.Activity == nil {
		doc.Activity = []cards.ActivityEntry{}
	}
	if doc.Queue == nil {
		doc.Queue = []cards.PendingOperation{}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a document written by Encode. Any malformed or inconsistent
// document is reported as cards.ErrPersistenceCorruption.
func Decode(data []byte) (*cards.ApplicationState, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", cards.ErrPersistenceCorruption)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", cards.ErrPersistenceCorruption, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", cards.ErrPersistenceCorruption, doc.Version)
	}

	st := cards.NewApplicationState()
	for i := range doc.Records {
		r := doc.Records[i]
		if err := checkRecord(&r); err != nil {
			return nil, err
		}
		if _, dup := st.Records[r.Identifier]; dup {
			return nil, fmt.Errorf("%w: duplicate record %q", cards.ErrPersistenceCorruption, r.Identifier)
		}
		st.Records[r.Identifier] = &r
	}
	if doc.Activity != nil {
		st.Activity = doc.Activity
	}
	for _, op := range doc.Queue {
		if op.ID == uuid.Nil || op.Endpoint == "" {
			return nil, fmt.Errorf("%w: pending operation without id or endpoint", cards.ErrPersistenceCorruption)
		}
	}
	if doc.Queue != nil {
		st.Queue = doc.Queue
	}
	return st, nil
}

func checkRecord(r *cards.CardRecord) error {
	if r.Identifier == "" {
		return fmt.Errorf("%w: record without identifier", cards.ErrPersistenceCorruption)
	}
	switch r.State {
	case cards.StateRegistered:
		if r.WithdrawnAt != nil {
			return fmt.Errorf("%w: registered record %q has a withdrawal time", cards.ErrPersistenceCorruption, r.Identifier)
		}
	case cards.StateWithdrawn:
		if r.WithdrawnAt == nil {
			return fmt.Errorf("%w: withdrawn record %q has no withdrawal time", cards.ErrPersistenceCorruption, r.Identifier)
		}
	default:
		return fmt.Errorf("%w: record %q has unknown state %q", cards.ErrPersistenceCorruption, r.Identifier, r.State)
	}
	return nil
}

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Path        string
	DatabaseURL string
	KioskID     uuid.UUID
}

// Open returns the persister for cfg and a closer releasing its resources.
func Open(ctx context.Context, cfg Config) (cards.Persister, io.Closer, error) {
	switch cfg.Backend {
	case "", BackendFile:
		f, err := NewFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	case BackendSQLite:
		s, err := NewSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case BackendPostgres:
		p, err := OpenPostgres(ctx, cfg.DatabaseURL, cfg.KioskID)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		return nil, nil, errors.New("unknown snapshot backend: " + cfg.Backend)
	}
}
