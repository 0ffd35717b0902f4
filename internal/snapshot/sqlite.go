package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cardkiosk/internal/cards"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const DefaultSQLitePath = "./data/kiosk-state.db"

// SQLite keeps the snapshot document in a single-row table. Corrupt documents
// found at load time are copied to kiosk_state_corrupt.
type SQLite struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; the store already serializes saves
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kiosk_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload BLOB NOT NULL,
		saved_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kiosk_state_corrupt (
		payload BLOB NOT NULL,
		found_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create corrupt table: %w", err)
	}
	return &SQLite{db: db, tracer: otel.Tracer("cardkiosk/snapshot")}, nil
}

func (s *SQLite) Save(ctx context.Context, st *cards.ApplicationState) error {
	ctx, span := s.tracer.Start(ctx, "snapshot.sqlite.save")
	defer span.End()

	data, err := Encode(st)
	if err != nil {
		span.RecordError(err)
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kiosk_state (id, payload, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at
	`, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context) (*cards.ApplicationState, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.sqlite.load")
	defer span.End()

	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT payload FROM kiosk_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return cards.NewApplicationState(), nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("select snapshot: %w", err)
	}

	st, err := Decode(data)
	if err != nil {
		span.RecordError(err)
		if _, qErr := s.db.ExecContext(ctx, `INSERT INTO kiosk_state_corrupt (payload, found_at) VALUES (?, ?)`,
			data, time.Now().UTC().Format(time.RFC3339Nano)); qErr != nil {
			return nil, fmt.Errorf("%w (could not keep a copy: %v)", err, qErr)
		}
		return nil, err
	}
	return st, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
