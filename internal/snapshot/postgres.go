package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cardkiosk/internal/cards"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Postgres stores one snapshot row per kiosk. The document is kept in a json
// column so it is returned byte for byte. Corrupt documents found at load
// time are copied to kiosk_snapshots_corrupt.
type Postgres struct {
	db      *sqlx.DB
	kioskID uuid.UUID
	tracer  trace.Tracer
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, kioskID uuid.UUID) *Postgres {
	return &Postgres{
		db:      sqlx.NewDb(db, "postgres"),
		kioskID: kioskID,
		tracer:  otel.Tracer("cardkiosk/snapshot"),
	}
}

// OpenPostgres connects to databaseURL and creates the snapshot table.
func OpenPostgres(ctx context.Context, databaseURL string, kioskID uuid.UUID) (*Postgres, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres snapshot backend requires a database url")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	p := NewPostgres(db, kioskID)
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the snapshot table.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kiosk_snapshots (
			kiosk_id UUID PRIMARY KEY,
			version BIGINT NOT NULL,
			state JSON NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kiosk_snapshots_corrupt (
			kiosk_id UUID NOT NULL,
			state TEXT NOT NULL,
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create corrupt snapshot table: %w", err)
	}
	return nil
}

// Save replaces the kiosk's snapshot and bumps its version.
func (p *Postgres) Save(ctx context.Context, st *cards.ApplicationState) error {
	ctx, span := p.tracer.Start(ctx, "snapshot.postgres.save",
		trace.WithAttributes(
			attribute.String("kiosk.id", p.kioskID.String()),
			attribute.Int("records.count", len(st.Records)),
			attribute.Int("queue.length", len(st.Queue)),
		),
	)
	defer span.End()

	data, err := Encode(st)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var version int64
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO kiosk_snapshots (kiosk_id, version, state, created_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (kiosk_id) DO UPDATE
		SET version = kiosk_snapshots.version + 1,
		    state = EXCLUDED.state,
		    created_at = EXCLUDED.created_at
		RETURNING version
	`, p.kioskID, string(data), time.Now().UTC()).Scan(&version)
	if err != nil {
		span.RecordError(err)
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("save snapshot (%s): %w", pqErr.Code.Name(), err)
		}
		return fmt.Errorf("save snapshot: %w", err)
	}

	span.SetAttributes(attribute.Int64("snapshot.version", version))
	return nil
}

// Load returns the kiosk's snapshot, or an empty state if none was saved.
func (p *Postgres) Load(ctx context.Context) (*cards.ApplicationState, error) {
	ctx, span := p.tracer.Start(ctx, "snapshot.postgres.load",
		trace.WithAttributes(attribute.String("kiosk.id", p.kioskID.String())),
	)
	defer span.End()

	var data []byte
	err := p.db.GetContext(ctx, &data, `
		SELECT state
		FROM kiosk_snapshots
		WHERE kiosk_id = $1
	`, p.kioskID)
	if errors.Is(err, sql.ErrNoRows) {
		return cards.NewApplicationState(), nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	st, err := Decode(data)
	if err != nil {
		span.RecordError(err)
		if _, qErr := p.db.ExecContext(ctx, `
			INSERT INTO kiosk_snapshots_corrupt (kiosk_id, state, found_at)
			VALUES ($1, $2, $3)
		`, p.kioskID, string(data), time.Now().UTC()); qErr != nil {
			return nil, fmt.Errorf("%w (could not keep a copy: %v)", err, qErr)
		}
		return nil, err
	}
	return st, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
