package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"cardkiosk/internal/cards"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to the PG* database, skipping the test when none is reachable.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	pgUser := os.Getenv("PGUSER")
	pgPassword := os.Getenv("PGPASSWORD")
	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgDB := os.Getenv("PGDATABASE")

	if pgUser == "" {
		pgUser = "user"
	}
	if pgPassword == "" {
		pgPassword = "password"
	}
	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgres_SaveLoad(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	p := NewPostgres(db, uuid.New())
	require.NoError(t, p.Migrate(ctx))

	st, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Records)

	want := sampleState()
	require.NoError(t, p.Save(ctx, want))
	require.NoError(t, p.Save(ctx, want))

	got, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	var version int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT version FROM kiosk_snapshots WHERE kiosk_id = $1`, p.kioskID).Scan(&version))
	assert.Equal(t, int64(2), version)
}

func TestPostgres_KiosksAreIsolated(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := NewPostgres(db, uuid.New())
	b := NewPostgres(db, uuid.New())
	require.NoError(t, a.Migrate(ctx))

	require.NoError(t, a.Save(ctx, sampleState()))

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Records)
}

func TestPostgres_CorruptDocument(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	p := NewPostgres(db, uuid.New())
	require.NoError(t, p.Migrate(ctx))
	_, err := db.ExecContext(ctx, `INSERT INTO kiosk_snapshots (kiosk_id, version, state) VALUES ($1, 1, '{"version":9}')`, p.kioskID)
	require.NoError(t, err)

	_, err = p.Load(ctx)
	assert.ErrorIs(t, err, cards.ErrPersistenceCorruption)
}

func TestPostgres_CorruptIsKept(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	p := NewPostgres(db, uuid.New())
	require.NoError(t, p.Migrate(ctx))

	_, err := db.ExecContext(ctx, `INSERT INTO kiosk_snapshots (kiosk_id, version, state) VALUES ($1, 1, $2)`,
		p.kioskID, `{"version":99,"records":[]}`)
	require.NoError(t, err)

	_, err = p.Load(ctx)
	assert.ErrorIs(t, err, cards.ErrPersistenceCorruption)

	var kept string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT state FROM kiosk_snapshots_corrupt WHERE kiosk_id = $1`, p.kioskID).Scan(&kept))
	assert.JSONEq(t, `{"version":99,"records":[]}`, kept)

	// the store recovers and its first save replaces the bad row
	store, err := cards.OpenStore(ctx, p)
	require.NoError(t, err)
	assert.True(t, store.Recovered())
	_, err = cards.NewService(store).Register(ctx, "ABCD1234")
	require.NoError(t, err)
	st, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Records, 1)
}
