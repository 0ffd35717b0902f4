package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cardkiosk/internal/cards"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "kiosk-state.json")

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path())

	st, err := f.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Records, "missing file is an empty state")

	want := sampleState()
	require.NoError(t, f.Save(ctx, want))
	got, err := f.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// a second save replaces the first
	want.Queue = nil
	require.NoError(t, f.Save(ctx, want))
	got, err = f.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Queue)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFile_CorruptIsMovedAside(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "kiosk-state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"records":[{"identif`), 0o600))

	f, err := NewFile(path)
	require.NoError(t, err)

	_, err = f.Load(ctx)
	assert.ErrorIs(t, err, cards.ErrPersistenceCorruption)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt snapshot no longer in place")
	aside, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, aside, 1)

	// the store starts empty and reports the recovery
	store, err := cards.OpenStore(ctx, f)
	require.NoError(t, err)
	assert.False(t, store.Recovered(), "the corrupt file was already moved aside")

	require.NoError(t, os.WriteFile(path, []byte(`garbage`), 0o600))
	store, err = cards.OpenStore(ctx, f)
	require.NoError(t, err)
	assert.True(t, store.Recovered())
	assert.Empty(t, store.Snapshot().Records)
}

func TestFile_NonASCIIIdentifierSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiosk-state.json")

	f, err := NewFile(path)
	require.NoError(t, err)
	store, err := cards.OpenStore(ctx, f)
	require.NoError(t, err)
	_, err = cards.NewService(store).Register(ctx, "ÑANDÚ-01")
	require.NoError(t, err)

	_, err = cards.NewService(store).Register(ctx, "AB\xffCD")
	assert.ErrorIs(t, err, cards.ErrInvalidIdentifier)

	reopened, err := cards.OpenStore(ctx, f)
	require.NoError(t, err)
	assert.False(t, reopened.Recovered())
	_, ok := reopened.Snapshot().Records["ÑANDÚ-01"]
	require.True(t, ok)

	rec, err := cards.NewService(reopened).Pickup(ctx, "ÑANDÚ-01")
	require.NoError(t, err)
	assert.Equal(t, cards.StateWithdrawn, rec.State)
}
