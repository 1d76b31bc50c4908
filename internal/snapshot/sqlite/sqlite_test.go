package sqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"path/filepath"
	"testing"

	"github.com/go-faster/city"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pv/aqua-alert-go/internal/snapshot"
)

func openTemp(t *testing.T, path string, logs *bytes.Buffer) *Store {
	t.Helper()
	cfg := Config{Source: path, WAL: true, SyncOff: true}
	if logs != nil {
		cfg.Logger = log.New(logs, "", 0)
	}
	store, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func sample() snapshot.Snapshot {
	return snapshot.Snapshot{
		"sensors":  json.RawMessage(`[{"id":"s1","name":"Harbor"}]`),
		"readings": json.RawMessage(`[{"id":"r1","sensor_id":"s1","ph":7.4},{"id":"r2","sensor_id":"s1","ph":7.5}]`),
	}
}

func TestSaveLoadSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store := openTemp(t, path, nil)
	_, ok := store.Load(ctx, "sensors")
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "sensors", sample()))
	got, ok := store.Load(ctx, "sensors")
	require.True(t, ok)
	assert.Equal(t, sample(), got)

	savedAt, err := store.SavedAt(ctx, "sensors")
	require.NoError(t, err)
	assert.False(t, savedAt.IsZero())
	store.Close()

	reopened := openTemp(t, "sqlite://"+path, nil)
	got, ok = reopened.Load(ctx, "sensors")
	require.True(t, ok)
	assert.Equal(t, sample(), got)

	_, ok = reopened.Load(ctx, "alerts")
	assert.False(t, ok, "keys are namespaced")
}

func TestSaveOverwritesAndClear(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t, filepath.Join(t.TempDir(), "cache.db"), nil)

	require.NoError(t, store.Save(ctx, "alerts", sample()))
	next := snapshot.Snapshot{"alerts": json.RawMessage(`[]`)}
	require.NoError(t, store.Save(ctx, "alerts", next))
	got, ok := store.Load(ctx, "alerts")
	require.True(t, ok)
	assert.Equal(t, next, got)

	require.NoError(t, store.Clear(ctx, "alerts"))
	_, ok = store.Load(ctx, "alerts")
	assert.False(t, ok)
	require.NoError(t, store.Clear(ctx, "alerts"), "clearing a missing key is fine")

	savedAt, err := store.SavedAt(ctx, "alerts")
	require.NoError(t, err)
	assert.True(t, savedAt.IsZero())
}

func TestCorruptRowsAreNoSnapshot(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	store := openTemp(t, filepath.Join(t.TempDir(), "cache.db"), &logs)
	require.NoError(t, store.Save(ctx, "sensors", sample()))

	_, err := store.db.ExecContext(ctx, `UPDATE snapshots SET payload = ? WHERE key = ?`, []byte(`{"sensors":[]}`), "sensors")
	require.NoError(t, err)
	_, ok := store.Load(ctx, "sensors")
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "checksum mismatch")

	payload := []byte(`null`)
	_, err = store.db.ExecContext(ctx, `UPDATE snapshots SET payload = ?, checksum = ? WHERE key = ?`,
		payload, int64(city.Hash64(payload)), "sensors")
	require.NoError(t, err)
	_, ok = store.Load(ctx, "sensors")
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "malformed snapshot")
}

func TestNilSnapshotSavesEmpty(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t, filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, store.Save(ctx, "sensors", nil))
	got, ok := store.Load(ctx, "sensors")
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestIsSource(t *testing.T) {
	for _, src := range []string{"sqlite://cache.db", "file:cache.db?cache=shared", "cache.db", ":memory:"} {
		assert.True(t, IsSource(src), src)
	}
	for _, src := range []string{"", "postgres://x", "cache.json"} {
		assert.False(t, IsSource(src), src)
	}
	assert.Equal(t, "/tmp/cache.db", NormalizeSource("sqlite:///tmp/cache.db"))
	assert.Equal(t, "cache.db", NormalizeSource("cache.db"))
}
