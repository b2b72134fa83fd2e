package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotlore/pkg/chain"
	"github.com/dotsetgreg/dotlore/pkg/memory"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "dotlore.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_MemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mem := memory.NewStore(memory.DefaultOptions())
	mem.Remember("fox", "the quick brown fox", "Greg")
	mem.Remember("dog", "the lazy dog", "Lore")
	require.NoError(t, store.SaveMemory(ctx, "lore", mem.TakeDelta()))

	require.NoError(t, mem.Delete("dog"))
	require.NoError(t, store.SaveMemory(ctx, "lore", mem.TakeDelta()))

	rows, deleted, err := store.LoadMemory(ctx, "lore")
	require.NoError(t, err)
	assert.Equal(t, []memory.Row{{Key: "fox", Value: "the quick brown fox", Author: "Greg"}}, rows)
	assert.Equal(t, []string{"dog"}, deleted)

	restored := memory.NewStore(memory.DefaultOptions())
	restored.Load(rows, deleted)
	assert.Equal(t, []string{"fox"}, restored.IndexedKeys("quick"))
	assert.NoError(t, restored.Delete("dog"), "tombstoned key should delete idempotently")

	other, _, err := store.LoadMemory(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLiteStore_ReRememberClearsTombstone(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveMemory(ctx, "lore", memory.Delta{Cuts: []string{"k"}}))
	require.NoError(t, store.SaveMemory(ctx, "lore", memory.Delta{Upserts: []memory.Row{{Key: "k", Value: "back again"}}}))

	rows, deleted, err := store.LoadMemory(ctx, "lore")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "back again", rows[0].Value)
	assert.Empty(t, deleted)
}

func TestSQLiteStore_Blobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	type where struct {
		Location string   `json:"location"`
		History  []string `json:"history"`
	}
	var got where
	ok, err := store.GetBlob(ctx, "lore", "locations", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.PutBlob(ctx, "lore", "locations", where{Location: "Home", History: []string{"Home"}}))
	require.NoError(t, store.PutBlob(ctx, "lore", "locations", where{Location: "Park", History: []string{"Home", "Park"}}))

	ok, err = store.GetBlob(ctx, "lore", "locations", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, where{Location: "Park", History: []string{"Home", "Park"}}, got)
}

func TestSQLiteStore_ChainJournalReplay(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m := chain.New(chain.Options{Journal: store})
	require.NoError(t, m.Learn(ctx, "lore", "the quick brown fox"))
	require.NoError(t, m.Learn(ctx, "talk", "a b a c"))
	_, err := m.Toggle(ctx, "talk")
	require.NoError(t, err)

	lines, err := store.Lines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []chain.Line{
		{Section: "lore", Text: "the quick brown fox"},
		{Section: "talk", Text: "a b a c"},
	}, lines)

	replayed := chain.New(chain.Options{Journal: store})
	require.NoError(t, replayed.Load(ctx))
	assert.Equal(t, m.Sections(), replayed.Sections())

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.ChainLines)
}
