package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driesdejong/leadradar/internal/lead"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, "models/logreg.json")
	require.ErrorIs(t, err, lead.ErrNotFound)

	require.NoError(t, store.Put(ctx, "models/logreg.json", []byte(`{"bias":0.5}`)))
	data, err := store.Get(ctx, "models/logreg.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"bias":0.5}`, string(data))

	// Overwrite replaces the old content entirely.
	require.NoError(t, store.Put(ctx, "models/logreg.json", []byte(`{"bias":1}`)))
	data, err = store.Get(ctx, "models/logreg.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"bias":1}`, string(data))
}

func TestLocalStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "model.json", []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.Contains(entry.Name(), ".tmp-"), "temp file left behind: %s", entry.Name())
	}
	require.FileExists(t, filepath.Join(dir, "model.json"))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "../escape.json", []byte("x"))
	require.Error(t, err)
}
