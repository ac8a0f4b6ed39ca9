package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "dumps")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		require.DirExists(t, dir)
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{BaseDir: "  "})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "B000TEST01/20250101T000000-colly.html", "text/html", bytes.NewReader([]byte("<html>captcha</html>")))
	require.NoError(t, err)
	want := filepath.Join(dir, "B000TEST01", "20250101T000000-colly.html")
	require.Equal(t, "file://"+want, uri)
	// #nosec G304 -- test reads from its own temp directory.
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "<html>captcha</html>", string(data))

	_, err = store.PutObject(ctx, "", "text/html", bytes.NewReader(nil))
	require.Error(t, err)

	_, err = store.PutObject(ctx, "../outside.html", "text/html", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(filepath.Dir(dir), "outside.html"))
}

func TestPrune(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.PutObject(ctx, "old/a.html", "text/html", bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "new/b.html", "text/html", bytes.NewReader([]byte("b")))
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old", "a.html"), past, past))

	removed, err := store.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NoDirExists(t, filepath.Join(dir, "old"))
	require.FileExists(t, filepath.Join(dir, "new", "b.html"))
	require.DirExists(t, dir)
}
