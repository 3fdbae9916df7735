package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/storage"
	"github.com/JakeFAU/searchcrawler/internal/storage/local"
)

func TestNewValidatesBaseDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name    string
		baseDir string
		wantErr bool
	}{
		{name: "existing dir", baseDir: t.TempDir()},
		{name: "created on demand", baseDir: filepath.Join(t.TempDir(), "archive", "raw")},
		{name: "blank", baseDir: "  ", wantErr: true},
		{name: "regular file", baseDir: file, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := local.New(local.Config{BaseDir: tc.baseDir})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, store)
			entries, err := os.ReadDir(tc.baseDir)
			require.NoError(t, err)
			require.Empty(t, entries, "probe file must be cleaned up")
		})
	}
}

func TestPutObjectArchivesPage(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)

	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	path := storage.ArchivePath("https://example.com/docs/", "session-1", "text/html", at)
	body := "<html><title>Docs</title></html>"

	uri, err := store.PutObject(context.Background(), path, "text/html", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(root, path), uri)

	got, err := os.ReadFile(filepath.Join(root, path)) // #nosec G304 -- temp dir
	require.NoError(t, err)
	require.Equal(t, body, string(got))

	// Rewrites replace the object and leave no partial files behind.
	_, err = store.PutObject(context.Background(), path, "text/html", strings.NewReader("v2"))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Dir(filepath.Join(root, path)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "../escape.html", "a/../../escape.html"} {
		_, err := store.PutObject(context.Background(), path, "text/html", strings.NewReader("x"))
		require.Error(t, err, path)
	}
}

func TestParseURI(t *testing.T) {
	t.Parallel()

	cfg, err := local.ParseURI("file:///var/lib/searchcrawler/archive")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/searchcrawler/archive", cfg.BaseDir)

	_, err = local.ParseURI("gs://bucket")
	require.Error(t, err)
}
