package pkgcache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	k, err := ParseKey("@preview/cetz:0.3.1")
	require.NoError(t, err)
	require.Equal(t, Key{Namespace: "preview", Name: "cetz", Version: "0.3.1"}, k)
	require.Equal(t, "@preview/cetz:0.3.1", k.String())

	for _, bad := range []string{
		"preview/cetz:0.3.1",
		"@preview/cetz",
		"@preview/cetz:1.2",
		"@Preview/cetz:0.3.1",
		"@preview/ce tz:0.3.1",
		"@/x:1.0.0",
	} {
		_, err := ParseKey(bad)
		require.Error(t, err, "spec %q should not parse", bad)
	}
}

// packageArchive builds an in-memory tar.gz with the given entries.
func packageArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "src/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func registryServing(t *testing.T, path string, archive []byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureDownloadsOnceAndCaches(t *testing.T) {
	archive := packageArchive(t, map[string]string{
		"typst.toml":  "[package]\nname = \"example\"\n",
		"src/lib.typ": "#let answer = 42\n",
	})
	var hits atomic.Int64
	srv := registryServing(t, "/preview/example-0.1.0.tar.gz", archive, &hits)

	dir := t.TempDir()
	store := NewStore(dir, srv.URL, nil)
	key := Key{Namespace: "preview", Name: "example", Version: "0.1.0"}

	dest, err := store.Ensure(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "preview", "example", "0.1.0"), dest)

	content, err := os.ReadFile(filepath.Join(dest, "src", "lib.typ"))
	require.NoError(t, err)
	require.Equal(t, "#let answer = 42\n", string(content))

	// Second resolution must come from disk without touching the registry.
	dest2, err := store.Ensure(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, dest, dest2)
	require.Equal(t, int64(1), hits.Load())
	require.Equal(t, int64(1), store.Fetches())
}

func TestEnsureConcurrentSharesDownload(t *testing.T) {
	archive := packageArchive(t, map[string]string{"lib.typ": "x"})
	var hits atomic.Int64
	srv := registryServing(t, "/preview/shared-1.0.0.tar.gz", archive, &hits)

	store := NewStore(t.TempDir(), srv.URL, nil)
	key := Key{Namespace: "preview", Name: "shared", Version: "1.0.0"}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Ensure(context.Background(), key)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), store.Fetches())
}

func TestEnsureUnsetCacheDir(t *testing.T) {
	store := NewStore("", "https://packages.typst.org", nil)
	_, err := store.Ensure(context.Background(), Key{Namespace: "preview", Name: "x", Version: "1.0.0"})
	require.ErrorIs(t, err, ErrCacheUnset)
	require.Contains(t, err.Error(), "@preview/x:1.0.0")
}

func TestEnsureRegistryMiss(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := NewStore(dir, srv.URL, nil)
	key := Key{Namespace: "missing", Name: "pkg", Version: "9.9.9"}

	_, err := store.Ensure(context.Background(), key)
	require.ErrorIs(t, err, ErrFetch)
	require.Contains(t, err.Error(), "@missing/pkg:9.9.9")

	// A failed population must leave no destination behind.
	require.NoDirExists(t, filepath.Join(dir, "missing", "pkg", "9.9.9"))
}

func TestEnsureRegistryUnreachable(t *testing.T) {
	store := NewStore(t.TempDir(), "http://127.0.0.1:1", nil)
	_, err := store.Ensure(context.Background(), Key{Namespace: "preview", Name: "x", Version: "1.0.0"})
	require.ErrorIs(t, err, ErrFetch)
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../evil.typ", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4,
	}))
	_, err := tw.Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	var hits atomic.Int64
	srv := registryServing(t, "/preview/evil-1.0.0.tar.gz", buf.Bytes(), &hits)

	dir := t.TempDir()
	store := NewStore(dir, srv.URL, nil)
	_, err = store.Ensure(context.Background(), Key{Namespace: "preview", Name: "evil", Version: "1.0.0"})
	require.ErrorIs(t, err, ErrBadArchive)

	require.NoDirExists(t, filepath.Join(dir, "preview", "evil", "1.0.0"))
	require.NoFileExists(t, filepath.Join(dir, "preview", "evil", "evil.typ"))
}

func TestExtractCorruptArchive(t *testing.T) {
	var hits atomic.Int64
	srv := registryServing(t, "/preview/junk-1.0.0.tar.gz", []byte("not a gzip stream"), &hits)

	store := NewStore(t.TempDir(), srv.URL, nil)
	_, err := store.Ensure(context.Background(), Key{Namespace: "preview", Name: "junk", Version: "1.0.0"})
	require.ErrorIs(t, err, ErrBadArchive)
}
