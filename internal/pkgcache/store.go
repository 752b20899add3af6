package pkgcache

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/duskmoon314/mdbook-typst-math/internal/logfields"
)

var (
	// ErrCacheUnset indicates a package was required but no cache directory
	// is configured to download it into.
	ErrCacheUnset = errors.New("package cache directory not configured")
	// ErrFetch indicates the registry download failed.
	ErrFetch = errors.New("package download failed")
	// ErrBadArchive indicates the downloaded archive could not be extracted.
	ErrBadArchive = errors.New("package archive invalid")
)

// Archives beyond this size are cut off; registry packages are small and an
// unbounded read would let a bad mirror exhaust the disk.
const maxArchiveBytes = 256 << 20

// Store resolves package keys to extracted directories, downloading on miss.
// Population is atomic: archives extract into a temp directory that is
// renamed into place, so other processes sharing the cache never observe a
// partial package.
type Store struct {
	dir      string
	registry string
	client   *http.Client
	group    singleflight.Group
	fetches  atomic.Int64
	logger   *slog.Logger
}

// NewStore returns a store rooted at dir. An empty dir means the cache is
// unset and every required download fails with ErrCacheUnset.
func NewStore(dir, registry string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      dir,
		registry: strings.TrimSuffix(registry, "/"),
		client:   &http.Client{Timeout: 2 * time.Minute},
		logger:   logger,
	}
}

// Dir returns the cache root ("" when unset).
func (s *Store) Dir() string { return s.dir }

// Enabled reports whether a cache directory is configured.
func (s *Store) Enabled() bool { return s.dir != "" }

// Fetches returns how many registry downloads this store performed.
func (s *Store) Fetches() int64 { return s.fetches.Load() }

// Ensure returns the directory holding the extracted package, downloading
// and populating the cache if needed. Concurrent calls for the same key
// share a single download.
func (s *Store) Ensure(ctx context.Context, key Key) (string, error) {
	if s.dir == "" {
		return "", fmt.Errorf("%w: package %s required", ErrCacheUnset, key)
	}

	dest := filepath.Join(s.dir, key.Namespace, key.Name, key.Version)
	if dirExists(dest) {
		s.logger.Debug("package cache hit", logfields.Package(key.String()), logfields.Path(dest))
		return dest, nil
	}

	_, err, _ := s.group.Do(key.String(), func() (any, error) {
		if dirExists(dest) {
			return nil, nil
		}
		return nil, s.populate(ctx, key, dest)
	})
	if err != nil {
		return "", fmt.Errorf("package %s: %w", key, err)
	}
	return dest, nil
}

func (s *Store) populate(ctx context.Context, key Key, dest string) error {
	s.fetches.Add(1)

	url := fmt.Sprintf("%s/%s/%s-%s.tar.gz", s.registry, key.Namespace, key.Name, key.Version)
	s.logger.Info("downloading package", logfields.Package(key.String()), logfields.URL(url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: registry returned %s for %s", ErrFetch, resp.Status, url)
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+key.Version+"-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractTarGz(io.LimitReader(resp.Body, maxArchiveBytes), tmp); err != nil {
		return fmt.Errorf("%w: %w", ErrBadArchive, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		// Another process may have published the same version first; its
		// copy is as good as ours.
		if dirExists(dest) {
			return nil
		}
		return fmt.Errorf("publish package: %w", err)
	}
	return nil
}

// extractTarGz streams a gzipped tarball into dest. Entries escaping dest
// are rejected; only regular files and directories are materialized.
func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		name := path.Clean(hdr.Name)
		if name == "." {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("entry %q escapes package directory", hdr.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials are not part of registry packages.
		}
	}
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
