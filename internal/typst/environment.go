package typst

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/duskmoon314/mdbook-typst-math/internal/fontbook"
	"github.com/duskmoon314/mdbook-typst-math/internal/logfields"
	"github.com/duskmoon314/mdbook-typst-math/internal/pkgcache"
)

// ErrPackageUnavailable marks a span whose package imports could not be
// satisfied: unset cache directory, registry failure, or a bad archive.
var ErrPackageUnavailable = errors.New("package unavailable")

// Environment owns the resources the engine resolves during a compile: the
// font book handed over as --font-path directories and the package cache the
// engine reads through TYPST_PACKAGE_CACHE_PATH. Preflight runs before each
// compile so resolution failures surface per span instead of as opaque
// compile errors.
type Environment struct {
	fonts    *fontbook.Book
	packages *pkgcache.Store
	logger   *slog.Logger

	// scanned memoizes which package specs each package file mentions, so
	// repeated preflights never re-read an extracted file.
	mu      sync.RWMutex
	scanned map[string][]pkgcache.Key
}

// NewEnvironment combines an indexed font book and a package store.
func NewEnvironment(fonts *fontbook.Book, packages *pkgcache.Store, logger *slog.Logger) *Environment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{
		fonts:    fonts,
		packages: packages,
		logger:   logger,
		scanned:  make(map[string][]pkgcache.Key),
	}
}

// FontDirs returns the --font-path directories for engine invocations.
func (e *Environment) FontDirs() []string { return e.fonts.FontDirs() }

// FontFingerprint identifies the indexed font set for cache keying.
func (e *Environment) FontFingerprint() string { return e.fonts.Fingerprint() }

// PackageCacheDir returns the cache root the engine should read from.
func (e *Environment) PackageCacheDir() string { return e.packages.Dir() }

// Fetches reports how many registry downloads the backing store performed.
func (e *Environment) Fetches() int64 { return e.packages.Fetches() }

// Preflight makes sure everything the document resolves at compile time is
// in place: every package import (transitively) present in the cache, and a
// warning for each requested font family the book cannot answer.
func (e *Environment) Preflight(ctx context.Context, doc Document) error {
	if err := e.ensurePackages(ctx, doc.Source); err != nil {
		return err
	}
	e.checkFonts(doc.Source)
	return nil
}

// packageSpec matches import references like @preview/cetz:0.3.1 anywhere in
// typst source.
var packageSpec = regexp.MustCompile(`@[a-z0-9][a-z0-9\-_]*/[a-z0-9][a-z0-9\-_]*:[0-9]+\.[0-9]+\.[0-9]+`)

// ensurePackages downloads every package the source references, walking the
// imports of each resolved package for transitive references. The visited
// set is per call; the per-file scan memo is shared across spans.
func (e *Environment) ensurePackages(ctx context.Context, source string) error {
	pending := findPackageSpecs(source)
	visited := make(map[pkgcache.Key]bool)

	for len(pending) > 0 {
		key := pending[0]
		pending = pending[1:]
		if visited[key] {
			continue
		}
		visited[key] = true

		dir, err := e.packages.Ensure(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPackageUnavailable, err)
		}
		nested, err := e.scanPackage(dir)
		if err != nil {
			e.logger.Warn("cannot scan package imports",
				logfields.Package(key.String()), logfields.Error(err))
			continue
		}
		pending = append(pending, nested...)
	}
	return nil
}

// scanPackage collects the package specs mentioned in the .typ files of an
// extracted package, reading each file at most once per run.
func (e *Environment) scanPackage(dir string) ([]pkgcache.Key, error) {
	e.mu.RLock()
	keys, ok := e.scanned[dir]
	e.mu.RUnlock()
	if ok {
		return keys, nil
	}

	var found []pkgcache.Key
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".typ") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		found = append(found, findPackageSpecs(string(data))...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.scanned[dir] = found
	e.mu.Unlock()
	return found, nil
}

func findPackageSpecs(source string) []pkgcache.Key {
	var keys []pkgcache.Key
	for _, spec := range packageSpec.FindAllString(source, -1) {
		key, err := pkgcache.ParseKey(spec)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// fontArgs matches the argument of a font: parameter, either a quoted name
// or a parenthesized list of quoted names.
var (
	fontArgs   = regexp.MustCompile(`font:\s*("[^"]*"|\([^()]*\))`)
	quotedName = regexp.MustCompile(`"([^"]*)"`)
)

// checkFonts warns about requested font families missing from the book. The
// engine falls back per its own rules, so a miss never fails the span.
func (e *Environment) checkFonts(source string) {
	for _, family := range requestedFonts(source) {
		if e.fonts.Has(family) {
			continue
		}
		e.logger.Warn("requested font family not found, engine will fall back",
			logfields.FontFamily(family))
	}
}

// requestedFonts extracts the font families a document asks for via
// font: "..." or font: ("...", "...") arguments, deduplicated in order.
func requestedFonts(source string) []string {
	var families []string
	seen := make(map[string]bool)
	for _, m := range fontArgs.FindAllStringSubmatch(source, -1) {
		for _, q := range quotedName.FindAllStringSubmatch(m[1], -1) {
			name := q[1]
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			families = append(families, name)
		}
	}
	return families
}
