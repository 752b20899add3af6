// Package fontbook indexes the fonts available to the typst engine so the
// pipeline can answer family lookups before compiling and hand the engine a
// deduplicated --font-path list. Priority order: user-configured paths,
// fonts embedded into the binary (embedfonts build tag), then system font
// directories. System fonts are indexed for preflight only; the engine
// discovers them on its own.
package fontbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/font/sfnt"

	"github.com/duskmoon314/mdbook-typst-math/internal/logfields"
)

// Face is one indexed font face.
type Face struct {
	Family string
	Path   string
	// Index is the face's position inside a collection file; 0 for plain
	// font files.
	Index int
}

// Book is the indexed font set. Build it once at startup; lookups afterwards
// are map hits and safe for concurrent use.
type Book struct {
	faces    []Face
	byFamily map[string]int // lowercased family -> first face, priority order
	dirs     []string       // --font-path directories, priority order
	seenDirs map[string]bool
	logger   *slog.Logger
}

// New returns an empty book.
func New(logger *slog.Logger) *Book {
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		byFamily: make(map[string]int),
		seenDirs: make(map[string]bool),
		logger:   logger,
	}
}

// Build indexes all font sources in priority order: the user's configured
// files and directories, embedded fonts when compiled in, then the
// OS-conventional system directories.
func Build(userPaths []string, logger *slog.Logger) *Book {
	b := New(logger)
	b.AddUserPaths(userPaths)
	b.AddEmbedded()
	b.AddSystemFonts()
	return b
}

// AddUserPaths indexes explicit font files or directories (recursive).
// Each path contributes a --font-path directory: files their parent, missing
// paths a warning.
func (b *Book) AddUserPaths(paths []string) {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			b.logger.Warn("configured font path unavailable", logfields.Path(p), logfields.Error(err))
			continue
		}
		if info.IsDir() {
			b.addDir(p)
			b.indexDir(p)
			continue
		}
		b.addDir(filepath.Dir(p))
		b.indexFile(p)
	}
}

// AddEmbedded materializes fonts compiled into the binary (embedfonts build
// tag) into a per-run temp directory and indexes them. A no-op otherwise.
func (b *Book) AddEmbedded() {
	fonts := embeddedFonts()
	if len(fonts) == 0 {
		return
	}
	dir, err := os.MkdirTemp("", "mdbook-typst-math-fonts-")
	if err != nil {
		b.logger.Warn("cannot materialize embedded fonts", logfields.Error(err))
		return
	}
	for name, data := range fonts {
		target := filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(target, data, 0o644); err != nil {
			b.logger.Warn("cannot write embedded font", logfields.Path(target), logfields.Error(err))
			continue
		}
		b.indexFile(target)
	}
	b.addDir(dir)
}

// AddSystemFonts indexes the OS-conventional font directories. They are not
// added to FontDirs: the engine scans system fonts itself, the book only
// needs them to answer family preflight.
func (b *Book) AddSystemFonts() {
	for _, dir := range systemFontDirs() {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		b.indexDir(dir)
	}
}

// Lookup returns the highest-priority face carrying the family name.
// Matching is case-insensitive.
func (b *Book) Lookup(family string) (Face, bool) {
	idx, ok := b.byFamily[strings.ToLower(family)]
	if !ok {
		return Face{}, false
	}
	return b.faces[idx], true
}

// Has reports whether any indexed face carries the family name.
func (b *Book) Has(family string) bool {
	_, ok := b.byFamily[strings.ToLower(family)]
	return ok
}

// Len returns the number of indexed faces.
func (b *Book) Len() int { return len(b.faces) }

// FontDirs returns the directories to hand the engine via --font-path, in
// priority order without duplicates.
func (b *Book) FontDirs() []string { return b.dirs }

// Fingerprint returns a stable hash over the indexed faces. It participates
// in the render-cache key so a font change invalidates cached output.
func (b *Book) Fingerprint() string {
	entries := make([]string, len(b.faces))
	for i, f := range b.faces {
		entries[i] = fmt.Sprintf("%s\x00%s\x00%d", strings.ToLower(f.Family), f.Path, f.Index)
	}
	sort.Strings(entries)
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (b *Book) addDir(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	if b.seenDirs[abs] {
		return
	}
	b.seenDirs[abs] = true
	b.dirs = append(b.dirs, abs)
}

func (b *Book) indexDir(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			b.logger.Debug("skipping unreadable font path", logfields.Path(path), logfields.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if isFontFile(path) {
			b.indexFile(path)
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("font directory walk failed", logfields.Path(dir), logfields.Error(err))
	}
}

func (b *Book) indexFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		b.logger.Warn("cannot read font file", logfields.Path(path), logfields.Error(err))
		return
	}
	b.indexData(path, data)
}

func (b *Book) indexData(path string, data []byte) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".ttc" || ext == ".otc" {
		coll, err := sfnt.ParseCollection(data)
		if err != nil {
			b.logger.Warn("skipping unparseable font collection", logfields.Path(path), logfields.Error(err))
			return
		}
		for i := 0; i < coll.NumFonts(); i++ {
			f, err := coll.Font(i)
			if err != nil {
				b.logger.Warn("skipping unreadable collection face", logfields.Path(path), logfields.Error(err))
				continue
			}
			b.register(f, path, i)
		}
		return
	}

	f, err := sfnt.Parse(data)
	if err != nil {
		b.logger.Warn("skipping unparseable font file", logfields.Path(path), logfields.Error(err))
		return
	}
	b.register(f, path, 0)
}

func (b *Book) register(f *sfnt.Font, path string, index int) {
	var buf sfnt.Buffer
	family, err := f.Name(&buf, sfnt.NameIDFamily)
	if err != nil || family == "" {
		b.logger.Warn("font has no usable family name", logfields.Path(path), logfields.Error(err))
		return
	}
	face := Face{Family: family, Path: path, Index: index}
	b.faces = append(b.faces, face)
	key := strings.ToLower(family)
	// First registration wins so earlier sources keep priority.
	if _, exists := b.byFamily[key]; !exists {
		b.byFamily[key] = len(b.faces) - 1
	}
}

func isFontFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ttf", ".otf", ".ttc", ".otc":
		return true
	}
	return false
}
