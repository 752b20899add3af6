// Package config holds the preprocessor options. Options arrive three ways,
// merged in order: the [preprocessor.typst-math] table mdBook passes as JSON,
// the same table read directly from book.toml (standalone render command),
// and MDBOOK_TYPST_MATH_* environment variables. The merged result is
// validated once and read-only afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// PreprocessorName is the table name under [preprocessor.*] in book.toml.
const PreprocessorName = "typst-math"

// Environment override variables, applied after file/JSON options.
const (
	EnvCache    = "MDBOOK_TYPST_MATH_CACHE"
	EnvTypst    = "MDBOOK_TYPST_MATH_TYPST"
	EnvRegistry = "MDBOOK_TYPST_MATH_REGISTRY"
	EnvLog      = "MDBOOK_TYPST_MATH_LOG"
)

// DefaultRegistry is the public typst package registry.
const DefaultRegistry = "https://packages.typst.org"

// ColorMode selects how rendered SVG colors are treated.
type ColorMode string

const (
	// ColorAuto rewrites pure black to currentColor for theme adaptation.
	ColorAuto ColorMode = "auto"
	// ColorStatic passes rendered output through byte-identically.
	ColorStatic ColorMode = "static"
)

// ErrorMode selects what a failed span leaves behind in the chapter.
type ErrorMode string

const (
	// ErrorPreserve keeps the original source text of the failed span.
	ErrorPreserve ErrorMode = "preserve"
	// ErrorPlaceholder substitutes a visible error marker.
	ErrorPlaceholder ErrorMode = "placeholder"
)

// FontList decodes from either a single string or a list of strings, in both
// the TOML and the JSON form of the options table.
type FontList []string

func (f *FontList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = FontList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("fonts must be a string or a list of strings")
	}
	*f = FontList(many)
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler with the same string-or-list rule.
func (f *FontList) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		*f = FontList{val}
		return nil
	case []any:
		out := make(FontList, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("fonts list contains a non-string entry %v", item)
			}
			out = append(out, s)
		}
		*f = out
		return nil
	}
	return fmt.Errorf("fonts must be a string or a list of strings")
}

// Config is the full option set for one run.
type Config struct {
	// Preambles, resolved per span kind with fallback to Preamble and then
	// the built-in default.
	Preamble        string `json:"preamble" toml:"preamble"`
	InlinePreamble  string `json:"inline_preamble" toml:"inline_preamble"`
	DisplayPreamble string `json:"display_preamble" toml:"display_preamble"`

	// Fonts lists files or directories to index ahead of system fonts.
	Fonts FontList `json:"fonts" toml:"fonts"`

	// Cache is the package cache directory; empty means unset, and any
	// required package download fails.
	Cache string `json:"cache" toml:"cache"`
	// Registry is the package registry base URL.
	Registry string `json:"registry" toml:"registry"`

	// CodeTag is the fence info-string selecting whole typst blocks.
	CodeTag string `json:"code_tag" toml:"code_tag"`

	ColorMode ColorMode `json:"color_mode" toml:"color_mode"`
	OnError   ErrorMode `json:"on_error" toml:"on_error"`

	// Workers bounds concurrent span renders; 0 means GOMAXPROCS.
	Workers int `json:"workers" toml:"workers"`

	// Typst overrides engine binary discovery.
	Typst string `json:"typst" toml:"typst"`

	// RenderCache is the sqlite file caching rendered SVG across runs;
	// empty disables the cache.
	RenderCache string `json:"render_cache" toml:"render_cache"`

	// MetricsTextfile, when set, receives a prometheus textfile export at
	// the end of the run.
	MetricsTextfile string `json:"metrics_textfile" toml:"metrics_textfile"`
}

// Default returns the option set used when a key is absent everywhere.
func Default() *Config {
	return &Config{
		Registry:  DefaultRegistry,
		CodeTag:   "typst",
		ColorMode: ColorAuto,
		OnError:   ErrorPreserve,
	}
}

// FromJSON merges the raw [preprocessor.typst-math] table mdBook hands over
// into a fresh default config. A nil table yields the defaults.
func FromJSON(raw json.RawMessage) (*Config, error) {
	cfg := Default()
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode preprocessor options: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// LoadBookTOML reads the [preprocessor.typst-math] table from a book.toml
// file. A missing table yields the defaults; a missing file is an error.
func LoadBookTOML(path string) (*Config, error) {
	var root struct {
		Preprocessor map[string]toml.Primitive `toml:"preprocessor"`
	}
	meta, err := toml.DecodeFile(path, &root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Default()
	prim, ok := root.Preprocessor[PreprocessorName]
	if !ok {
		return cfg, nil
	}
	if err := meta.PrimitiveDecode(prim, cfg); err != nil {
		return nil, fmt.Errorf("decode [preprocessor.%s]: %w", PreprocessorName, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults restores defaults a decoder may have overwritten with the
// zero value when the key was present but empty.
func (c *Config) fillDefaults() {
	if c.Registry == "" {
		c.Registry = DefaultRegistry
	}
	if c.CodeTag == "" {
		c.CodeTag = "typst"
	}
	if c.ColorMode == "" {
		c.ColorMode = ColorAuto
	}
	if c.OnError == "" {
		c.OnError = ErrorPreserve
	}
}

// ApplyEnv overlays environment overrides onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvCache); v != "" {
		c.Cache = v
	}
	if v := os.Getenv(EnvTypst); v != "" {
		c.Typst = v
	}
	if v := os.Getenv(EnvRegistry); v != "" {
		c.Registry = v
	}
}

// Validate rejects option values that have no defined behavior.
func (c *Config) Validate() error {
	switch c.ColorMode {
	case ColorAuto, ColorStatic:
	default:
		return fmt.Errorf("color_mode must be %q or %q, got %q", ColorAuto, ColorStatic, c.ColorMode)
	}
	switch c.OnError {
	case ErrorPreserve, ErrorPlaceholder:
	default:
		return fmt.Errorf("on_error must be %q or %q, got %q", ErrorPreserve, ErrorPlaceholder, c.OnError)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}
