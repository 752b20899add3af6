// Package typst turns extracted math spans into compilable documents and
// drives the external typst binary over a managed resolution environment
// (fonts and remote packages). The engine is always an external process;
// nothing in here typesets.
package typst

import (
	"regexp"
	"strings"

	"github.com/duskmoon314/mdbook-typst-math/internal/config"
	"github.com/duskmoon314/mdbook-typst-math/internal/extract"
)

// DefaultPreamble sizes the page to its content and leaves the background
// unfilled so the rendered math inherits the page theme's background.
const DefaultPreamble = `#set page(width: auto, height: auto, margin: 0.5em, fill: none)`

// Document is one self-contained compile unit for a single span.
type Document struct {
	Source string
	Kind   extract.Kind
}

// Builder assembles documents from spans according to the configured
// preambles. Safe for concurrent use.
type Builder struct {
	preamble        string
	inlinePreamble  string
	displayPreamble string
}

// NewBuilder returns a builder applying cfg's preamble fallback chain:
// the kind-specific preamble when set, else the shared preamble, else the
// built-in default.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{
		preamble:        cfg.Preamble,
		inlinePreamble:  cfg.InlinePreamble,
		displayPreamble: cfg.DisplayPreamble,
	}
}

// Build produces the document for one span: the resolved preamble, a
// newline, and the wrapped content.
func (b *Builder) Build(sp extract.Span) Document {
	var preamble string
	switch sp.Kind {
	case extract.Inline:
		preamble = firstNonEmpty(b.inlinePreamble, b.preamble, DefaultPreamble)
	default:
		// Display math and tagged blocks both render at block scale.
		preamble = firstNonEmpty(b.displayPreamble, b.preamble, DefaultPreamble)
	}

	content := sp.RawContent
	if sp.Kind != extract.TaggedBlock {
		content = wrapMath(content)
	}
	return Document{Source: preamble + "\n" + content, Kind: sp.Kind}
}

// newlineRun matches a newline and its surrounding whitespace so multi-line
// math collapses to one line; typst's math-mode tokenizer treats a raw line
// break inside $ ... $ differently from a space.
var newlineRun = regexp.MustCompile(`\s*\n\s*`)

// wrapMath normalizes span content and wraps it in typst math delimiters.
// The inner spaces select typst's display math style.
func wrapMath(content string) string {
	content = strings.TrimSpace(content)
	content = newlineRun.ReplaceAllString(content, " ")
	if content == "" {
		return "$ $"
	}
	return "$ " + content + " $"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
