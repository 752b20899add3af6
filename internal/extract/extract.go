// Package extract locates math spans in markdown source by exact byte
// range. The source is parsed once as CommonMark to mask regions where
// dollar signs are inert (code blocks, code spans, raw HTML) and to find
// fenced blocks tagged with the configured language; math delimiters are
// then scanned in the unmasked remainder. Nothing is ever rendered here.
package extract

import (
	"log/slog"
	"sort"

	"github.com/yuin/goldmark"
)

// Kind discriminates the three span flavors.
type Kind int

const (
	// Inline is $...$ math rendered inside a line of text.
	Inline Kind = iota
	// Display is $$...$$ math rendered as its own block.
	Display
	// TaggedBlock is a whole fenced code block tagged with the code tag.
	TaggedBlock
)

func (k Kind) String() string {
	switch k {
	case Inline:
		return "inline"
	case Display:
		return "display"
	case TaggedBlock:
		return "tagged"
	}
	return "unknown"
}

// Span is one extracted math region. Start and End are byte offsets into
// the original source with End exclusive; the range covers the delimiters
// (or fence lines) so replacing source[Start:End] removes the whole
// construct. RawContent is the text between the delimiters, untrimmed.
// Line and Column locate Start (1-based) for diagnostics.
type Span struct {
	Kind       Kind
	Start      int
	End        int
	RawContent string
	Line       int
	Column     int
}

// Extractor finds spans; safe to reuse across documents.
type Extractor struct {
	codeTag string
	md      goldmark.Markdown
	logger  *slog.Logger
}

// New returns an extractor recognizing fenced blocks tagged with codeTag.
// An empty codeTag selects the default "typst".
func New(codeTag string, logger *slog.Logger) *Extractor {
	if codeTag == "" {
		codeTag = "typst"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		codeTag: codeTag,
		md:      goldmark.New(),
		logger:  logger,
	}
}

// Extract returns all spans in src ordered by Start. Ranges never overlap.
func (x *Extractor) Extract(src []byte) []Span {
	if len(src) == 0 {
		return nil
	}

	masks, spans := x.collect(src)
	spans = append(spans, x.scanMath(src, masks)...)

	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	fillPositions(src, spans)
	return spans
}

// fillPositions computes Line/Column for every span in one pass. Spans must
// already be sorted by Start.
func fillPositions(src []byte, spans []Span) {
	line, col := 1, 1
	pos := 0
	for i := range spans {
		for pos < spans[i].Start && pos < len(src) {
			if src[pos] == '\n' {
				line++
				col = 1
			} else {
				col++
			}
			pos++
		}
		spans[i].Line = line
		spans[i].Column = col
	}
}
