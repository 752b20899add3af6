// Package assemble splices rendered markup back into chapter source by
// exact byte range. Text outside the replaced ranges is copied verbatim and
// the output is never re-scanned for math.
package assemble

import (
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
)

// Replacement substitutes Markup for source[Start:End].
//
// Start and End are byte offsets into the original source, with End
// exclusive. Ranges must not overlap.
type Replacement struct {
	Start  int
	End    int
	Markup []byte
}

// Apply applies a set of replacements to source and returns the updated
// content. Replacements are validated (bounds, ordering, overlap) and then
// spliced in a single offset-tracked pass, so earlier replacements never
// invalidate later offsets.
func Apply(source []byte, reps []Replacement) ([]byte, error) {
	if len(reps) == 0 {
		return source, nil
	}

	sorted := make([]Replacement, len(reps))
	copy(sorted, reps)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	size := len(source)
	for i, r := range sorted {
		if r.Start < 0 || r.End < 0 {
			return nil, fmt.Errorf("invalid replacement[%d]: negative range", i)
		}
		if r.End < r.Start {
			return nil, fmt.Errorf("invalid replacement[%d]: end before start", i)
		}
		if r.End > len(source) {
			return nil, fmt.Errorf("invalid replacement[%d]: range out of bounds", i)
		}
		if i > 0 && r.Start < sorted[i-1].End {
			return nil, errors.New("invalid replacements: overlapping ranges")
		}
		size += len(r.Markup) - (r.End - r.Start)
	}

	out := make([]byte, 0, size)
	pos := 0
	for _, r := range sorted {
		out = append(out, source[pos:r.Start]...)
		out = append(out, r.Markup...)
		pos = r.End
	}
	out = append(out, source[pos:]...)

	return out, nil
}

// InlineMarkup wraps rendered SVG for an inline span. The class lets themes
// size and align math against the surrounding text.
func InlineMarkup(svg string) []byte {
	return []byte(`<span class="typst-inline">` + svg + `</span>`)
}

// DisplayMarkup wraps rendered SVG for display math and tagged blocks.
func DisplayMarkup(svg string) []byte {
	return []byte(`<div class="typst-display">` + svg + `</div>`)
}

// ErrorMarkup renders a visible placeholder for a failed span. Only the
// first line of the message is shown; renderer messages can run long.
func ErrorMarkup(msg string) []byte {
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	return []byte(`<span class="typst-error">` + html.EscapeString(msg) + `</span>`)
}
