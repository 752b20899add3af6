package extract

import (
	"bytes"
	"sort"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// region is a half-open byte range the math scanner must not open spans in.
// Inline regions (code spans, inline raw HTML) are jumped over during an
// active scan; block regions abort it.
type region struct {
	start  int
	end    int
	inline bool
}

// collect parses src and returns the mask regions plus spans for fenced
// blocks whose info string names the configured code tag.
func (x *Extractor) collect(src []byte) ([]region, []Span) {
	root := x.md.Parser().Parse(text.NewReader(src))

	var masks []region
	var tagged []Span

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			if r, sp, ok := x.fencedRegion(src, node); ok {
				masks = append(masks, r)
				if sp != nil {
					tagged = append(tagged, *sp)
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			if r, ok := linesRegion(node); ok {
				masks = append(masks, r)
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			if r, ok := htmlBlockRegion(node); ok {
				masks = append(masks, r)
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeSpan:
			if r, ok := codeSpanRegion(node); ok {
				masks = append(masks, r)
			}
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			if r, ok := segmentsRegion(node.Segments); ok {
				r.inline = true
				masks = append(masks, r)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	sort.Slice(masks, func(i, j int) bool { return masks[i].start < masks[j].start })
	return mergeRegions(masks), tagged
}

// mergeRegions collapses overlapping or touching regions; a merge with any
// block region stays a block region.
func mergeRegions(regions []region) []region {
	if len(regions) < 2 {
		return regions
	}
	out := regions[:1]
	for _, r := range regions[1:] {
		last := &out[len(out)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			last.inline = last.inline && r.inline
			continue
		}
		out = append(out, r)
	}
	return out
}

func linesRegion(n ast.Node) (region, bool) {
	lines := n.Lines()
	if lines.Len() == 0 {
		return region{}, false
	}
	return region{start: lines.At(0).Start, end: lines.At(lines.Len() - 1).Stop}, true
}

func segmentsRegion(segs *text.Segments) (region, bool) {
	if segs == nil || segs.Len() == 0 {
		return region{}, false
	}
	return region{start: segs.At(0).Start, end: segs.At(segs.Len() - 1).Stop}, true
}

func htmlBlockRegion(node *ast.HTMLBlock) (region, bool) {
	r, ok := linesRegion(node)
	if node.HasClosure() {
		cl := node.ClosureLine
		if !ok {
			return region{start: cl.Start, end: cl.Stop}, true
		}
		if cl.Stop > r.end {
			r.end = cl.Stop
		}
		return r, true
	}
	return r, ok
}

// codeSpanRegion covers the text segments of an inline code span. The
// backticks themselves stay outside the mask; they mean nothing to the math
// scanner.
func codeSpanRegion(node *ast.CodeSpan) (region, bool) {
	first, ok1 := node.FirstChild().(*ast.Text)
	last, ok2 := node.LastChild().(*ast.Text)
	if !ok1 || !ok2 {
		return region{}, false
	}
	return region{start: first.Segment.Start, end: last.Segment.Stop, inline: true}, true
}

// fencedRegion computes the full byte range of a fenced code block including
// both fence lines, and a TaggedBlock span when the info string's first word
// matches the code tag. Fences whose opening line cannot be parsed cleanly
// (e.g. inside blockquotes, where lines carry container prefixes) are masked
// by their content lines only and never become spans.
func (x *Extractor) fencedRegion(src []byte, node *ast.FencedCodeBlock) (region, *Span, bool) {
	lines := node.Lines()

	// Anchor inside the block to locate the opening fence line.
	anchor := -1
	anchorOnOpenLine := false
	if node.Info != nil {
		anchor = node.Info.Segment.Start
		anchorOnOpenLine = true
	} else if lines.Len() > 0 {
		anchor = lines.At(0).Start
	}
	if anchor < 0 {
		// No info and no content: nothing inside to mask.
		return region{}, nil, false
	}

	openStart := lineStart(src, anchor)
	if !anchorOnOpenLine {
		if openStart == 0 {
			// Content line claims to be the first line of input; not a
			// layout this parser produces, bail to a content-only mask.
			r, ok := linesRegion(node)
			return r, nil, ok
		}
		openStart = lineStart(src, openStart-1)
	}
	openEnd := lineEnd(src, openStart)

	char, run, ok := parseOpenFence(src[openStart:trimLineNL(src, openStart, openEnd)])
	if !ok {
		r, okr := linesRegion(node)
		return r, nil, okr
	}

	contentEnd := openEnd
	if lines.Len() > 0 {
		contentEnd = lines.At(lines.Len() - 1).Stop
	}

	// A terminated block has its closing fence as the line immediately after
	// the content; anything else means the fence ran to end of input.
	closeStart := contentEnd
	terminated := false
	blockEnd := len(src)
	if closeStart < len(src) && (closeStart == 0 || src[closeStart-1] == '\n') {
		lineStop := trimLineNL(src, closeStart, lineEnd(src, closeStart))
		if isCloseFence(src[closeStart:lineStop], char, run) {
			terminated = true
			blockEnd = lineStop
		}
	}

	mask := region{start: openStart, end: lineEnd(src, openStart)}
	if contentEnd > mask.end {
		mask.end = contentEnd
	}
	if terminated {
		mask.end = lineEnd(src, closeStart)
	}

	if !terminated {
		return mask, nil, true
	}

	lang := node.Language(src)
	if !bytes.Equal(lang, []byte(x.codeTag)) {
		return mask, nil, true
	}

	var content bytes.Buffer
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		content.Write(seg.Value(src))
	}
	span := &Span{
		Kind:       TaggedBlock,
		Start:      openStart,
		End:        blockEnd,
		RawContent: content.String(),
	}
	return mask, span, true
}

// lineStart returns the offset of the first byte of the line containing pos.
func lineStart(src []byte, pos int) int {
	if pos > len(src) {
		pos = len(src)
	}
	i := pos
	for i > 0 && src[i-1] != '\n' {
		i--
	}
	return i
}

// lineEnd returns the offset one past the line's newline (or len(src)).
func lineEnd(src []byte, pos int) int {
	i := pos
	for i < len(src) && src[i] != '\n' {
		i++
	}
	if i < len(src) {
		i++
	}
	return i
}

// trimLineNL returns end shortened to exclude a trailing CR/LF pair.
func trimLineNL(src []byte, start, end int) int {
	if end > start && src[end-1] == '\n' {
		end--
	}
	if end > start && src[end-1] == '\r' {
		end--
	}
	return end
}

// parseOpenFence reads an opening fence line: up to three spaces of indent,
// then a run of at least three backticks or tildes.
func parseOpenFence(line []byte) (char byte, run int, ok bool) {
	i := 0
	for i < len(line) && line[i] == ' ' && i < 3 {
		i++
	}
	if i >= len(line) || (line[i] != '`' && line[i] != '~') {
		return 0, 0, false
	}
	char = line[i]
	j := i
	for j < len(line) && line[j] == char {
		j++
	}
	if j-i < 3 {
		return 0, 0, false
	}
	return char, j - i, true
}

// isCloseFence reports whether line closes a fence opened with char and run:
// same character, at least as long, nothing but whitespace after.
func isCloseFence(line []byte, char byte, run int) bool {
	i := 0
	for i < len(line) && line[i] == ' ' && i < 3 {
		i++
	}
	j := i
	for j < len(line) && line[j] == char {
		j++
	}
	if j-i < run {
		return false
	}
	for ; j < len(line); j++ {
		if line[j] != ' ' && line[j] != '\t' {
			return false
		}
	}
	return true
}
