package extract

import "github.com/duskmoon314/mdbook-typst-math/internal/logfields"

// scanMath walks the unmasked bytes of src looking for $ and $$ spans.
//
// Delimiter rules, matching the markdown parser the tool replaces:
//   - $$ opens display math, closed by the next $$ at brace depth zero.
//     A lone $ inside display content is content.
//   - $ opens inline math only when immediately followed by a
//     non-whitespace byte; it closes at the next $ at depth zero that is
//     immediately preceded by a non-whitespace byte.
//   - \X skips the escaped byte; \{ and \} track nesting depth, and no
//     delimiter closes while the depth is positive.
//   - A blank line aborts the scan; the opener is left as plain text.
//   - Inline mask regions are skipped over; block regions abort the scan.
func (x *Extractor) scanMath(src []byte, masks []region) []Span {
	var spans []Span

	i := 0
	mi := 0
	for i < len(src) {
		for mi < len(masks) && masks[mi].end <= i {
			mi++
		}
		if mi < len(masks) && i >= masks[mi].start {
			i = masks[mi].end
			continue
		}

		switch src[i] {
		case '\\':
			i += 2
			continue
		case '$':
		default:
			i++
			continue
		}

		if i+1 < len(src) && src[i+1] == '$' {
			contentStart := i + 2
			contentEnd, spanEnd, ok := scanClose(src, masks, contentStart, true)
			if !ok {
				x.logUnterminated(src, i, Display)
				i = contentStart
				continue
			}
			spans = append(spans, Span{
				Kind:       Display,
				Start:      i,
				End:        spanEnd,
				RawContent: string(src[contentStart:contentEnd]),
			})
			i = spanEnd
			continue
		}

		contentStart := i + 1
		if contentStart >= len(src) || isSpaceByte(src[contentStart]) {
			i++
			continue
		}
		contentEnd, spanEnd, ok := scanClose(src, masks, contentStart, false)
		if !ok {
			x.logUnterminated(src, i, Inline)
			i = contentStart
			continue
		}
		spans = append(spans, Span{
			Kind:       Inline,
			Start:      i,
			End:        spanEnd,
			RawContent: string(src[contentStart:contentEnd]),
		})
		i = spanEnd
	}

	return spans
}

// scanClose looks for the closing delimiter starting at from. It returns the
// content end (exclusive) and the span end (past the closer). ok is false
// when the span is aborted by a blank line, a block construct or end of
// input.
func scanClose(src []byte, masks []region, from int, display bool) (contentEnd, spanEnd int, ok bool) {
	depth := 0
	i := from
	mi := 0
	for i < len(src) {
		for mi < len(masks) && masks[mi].end <= i {
			mi++
		}
		if mi < len(masks) && i >= masks[mi].start {
			if !masks[mi].inline {
				return 0, 0, false
			}
			i = masks[mi].end
			continue
		}

		switch src[i] {
		case '\\':
			if i+1 < len(src) {
				switch src[i+1] {
				case '{':
					depth++
				case '}':
					if depth > 0 {
						depth--
					}
				}
			}
			i += 2
		case '\n':
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\r') {
				j++
			}
			if j >= len(src) || src[j] == '\n' {
				return 0, 0, false
			}
			i++
		case '$':
			if depth > 0 {
				i++
				continue
			}
			if display {
				if i+1 < len(src) && src[i+1] == '$' {
					return i, i + 2, true
				}
				i++
				continue
			}
			if !isSpaceByte(src[i-1]) {
				return i, i + 1, true
			}
			i++
		default:
			i++
		}
	}
	return 0, 0, false
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func (x *Extractor) logUnterminated(src []byte, start int, kind Kind) {
	line, col := position(src, start)
	x.logger.Debug("unterminated math delimiter left as plain text",
		logfields.SpanKind(kind.String()),
		logfields.Line(line),
		logfields.Column(col),
	)
}

// position computes the 1-based line and column of a byte offset.
func position(src []byte, offset int) (line, col int) {
	line, col = 1, 1
	for i := 0; i < offset && i < len(src); i++ {
		if src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
