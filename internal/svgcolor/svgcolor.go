// Package svgcolor rewrites rendered SVG for theme adaptability. Auto mode
// replaces pure-black fills and strokes with currentColor, the inherited CSS
// text color, so dark themes get light math; every other color and every
// other byte of markup passes through untouched. Static mode is a
// byte-identical passthrough.
package svgcolor

import (
	"regexp"
	"strings"

	"github.com/duskmoon314/mdbook-typst-math/internal/config"
)

// Token is the symbolic color substituted for black.
const Token = "currentColor"

var (
	dqColorAttr = regexp.MustCompile(`(?:fill|stroke)\s*=\s*"([^"]*)"`)
	sqColorAttr = regexp.MustCompile(`(?:fill|stroke)\s*=\s*'([^']*)'`)
	dqStyleAttr = regexp.MustCompile(`style\s*=\s*"([^"]*)"`)
	sqStyleAttr = regexp.MustCompile(`style\s*=\s*'([^']*)'`)
	styleDecl   = regexp.MustCompile(`(?:fill|stroke)\s*:\s*([^;"']*)`)
)

// Rewrite applies the configured color mode to a rendered SVG document.
func Rewrite(svg string, mode config.ColorMode) string {
	if mode != config.ColorAuto {
		return svg
	}
	return ToCurrentColor(svg)
}

// ToCurrentColor replaces pure-black fill and stroke values, both attribute
// form and declarations inside style attributes, with currentColor.
func ToCurrentColor(svg string) string {
	svg = replaceGroup(svg, dqColorAttr, blackToToken)
	svg = replaceGroup(svg, sqColorAttr, blackToToken)
	svg = replaceGroup(svg, dqStyleAttr, rewriteDeclarations)
	svg = replaceGroup(svg, sqStyleAttr, rewriteDeclarations)
	return svg
}

func blackToToken(value string) (string, bool) {
	if !isBlack(value) {
		return "", false
	}
	return Token, true
}

// rewriteDeclarations handles the content of one style="..." attribute.
func rewriteDeclarations(style string) (string, bool) {
	out := replaceGroup(style, styleDecl, func(value string) (string, bool) {
		trimmed := strings.TrimSpace(value)
		if !isBlack(trimmed) {
			return "", false
		}
		// Keep the value's own padding so nothing but the color changes.
		lead := value[:strings.Index(value, trimmed)]
		trail := value[len(lead)+len(trimmed):]
		return lead + Token + trail, true
	})
	if out == style {
		return "", false
	}
	return out, true
}

// replaceGroup substitutes capture group 1 of every match, copying all
// remaining bytes verbatim. repl returns false to leave a match alone.
func replaceGroup(s string, re *regexp.Regexp, repl func(string) (string, bool)) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[2], m[3]
		if start < 0 {
			continue
		}
		replacement, ok := repl(s[start:end])
		if !ok {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(replacement)
		last = end
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

// isBlack recognizes the pure-black spellings renderers emit. Anything else,
// including "none" and non-black colors, is left for the theme author.
func isBlack(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "#000", "#000000", "black":
		return true
	}
	if !strings.HasPrefix(v, "rgb(") || !strings.HasSuffix(v, ")") {
		return false
	}
	parts := strings.Split(v[len("rgb(") : len(v)-1], ",")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		p = strings.TrimSuffix(strings.TrimSpace(p), "%")
		if p != "0" {
			return false
		}
	}
	return true
}
