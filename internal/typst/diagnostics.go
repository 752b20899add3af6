package typst

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Severity classifies a compiler diagnostic.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// Diagnostic is one message reported by the engine. File, Line and Column
// refer to the synthesized document, not the chapter; callers add chapter
// context when logging.
type Diagnostic struct {
	Severity Severity
	File     string
	Line     int
	Column   int
	Message  string
	Hints    []string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	if d.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", d.File, d.Line, d.Column)
	}
	b.WriteString(d.Severity.String())
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}

// The engine's --diagnostic-format short emits one diagnostic per line as
// "path:line:col: severity: message", falling back to "severity: message"
// for diagnostics without a source position.
var (
	positionedLine = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s+(error|warning):\s?(.*)$`)
	bareLine       = regexp.MustCompile(`^(error|warning):\s?(.*)$`)
)

// ParseDiagnostics parses the engine's short-format stderr output. Lines
// matching neither shape attach to the preceding diagnostic as hints; a
// leading unattached line is tolerated and dropped.
func ParseDiagnostics(output string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := positionedLine.FindStringSubmatch(line); m != nil {
			ln, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			diags = append(diags, Diagnostic{
				Severity: severityFrom(m[4]),
				File:     m[1],
				Line:     ln,
				Column:   col,
				Message:  m[5],
			})
			continue
		}
		if m := bareLine.FindStringSubmatch(line); m != nil {
			diags = append(diags, Diagnostic{Severity: severityFrom(m[1]), Message: m[2]})
			continue
		}
		if len(diags) > 0 {
			last := &diags[len(diags)-1]
			last.Hints = append(last.Hints, strings.TrimSpace(line))
		}
	}
	return diags
}

func severityFrom(word string) Severity {
	if word == "warning" {
		return SeverityWarning
	}
	return SeverityError
}
