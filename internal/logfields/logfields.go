package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyChapter    = "chapter"
	KeySpanKind   = "span_kind"
	KeyLine       = "line"
	KeyColumn     = "column"
	KeyPackage    = "package"
	KeyFontFamily = "font_family"
	KeyRenderer   = "renderer"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyDurationMS = "duration_ms"
	KeySpans      = "spans"
	KeyWorkers    = "workers"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr        { return slog.String(KeyRunID, id) }
func Chapter(name string) slog.Attr    { return slog.String(KeyChapter, name) }
func SpanKind(kind string) slog.Attr   { return slog.String(KeySpanKind, kind) }
func Line(n int) slog.Attr             { return slog.Int(KeyLine, n) }
func Column(n int) slog.Attr           { return slog.Int(KeyColumn, n) }
func Package(spec string) slog.Attr    { return slog.String(KeyPackage, spec) }
func FontFamily(name string) slog.Attr { return slog.String(KeyFontFamily, name) }
func Renderer(name string) slog.Attr   { return slog.String(KeyRenderer, name) }
func Path(p string) slog.Attr          { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr           { return slog.String(KeyURL, u) }
func Spans(n int) slog.Attr            { return slog.Int(KeySpans, n) }
func Workers(n int) slog.Attr          { return slog.Int(KeyWorkers, n) }

func DurationMS(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Nanoseconds())/1e6)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
