package logfields

import (
	"log/slog"
	"testing"
	"time"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    interface{}
	}{
		{"RunID", KeyRunID, "123", RunID("123")},
		{"Chapter", KeyChapter, "intro.md", Chapter("intro.md")},
		{"SpanKind", KeySpanKind, "inline", SpanKind("inline")},
		{"Package", KeyPackage, "@preview/cetz:0.3.1", Package("@preview/cetz:0.3.1")},
		{"FontFamily", KeyFontFamily, "New Computer Modern", FontFamily("New Computer Modern")},
		{"Renderer", KeyRenderer, "html", Renderer("html")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"URL", KeyURL, "http://example", URL("http://example")},
	}

	for _, tc := range cases {
		a := tc.attr.(slog.Attr)
		if a.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, a.Key)
		}
		if got := a.Value.String(); got != tc.attrVal { // Value is slog.Value
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric & float helpers.
func TestNumericHelpers(t *testing.T) {
	if v := Line(3); v.Key != KeyLine {
		t.Fatalf("Line key mismatch: %s", v.Key)
	}
	if v := Column(14); v.Key != KeyColumn {
		t.Fatalf("Column key mismatch: %s", v.Key)
	}
	if v := Spans(7); v.Key != KeySpans {
		t.Fatalf("Spans key mismatch: %s", v.Key)
	}
	if v := Workers(4); v.Key != KeyWorkers {
		t.Fatalf("Workers key mismatch: %s", v.Key)
	}
	if v := DurationMS(1500 * time.Millisecond); v.Key != KeyDurationMS || v.Value.Float64() != 1500 {
		t.Fatalf("DurationMS mismatch: %s=%v", v.Key, v.Value)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("Expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("Expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
