package mdbook

import (
	"encoding/json"
	"fmt"
	"io"
)

// Context is the first element of the [context, book] input array. Config
// carries the parsed book.toml table; only the preprocessor sub-table is
// typed since the rest is never re-emitted.
type Context struct {
	Root          string     `json:"root"`
	Config        BookConfig `json:"config"`
	Renderer      string     `json:"renderer"`
	MdbookVersion string     `json:"mdbook_version"`
}

// BookConfig is the book.toml table as mdBook serializes it.
type BookConfig struct {
	Book         map[string]any             `json:"book"`
	Preprocessor map[string]json.RawMessage `json:"preprocessor"`
}

// PreprocessorConfig returns the raw [preprocessor.<name>] table, if present.
func (c *Context) PreprocessorConfig(name string) (json.RawMessage, bool) {
	if c == nil || c.Config.Preprocessor == nil {
		return nil, false
	}
	raw, ok := c.Config.Preprocessor[name]
	return raw, ok
}

// ParseInput reads the [context, book] array mdBook writes to the
// preprocessor's stdin.
func ParseInput(r io.Reader) (*Context, *Book, error) {
	var elems []json.RawMessage
	if err := json.NewDecoder(r).Decode(&elems); err != nil {
		return nil, nil, fmt.Errorf("decode preprocessor input: %w", err)
	}
	if len(elems) != 2 {
		return nil, nil, fmt.Errorf("preprocessor input must be a [context, book] pair, got %d elements", len(elems))
	}

	var ctx Context
	if err := json.Unmarshal(elems[0], &ctx); err != nil {
		return nil, nil, fmt.Errorf("decode preprocessor context: %w", err)
	}
	var book Book
	if err := json.Unmarshal(elems[1], &book); err != nil {
		return nil, nil, fmt.Errorf("decode book: %w", err)
	}
	return &ctx, &book, nil
}

// WriteBook serializes the transformed book to w. mdBook reads exactly one
// JSON document from the preprocessor's stdout, so nothing else may be
// written to the same stream.
func WriteBook(w io.Writer, book *Book) error {
	if err := json.NewEncoder(w).Encode(book); err != nil {
		return fmt.Errorf("encode book: %w", err)
	}
	return nil
}
