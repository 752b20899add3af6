// Package mdbook implements the data model and stdin/stdout protocol used by
// mdBook to talk to preprocessors. A preprocessor receives a JSON array
// [context, book] on stdin and must write the (possibly modified) book back
// to stdout. Everything except chapter content must round-trip unchanged.
package mdbook

import (
	"encoding/json"
	"fmt"
)

// Book is the root of the chapter tree handed over by mdBook.
type Book struct {
	Sections []BookItem
}

// BookItem is one entry in the chapter tree. Exactly one of the three
// variants is set: a chapter, a part title, or a separator line.
type BookItem struct {
	Chapter   *Chapter
	PartTitle *string
	Separator bool
}

// Chapter carries one markdown document plus its table-of-contents metadata.
// Only Content is ever modified; the remaining fields must survive the
// round-trip byte-for-byte so mdBook can keep its navigation intact.
type Chapter struct {
	Name        string     `json:"name"`
	Content     string     `json:"content"`
	Number      []uint32   `json:"number"`
	SubItems    []BookItem `json:"sub_items"`
	Path        *string    `json:"path"`
	SourcePath  *string    `json:"source_path"`
	ParentNames []string   `json:"parent_names"`
}

const separatorTag = "Separator"

// NewChapterItem wraps a chapter as a book item.
func NewChapterItem(c *Chapter) BookItem { return BookItem{Chapter: c} }

// NewPartTitle returns a part-title book item.
func NewPartTitle(title string) BookItem { return BookItem{PartTitle: &title} }

// NewSeparator returns a separator book item.
func NewSeparator() BookItem { return BookItem{Separator: true} }

// UnmarshalJSON decodes the three wire shapes mdBook emits for an item:
// the bare string "Separator", {"PartTitle": "..."} and {"Chapter": {...}}.
func (i *BookItem) UnmarshalJSON(data []byte) error {
	*i = BookItem{}

	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		if tag != separatorTag {
			return fmt.Errorf("unknown book item variant %q", tag)
		}
		i.Separator = true
		return nil
	}

	var probe struct {
		Chapter   *Chapter `json:"Chapter"`
		PartTitle *string  `json:"PartTitle"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("decode book item: %w", err)
	}
	switch {
	case probe.Chapter != nil:
		i.Chapter = probe.Chapter
	case probe.PartTitle != nil:
		i.PartTitle = probe.PartTitle
	default:
		return fmt.Errorf("book item has no recognized variant")
	}
	return nil
}

// MarshalJSON emits the wire shape matching the variant that is set.
func (i BookItem) MarshalJSON() ([]byte, error) {
	switch {
	case i.Chapter != nil:
		return json.Marshal(struct {
			Chapter *Chapter `json:"Chapter"`
		}{i.Chapter})
	case i.PartTitle != nil:
		return json.Marshal(struct {
			PartTitle string `json:"PartTitle"`
		}{*i.PartTitle})
	case i.Separator:
		return json.Marshal(separatorTag)
	}
	return nil, fmt.Errorf("book item has no variant set")
}

// chapterWire mirrors Chapter for marshaling so slice fields can be
// normalized; mdBook deserializes sub_items and parent_names as arrays and
// rejects null.
type chapterWire struct {
	Name        string     `json:"name"`
	Content     string     `json:"content"`
	Number      []uint32   `json:"number"`
	SubItems    []BookItem `json:"sub_items"`
	Path        *string    `json:"path"`
	SourcePath  *string    `json:"source_path"`
	ParentNames []string   `json:"parent_names"`
}

func (c Chapter) MarshalJSON() ([]byte, error) {
	w := chapterWire{
		Name:        c.Name,
		Content:     c.Content,
		Number:      c.Number,
		SubItems:    c.SubItems,
		Path:        c.Path,
		SourcePath:  c.SourcePath,
		ParentNames: c.ParentNames,
	}
	if w.SubItems == nil {
		w.SubItems = []BookItem{}
	}
	if w.ParentNames == nil {
		w.ParentNames = []string{}
	}
	return json.Marshal(w)
}

func (b *Book) UnmarshalJSON(data []byte) error {
	var raw struct {
		Sections []BookItem `json:"sections"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode book: %w", err)
	}
	b.Sections = raw.Sections
	return nil
}

// MarshalJSON always includes the __non_exhaustive marker mdBook's own
// serializer emits; mdBook rejects a book object without it.
func (b Book) MarshalJSON() ([]byte, error) {
	sections := b.Sections
	if sections == nil {
		sections = []BookItem{}
	}
	return json.Marshal(struct {
		Sections      []BookItem      `json:"sections"`
		NonExhaustive json.RawMessage `json:"__non_exhaustive"`
	}{sections, json.RawMessage("null")})
}

// EachChapter walks the chapter tree depth-first, visiting sub-chapters
// after their parent. Separators and part titles are skipped. The walk stops
// at the first error.
func (b *Book) EachChapter(fn func(*Chapter) error) error {
	return eachChapter(b.Sections, fn)
}

func eachChapter(items []BookItem, fn func(*Chapter) error) error {
	for idx := range items {
		ch := items[idx].Chapter
		if ch == nil {
			continue
		}
		if err := fn(ch); err != nil {
			return err
		}
		if err := eachChapter(ch.SubItems, fn); err != nil {
			return err
		}
	}
	return nil
}
