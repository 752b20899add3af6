//go:build !embedfonts

package fontbook

// embeddedFonts returns nothing in default builds; see embedded.go for the
// embedfonts build tag.
func embeddedFonts() map[string][]byte { return nil }
