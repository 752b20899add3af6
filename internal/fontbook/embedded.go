//go:build embedfonts

package fontbook

import (
	"embed"
	"io/fs"
)

// Fonts placed under embedded/ are compiled into the binary when building
// with -tags embedfonts, so the tool works on hosts without any math fonts
// installed. The whole directory is embedded (it ships with only a README,
// which still satisfies the pattern) and filtered by extension here; drop
// the desired .ttf/.otf files in before building with the tag.
//
//go:embed embedded
var embeddedFS embed.FS

func embeddedFonts() map[string][]byte {
	fonts := make(map[string][]byte)
	entries, err := fs.ReadDir(embeddedFS, "embedded")
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() || !isFontFile(entry.Name()) {
			continue
		}
		data, err := fs.ReadFile(embeddedFS, "embedded/"+entry.Name())
		if err != nil {
			continue
		}
		fonts[entry.Name()] = data
	}
	return fonts
}
