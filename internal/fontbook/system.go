package fontbook

import (
	"os"
	"path/filepath"
	"runtime"
)

// systemFontDirs lists the OS-conventional font directories. Missing entries
// are skipped by the caller; the list only has to be plausible, not complete,
// since the engine runs its own system font discovery.
func systemFontDirs() []string {
	switch runtime.GOOS {
	case "darwin":
		dirs := []string{"/Library/Fonts", "/System/Library/Fonts"}
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(home, "Library", "Fonts"))
		}
		return dirs
	case "windows":
		windir := os.Getenv("WINDIR")
		if windir == "" {
			windir = `C:\Windows`
		}
		return []string{filepath.Join(windir, "Fonts")}
	default:
		dirs := []string{"/usr/share/fonts", "/usr/local/share/fonts"}
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs,
				filepath.Join(home, ".local", "share", "fonts"),
				filepath.Join(home, ".fonts"),
			)
		}
		return dirs
	}
}
