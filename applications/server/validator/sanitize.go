package validator

import (
	"path/filepath"
	"strings"
)

const (
	maxFilenameLen  = 255
	unnamedFilename = "unnamed"
)

func safeFilenameRune(r rune) bool {
	return r >= 'a' && r <= 'z' ||
		r >= 'A' && r <= 'Z' ||
		r >= '0' && r <= '9' ||
		r == '.' || r == '_' || r == '-'
}

// SanitizeFilename returns a name safe to store, log and display: no path
// traversal, no separators, only [A-Za-z0-9._-]. It never returns "".
func SanitizeFilename(name string) string {
	for {
		cleaned := strings.ReplaceAll(name, "..", "")
		cleaned = strings.NewReplacer("/", "", "\\", "").Replace(cleaned)
		if cleaned == name {
			break
		}
		name = cleaned
	}

	name = strings.Map(func(r rune) rune {
		if safeFilenameRune(r) {
			return r
		}
		return '_'
	}, name)

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLen {
			ext = ""
		}
		name = strings.TrimRight(name[:maxFilenameLen-len(ext)], ".") + ext
	}

	if name == "" || name == "." {
		return unnamedFilename
	}

	return name
}
