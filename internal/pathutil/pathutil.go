// Package pathutil provides helpers for paths built from untrusted input.
package pathutil

import (
	"path/filepath"
	"strings"
)

// SanitizeFileName reduces a caller-supplied file name to a bare name that
// cannot escape its parent directory. Separators and traversal elements are
// stripped; an empty string means nothing usable was left.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}
