// Package fsutil holds small filesystem path helpers shared across the
// upload, room and HTTP layers.
package fsutil

import (
	"path/filepath"
	"strings"
)

// Within reports whether path resolves strictly under root after cleaning.
// The root itself does not count as inside, so a confined delete can never
// target the root directory.
func Within(root, path string) bool {
	absRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return false
	}
	return strings.HasPrefix(absPath, absRoot+string(filepath.Separator))
}
