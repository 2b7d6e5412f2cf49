package scriptruntime

import (
	"os"
	"path/filepath"
	"strings"
)

// readHandlerSource reads a handler file off disk. Factored out of
// loadHandler so tests can substitute an in-memory filesystem later without
// touching the worker's goja plumbing.
func readHandlerSource(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// stemOf returns a path's base name with its extension stripped, e.g.
// "/handlers/brazil-build.ts" -> "brazil-build".
func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
