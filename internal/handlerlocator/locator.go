// Package handlerlocator resolves a command name to a handler script path,
// per the search order in spec.md §4.2 plus one configurable tier: a
// user-home overlay, a working-directory overlay, any extra search paths,
// then a curated set of built-ins embedded into the binary.
package handlerlocator

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

//go:embed builtins/*.ts
var builtinFS embed.FS

const overlayDirName = ".shelly"

// Locator resolves command names to handler file paths.
type Locator struct {
	userHome         string
	cwd              string
	extraSearchPaths []string

	mu          sync.Mutex
	materialize map[string]string // cmd -> materialized built-in path
	group       singleflight.Group
}

// SetExtraSearchPaths configures additional directories consulted after the
// user-home and cwd overlays and before built-ins (internal/config's
// handler.extraSearchPaths), for deployments that keep a shared handler
// directory outside any one user's home.
func (l *Locator) SetExtraSearchPaths(paths []string) {
	l.extraSearchPaths = paths
}

// New builds a Locator rooted at userHome and cwd. Either may be empty, in
// which case that tier is skipped.
func New(userHome, cwd string) *Locator {
	return &Locator{
		userHome:    userHome,
		cwd:         cwd,
		materialize: make(map[string]string),
	}
}

// NewFromEnvironment builds a Locator using os.UserHomeDir and the process's
// current working directory, swallowing errors from either (an empty
// string simply disables that tier).
func NewFromEnvironment() *Locator {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	return New(home, cwd)
}

// Locate resolves commandString's first whitespace-delimited token to a
// handler path, trying the user overlay, then the cwd overlay, then the
// extra search paths, then built-ins. Returns ("", false, nil) if nothing
// matches. Returns an error for an empty command (spec.md §4.2: "Empty
// commands signal a fatal error") or when a built-in cannot be written to
// its temp file.
func (l *Locator) Locate(commandString string) (string, bool, error) {
	cmd := firstToken(commandString)
	if cmd == "" {
		return "", false, fmt.Errorf("handler locator: empty command")
	}

	if l.userHome != "" {
		path := filepath.Join(l.userHome, overlayDirName, cmd+".ts")
		if fileExists(path) {
			return path, true, nil
		}
	}

	if l.cwd != "" {
		path := filepath.Join(l.cwd, overlayDirName, cmd+".ts")
		if fileExists(path) {
			return path, true, nil
		}
	}

	for _, dir := range l.extraSearchPaths {
		path := filepath.Join(dir, cmd+".ts")
		if fileExists(path) {
			return path, true, nil
		}
	}

	if path, ok, err := l.materializeBuiltin(cmd); err != nil {
		return "", false, err
	} else if ok {
		return path, true, nil
	}

	return "", false, nil
}

// materializeBuiltin writes the embedded source for cmd (if any) to a temp
// file named <cmd>.ts, so the evaluator's module specifier still reflects
// the original command name (spec.md §4.2). Concurrent Locate calls for the
// same never-yet-materialized command collapse onto a single write via
// singleflight, instead of racing separate MkdirTemp/WriteFile calls.
func (l *Locator) materializeBuiltin(cmd string) (string, bool, error) {
	l.mu.Lock()
	if path, ok := l.materialize[cmd]; ok {
		l.mu.Unlock()
		return path, true, nil
	}
	l.mu.Unlock()

	v, err, _ := l.group.Do(cmd, func() (any, error) {
		l.mu.Lock()
		if path, ok := l.materialize[cmd]; ok {
			l.mu.Unlock()
			return path, nil
		}
		l.mu.Unlock()

		src, readErr := builtinFS.ReadFile("builtins/" + cmd + ".ts")
		if readErr != nil {
			return "", nil
		}

		dir, mkErr := os.MkdirTemp("", "shelly-builtin-")
		if mkErr != nil {
			return "", fmt.Errorf("materializing built-in handler %s: %w", cmd, mkErr)
		}
		path := filepath.Join(dir, cmd+".ts")
		if writeErr := os.WriteFile(path, src, 0o644); writeErr != nil {
			return "", fmt.Errorf("materializing built-in handler %s: %w", cmd, writeErr)
		}

		l.mu.Lock()
		l.materialize[cmd] = path
		l.mu.Unlock()
		return path, nil
	})
	if err != nil {
		return "", false, err
	}
	path, _ := v.(string)
	if path == "" {
		return "", false, nil
	}
	return path, true, nil
}

// BuiltinNames returns the command names with an embedded built-in handler,
// sorted, for tooling that wants to enumerate or install them (e.g. a setup
// CLI populating a fresh user overlay).
func BuiltinNames() ([]string, error) {
	entries, err := builtinFS.ReadDir("builtins")
	if err != nil {
		return nil, fmt.Errorf("reading built-in handlers: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".ts"))
	}
	return names, nil
}

// BuiltinSource returns the embedded source for a built-in handler by
// command name.
func BuiltinSource(cmd string) ([]byte, error) {
	return builtinFS.ReadFile("builtins/" + cmd + ".ts")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func firstToken(commandString string) string {
	fields := strings.Fields(commandString)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
