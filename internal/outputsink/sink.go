// Package outputsink manages the per-invocation output files the
// orchestrator writes the captured bytes of a child process to, so an
// agent can inspect full output beyond the truncated summary it is handed
// back (spec.md §4.1).
package outputsink

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/shelly-run/shelly/internal/logging"
)

const (
	maxSanitizedCmdLen = 20
	defaultMaxAge      = 24 * time.Hour
)

var disallowedChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sink creates, writes and garbage-collects output files under a
// process-wide directory in the OS temp root.
type Sink struct {
	log    *logging.Logger
	dir    string
	maxAge time.Duration
}

// New creates dirName under os.TempDir if it does not exist yet and returns
// a Sink rooted there.
func New(log *logging.Logger, dirName string, maxAge time.Duration) (*Sink, error) {
	if dirName == "" {
		dirName = "shelly"
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	dir := filepath.Join(os.TempDir(), dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory %s: %w", dir, err)
	}
	return &Sink{
		log:    log.WithFields(zap.String("component", "output-sink")),
		dir:    dir,
		maxAge: maxAge,
	}, nil
}

// Dir returns the sink's backing directory.
func (s *Sink) Dir() string { return s.dir }

// Allocate reserves a new output file path for commandString, following
// spec.md §4.1's "{sanitized_cmd}-{unix_millis}.txt" naming scheme. It does
// not create the file; Write does.
func (s *Sink) Allocate(commandString string) string {
	name := fmt.Sprintf("%s-%d.txt", sanitizeCmd(commandString), time.Now().UnixMilli())
	return filepath.Join(s.dir, name)
}

// Write renders the captured output in the §4.1 format and writes it to
// path, creating or truncating the file.
func (s *Sink) Write(path string, exitCode int, stdout, stderr []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "Exit Code: %d\n\n=== STDOUT ===\n", exitCode); err != nil {
		return fmt.Errorf("writing output header: %w", err)
	}
	if _, err := f.Write(stdout); err != nil {
		return fmt.Errorf("writing stdout to %s: %w", path, err)
	}
	if _, err := f.WriteString("\n=== STDERR ===\n"); err != nil {
		return fmt.Errorf("writing stderr delimiter: %w", err)
	}
	if _, err := f.Write(stderr); err != nil {
		return fmt.Errorf("writing stderr to %s: %w", path, err)
	}
	return nil
}

// Cleanup scans the sink directory and removes files older than maxAge.
// Best-effort: individual stat/remove errors are logged and swallowed, per
// spec.md §4.1.
func (s *Sink) Cleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("output sink cleanup scan failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.log.Warn("output sink cleanup stat failed", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warn("output sink cleanup remove failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// sanitizeCmd restricts commandString to [A-Za-z0-9_-] and truncates it to
// 20 characters (spec.md §4.1).
func sanitizeCmd(commandString string) string {
	sanitized := disallowedChars.ReplaceAllString(commandString, "")
	if sanitized == "" {
		sanitized = "cmd"
	}
	r := []rune(sanitized)
	if len(r) > maxSanitizedCmdLen {
		r = r[:maxSanitizedCmdLen]
	}
	return string(r)
}
