package handlerlocator

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocateEmptyCommandIsFatal(t *testing.T) {
	l := New("", "")
	_, ok, err := l.Locate("   ")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestLocateNotFound(t *testing.T) {
	userHome := t.TempDir()
	cwd := t.TempDir()
	l := New(userHome, cwd)

	_, ok, err := l.Locate("totally-unknown-command")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocateUserHomeOverlayWinsFirst(t *testing.T) {
	userHome := t.TempDir()
	cwd := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(userHome, ".shelly"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, ".shelly"), 0o755))

	userPath := filepath.Join(userHome, ".shelly", "foo.ts")
	cwdPath := filepath.Join(cwd, ".shelly", "foo.ts")
	require.NoError(t, os.WriteFile(userPath, []byte("// user"), 0o644))
	require.NoError(t, os.WriteFile(cwdPath, []byte("// cwd"), 0o644))

	l := New(userHome, cwd)
	path, ok, err := l.Locate("foo bar baz")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, userPath, path)
}

func TestLocateFallsBackToCwdOverlay(t *testing.T) {
	userHome := t.TempDir()
	cwd := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, ".shelly"), 0o755))

	cwdPath := filepath.Join(cwd, ".shelly", "foo.ts")
	require.NoError(t, os.WriteFile(cwdPath, []byte("// cwd"), 0o644))

	l := New(userHome, cwd)
	path, ok, err := l.Locate("foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cwdPath, path)
}

func TestLocateConsultsExtraSearchPathsBeforeBuiltins(t *testing.T) {
	extra := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(extra, "cargo.ts"), []byte("// shared override"), 0o644))

	l := New(t.TempDir(), t.TempDir())
	l.SetExtraSearchPaths([]string{extra})

	path, ok, err := l.Locate("cargo build")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(extra, "cargo.ts"), path)
}

func TestLocateMaterializesBuiltin(t *testing.T) {
	l := New(t.TempDir(), t.TempDir())

	path, ok, err := l.Locate("cargo build --release")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cargo.ts", filepath.Base(path))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "cargo")

	// Second lookup reuses the same materialized path.
	path2, ok, err := l.Locate("cargo test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, path, path2)
}

func TestLocateConcurrentMaterializeConvergesOnOnePath(t *testing.T) {
	l := New(t.TempDir(), t.TempDir())

	const goroutines = 20
	paths := make([]string, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			path, ok, err := l.Locate("cargo build")
			assert.NoError(t, err)
			assert.True(t, ok)
			paths[i] = path
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
}
