package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelly-run/shelly/internal/handlerlocator"
	"github.com/shelly-run/shelly/internal/logging"
	"github.com/shelly-run/shelly/internal/outputsink"
	"github.com/shelly-run/shelly/internal/streamexec"
	"github.com/shelly-run/shelly/internal/supervisor"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	log := logging.Default()

	sup := supervisor.New(log)
	t.Cleanup(sup.Close)

	snk, err := outputsink.New(log, "shelly-orch-test-"+t.Name(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(snk.Dir()) })

	loc := handlerlocator.New(t.TempDir(), t.TempDir())
	exec := streamexec.New(log, sup, snk)

	return New(log, sup, snk, loc, exec)
}

func TestExecuteExactEcho(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.Execute(context.Background(), Request{
		Cmd:        "echo",
		Args:       []string{"hello"},
		Exact:      true,
		WorkingDir: t.TempDir(),
		TimeoutMs:  5000,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Summary, "hello")
	assert.False(t, result.IsRunning)
	assert.Empty(t, result.AvailableActions)

	contents, err := os.ReadFile(result.OutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "Exit Code: 0")
	assert.Contains(t, string(contents), "hello")
}

func TestExecuteHandlerTransformation(t *testing.T) {
	// Install a .shelly overlay handler for "shelly-test" and wire a fresh
	// Orchestrator to a locator rooted at this test's temp dirs.
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".shelly"), 0o755))
	handlerSrc := `
export const shellyTestHandler = {
  matches(cmd) { return cmd === "shelly-test"; },
  create(cmd, args, settings) {
    return {
      prepare() {
        return { cmd: "echo", args: ["Shelly", "is", "~NOT~", "working!"], env: {} };
      },
      summarize(stdout, stderr, exitCode) {
        if (exitCode === null) return { summary: null };
        return { summary: stdout.replace("~NOT~", "").trim() };
      },
    };
  },
};
`
	require.NoError(t, os.WriteFile(filepath.Join(home, ".shelly", "shelly-test.ts"), []byte(handlerSrc), 0o644))

	log := logging.Default()
	sup := supervisor.New(log)
	t.Cleanup(sup.Close)
	snk, err := outputsink.New(log, "shelly-orch-handler-test", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(snk.Dir()) })
	loc := handlerlocator.New(home, t.TempDir())
	exec := streamexec.New(log, sup, snk)
	orch := New(log, sup, snk, loc, exec)

	result, err := orch.Execute(context.Background(), Request{
		Cmd:        "shelly-test",
		Args:       []string{},
		Exact:      false,
		WorkingDir: t.TempDir(),
		TimeoutMs:  5000,
	})
	require.NoError(t, err)

	assert.Equal(t, "echo", result.ExecutedCommand.Cmd)
	assert.Equal(t, strings.TrimSpace("Shelly is  working!"), strings.TrimSpace(result.Summary))
}

func TestExecuteLongRunningTimesOut(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.Execute(context.Background(), Request{
		Cmd:        "sleep",
		Args:       []string{"2"},
		Exact:      true,
		WorkingDir: t.TempDir(),
		TimeoutMs:  50,
	})
	require.NoError(t, err)

	assert.True(t, result.IsRunning)
	assert.NotEmpty(t, result.ProcessID)
	assert.Contains(t, result.AvailableActions, ActionJoin)
	assert.Contains(t, result.AvailableActions, ActionCancel)
}

func TestExecuteRequiresWorkingDir(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Execute(context.Background(), Request{Cmd: "echo", Exact: true})
	require.Error(t, err)
}

func TestConfigureOverridesDefaults(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Configure(5000, 42)
	assert.Equal(t, 5000*time.Millisecond, o.defaultTimeout)
	assert.Equal(t, 42, o.summaryMaxChars)

	// Zero values leave prior settings untouched.
	o.Configure(0, 0)
	assert.Equal(t, 5000*time.Millisecond, o.defaultTimeout)
	assert.Equal(t, 42, o.summaryMaxChars)
}

func TestExecuteFallbackTruncation(t *testing.T) {
	o := newTestOrchestrator(t)
	o.summaryMaxChars = 20

	result, err := o.Execute(context.Background(), Request{
		Cmd:        "printf",
		Args:       []string{"%s", strings.Repeat("x", 100)},
		Exact:      true,
		WorkingDir: t.TempDir(),
		TimeoutMs:  5000,
	})
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Equal(t, "content_too_large", result.TruncationReason)
	assert.LessOrEqual(t, 20, len(result.Summary))
}
