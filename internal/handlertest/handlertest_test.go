package handlertest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureHandlerSrc = `
export const widgetHandler = {
  matches(cmd) { return cmd === "widget"; },
  create(cmd, args, settings) {
    const label = (settings && settings.label) || "widget";
    return {
      prepare() { return { cmd, args, env: {} }; },
      summarize(stdout, stderr, exitCode) {
        if (exitCode === null) return { summary: null };
        if (exitCode !== 0) return { summary: label + " failed: " + stderr.trim() };
        return { summary: label + " ok: " + stdout.trim() };
      },
    };
  },
};
`

func writeFixtureHandler(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "widget.ts")
	require.NoError(t, os.WriteFile(path, []byte(fixtureHandlerSrc), 0o644))
	return path
}

func writeCase(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "case.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCaseDecodesAllFields(t *testing.T) {
	path := writeCase(t, `
command = "widget build"
stdout = "built\n"
stderr = ""
exit_code = 0
expected_summary = "widget ok: built"

[settings]
label = "widget"
`)

	c, err := LoadCase(path)
	require.NoError(t, err)

	assert.Equal(t, "widget build", c.Command)
	assert.Equal(t, 0, c.ExitCode)
	assert.Equal(t, "widget ok: built", c.ExpectedSummary)
	assert.Equal(t, "widget", c.Settings["label"])
}

func TestRunSuccessCasePasses(t *testing.T) {
	handlerPath := writeFixtureHandler(t)
	c := Case{
		Command:         "widget build",
		Stdout:          "built\n",
		ExitCode:        0,
		ExpectedSummary: "widget ok: built",
	}

	result, err := Run(handlerPath, c)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.True(t, result.Pass)
	assert.Equal(t, "widget ok: built", result.Summary)
}

func TestRunFailureCaseReportsMismatch(t *testing.T) {
	handlerPath := writeFixtureHandler(t)
	c := Case{
		Command:         "widget build",
		Stderr:          "boom\n",
		ExitCode:        1,
		ExpectedSummary: "widget ok: built", // deliberately wrong
	}

	result, err := Run(handlerPath, c)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.False(t, result.Pass)
	assert.Equal(t, "widget failed: boom", result.Summary)
}

func TestRunNonMatchingCommand(t *testing.T) {
	handlerPath := writeFixtureHandler(t)
	c := Case{Command: "gadget run"}

	result, err := Run(handlerPath, c)
	require.NoError(t, err)

	assert.False(t, result.Matched)
}

func TestRunWithSettings(t *testing.T) {
	handlerPath := writeFixtureHandler(t)
	c := Case{
		Command:         "widget build",
		Settings:        map[string]any{"label": "custom"},
		Stdout:          "done\n",
		ExitCode:        0,
		ExpectedSummary: "custom ok: done",
	}

	result, err := Run(handlerPath, c)
	require.NoError(t, err)

	assert.True(t, result.Pass)
}
