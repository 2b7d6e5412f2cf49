package scriptruntime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func writeHandler(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const echoHandlerSrc = `
export const echoHandler = {
  matches(cmd, args) {
    return cmd === "echo";
  },
  settings() {
    return { type: "object", properties: {} };
  },
  create(cmd, args, settings) {
    return {
      prepare() {
        return { cmd, args, env: { SHELLY_TEST: "1" } };
      },
      summarize(stdout, stderr, exitCode) {
        if (exitCode === null) {
          return { summary: null };
        }
        return { summary: "exit=" + exitCode + " out=" + stdout };
      },
    };
  },
};
`

func TestRuntimeLoadHandlerAndLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeHandler(t, dir, "echo.ts", echoHandlerSrc)

	rt := New()
	defer rt.Close()

	require.NoError(t, rt.LoadHandler(path))

	ok, err := rt.Matches("echo", []string{"hi"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rt.Matches("ls", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rt.CreateHandler("echo", []string{"hi"}, map[string]any{}))

	prep, err := rt.Prepare()
	require.NoError(t, err)
	assert.Equal(t, "echo", prep.Cmd)
	assert.Equal(t, []string{"hi"}, prep.Args)
	assert.Equal(t, "1", prep.Env["SHELLY_TEST"])

	summary, err := rt.Summarize("partial", "", nil)
	require.NoError(t, err)
	assert.Nil(t, summary.Summary)

	exitCode := 0
	summary, err = rt.Summarize("hi\n", "", &exitCode)
	require.NoError(t, err)
	require.NotNil(t, summary.Summary)
	assert.Equal(t, "exit=0 out=hi\n", *summary.Summary)
}

func TestRuntimeLoadHandlerMissingExport(t *testing.T) {
	dir := t.TempDir()
	path := writeHandler(t, dir, "nothing-here.ts", `export function matches() { return false; }`)

	rt := New()
	defer rt.Close()

	err := rt.LoadHandler(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothingHereHandler")
}

func TestRuntimeSerializesConcurrentCalls(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := writeHandler(t, dir, "echo.ts", echoHandlerSrc)

	rt := New()
	require.NoError(t, rt.LoadHandler(path))

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := rt.Matches("echo", nil)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	rt.Close()
}

func TestExportNameFor(t *testing.T) {
	cases := map[string]string{
		"echo":         "echoHandler",
		"brazil-build": "brazilBuildHandler",
		"cargo":        "cargoHandler",
	}
	for stem, want := range cases {
		assert.Equal(t, want, exportNameFor(stem))
	}
}
