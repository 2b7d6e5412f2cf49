// Package handlertest runs the on-disk TOML test-case format described in
// spec.md §6 against a handler script, without spawning a real child
// process: stdout/stderr/exit_code are supplied directly to exercise a
// handler's matches/create/summarize hooks in isolation.
package handlertest

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/shelly-run/shelly/internal/scriptruntime"
)

// Case is one TOML test-case document: command, settings, stdout, stderr,
// exit_code, expected_summary.
type Case struct {
	Command         string         `toml:"command"`
	Settings        map[string]any `toml:"settings"`
	Stdout          string         `toml:"stdout"`
	Stderr          string         `toml:"stderr"`
	ExitCode        int            `toml:"exit_code"`
	ExpectedSummary string         `toml:"expected_summary"`
}

// LoadCase parses a single test-case file at path.
func LoadCase(path string) (Case, error) {
	var c Case
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Case{}, fmt.Errorf("decoding test case %s: %w", path, err)
	}
	return c, nil
}

// Result is the outcome of running a Case against a handler.
type Result struct {
	Matched bool
	Summary string
	Pass    bool
}

// Run loads the handler at handlerPath, feeds it c's command line, settings,
// and output, and compares the produced final summary against
// c.ExpectedSummary. The handler is torn down before Run returns.
func Run(handlerPath string, c Case) (Result, error) {
	cmd, args := splitCommand(c.Command)

	rt := scriptruntime.New()
	defer rt.Close()

	if err := rt.LoadHandler(handlerPath); err != nil {
		return Result{}, fmt.Errorf("loading handler %s: %w", handlerPath, err)
	}

	matched, err := rt.Matches(cmd, args)
	if err != nil {
		return Result{}, fmt.Errorf("handler.matches: %w", err)
	}
	if !matched {
		return Result{Matched: false}, nil
	}

	if err := rt.CreateHandler(cmd, args, c.Settings); err != nil {
		return Result{}, fmt.Errorf("handler.create: %w", err)
	}

	exitCode := c.ExitCode
	sr, err := rt.Summarize(c.Stdout, c.Stderr, &exitCode)
	if err != nil {
		return Result{}, fmt.Errorf("handler.summarize: %w", err)
	}

	summary := ""
	if sr.Summary != nil {
		summary = *sr.Summary
	}

	return Result{
		Matched: true,
		Summary: summary,
		Pass:    summary == c.ExpectedSummary,
	}, nil
}

func splitCommand(commandString string) (string, []string) {
	fields := strings.Fields(commandString)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
