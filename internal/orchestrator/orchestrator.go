// Package orchestrator implements the top-level execute entry point tying
// the Handler Locator, Script Runtime, Streaming Executor, Process
// Supervisor and Output Sink together (spec.md §4.6).
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shelly-run/shelly/internal/handlerlocator"
	"github.com/shelly-run/shelly/internal/logging"
	"github.com/shelly-run/shelly/internal/outputsink"
	"github.com/shelly-run/shelly/internal/scriptruntime"
	"github.com/shelly-run/shelly/internal/streamexec"
	"github.com/shelly-run/shelly/internal/supervisor"
)

const (
	defaultTimeout   = 10 * time.Second
	summaryMaxChars  = 10000
	noOutputFallback = "No output"
)

// Action is one of the operations a caller may perform on a still-running
// process.
type Action string

const (
	ActionJoin   Action = "join"
	ActionCancel Action = "cancel"
	ActionStatus Action = "status"
)

// Request is the command request described in spec.md §3.
type Request struct {
	Cmd        string
	Args       []string
	Settings   map[string]any
	Exact      bool
	WorkingDir string
	Env        map[string]string
	TimeoutMs  int
}

// ExecutedCommand is the command actually spawned, after any handler
// transformation.
type ExecutedCommand struct {
	Cmd  string
	Args []string
}

// Result is the execution result returned to the orchestrator's caller
// (spec.md §3).
type Result struct {
	Summary          string
	OutputFile       string
	ExitCode         int
	Truncated        bool
	TruncationReason string
	ExecutedCommand  ExecutedCommand
	ProcessID        string
	IsRunning        bool
	AvailableActions []Action
}

// Orchestrator wires the engine's components together.
type Orchestrator struct {
	log             *logging.Logger
	sup             *supervisor.Supervisor
	snk             *outputsink.Sink
	locator         *handlerlocator.Locator
	executor        *streamexec.Executor
	defaultTimeout  time.Duration
	summaryMaxChars int
}

// New builds an Orchestrator from its component collaborators, with the
// package defaults for the overall timeout and fallback truncation length.
// Call Configure to override them from loaded configuration.
func New(log *logging.Logger, sup *supervisor.Supervisor, snk *outputsink.Sink, locator *handlerlocator.Locator, executor *streamexec.Executor) *Orchestrator {
	return &Orchestrator{
		log:             log.WithFields(zap.String("component", "orchestrator")),
		sup:             sup,
		snk:             snk,
		locator:         locator,
		executor:        executor,
		defaultTimeout:  defaultTimeout,
		summaryMaxChars: summaryMaxChars,
	}
}

// Configure overrides the default timeout and fallback-truncation length
// with values loaded from internal/config (spec.md §4.6 steps 4 and 7). Zero
// values leave the corresponding default untouched.
func (o *Orchestrator) Configure(defaultTimeoutMs, summaryMaxChars int) {
	if defaultTimeoutMs > 0 {
		o.defaultTimeout = time.Duration(defaultTimeoutMs) * time.Millisecond
	}
	if summaryMaxChars > 0 {
		o.summaryMaxChars = summaryMaxChars
	}
}

// handlerAdapter bridges a scriptruntime.Runtime loaded with one handler
// instance to the narrower summarizer contract the Supervisor expects, and
// to io.Closer so the Streaming Executor can tear the worker thread down
// once the job reaches a terminal state.
type handlerAdapter struct {
	rt *scriptruntime.Runtime
}

func (h *handlerAdapter) Summarize(stdoutChunk, stderrChunk string, exitCode *int) (*string, error) {
	res, err := h.rt.Summarize(stdoutChunk, stderrChunk, exitCode)
	if err != nil {
		return nil, err
	}
	return res.Summary, nil
}

func (h *handlerAdapter) Close() error {
	h.rt.Close()
	return nil
}

// Execute implements the seven steps of spec.md §4.6.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Cmd) == "" {
		return Result{}, fmt.Errorf("execute: cmd is required")
	}
	if req.WorkingDir == "" {
		return Result{}, fmt.Errorf("execute: working_dir is required")
	}

	// Step 1: compose the original command string for logging/display and
	// handler resolution.
	env := cloneEnv(req.Env)
	requestCommandString := composeCommandString(req.Cmd, req.Args)

	// Step 2: cleanup then allocate the output file.
	o.snk.Cleanup()
	outputPath := o.snk.Allocate(requestCommandString)

	executedCmd := req.Cmd
	executedArgs := req.Args
	var adapter *handlerAdapter

	// Step 3: handler resolution, unless exact mode disables it.
	if !req.Exact {
		if path, ok, err := o.locator.Locate(requestCommandString); err != nil {
			o.log.Warn("handler locate failed", zap.Error(err))
		} else if ok {
			rt := scriptruntime.New()
			matched, loadErr := o.tryLoadAndMatch(rt, path, req.Cmd, req.Args)
			if loadErr != nil {
				o.log.Warn("handler load/matches failed, falling back to no handler", zap.String("path", path), zap.Error(loadErr))
				rt.Close()
			} else if matched {
				if err := rt.CreateHandler(req.Cmd, req.Args, req.Settings); err != nil {
					o.log.Warn("handler create failed, falling back to no handler", zap.Error(err))
					rt.Close()
				} else {
					prep, err := rt.Prepare()
					if err != nil {
						o.log.Warn("handler prepare failed, falling back to no handler", zap.Error(err))
						rt.Close()
					} else {
						executedCmd = prep.Cmd
						executedArgs = prep.Args
						for k, v := range prep.Env {
							env[k] = v
						}
						adapter = &handlerAdapter{rt: rt}
					}
				}
			} else {
				rt.Close()
			}
		}
	}

	executedCommandString := composeCommandString(executedCmd, executedArgs)

	// Step 4: register with the Supervisor and spawn the executor. adapter is
	// handed across two interface-typed boundaries (summarizer and io.Closer);
	// a nil *handlerAdapter must never be assigned directly into either, since
	// that produces a non-nil interface wrapping a nil pointer. Branch instead
	// of converting a possibly-nil concrete pointer.
	var id string
	if adapter != nil {
		id = o.sup.StartProcess(executedCommandString, outputPath, adapter)
	} else {
		id = o.sup.StartProcess(executedCommandString, outputPath, nil)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs <= 0 {
		timeout = o.defaultTimeout
	}

	params := streamexec.Params{
		ID:             id,
		Cmd:            executedCmd,
		Args:           executedArgs,
		WorkingDir:     req.WorkingDir,
		Env:            env,
		OutputFilePath: outputPath,
	}
	if adapter != nil {
		params.HandlerRuntime = adapter
	}
	handle, err := o.executor.Start(ctx, params)
	if handle != nil {
		o.sup.RegisterHandle(id, handle)
	}
	if err != nil {
		// Spawn failed; the job already transitioned to Failed inside the
		// executor. Surface it as a terminal result rather than an error, per
		// spec.md §7 category 2.
		return o.buildTerminalResult(id, executedCmd, executedArgs, outputPath)
	}

	update, found, err := o.sup.JoinProcess(id, timeout)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("execute: process %s vanished before join", id)
	}

	if update.State == supervisor.StateRunning {
		return o.buildRunningResult(id, executedCmd, executedArgs, update), nil
	}

	return o.buildTerminalResultFromUpdate(id, executedCmd, executedArgs, outputPath, update)
}

func (o *Orchestrator) tryLoadAndMatch(rt *scriptruntime.Runtime, path, cmd string, args []string) (bool, error) {
	if err := rt.LoadHandler(path); err != nil {
		return false, err
	}
	return rt.Matches(cmd, args)
}

// Step 5: timeout path.
func (o *Orchestrator) buildRunningResult(id, cmd string, args []string, update supervisor.Update) Result {
	return Result{
		Summary:          "Command still running:\n" + update.IncrementalSummary,
		ExitCode:         -1,
		TruncationReason: "timeout",
		ExecutedCommand:  ExecutedCommand{Cmd: cmd, Args: args},
		ProcessID:        id,
		IsRunning:        true,
		AvailableActions: []Action{ActionJoin, ActionCancel, ActionStatus},
	}
}

// buildTerminalResult fetches whatever the Supervisor already has for id
// (used for the already-failed-at-spawn path, where there is nothing left
// to wait on) and renders it as a terminal Result.
func (o *Orchestrator) buildTerminalResult(id, cmd string, args []string, outputPath string) (Result, error) {
	update, ok, err := o.sup.JoinProcess(id, 0)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("execute: process %s not found", id)
	}
	return o.buildTerminalResultFromUpdate(id, cmd, args, outputPath, update)
}

// buildTerminalResultFromUpdate implements steps 6 and 7: a terminal
// result with the spec.md §4.6 fallback truncation applied.
func (o *Orchestrator) buildTerminalResultFromUpdate(id, cmd string, args []string, outputPath string, update supervisor.Update) (Result, error) {
	exitCode := -1
	if update.ExitCode != nil {
		exitCode = *update.ExitCode
	}

	summary := update.IncrementalSummary
	if summary == "" {
		summary = noOutputFallback
	}

	result := Result{
		Summary:          summary,
		OutputFile:       outputPath,
		ExitCode:         exitCode,
		ExecutedCommand:  ExecutedCommand{Cmd: cmd, Args: args},
		IsRunning:        false,
		AvailableActions: []Action{},
	}

	if len(result.Summary) > o.summaryMaxChars {
		result.Summary = result.Summary[:o.summaryMaxChars] + fmt.Sprintf("\n... truncated, see %s for full output", outputPath)
		result.Truncated = true
		result.TruncationReason = "content_too_large"
	}

	return result, nil
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func composeCommandString(cmd string, args []string) string {
	if len(args) == 0 {
		return cmd
	}
	return cmd + " " + strings.Join(args, " ")
}
