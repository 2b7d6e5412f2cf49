// Package streamexec spawns a child process, streams its stdout/stderr
// line by line into the Process Supervisor, and reports completion or
// failure, per spec.md §4.4.
package streamexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/shelly-run/shelly/internal/logging"
	"github.com/shelly-run/shelly/internal/outputsink"
	"github.com/shelly-run/shelly/internal/supervisor"
)

// hostLogEnvVar is the host's own structured-logging configuration
// variable; it must never leak into a spawned child so the child's own
// diagnostics (if it happens to read the same name) aren't confused with
// the host's (spec.md §4.4).
const hostLogEnvVar = "SHELLY_LOGGING_OUTPUTPATH"

// Handle lets the Supervisor abort an in-flight execution. It satisfies
// supervisor.TaskHandle.
type Handle struct {
	cancel context.CancelFunc
}

// Abort cancels the executor's context; exec.CommandContext then kills the
// child process, which closes its pipes. No gentler termination signal is
// sent first (spec.md §9 open question).
func (h *Handle) Abort() { h.cancel() }

// Params bundles everything needed to spawn and stream one execution.
type Params struct {
	ID             string
	Cmd            string
	Args           []string
	WorkingDir     string
	Env            map[string]string
	OutputFilePath string

	// HandlerRuntime, if set, is torn down once the job reaches a terminal
	// state — handler evaluators are created per execution and live exactly
	// as long as the job they're attached to (spec.md §3 lifecycles).
	HandlerRuntime io.Closer
}

// Executor streams one child process's output into a Supervisor record.
type Executor struct {
	log *logging.Logger
	sup *supervisor.Supervisor
	snk *outputsink.Sink
}

// New builds an Executor bound to sup and snk.
func New(log *logging.Logger, sup *supervisor.Supervisor, snk *outputsink.Sink) *Executor {
	return &Executor{
		log: log.WithFields(zap.String("component", "streaming-executor")),
		sup: sup,
		snk: snk,
	}
}

// Start spawns the child described by p and returns a Handle immediately;
// streaming and completion happen on a background goroutine.
func (e *Executor) Start(ctx context.Context, p Params) (*Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{cancel: cancel}

	cmd := exec.CommandContext(runCtx, p.Cmd, p.Args...)
	cmd.Dir = p.WorkingDir
	cmd.Env = mergeEnv(p.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		e.finishFailed(p, fmt.Errorf("attaching stdout: %w", err))
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		e.finishFailed(p, fmt.Errorf("attaching stderr: %w", err))
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		e.finishFailed(p, fmt.Errorf("spawning %s: %w", p.Cmd, err))
		return handle, fmt.Errorf("spawning %s: %w", p.Cmd, err)
	}

	go e.run(runCtx, cancel, p, cmd, stdout, stderr)
	return handle, nil
}

type lineMsg struct {
	data []byte
	err  error
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, p Params, cmd *exec.Cmd, stdout, stderr io.ReadCloser) {
	defer cancel()

	stdoutCh := make(chan lineMsg)
	stderrCh := make(chan lineMsg)

	go readLines(stdout, stdoutCh)
	go readLines(stderr, stderrCh)

	var readErr error

	// Once a channel closes, nil out the local variable so select stops
	// considering it — a closed channel is always ready, and leaving it in
	// the select set would busy-spin on that case until the other side closes.
	recvStdoutCh, recvStderrCh := stdoutCh, stderrCh

loop:
	for {
		select {
		case msg, ok := <-recvStdoutCh:
			if !ok {
				break loop
			}
			if msg.err != nil {
				readErr = msg.err
				break loop
			}
			if err := e.sup.UpdateProcessOutput(p.ID, msg.data, nil); err != nil {
				e.log.Warn("failed forwarding stdout delta", zap.String("process_id", p.ID), zap.Error(err))
			}
		case msg, ok := <-recvStderrCh:
			if !ok {
				recvStderrCh = nil
				continue
			}
			if msg.err != nil {
				continue
			}
			if err := e.sup.UpdateProcessOutput(p.ID, nil, msg.data); err != nil {
				e.log.Warn("failed forwarding stderr delta", zap.String("process_id", p.ID), zap.Error(err))
			}
		}
	}

	// Drain whatever remains of stderr fully, per spec.md §4.4.
	for msg := range stderrCh {
		if msg.err == nil {
			if err := e.sup.UpdateProcessOutput(p.ID, nil, msg.data); err != nil {
				e.log.Warn("failed forwarding stderr delta", zap.String("process_id", p.ID), zap.Error(err))
			}
		}
	}

	if readErr != nil {
		e.finishFailed(p, fmt.Errorf("reading child output: %w", readErr))
		return
	}

	waitErr := cmd.Wait()
	exitCode := exitCodeOf(waitErr)

	if err := e.sup.FinalProcessSummary(p.ID, exitCode); err != nil {
		e.log.Warn("final summary failed", zap.String("process_id", p.ID), zap.Error(err))
	}

	stdoutBytes, stderrBytes, _ := e.sup.Accumulators(p.ID)
	if err := e.snk.Write(p.OutputFilePath, exitCode, stdoutBytes, stderrBytes); err != nil {
		e.log.Warn("writing output file failed", zap.String("process_id", p.ID), zap.Error(err))
	}

	if err := e.sup.CompleteProcess(p.ID, exitCode); err != nil {
		e.log.Warn("complete_process failed", zap.String("process_id", p.ID), zap.Error(err))
	}

	closeHandlerRuntime(p)
}

func (e *Executor) finishFailed(p Params, cause error) {
	stdoutBytes, stderrBytes, ok := e.sup.Accumulators(p.ID)
	if ok {
		// Best-effort: still persist whatever was captured before the failure,
		// per spec.md §7 category 3.
		if err := e.snk.Write(p.OutputFilePath, -1, stdoutBytes, stderrBytes); err != nil {
			e.log.Warn("writing partial output file failed", zap.String("process_id", p.ID), zap.Error(err))
		}
	}
	if err := e.sup.FailProcess(p.ID, cause.Error()); err != nil {
		e.log.Warn("fail_process failed", zap.String("process_id", p.ID), zap.Error(err))
	}

	closeHandlerRuntime(p)
}

func closeHandlerRuntime(p Params) {
	if p.HandlerRuntime != nil {
		_ = p.HandlerRuntime.Close()
	}
}

// readLines reads r line by line, forwarding each line (including its
// trailing newline) on ch, then any trailing partial line without one, then
// closes ch on EOF. A non-EOF error is forwarded once before closing.
func readLines(r io.ReadCloser, ch chan<- lineMsg) {
	defer close(ch)
	defer r.Close()

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			ch <- lineMsg{data: append([]byte(nil), line...)}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ch <- lineMsg{err: err}
			}
			return
		}
	}
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}

// mergeEnv builds the child's environment: the parent host environment as a
// base, the request's env layered on top, with the host's own logging
// variable stripped so host diagnostics never reach the child (spec.md
// §4.4).
func mergeEnv(env map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(env))
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key := entry[:eq]
			if key == hostLogEnvVar {
				continue
			}
			base[key] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
