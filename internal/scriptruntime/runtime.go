// Package scriptruntime embeds a JavaScript/TypeScript evaluator (goja, with
// the goja_nodejs require/console shims) and exposes the handler hooks
// (matches, create, prepare, summarize) described in spec.md §4.3 as an
// async request/response actor running on a single dedicated worker
// goroutine, because the evaluator is not safe to share across goroutines.
package scriptruntime

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// PrepareResult is the transformed command a handler wants executed in
// place of the original, plus extra environment variables (spec.md §3).
type PrepareResult struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args"`
	Env  map[string]string `json:"env"`
}

// TruncationInfo describes handler-reported truncation of a summary.
type TruncationInfo struct {
	Truncated   bool   `json:"truncated"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
}

// SummaryResult is returned by a handler's summarize hook. A nil Summary
// means "still buffering, emit nothing yet" (spec.md §3).
type SummaryResult struct {
	Summary    *string         `json:"summary"`
	Truncation *TruncationInfo `json:"truncation,omitempty"`
}

// request is one actor message: run does the work against the worker's vm
// and sends its result (or error) to resp exactly once.
type request struct {
	run  func(w *worker) (any, error)
	resp chan result
}

type result struct {
	val any
	err error
}

// Runtime owns one goja evaluator on a dedicated worker goroutine. Exactly
// one handler instance may be live on a Runtime at a time (spec.md §3
// invariant 4); callers serialize through the request channel.
type Runtime struct {
	reqCh chan request
	done  chan struct{}
}

// New starts a fresh worker goroutine with its own goja.Runtime. Callers
// must call Close when the execution that owns this Runtime is finished.
func New() *Runtime {
	r := &Runtime{
		reqCh: make(chan request),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// Close stops the worker goroutine. Any requests already queued are allowed
// to finish; no new requests are accepted afterward.
func (r *Runtime) Close() {
	close(r.reqCh)
	<-r.done
}

func (r *Runtime) loop() {
	defer close(r.done)

	// Pin this goroutine to its OS thread: goja's Runtime is not safe to
	// touch from any other goroutine, so the thread itself becomes the unit
	// of confinement spec.md §4.3/§9 describe.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w := newWorker()
	for req := range r.reqCh {
		val, err := req.run(w)
		req.resp <- result{val: val, err: err}
	}
}

// call sends req to the worker and blocks for its reply.
func (r *Runtime) call(run func(w *worker) (any, error)) (any, error) {
	resp := make(chan result, 1)
	r.reqCh <- request{run: run, resp: resp}
	res := <-resp
	return res.val, res.err
}

// worker holds the goja state that must never be touched off its own
// goroutine: the evaluator, and whichever handler module is currently
// loaded into it.
type worker struct {
	vm         *goja.Runtime
	exportName string
}

func newWorker() *worker {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	console.Enable(vm)
	return &worker{vm: vm}
}

// LoadHandler canonicalizes path, transpiles its source if needed, derives
// the handler export name from the file stem, evaluates the module through a
// require() loader that serves only that file, and binds that export to
// globalThis.handler.
func (r *Runtime) LoadHandler(path string) error {
	_, err := r.call(func(w *worker) (any, error) {
		return nil, w.loadHandler(path)
	})
	return err
}

func (w *worker) loadHandler(path string) error {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("canonicalizing handler path %s: %w", path, err)
	}
	if evaled, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = evaled
	}

	src, err := readHandlerSource(resolved)
	if err != nil {
		return fmt.Errorf("reading handler %s: %w", resolved, err)
	}

	jsSource, err := transpile(resolved, src)
	if err != nil {
		return err
	}

	stem := stemOf(resolved)
	exportName := exportNameFor(stem)

	registry := require.NewRegistry(require.WithLoader(func(p string) ([]byte, error) {
		if p == resolved {
			return []byte(jsSource), nil
		}
		return nil, fmt.Errorf("handler module not found: %s", p)
	}))
	registry.Enable(w.vm)

	requireFn, ok := goja.AssertFunction(w.vm.Get("require"))
	if !ok {
		return fmt.Errorf("internal error: require() not installed")
	}
	exportsVal, err := requireFn(goja.Undefined(), w.vm.ToValue(resolved))
	if err != nil {
		return fmt.Errorf("evaluating handler %s: %w", resolved, err)
	}

	exportsObj := exportsVal.ToObject(w.vm)
	if exportsObj == nil {
		return fmt.Errorf("handler %s did not produce a module object", resolved)
	}
	handlerFactory := exportsObj.Get(exportName)
	if handlerFactory == nil || goja.IsUndefined(handlerFactory) {
		return fmt.Errorf("handler %s does not export %s", resolved, exportName)
	}

	w.vm.Set("handler", handlerFactory)
	w.exportName = exportName
	return nil
}

// Matches evaluates handler.matches(cmd, args) and coerces the result to a
// bool.
func (r *Runtime) Matches(cmd string, args []string) (bool, error) {
	val, err := r.call(func(w *worker) (any, error) {
		return w.matches(cmd, args)
	})
	if err != nil {
		return false, err
	}
	return val.(bool), nil
}

func (w *worker) matches(cmd string, args []string) (bool, error) {
	code, err := callExpr("handler.matches", cmd, args)
	if err != nil {
		return false, err
	}
	val, err := w.vm.RunString(code)
	if err != nil {
		return false, fmt.Errorf("handler.matches threw: %w", err)
	}
	return val.ToBoolean(), nil
}

// CreateHandler evaluates globalThis.__handler = handler.create(cmd, args, settings).
func (r *Runtime) CreateHandler(cmd string, args []string, settings map[string]any) error {
	_, err := r.call(func(w *worker) (any, error) {
		return nil, w.createHandler(cmd, args, settings)
	})
	return err
}

func (w *worker) createHandler(cmd string, args []string, settings map[string]any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	cmdJSON, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding cmd: %w", err)
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	code := fmt.Sprintf("globalThis.__handler = handler.create(%s, %s, %s)", cmdJSON, argsJSON, settingsJSON)
	if _, err := w.vm.RunString(code); err != nil {
		return fmt.Errorf("handler.create threw: %w", err)
	}
	return nil
}

// Prepare evaluates JSON.stringify(globalThis.__handler.prepare()) and
// decodes the result.
func (r *Runtime) Prepare() (PrepareResult, error) {
	val, err := r.call(func(w *worker) (any, error) {
		return w.prepare()
	})
	if err != nil {
		return PrepareResult{}, err
	}
	return val.(PrepareResult), nil
}

func (w *worker) prepare() (PrepareResult, error) {
	val, err := w.vm.RunString("JSON.stringify(globalThis.__handler.prepare())")
	if err != nil {
		return PrepareResult{}, fmt.Errorf("handler.prepare threw: %w", err)
	}
	var out PrepareResult
	if err := json.Unmarshal([]byte(val.String()), &out); err != nil {
		return PrepareResult{}, fmt.Errorf("decoding prepare() result: %w", err)
	}
	return out, nil
}

// Summarize evaluates handler.summarize(stdoutChunk, stderrChunk, exitCode)
// and decodes the result. exitCode is nil while the command is still
// running and non-nil exactly once, on the final call (spec.md §4.3).
func (r *Runtime) Summarize(stdoutChunk, stderrChunk string, exitCode *int) (SummaryResult, error) {
	val, err := r.call(func(w *worker) (any, error) {
		return w.summarize(stdoutChunk, stderrChunk, exitCode)
	})
	if err != nil {
		return SummaryResult{}, err
	}
	return val.(SummaryResult), nil
}

func (w *worker) summarize(stdoutChunk, stderrChunk string, exitCode *int) (SummaryResult, error) {
	stdoutJSON, err := json.Marshal(stdoutChunk)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("encoding stdout chunk: %w", err)
	}
	stderrJSON, err := json.Marshal(stderrChunk)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("encoding stderr chunk: %w", err)
	}
	exitLiteral := "null"
	if exitCode != nil {
		exitLiteral = fmt.Sprintf("%d", *exitCode)
	}
	code := fmt.Sprintf("JSON.stringify(globalThis.__handler.summarize(%s, %s, %s))", stdoutJSON, stderrJSON, exitLiteral)
	val, err := w.vm.RunString(code)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("handler.summarize threw: %w", err)
	}
	var out SummaryResult
	if err := json.Unmarshal([]byte(val.String()), &out); err != nil {
		return SummaryResult{}, fmt.Errorf("decoding summarize() result: %w", err)
	}
	return out, nil
}

func callExpr(fn string, cmd string, args []string) (string, error) {
	cmdJSON, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encoding cmd: %w", err)
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding args: %w", err)
	}
	return fmt.Sprintf("%s(%s, %s)", fn, cmdJSON, argsJSON), nil
}
