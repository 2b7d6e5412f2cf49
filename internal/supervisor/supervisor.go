package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelly-run/shelly/internal/logging"
)

const (
	cleanupInterval  = 300 * time.Second
	terminalMaxAge   = 3600 * time.Second
	joinDrainMaxChar = 1000
)

// Supervisor is the registry described in spec.md §4.5: a single map from
// process id to Record, protected by a writer-preference RWMutex, plus a
// background worker evicting old terminal records.
type Supervisor struct {
	log *logging.Logger

	mu      sync.RWMutex
	records map[string]*Record

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// New starts a Supervisor along with its cleanup worker. Call Close to stop
// the worker when the host process is shutting down.
func New(log *logging.Logger) *Supervisor {
	s := &Supervisor{
		log:         log.WithFields(zap.String("component", "supervisor")),
		records:     make(map[string]*Record),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Close stops the cleanup worker. Records already tracked are left in
// place; the process is short-lived by design (spec.md §1 Non-goals: no
// durable state across restarts).
func (s *Supervisor) Close() {
	close(s.stopCleanup)
	<-s.cleanupDone
}

func (s *Supervisor) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.evictOld()
		}
	}
}

func (s *Supervisor) evictOld() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.State == StateRunning {
			continue
		}
		if now.Sub(rec.TerminalAt) >= terminalMaxAge {
			delete(s.records, id)
		}
	}
}

// StartProcess mints an id, inserts a fresh Running record, and returns the
// id. handler may be nil when no handler matched or exact mode was used.
func (s *Supervisor) StartProcess(commandString, outputFilePath string, handler summarizer) string {
	id := uuid.New().String()
	rec := &Record{
		ID:             id,
		CommandString:  commandString,
		State:          StateRunning,
		StartedAt:      time.Now(),
		OutputFilePath: outputFilePath,
		handler:        handler,
		signal:         newCompletionSignal(),
	}

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	return id
}

// RegisterHandle stores the executor's task handle so CancelProcess can
// abort it later.
func (s *Supervisor) RegisterHandle(id string, handle TaskHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.taskHandle = handle
	}
}

// UpdateProcessOutput appends a delta to the accumulators and, if a handler
// is attached, calls its summarize hook with exit_code=nil and appends any
// returned text to delta_summary; otherwise appends the raw delta
// concatenation (spec.md §4.5).
func (s *Supervisor) UpdateProcessOutput(id string, stdoutDelta, stderrDelta []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("unknown process id: %s", id)
	}

	rec.stdoutAccumulator = append(rec.stdoutAccumulator, stdoutDelta...)
	rec.stderrAccumulator = append(rec.stderrAccumulator, stderrDelta...)

	if rec.handler == nil {
		rec.deltaSummary += string(stdoutDelta) + string(stderrDelta)
		return nil
	}

	summary, err := rec.handler.Summarize(string(stdoutDelta), string(stderrDelta), nil)
	if err != nil {
		s.log.Warn("handler summarize failed on incremental update",
			zap.String("process_id", id), zap.Error(err))
		rec.handler = nil
		rec.deltaSummary += string(stdoutDelta) + string(stderrDelta)
		return nil
	}
	if summary != nil {
		rec.deltaSummary += *summary
	}
	return nil
}

// FinalProcessSummary calls summarize one last time with the complete
// accumulators and a non-nil exit code, replacing delta_summary with
// whatever it returns (spec.md §4.5: "replaces", not appends).
func (s *Supervisor) FinalProcessSummary(id string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("unknown process id: %s", id)
	}
	if rec.handler == nil {
		return nil
	}

	code := exitCode
	summary, err := rec.handler.Summarize(string(rec.stdoutAccumulator), string(rec.stderrAccumulator), &code)
	if err != nil {
		s.log.Warn("handler summarize failed on final update",
			zap.String("process_id", id), zap.Error(err))
		rec.handler = nil
		rec.deltaSummary = string(rec.stdoutAccumulator) + string(rec.stderrAccumulator)
		return nil
	}
	if summary != nil {
		rec.deltaSummary = *summary
	}
	return nil
}

// CompleteProcess transitions a record to Completed{exit_code}, expecting
// the caller to have already written the output file, and fires completion.
// A no-op if the record already reached a terminal state — states are
// monotonic, so a natural completion racing a cancellation never overwrites
// it (spec.md §5: "cancellation races lost to natural completion are
// reported as whichever state won").
func (s *Supervisor) CompleteProcess(id string, exitCode int) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown process id: %s", id)
	}
	if rec.State != StateRunning {
		s.mu.Unlock()
		return nil
	}
	rec.State = StateCompleted
	rec.ExitCode = &exitCode
	rec.TerminalAt = time.Now()
	sig := rec.signal
	s.mu.Unlock()

	sig.fire()
	return nil
}

// FailProcess transitions a record to Failed{error} and fires completion.
// A no-op if the record already reached a terminal state (see
// CompleteProcess).
func (s *Supervisor) FailProcess(id string, errMsg string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown process id: %s", id)
	}
	if rec.State != StateRunning {
		s.mu.Unlock()
		return nil
	}
	rec.State = StateFailed
	rec.ErrorMessage = errMsg
	rec.TerminalAt = time.Now()
	sig := rec.signal
	s.mu.Unlock()

	sig.fire()
	return nil
}

// CancelProcess aborts the registered task handle, sets the state to
// Cancelled and fires completion, returning true. If the job is already
// terminal (including already Cancelled), it returns false — spec.md §8
// picks "true on the first cancellation from a Running state, false
// otherwise".
func (s *Supervisor) CancelProcess(id string) (bool, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("unknown process id: %s", id)
	}
	if rec.State != StateRunning {
		s.mu.Unlock()
		return false, nil
	}
	rec.State = StateCancelled
	rec.TerminalAt = time.Now()
	handle := rec.taskHandle
	sig := rec.signal
	s.mu.Unlock()

	if handle != nil {
		handle.Abort()
	}
	sig.fire()
	return true, nil
}

// JoinProcess waits up to timeout for the completion signal, then drains
// and returns delta_summary (capped to its trailing 1000 characters) along
// with the current state. Draining resets delta_summary to empty
// unconditionally, even if the job is already terminal, matching the
// resolved Open Question in spec.md §9. Returns (Update{}, false) only if
// the id is unknown.
func (s *Supervisor) JoinProcess(id string, timeout time.Duration) (Update, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return Update{}, false, nil
	}

	if timeout > 0 {
		select {
		case <-rec.signal.Wait():
		case <-time.After(timeout):
		}
	} else {
		select {
		case <-rec.signal.Wait():
		default:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	drained := lastNChars(rec.deltaSummary, joinDrainMaxChar)
	rec.deltaSummary = ""
	return Update{
		IncrementalSummary: drained,
		State:              rec.State,
		ExitCode:           rec.ExitCode,
	}, true, nil
}

// GetProcessStatus returns a Snapshot — accumulator bodies are reported as
// lengths, never raw bytes (spec.md §4.5, §8 scenario 6).
func (s *Supervisor) GetProcessStatus(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:             rec.ID,
		CommandString:  rec.CommandString,
		State:          rec.State,
		ExitCode:       rec.ExitCode,
		ErrorMessage:   rec.ErrorMessage,
		StartedAt:      rec.StartedAt,
		StdoutLength:   len(rec.stdoutAccumulator),
		StderrLength:   len(rec.stderrAccumulator),
		OutputFilePath: rec.OutputFilePath,
	}, true
}

// Accumulators returns copies of the full stdout/stderr bytes captured so
// far, used by the Streaming Executor when writing the final output file.
func (s *Supervisor) Accumulators(id string) (stdout, stderr []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, found := s.records[id]
	if !found {
		return nil, nil, false
	}
	stdout = append([]byte(nil), rec.stdoutAccumulator...)
	stderr = append([]byte(nil), rec.stderrAccumulator...)
	return stdout, stderr, true
}

// lastNChars returns the trailing n runes of s (spec.md §4.5 join_process:
// "last_N_chars(delta_summary, 1000)").
func lastNChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
