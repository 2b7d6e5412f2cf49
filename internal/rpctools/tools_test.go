package rpctools

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelly-run/shelly/internal/handlerlocator"
	"github.com/shelly-run/shelly/internal/logging"
	"github.com/shelly-run/shelly/internal/orchestrator"
	"github.com/shelly-run/shelly/internal/outputsink"
	"github.com/shelly-run/shelly/internal/streamexec"
	"github.com/shelly-run/shelly/internal/supervisor"
)

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *supervisor.Supervisor) {
	t.Helper()
	log := logging.Default()

	sup := supervisor.New(log)
	t.Cleanup(sup.Close)

	snk, err := outputsink.New(log, "shelly-rpctools-test-"+t.Name(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(snk.Dir()) })

	loc := handlerlocator.New(t.TempDir(), t.TempDir())
	exec := streamexec.New(log, sup, snk)
	orch := orchestrator.New(log, sup, snk, loc, exec)

	return orch, sup
}

func TestRegisterAddsFourTools(t *testing.T) {
	log := logging.Default()
	orch, sup := newTestOrchestrator(t)

	s := server.NewMCPServer("shelly-test", "test", server.WithToolCapabilities(true))
	assert.NotPanics(t, func() { Register(s, orch, sup, log) })
	assert.Len(t, s.ListTools(), 4)
}

func TestExecuteHandlerRunsExactCommand(t *testing.T) {
	log := logging.Default()
	orch, _ := newTestOrchestrator(t)
	handler := executeHandler(orch, log)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"cmd":         "echo",
		"args":        []any{"hello"},
		"working_dir": t.TempDir(),
		"exact":       true,
		"timeout_ms":  float64(5000),
	}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)
}

func TestExecuteHandlerRequiresWorkingDir(t *testing.T) {
	log := logging.Default()
	orch, _ := newTestOrchestrator(t)
	handler := executeHandler(orch, log)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"cmd": "echo", "exact": true}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestJoinCancelStatusHandlersRoundTrip(t *testing.T) {
	log := logging.Default()
	_, sup := newTestOrchestrator(t)

	id := sup.StartProcess("sleep 60", "/tmp/shelly-out.txt", nil)

	statusReq := mcp.CallToolRequest{}
	statusReq.Params.Arguments = map[string]any{"process_id": id}
	statusResult, err := statusHandler(sup, log)(context.Background(), statusReq)
	require.NoError(t, err)
	assert.False(t, statusResult.IsError)

	joinReq := mcp.CallToolRequest{}
	joinReq.Params.Arguments = map[string]any{"process_id": id, "timeout_ms": float64(10)}
	joinResult, err := joinHandler(sup, log)(context.Background(), joinReq)
	require.NoError(t, err)
	assert.False(t, joinResult.IsError)

	cancelReq := mcp.CallToolRequest{}
	cancelReq.Params.Arguments = map[string]any{"process_id": id}
	cancelResult, err := cancelHandler(sup, log)(context.Background(), cancelReq)
	require.NoError(t, err)
	assert.False(t, cancelResult.IsError)

	// A second cancel on an already-cancelled process succeeds at the tool
	// layer but reports cancelled=false, per spec.md's resolved idempotence
	// property.
	cancelResult2, err := cancelHandler(sup, log)(context.Background(), cancelReq)
	require.NoError(t, err)
	assert.False(t, cancelResult2.IsError)
}

func TestStatusHandlerUnknownID(t *testing.T) {
	log := logging.Default()
	_, sup := newTestOrchestrator(t)
	handler := statusHandler(sup, log)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"process_id": "does-not-exist"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelHandlerUnknownID(t *testing.T) {
	log := logging.Default()
	_, sup := newTestOrchestrator(t)
	handler := cancelHandler(sup, log)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"process_id": "does-not-exist"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
