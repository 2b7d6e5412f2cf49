// Package rpctools exposes the orchestrator's execute/join/cancel/status
// operations as JSON-RPC stdio tools, the external interface described in
// spec.md §6.
package rpctools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/shelly-run/shelly/internal/logging"
	"github.com/shelly-run/shelly/internal/orchestrator"
	"github.com/shelly-run/shelly/internal/supervisor"
)

const defaultJoinTimeoutMs = 10000

// Register attaches the four tools the core exposes to the agent —
// execute_cli, join_process, cancel_process, process_status — to s.
func Register(s *server.MCPServer, orch *orchestrator.Orchestrator, sup *supervisor.Supervisor, log *logging.Logger) {
	log = log.WithFields(zap.String("component", "rpc-tools"))

	s.AddTool(
		mcp.NewTool("execute_cli",
			mcp.WithDescription("Run a command-line program and return a summary of its output."),
			mcp.WithString("cmd", mcp.Required(), mcp.Description("Program name to execute")),
			mcp.WithArray("args", mcp.Description("Arguments passed verbatim, no shell parsing")),
			mcp.WithString("working_dir", mcp.Required(), mcp.Description("Working directory for the command")),
			mcp.WithObject("env", mcp.Description("Extra environment variables")),
			mcp.WithNumber("timeout_ms", mcp.Description("How long to wait before returning a running process id (default 10000)")),
			mcp.WithBoolean("exact", mcp.Description("Disable handler resolution and run cmd/args unchanged")),
			mcp.WithBoolean("disable_enhancements", mcp.Description("Alias for exact")),
			mcp.WithObject("settings", mcp.Description("Settings forwarded to a matching handler's create()")),
		),
		executeHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("join_process",
			mcp.WithDescription("Wait for a still-running process to make progress or finish."),
			mcp.WithString("process_id", mcp.Required()),
			mcp.WithNumber("timeout_ms", mcp.Description("How long to wait (default 10000)")),
		),
		joinHandler(sup, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_process",
			mcp.WithDescription("Cancel a running process."),
			mcp.WithString("process_id", mcp.Required()),
		),
		cancelHandler(sup, log),
	)

	s.AddTool(
		mcp.NewTool("process_status",
			mcp.WithDescription("Get a snapshot of a process's current state without its raw output bodies."),
			mcp.WithString("process_id", mcp.Required()),
		),
		statusHandler(sup, log),
	)

	log.Info("registered shelly tools", zap.Int("count", 4))
}

func executeHandler(orch *orchestrator.Orchestrator, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cmd, err := req.RequireString("cmd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		workingDir, err := req.RequireString("working_dir")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		args := stringSliceArg(req, "args")
		env := stringMapArg(req, "env")
		settings := req.GetArguments()["settings"]
		settingsMap, _ := settings.(map[string]any)

		exact := req.GetBool("exact", false) || req.GetBool("disable_enhancements", false)
		// 0 lets the orchestrator apply its configured default timeout.
		timeoutMs := int(req.GetFloat("timeout_ms", 0))

		result, err := orch.Execute(ctx, orchestrator.Request{
			Cmd:        cmd,
			Args:       args,
			Settings:   settingsMap,
			Exact:      exact,
			WorkingDir: workingDir,
			Env:        env,
			TimeoutMs:  timeoutMs,
		})
		if err != nil {
			log.Warn("execute_cli failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}

		return jsonResult(executeResultToWire(result))
	}
}

func joinHandler(sup *supervisor.Supervisor, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("process_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeoutMs := int(req.GetFloat("timeout_ms", defaultJoinTimeoutMs))

		update, ok, err := sup.JoinProcess(id, time.Duration(timeoutMs)*time.Millisecond)
		if err != nil {
			log.Warn("join_process failed", zap.String("process_id", id), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown process id: %s", id)), nil
		}

		return jsonResult(map[string]any{
			"incremental_summary": update.IncrementalSummary,
			"status":              update.State.String(),
		})
	}
}

func cancelHandler(sup *supervisor.Supervisor, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("process_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cancelled, err := sup.CancelProcess(id)
		if err != nil {
			log.Warn("cancel_process failed", zap.String("process_id", id), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}

		return jsonResult(map[string]any{"cancelled": cancelled})
	}
}

func statusHandler(sup *supervisor.Supervisor, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("process_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		snap, ok := sup.GetProcessStatus(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown process id: %s", id)), nil
		}

		return jsonResult(map[string]any{
			"id":            snap.ID,
			"command":       snap.CommandString,
			"state":         snap.State.String(),
			"started_at":    snap.StartedAt,
			"stdout_length": snap.StdoutLength,
			"stderr_length": snap.StderrLength,
			"output_file":   snap.OutputFilePath,
		})
	}
}

func executeResultToWire(result orchestrator.Result) map[string]any {
	actions := make([]string, 0, len(result.AvailableActions))
	for _, a := range result.AvailableActions {
		actions = append(actions, string(a))
	}

	wire := map[string]any{
		"summary":           result.Summary,
		"output_file":       result.OutputFile,
		"exit_code":         result.ExitCode,
		"truncated":         result.Truncated,
		"truncation_reason": result.TruncationReason,
		"executed_command": map[string]any{
			"cmd":  result.ExecutedCommand.Cmd,
			"args": result.ExecutedCommand.Args,
		},
		"is_running":        result.IsRunning,
		"available_actions": actions,
	}
	if result.ProcessID != "" {
		wire["process_id"] = result.ProcessID
	}
	return wire
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapArg(req mcp.CallToolRequest, key string) map[string]string {
	raw, ok := req.GetArguments()[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

