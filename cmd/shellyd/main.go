// Package main is the entry point for shellyd, the JSON-RPC stdio host
// that exposes the execution engine's execute_cli, join_process,
// cancel_process and process_status tools to an agent (spec.md §6).
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelly-run/shelly/internal/config"
	"github.com/shelly-run/shelly/internal/handlerlocator"
	"github.com/shelly-run/shelly/internal/logging"
	"github.com/shelly-run/shelly/internal/orchestrator"
	"github.com/shelly-run/shelly/internal/outputsink"
	"github.com/shelly-run/shelly/internal/rpctools"
	"github.com/shelly-run/shelly/internal/streamexec"
	"github.com/shelly-run/shelly/internal/supervisor"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "shellyd",
		Short:   "Command-execution proxy exposed over a JSON-RPC stdio tool protocol",
		Version: version,
		RunE:    runServe,
	}
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logging.SetDefault(log)
	defer func() { _ = log.Sync() }()

	sup := supervisor.New(log)
	defer sup.Close()

	snk, err := outputsink.New(log, cfg.Output.DirName, cfg.Output.MaxAge)
	if err != nil {
		return fmt.Errorf("initializing output sink: %w", err)
	}
	if cfg.Output.ScanOnBoot {
		snk.Cleanup()
	}

	locator := handlerlocator.NewFromEnvironment()
	locator.SetExtraSearchPaths(cfg.Handler.ExtraSearchPaths)
	executor := streamexec.New(log, sup, snk)
	orch := orchestrator.New(log, sup, snk, locator, executor)
	orch.Configure(cfg.Executor.DefaultTimeoutMS, cfg.Executor.SummaryMaxChars)

	mcpServer := server.NewMCPServer("shelly", version, server.WithToolCapabilities(true))
	rpctools.Register(mcpServer, orch, sup, log)

	log.Info("shellyd starting", zap.String("version", version))

	if err := server.ServeStdio(mcpServer); err != nil {
		log.Error("shellyd stopped with error", zap.Error(err))
		return err
	}
	return nil
}
