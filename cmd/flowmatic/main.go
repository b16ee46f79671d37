// Copyright 2026 Flowmatic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command flowmatic is the CLI for the workflow orchestrator.
//
// Usage:
//
//	flowmatic serve --config config.yaml
//	flowmatic run 42 --trigger '{"sku":"A-100"}'
//	flowmatic approve 7 --as alice --comments ok
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/logger"
	"github.com/flowmatic-io/flowmatic/pkg/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Serve     ServeCmd     `cmd:"" help:"Start the orchestrator with scheduler and approval sweeper."`
	Validate  ValidateCmd  `cmd:"" help:"Validate configuration file."`
	Run       RunCmd       `cmd:"" help:"Execute a workflow once."`
	Agent     AgentCmd     `cmd:"" help:"Execute a single agent."`
	Approvals ApprovalsCmd `cmd:"" help:"List pending approval requests."`
	Approve   ApproveCmd   `cmd:"" help:"Approve a pending request."`
	Reject    RejectCmd    `cmd:"" help:"Reject a pending request."`
	Schedules SchedulesCmd `cmd:"" help:"List schedules for a workflow."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("flowmatic version %s\n", version)
	return nil
}

// ValidateCmd checks the configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK: %d llm provider(s), database driver %s\n", len(cfg.LLMs), cfg.Database.Driver)
	return nil
}

// ServeCmd runs the scheduler and approval sweeper until interrupted.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := rt.Close(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
	}()

	fmt.Println("flowmatic orchestrator ready (Ctrl+C to stop)")
	rt.Start(ctx)
	return nil
}

// RunCmd executes one workflow and prints the result.
type RunCmd struct {
	WorkflowID int64  `arg:"" help:"Workflow id to execute."`
	Trigger    string `help:"Trigger data as a JSON object." default:"{}"`
	Public     bool   `help:"Execute through the public surface (requires the workflow's public flag)."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	trigger, err := parseJSONObject(c.Trigger)
	if err != nil {
		return fmt.Errorf("invalid --trigger: %w", err)
	}

	var result *runtime.ExecutionResult
	if c.Public {
		result, err = rt.ExecutePublicWorkflow(ctx, c.WorkflowID, trigger)
	} else {
		result, err = rt.ExecuteWorkflow(ctx, c.WorkflowID, trigger)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

// AgentCmd executes one agent outside any workflow.
type AgentCmd struct {
	AgentID int64  `arg:"" help:"Agent id to execute."`
	Input   string `arg:"" help:"Input message for the agent."`
}

func (c *AgentCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	result, err := rt.ExecuteAgent(ctx, c.AgentID, map[string]interface{}{"input": c.Input})
	if err != nil {
		return err
	}
	return printJSON(result)
}

// ApprovalsCmd lists pending approval requests.
type ApprovalsCmd struct {
	Role string `help:"Filter by required role."`
}

func (c *ApprovalsCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	pending, err := rt.Approvals().ListPending(ctx, c.Role)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals")
		return nil
	}
	for _, req := range pending {
		fmt.Printf("#%d execution=%d step=%d role=%s timeout=%s\n",
			req.ID, req.ExecutionID, req.StepID, req.RequiredRole, req.TimeoutAt.Format("2006-01-02 15:04"))
	}
	return nil
}

// ApproveCmd resolves a pending request as approved.
type ApproveCmd struct {
	ApprovalID int64  `arg:"" help:"Approval request id."`
	As         string `required:"" help:"Approver identity."`
	Comments   string `help:"Approval comments."`
}

func (c *ApproveCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	return rt.Approvals().Approve(ctx, c.ApprovalID, c.As, c.Comments)
}

// RejectCmd resolves a pending request as rejected.
type RejectCmd struct {
	ApprovalID int64  `arg:"" help:"Approval request id."`
	As         string `required:"" help:"Approver identity."`
	Reason     string `help:"Rejection reason."`
}

func (c *RejectCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	return rt.Approvals().Reject(ctx, c.ApprovalID, c.As, c.Reason)
}

// SchedulesCmd lists a workflow's schedules.
type SchedulesCmd struct {
	WorkflowID int64 `arg:"" help:"Workflow id."`
}

func (c *SchedulesCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	schedules, err := rt.ListSchedulesForWorkflow(ctx, c.WorkflowID)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		state := "enabled"
		if !sched.Enabled {
			state = "disabled"
		}
		fmt.Printf("#%d cron=%q %s next=%s\n", sched.ID, sched.CronExpr, state, sched.NextRunAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func buildRuntime(ctx context.Context, cli *CLI) (*runtime.Runtime, error) {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return nil, err
	}
	return runtime.New(ctx, cfg)
}

func parseJSONObject(raw string) (store.JSONMap, error) {
	var m store.JSONMap
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func initLogger(cli *CLI) (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, err
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("flowmatic"),
		kong.Description("flowmatic - data-driven multi-agent workflow orchestrator"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
