// Copyright 2025 Kadir Pekel
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

// Command copilot runs the Etendo copilot backend.
//
// Usage:
//
//	copilot serve
//	copilot tools
//	copilot version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	copilot "github.com/etendosoftware/copilot"
	"github.com/etendosoftware/copilot/pkg/agent"
	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/logger"
	"github.com/etendosoftware/copilot/pkg/observability"
	"github.com/etendosoftware/copilot/pkg/server"
	"github.com/etendosoftware/copilot/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the copilot HTTP server."`
	Tools   ToolsCmd   `cmd:"" help:"List the registered base tools."`
	Schema  SchemaCmd  `cmd:"" help:"Generate JSON Schema for the request bodies."`

	// Internal re-exec target for the isolated Code-Act evaluator.
	SandboxEval SandboxEvalCmd `cmd:"" name:"sandbox-eval" hidden:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(copilot.GetVersion().String())
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port int `help:"Port to listen on. Overrides COPILOT_PORT." default:"0"`
}

func (c *ServeCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if c.Port != 0 {
		cfg.Port = c.Port
	}

	shutdownTracing, err := observability.InitTracing(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// ToolsCmd prints the base tool registry.
type ToolsCmd struct{}

func (c *ToolsCmd) Run() error {
	registry := tools.Global(config.Load())
	for _, tool := range registry.List() {
		fmt.Printf("%s\t%s\n", tool.GetName(), tool.GetDescription())
	}
	return nil
}

// SandboxEvalCmd is the child side of the isolated Code-Act evaluator.
// The server re-executes its own binary with this command and speaks the
// sandbox protocol over stdio.
type SandboxEvalCmd struct{}

func (c *SandboxEvalCmd) Run() error {
	return agent.RunSandboxChild(os.Stdin, os.Stdout)
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env files: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logger.LevelFromEnv(), os.Stderr)

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("copilot"),
		kong.Description("Etendo copilot - multi-agent orchestration backend"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
