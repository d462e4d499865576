// sandbox-run is an MCP stdio server exposing a single tool that launches
// a guest entry in a jsand sandbox and reports the outcome.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/jsand/internal/config"
	"github.com/michaelbrown/jsand/internal/container"
	"github.com/michaelbrown/jsand/internal/sandbox"
)

const maxLen = 4000

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

func main() {
	s := server.NewMCPServer("jsand-sandbox-run", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "sandbox_run",
		Description: "Run a guest entry inside a jsand sandbox container. The guest can signal readiness, forward log events and fetch designated classes from the host. Returns the session status, exit code and guest output.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"entry": map[string]any{
					"type":        "string",
					"description": "Fully qualified entry name, e.g. jsand.containerized.SendReady",
				},
				"args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Arguments passed to the entry (optional)",
				},
				"ready_timeout": map[string]any{
					"type":        "string",
					"description": "Readiness timeout as a duration, e.g. 30s (optional)",
				},
			},
			Required: []string{"entry"},
		},
	}, handleSandboxRun)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "error: " + msg}},
		IsError: true,
	}
}

func handleSandboxRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errorResult("invalid arguments"), nil
	}

	entry, ok := args["entry"].(string)
	if !ok || entry == "" {
		return errorResult("'entry' argument must be a non-empty string"), nil
	}

	var entryArgs []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return errorResult("'args' must be an array of strings"), nil
			}
			entryArgs = append(entryArgs, s)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	scfg, err := cfg.Session()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if t, ok := args["ready_timeout"].(string); ok && t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return errorResult("invalid ready_timeout: " + err.Error()), nil
		}
		scfg.ReadyTimeout = d
	}

	rt := container.NewDockerCLI(cfg.Container.Binary, logger)
	sess := sandbox.NewSession(scfg, rt, sandbox.WithLogger(logger))

	out, err := sess.Run(ctx, entry, entryArgs)
	result := formatOutcome(out, err)
	if len(result) > maxLen {
		result = result[:maxLen] + "\n... (output truncated)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: result}},
		IsError: err != nil || out == nil || !out.Succeeded(),
	}, nil
}

func formatOutcome(out *sandbox.Outcome, runErr error) string {
	var b strings.Builder
	if out != nil {
		fmt.Fprintf(&b, "status: %s\nready: %t\n", out.Status, out.Ready)
		if out.ReadyErr != nil {
			fmt.Fprintf(&b, "ready error: %v\n", out.ReadyErr)
		}
		if out.Result != nil {
			fmt.Fprintf(&b, "exit code: %d\n", out.Result.ExitCode)
			if out.Result.Stdout != "" {
				fmt.Fprintf(&b, "\nstdout:\n%s\n", strings.TrimSpace(out.Result.Stdout))
			}
			if out.Result.Stderr != "" {
				fmt.Fprintf(&b, "\nstderr:\n%s\n", strings.TrimSpace(out.Result.Stderr))
			}
		}
	}
	if runErr != nil {
		fmt.Fprintf(&b, "\nerror: %v\n", runErr)
	}
	return b.String()
}
