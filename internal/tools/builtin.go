package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/openmake/infergate/internal/cluster"
	"github.com/openmake/infergate/internal/domain"
)

// WebSearcher serves the web_search built-in; the cluster's shared client
// satisfies it.
type WebSearcher interface {
	WebSearch(ctx context.Context, query string, max int) ([]cluster.WebSearchResult, error)
}

// VisionFunc analyzes an image already inside the sandbox. task is either
// "ocr" or "describe".
type VisionFunc func(ctx context.Context, task, path string) (string, error)

// BuiltinDeps carries the collaborators built-in tools delegate to.
type BuiltinDeps struct {
	Search WebSearcher
	Vision VisionFunc
	// CommandTimeout bounds run_command; zero means 30s.
	CommandTimeout time.Duration
}

// RegisterBuiltins installs the platform's built-in tool set.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = 30 * time.Second
	}

	entries := []struct {
		tool Tool
		h    Handler
	}{
		{
			tool: Tool{
				Name:        "web_search",
				Description: "Search the web and return the top results",
				InputSchema: objSchema(map[string]any{
					"query":       strSchema("search query"),
					"max_results": map[string]any{"type": "integer", "description": "maximum results", "default": 5},
				}, "query"),
			},
			h: webSearchHandler(deps.Search),
		},
		{
			tool: Tool{
				Name:        "vision_ocr",
				Description: "Extract text from an image file",
				InputSchema: objSchema(map[string]any{"path": strSchema("image file path")}, "path"),
			},
			h: visionHandler(deps.Vision, "ocr"),
		},
		{
			tool: Tool{
				Name:        "analyze_image",
				Description: "Describe the contents of an image file",
				InputSchema: objSchema(map[string]any{"path": strSchema("image file path")}, "path"),
			},
			h: visionHandler(deps.Vision, "describe"),
		},
		{
			tool: Tool{
				Name:        "run_command",
				Description: "Run a shell command inside the user workspace",
				InputSchema: objSchema(map[string]any{
					"command": strSchema("shell command to run"),
					"cwd":     strSchema("working directory"),
				}, "command"),
			},
			h: runCommandHandler(deps.CommandTimeout),
		},
		{
			tool: Tool{
				Name:        "sequential_thinking",
				Description: "Record one step of a structured reasoning chain",
				InputSchema: objSchema(map[string]any{
					"thought":           strSchema("the current reasoning step"),
					"thoughtNumber":     map[string]any{"type": "integer"},
					"totalThoughts":     map[string]any{"type": "integer"},
					"nextThoughtNeeded": map[string]any{"type": "boolean"},
				}, "thought"),
			},
			h: sequentialThinkingHandler(),
		},
	}

	for _, e := range entries {
		if err := r.RegisterBuiltin(e.tool, e.h); err != nil {
			return err
		}
	}
	return nil
}

func webSearchHandler(search WebSearcher) Handler {
	return func(ctx context.Context, args map[string]any, _ domain.UserContext) (domain.ToolResult, error) {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return domain.ErrorResult("web_search requires a non-empty query"), nil
		}
		if search == nil {
			return domain.ErrorResult("web search backend not configured"), nil
		}
		max := 5
		if v, ok := args["max_results"].(float64); ok && v > 0 {
			max = int(v)
		}
		results, err := search.WebSearch(ctx, query, max)
		if err != nil {
			return domain.ToolResult{}, fmt.Errorf("op=tools.web_search: %w", err)
		}
		if len(results) == 0 {
			return domain.TextResult("no results"), nil
		}
		var sb strings.Builder
		for i, res := range results {
			fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, res.Title, res.URL, res.Snippet)
		}
		return domain.TextResult(strings.TrimSpace(sb.String())), nil
	}
}

func visionHandler(vision VisionFunc, task string) Handler {
	return func(ctx context.Context, args map[string]any, _ domain.UserContext) (domain.ToolResult, error) {
		path, _ := args["path"].(string)
		if path == "" {
			return domain.ErrorResult("an image path is required"), nil
		}
		if path == PathOutsideSandbox {
			return domain.ErrorResult("path is outside the allowed workspace"), nil
		}
		if vision == nil {
			return domain.ErrorResult("vision backend not configured"), nil
		}
		out, err := vision(ctx, task, path)
		if err != nil {
			return domain.ToolResult{}, fmt.Errorf("op=tools.vision(%s): %w", task, err)
		}
		return domain.TextResult(out), nil
	}
}

func runCommandHandler(timeout time.Duration) Handler {
	return func(ctx context.Context, args map[string]any, _ domain.UserContext) (domain.ToolResult, error) {
		command, _ := args["command"].(string)
		if strings.TrimSpace(command) == "" {
			return domain.ErrorResult("run_command requires a command"), nil
		}
		cwd, _ := args["cwd"].(string)
		if cwd == PathOutsideSandbox {
			return domain.ErrorResult("working directory is outside the allowed workspace"), nil
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cmd := exec.CommandContext(cctx, "sh", "-c", command)
		if cwd != "" {
			cmd.Dir = cwd
		}
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		err := cmd.Run()

		const outputCap = 64 * 1024
		out := buf.String()
		if len(out) > outputCap {
			out = out[:outputCap] + "\n... (truncated)"
		}
		if err != nil {
			return domain.ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, out)), nil
		}
		if out == "" {
			out = "(no output)"
		}
		return domain.TextResult(out), nil
	}
}

func sequentialThinkingHandler() Handler {
	return func(_ context.Context, args map[string]any, _ domain.UserContext) (domain.ToolResult, error) {
		thought, _ := args["thought"].(string)
		if strings.TrimSpace(thought) == "" {
			return domain.ErrorResult("sequential_thinking requires a thought"), nil
		}
		num := intArg(args, "thoughtNumber", 1)
		total := intArg(args, "totalThoughts", num)
		next, _ := args["nextThoughtNeeded"].(bool)
		status := "continue"
		if !next {
			status = "complete"
		}
		return domain.TextResult(fmt.Sprintf("thought %d/%d recorded (%s)", num, total, status)), nil
	}
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func objSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strSchema(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
