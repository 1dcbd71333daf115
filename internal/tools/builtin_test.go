package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmake/infergate/internal/cluster"
	"github.com/openmake/infergate/internal/domain"
)

type stubSearcher struct {
	results []cluster.WebSearchResult
	err     error
}

func (s *stubSearcher) WebSearch(_ context.Context, _ string, _ int) ([]cluster.WebSearchResult, error) {
	return s.results, s.err
}

func newBuiltinRegistry(t *testing.T, deps BuiltinDeps) *Registry {
	t.Helper()
	r := NewRegistry(NewSandbox(t.TempDir()))
	require.NoError(t, RegisterBuiltins(r, deps))
	return r
}

func TestRegisterBuiltins_Set(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t, BuiltinDeps{})
	var names []string
	for _, tool := range r.ListAll() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"web_search", "vision_ocr", "analyze_image", "run_command", "sequential_thinking"}, names)
}

func TestWebSearch_FormatsResults(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t, BuiltinDeps{Search: &stubSearcher{results: []cluster.WebSearchResult{
		{Title: "Go", URL: "https://go.dev", Snippet: "The Go programming language"},
	}}})

	res := r.Execute(context.Background(), "web_search", map[string]any{"query": "golang"}, ucFor(domain.TierFree))
	require.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "https://go.dev")
}

func TestWebSearch_EmptyQuery(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t, BuiltinDeps{Search: &stubSearcher{}})
	res := r.Execute(context.Background(), "web_search", map[string]any{"query": "  "}, ucFor(domain.TierFree))
	assert.True(t, res.IsError)
}

func TestVision_RefusesSandboxEscape(t *testing.T) {
	t.Parallel()
	called := false
	r := newBuiltinRegistry(t, BuiltinDeps{Vision: func(_ context.Context, _, _ string) (string, error) {
		called = true
		return "text", nil
	}})

	res := r.Execute(context.Background(), "vision_ocr", map[string]any{"path": "../../etc/passwd"}, ucFor(domain.TierFree))
	assert.True(t, res.IsError)
	assert.False(t, called, "vision backend never sees an escaped path")
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t, BuiltinDeps{})
	uc := ucFor(domain.TierPro)

	res := r.Execute(context.Background(), "run_command", map[string]any{"command": "echo hello"}, uc)
	require.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "hello")

	res = r.Execute(context.Background(), "run_command", map[string]any{"command": "exit 3"}, uc)
	assert.True(t, res.IsError)

	res = r.Execute(context.Background(), "run_command", map[string]any{"command": "ls", "cwd": "../../"}, uc)
	assert.True(t, res.IsError, "escaped cwd refused before execution")
}

func TestSequentialThinking(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t, BuiltinDeps{})
	res := r.Execute(context.Background(), "sequential_thinking", map[string]any{
		"thought":           "step one",
		"thoughtNumber":     float64(1),
		"totalThoughts":     float64(3),
		"nextThoughtNeeded": true,
	}, ucFor(domain.TierPro))
	require.False(t, res.IsError)
	assert.Equal(t, "thought 1/3 recorded (continue)", res.Content[0].Text)
}
