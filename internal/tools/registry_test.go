package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmake/infergate/internal/domain"
)

type fakeExecutor struct {
	lastName string
	lastArgs map[string]any
	result   domain.ToolResult
	err      error
}

func (f *fakeExecutor) CallTool(_ context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	f.lastName = name
	f.lastArgs = args
	return f.result, f.err
}

func echoTool(name string) (Tool, Handler) {
	return Tool{Name: name, Description: name},
		func(_ context.Context, args map[string]any, _ domain.UserContext) (domain.ToolResult, error) {
			return domain.TextResult(name), nil
		}
}

func ucFor(tier domain.Tier) domain.UserContext {
	uid := int64(7)
	return domain.UserContext{Principal: domain.Principal{UserID: &uid, Role: domain.RoleUser, Tier: tier}}
}

func registerStandardSet(t *testing.T, r *Registry) {
	t.Helper()
	for _, name := range []string{"web_search", "vision_ocr", "analyze_image", "run_command", "sequential_thinking", "firecrawl_scrape"} {
		tool, h := echoTool(name)
		require.NoError(t, r.RegisterBuiltin(tool, h))
	}
}

func TestRegisterBuiltin_RejectsSeparator(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	tool, h := echoTool("bad::name")
	assert.Error(t, r.RegisterBuiltin(tool, h))
}

func TestListForTier_Free(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	registerStandardSet(t, r)
	r.RegisterExternal("srv-1", "github", []Tool{{Name: "create_issue"}}, &fakeExecutor{})

	var names []string
	for _, tool := range r.ListForTier(domain.TierFree) {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"web_search", "vision_ocr", "analyze_image"}, names)
}

func TestListForTier_ProAndEnterprise(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	registerStandardSet(t, r)
	r.RegisterExternal("srv-1", "github", []Tool{{Name: "create_issue"}}, &fakeExecutor{})

	pro := map[string]bool{}
	for _, tool := range r.ListForTier(domain.TierPro) {
		pro[tool.Name] = true
	}
	assert.True(t, pro["run_command"])
	assert.True(t, pro["sequential_thinking"])
	assert.True(t, pro["firecrawl_scrape"])
	assert.True(t, pro["github::create_issue"])

	assert.Len(t, r.ListForTier(domain.TierEnterprise), len(r.ListAll()))
}

func TestExecute_TierDenialIsErrorResult(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	registerStandardSet(t, r)
	r.RegisterExternal("srv-1", "github", []Tool{{Name: "create_issue"}}, &fakeExecutor{})

	res := r.Execute(context.Background(), "run_command", map[string]any{"command": "ls"}, ucFor(domain.TierFree))
	assert.True(t, res.IsError)

	res = r.Execute(context.Background(), "github::create_issue", nil, ucFor(domain.TierFree))
	assert.True(t, res.IsError, "free tier never reaches external tools")
}

func TestExecute_UnknownToolIsErrorResult(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	res := r.Execute(context.Background(), "nope", nil, ucFor(domain.TierEnterprise))
	assert.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].Text, "unknown tool")
}

func TestExecute_ExternalForwardsOriginalName(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	fe := &fakeExecutor{result: domain.TextResult("ok")}
	r.RegisterExternal("srv-1", "github", []Tool{{Name: "create_issue"}}, fe)

	res := r.Execute(context.Background(), "github::create_issue", map[string]any{"title": "t"}, ucFor(domain.TierPro))
	assert.False(t, res.IsError)
	assert.Equal(t, "create_issue", fe.lastName, "executor sees the un-namespaced name")
	assert.Equal(t, "t", fe.lastArgs["title"])
}

func TestExecute_ExternalErrorIsGeneric(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	fe := &fakeExecutor{err: errors.New("connection reset by peer at 10.0.3.7")}
	r.RegisterExternal("srv-1", "github", []Tool{{Name: "create_issue"}}, fe)

	res := r.Execute(context.Background(), "github::create_issue", nil, ucFor(domain.TierPro))
	assert.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.NotContains(t, res.Content[0].Text, "10.0.3.7", "transport detail never leaks to the client")
}

func TestRegisterExternal_AtomicReplacement(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	first := &fakeExecutor{result: domain.TextResult("v1")}
	r.RegisterExternal("srv-1", "github", []Tool{{Name: "create_issue"}, {Name: "close_issue"}}, first)

	second := &fakeExecutor{result: domain.TextResult("v2")}
	r.RegisterExternal("srv-1", "github", []Tool{{Name: "create_issue"}}, second)

	res := r.Execute(context.Background(), "github::close_issue", nil, ucFor(domain.TierPro))
	assert.True(t, res.IsError, "tool dropped by the replacement set is gone")

	res = r.Execute(context.Background(), "github::create_issue", nil, ucFor(domain.TierPro))
	require.False(t, res.IsError)
	assert.Equal(t, "v2", res.Content[0].Text)
	assert.Empty(t, first.lastName, "stale executor never invoked")
}

func TestUnregisterExternal(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.RegisterExternal("srv-1", "github", []Tool{{Name: "create_issue"}}, &fakeExecutor{})
	r.UnregisterExternal("srv-1")

	assert.Empty(t, r.ListAll())
	res := r.Execute(context.Background(), "github::create_issue", nil, ucFor(domain.TierPro))
	assert.True(t, res.IsError)
}

func TestExecute_SandboxRewritesPathArgs(t *testing.T) {
	t.Parallel()
	r := NewRegistry(NewSandbox(t.TempDir()))
	var seen map[string]any
	tool, _ := echoTool("vision_ocr")
	require.NoError(t, r.RegisterBuiltin(tool, func(_ context.Context, args map[string]any, _ domain.UserContext) (domain.ToolResult, error) {
		seen = args
		return domain.TextResult("ok"), nil
	}))

	r.Execute(context.Background(), "vision_ocr", map[string]any{"path": "../../etc/passwd"}, ucFor(domain.TierFree))
	require.NotNil(t, seen)
	assert.Equal(t, PathOutsideSandbox, seen["path"])
}
