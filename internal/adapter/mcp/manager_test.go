package mcp

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmake/infergate/internal/domain"
	"github.com/openmake/infergate/internal/tools"
)

func startFake(t *testing.T, fs *fakeServer) string {
	t.Helper()
	srv := httptest.NewServer(fs.handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestManager_StartRegistersTools(t *testing.T) {
	t.Parallel()
	url := startFake(t, &fakeServer{
		tools:    []ToolDefinition{{Name: "create_issue"}},
		callText: "done",
	})

	reg := tools.NewRegistry(nil)
	m := NewManager(ManagerConfig{}, reg)
	t.Cleanup(m.Stop)

	m.Start(context.Background(), []ServerConfig{
		{ID: "gh", Name: "github", Transport: "http", URL: url},
	})

	listed := reg.ListAll()
	require.Len(t, listed, 1)
	assert.Equal(t, "github::create_issue", listed[0].Name)
	assert.True(t, listed[0].External)

	uid := int64(1)
	uc := domain.UserContext{Principal: domain.Principal{UserID: &uid, Role: domain.RoleUser, Tier: domain.TierPro}}
	res := reg.Execute(context.Background(), "github::create_issue", map[string]any{"title": "x"}, uc)
	require.False(t, res.IsError)
	assert.Equal(t, "done", res.Content[0].Text)
}

func TestManager_ReloadRemovesDroppedServers(t *testing.T) {
	t.Parallel()
	url := startFake(t, &fakeServer{tools: []ToolDefinition{{Name: "a"}}})

	reg := tools.NewRegistry(nil)
	m := NewManager(ManagerConfig{}, reg)
	t.Cleanup(m.Stop)

	ctx := context.Background()
	m.Start(ctx, []ServerConfig{{ID: "s1", Name: "one", Transport: "http", URL: url}})
	require.Len(t, reg.ListAll(), 1)

	m.Reload(ctx, nil)
	assert.Empty(t, reg.ListAll())
	assert.Empty(t, m.Statuses())
}

func TestManager_DisabledServerSkipped(t *testing.T) {
	t.Parallel()
	url := startFake(t, &fakeServer{tools: []ToolDefinition{{Name: "a"}}})

	reg := tools.NewRegistry(nil)
	m := NewManager(ManagerConfig{}, reg)
	t.Cleanup(m.Stop)

	off := false
	m.Start(context.Background(), []ServerConfig{
		{ID: "s1", Name: "one", Transport: "http", URL: url, Enabled: &off},
	})
	assert.Empty(t, reg.ListAll())
}

func TestManager_UnreachableServerTracked(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry(nil)
	m := NewManager(ManagerConfig{}, reg)
	t.Cleanup(m.Stop)

	m.Start(context.Background(), []ServerConfig{
		{ID: "dead", Name: "dead", Transport: "http", URL: "http://127.0.0.1:1"},
	})

	assert.Empty(t, reg.ListAll())
	st := m.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, StatusError, st[0].Status)
}

func TestManager_StopUnregistersEverything(t *testing.T) {
	t.Parallel()
	url := startFake(t, &fakeServer{tools: []ToolDefinition{{Name: "a"}}})

	reg := tools.NewRegistry(nil)
	m := NewManager(ManagerConfig{}, reg)
	m.Start(context.Background(), []ServerConfig{{ID: "s1", Name: "one", Transport: "http", URL: url}})
	require.Len(t, reg.ListAll(), 1)

	m.Stop()
	assert.Empty(t, reg.ListAll())
}
