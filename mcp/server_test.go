package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/vigil"
	"github.com/i2y/vigil/internal/storage/storagetest"
)

const testAccount = "acct-1"

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *mcp.ClientSession) {
	t.Helper()
	ctx := context.Background()
	app := vigil.NewApp(
		vigil.WithDatabase(filepath.Join(t.TempDir(), "vigil.db")),
		vigil.WithClock(clockwork.NewFakeClockAt(storagetest.Epoch)),
	)
	app.RegisterStep("orders", func(*vigil.StepContext, json.RawMessage) (any, error) {
		return map[string]string{"confirmation": "C-1"}, nil
	})

	server := NewServer(app, opts...)
	require.NoError(t, server.Initialize(ctx))
	t.Cleanup(func() { _ = server.Shutdown(ctx) })

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return server, session
}

func initInstance(t *testing.T, s *Server, id, workflowID string) {
	t.Helper()
	_, _ = s.App().Init(context.Background(), id, vigil.InitRequest{
		AccountID: testAccount,
		Workflow:  vigil.Workflow{ID: workflowID},
		Version:   vigil.Version{ID: "v1"},
		Event:     json.RawMessage(`{}`),
	})
}

func callTool[T any](t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (T, *mcp.CallToolResult) {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)

	var out T
	if !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return out, res
}

func TestServerDefaults(t *testing.T) {
	server := NewServer(vigil.NewApp())
	assert.Equal(t, "vigil-mcp-server", server.config.name)
	assert.Equal(t, "1.0.0", server.config.version)
	assert.NotNil(t, server.MCPServer())
	assert.NotNil(t, server.Handler())

	server = NewServer(vigil.NewApp(), WithServerName("orders"), WithServerVersion("2.0.0"), WithDefaultAccount("acct-9"))
	assert.Equal(t, "orders", server.config.name)
	assert.Equal(t, "2.0.0", server.config.version)
	assert.Equal(t, "acct-9", server.config.account)
}

func TestListTools(t *testing.T) {
	_, session := newTestServer(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"instance_status", "instance_logs", "instance_abort", "instance_terminate"}, names)
}

func TestStatusAndLogsTools(t *testing.T) {
	server, session := newTestServer(t)
	initInstance(t, server, "inst-1", "orders")

	status, _ := callTool[StatusOutput](t, session, "instance_status", map[string]any{
		"instance_id": "inst-1",
		"account_id":  testAccount,
	})
	assert.Equal(t, "complete", status.Status)

	logs, _ := callTool[LogsOutput](t, session, "instance_logs", map[string]any{"instance_id": "inst-1"})
	require.Len(t, logs.Entries, 3)
	assert.Equal(t, vigil.LogWorkflowSuccess, logs.Entries[2].Event)
	assert.Equal(t, map[string]any{"result": map[string]any{"confirmation": "C-1"}}, logs.Entries[2].Metadata)

	logs, _ = callTool[LogsOutput](t, session, "instance_logs", map[string]any{"instance_id": "inst-1", "limit": 1})
	require.Len(t, logs.Entries, 1)
	assert.Equal(t, vigil.LogWorkflowSuccess, logs.Entries[0].Event)
}

func TestStatusToolUsesDefaultAccount(t *testing.T) {
	server, session := newTestServer(t, WithDefaultAccount(testAccount))
	initInstance(t, server, "inst-1", "orders")

	status, _ := callTool[StatusOutput](t, session, "instance_status", map[string]any{"instance_id": "inst-1"})
	assert.Equal(t, "complete", status.Status)

	_, res := callTool[StatusOutput](t, session, "instance_status", map[string]any{
		"instance_id": "inst-1",
		"account_id":  "someone-else",
	})
	assert.True(t, res.IsError)
}

func TestAbortAndTerminateTools(t *testing.T) {
	server, session := newTestServer(t)
	initInstance(t, server, "parked", "unregistered")
	initInstance(t, server, "done", "orders")

	out, _ := callTool[ActionOutput](t, session, "instance_abort", map[string]any{"instance_id": "parked", "reason": "operator"})
	assert.True(t, out.Success)

	st, err := server.App().GetStatus(context.Background(), testAccount, "parked")
	require.NoError(t, err)
	assert.Equal(t, vigil.StatusTerminated, st)

	out, _ = callTool[ActionOutput](t, session, "instance_terminate", map[string]any{"instance_id": "done"})
	assert.False(t, out.Success)
	assert.Equal(t, "instance already finished", out.Message)
}
