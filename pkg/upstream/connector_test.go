package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrbemt/mcpbundler-gateway/pkg/auth"
	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
	"github.com/jrbemt/mcpbundler-gateway/pkg/namespace"
	"github.com/jrbemt/mcpbundler-gateway/pkg/permission"
)

func newTestUpstreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "test-upstream", Version: "0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "echoes its input",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{ Message string }) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: args.Message}},
		}, nil, nil
	})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestConnectAndCallTool(t *testing.T) {
	ts := newTestUpstreamServer(t)

	spec := bundle.UpstreamSpec{
		Namespace: "echo-server",
		URL:       ts.URL,
		Auth:      auth.None(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connector, err := Connect(ctx, spec, true)
	require.NoError(t, err)
	defer connector.Close()

	resolver := namespace.New("__", namespace.HashNever, 0)
	filtered := NewFiltered(connector, "sess-1", "echo-server", permission.Set{}, resolver)

	tools, _, err := filtered.ListTools(ctx, "")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo-server__echo", tools[0].Name)

	result, err := filtered.CallTool(ctx, "echo-server__echo", map[string]any{"Message": "hi"})
	require.NoError(t, err)
	require.NotNil(t, result)
}

func TestConnectorNotifiesEveryListenerIndependently(t *testing.T) {
	ts := newTestUpstreamServer(t)
	spec := bundle.UpstreamSpec{Namespace: "echo-server", URL: ts.URL, Auth: auth.None()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connector, err := Connect(ctx, spec, true)
	require.NoError(t, err)
	defer connector.Close()

	var firstCalls, secondCalls int
	firstID := connector.AddListener(func(ns string, kind ChangeKind) { firstCalls++ })
	secondID := connector.AddListener(func(ns string, kind ChangeKind) { secondCalls++ })

	connector.notify(ChangeTools)
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 1, secondCalls)

	// Removing one listener (simulating one session releasing a shared
	// pooled connector) must not silence the other.
	connector.RemoveListener(firstID)
	connector.notify(ChangeTools)
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 2, secondCalls)

	connector.RemoveListener(secondID)
	connector.notify(ChangeTools)
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 2, secondCalls)
}

func TestConnectorAddListenerNilIsNoop(t *testing.T) {
	ts := newTestUpstreamServer(t)
	spec := bundle.UpstreamSpec{Namespace: "echo-server", URL: ts.URL, Auth: auth.None()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connector, err := Connect(ctx, spec, true)
	require.NoError(t, err)
	defer connector.Close()

	id := connector.AddListener(nil)
	assert.Equal(t, ListenerID(0), id)
	connector.RemoveListener(id)
	connector.notify(ChangeTools)
}

func TestValidateUpstreamURLRejectsBadSchemes(t *testing.T) {
	assert.Error(t, validateUpstreamURL("ftp://example.com", false))
	assert.Error(t, validateUpstreamURL("not-a-url with spaces", false))
	assert.NoError(t, validateUpstreamURL("https://example.com/mcp", false))
}

func TestValidateUpstreamURLRejectsPrivateTargetsOutsideDevMode(t *testing.T) {
	assert.Error(t, validateUpstreamURL("http://127.0.0.1:9000/mcp", false))
	assert.Error(t, validateUpstreamURL("http://localhost:9000/mcp", false))
	assert.Error(t, validateUpstreamURL("http://service.local/mcp", false))
	assert.Error(t, validateUpstreamURL("http://10.0.0.5/mcp", false))
	assert.NoError(t, validateUpstreamURL("http://127.0.0.1:9000/mcp", true))
	assert.NoError(t, validateUpstreamURL("http://service.local/mcp", true))
}
