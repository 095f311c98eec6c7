package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/config"
	"github.com/Aman-CERP/unisearch/internal/search"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *search.Engine) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Index.Path = ""
	cfg.Indexing.RefreshInterval = config.Duration(20 * time.Millisecond)
	ctx := context.Background()
	eng, err := search.New(ctx, cfg, search.WithLogger(quietLogger()), search.WithoutConfiguredAdapters())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	require.NoError(t, eng.Start(ctx))

	srv, err := NewServer(eng, WithLogger(quietLogger()))
	require.NoError(t, err)
	return srv, eng
}

func TestNewServer_RequiresEngine(t *testing.T) {
	_, err := NewServer(nil)

	assert.Error(t, err)
}

func TestServer_ToolRoundTrip(t *testing.T) {
	// Given: a server over a fresh engine
	srv, _ := newTestServer(t)
	ctx := context.Background()

	// When: indexing through the tool
	_, idx, err := srv.handleIndexDocument(ctx, nil, IndexDocumentInput{
		Source: "mail", ID: "1", Title: "Invoice overdue", Body: "please pay the invoice",
		UpdatedAt: "2024-05-01T09:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, IndexDocumentOutput{Key: "mail/1", Indexed: true}, idx)

	// Then: search finds it, with markdown and structured output
	res, out, err := srv.handleSearch(ctx, nil, SearchInput{Query: "invoice", Facets: []string{"source"}})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "mail/1", out.Results[0].Key)
	assert.Equal(t, "2024-05-01T09:00:00Z", out.Results[0].UpdatedAt)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Invoice overdue")

	// When: deleting twice
	_, del, err := srv.handleDeleteDocument(ctx, nil, DeleteDocumentInput{Source: "mail", ID: "1"})
	require.NoError(t, err)
	assert.True(t, del.Deleted)
	_, del, err = srv.handleDeleteDocument(ctx, nil, DeleteDocumentInput{Source: "mail", ID: "1"})
	require.NoError(t, err)

	// Then: the second delete reports nothing removed
	assert.False(t, del.Deleted)
}

func TestServer_SearchRejectsBlankQuery(t *testing.T) {
	srv, _ := newTestServer(t)

	_, _, err := srv.handleSearch(context.Background(), nil, SearchInput{Query: "   "})

	var me *MCPError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeInvalidParams, me.Code)
}

func TestServer_SearchUnknownFieldIsInvalidParams(t *testing.T) {
	srv, _ := newTestServer(t)

	_, _, err := srv.handleSearch(context.Background(), nil, SearchInput{
		Query:   "budget",
		Filters: []FilterInput{{Field: "colour", Op: "eq", Value: "red"}},
	})

	var me *MCPError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeInvalidParams, me.Code)
}

func TestServer_IndexDocumentValidatesInput(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	_, _, err := srv.handleIndexDocument(ctx, nil, IndexDocumentInput{Title: "no key"})
	assert.Error(t, err)

	_, _, err = srv.handleIndexDocument(ctx, nil, IndexDocumentInput{Source: "s", ID: "1", Title: "t", UpdatedAt: "yesterday"})
	assert.Error(t, err)
}

func TestServer_SuggestStatusAnalyticsOptimize(t *testing.T) {
	srv, eng := newTestServer(t)
	ctx := context.Background()
	_, _, err := srv.handleIndexDocument(ctx, nil, IndexDocumentInput{Source: "docs", ID: "1", Title: "Revenue forecast", Body: "revenue"})
	require.NoError(t, err)

	_, sug, err := srv.handleSuggest(ctx, nil, SuggestInput{Partial: "reve"})
	require.NoError(t, err)
	assert.Contains(t, sug.Suggestions, "revenue")

	res, st, err := srv.handleHealthStatus(ctx, nil, EmptyInput{})
	require.NoError(t, err)
	assert.Equal(t, search.StatusHealthy, st.(search.ServiceStatus).Status)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "## Status: healthy")

	_, a, err := srv.handleAnalytics(ctx, nil, EmptyInput{})
	require.NoError(t, err)
	assert.IsType(t, search.Analytics{}, a)

	_, opt, err := srv.handleOptimize(ctx, nil, EmptyInput{})
	require.NoError(t, err)
	assert.True(t, opt.Optimized)
	assert.Equal(t, eng.HealthStatus(ctx).Index.Tombstones, opt.Tombstones)
}

func TestServer_InMemorySession(t *testing.T) {
	// Given: a server connected to a client over in-memory transports
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.MCPServer().Run(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	// When: listing tools and resources
	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	resources, err := session.ListResources(ctx, nil)
	require.NoError(t, err)

	// Then: every tool and both resources are advertised
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	for _, info := range srv.ListTools() {
		assert.Contains(t, names, info.Name)
	}
	uris := make([]string, 0, len(resources.Resources))
	for _, r := range resources.Resources {
		uris = append(uris, r.URI)
	}
	assert.ElementsMatch(t, []string{StatusURI, AnalyticsURI}, uris)

	// When: calling search and reading status
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "search",
		Arguments: map[string]any{"query": "nothing indexed yet"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].(*mcp.TextContent).Text, "No results found")

	read, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: StatusURI})
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Contains(t, read.Contents[0].Text, `"status"`)

	cancel()
	select {
	case <-serverErr:
	case <-time.After(2 * time.Second):
		t.Error("server did not stop within timeout")
	}
}

func TestServe_UnknownTransport(t *testing.T) {
	srv, _ := newTestServer(t)

	err := srv.Serve(context.Background(), "carrier-pigeon", "")

	assert.ErrorContains(t, err, "unknown transport")
}
