package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/query"
	"github.com/Aman-CERP/unisearch/internal/search"
	"github.com/Aman-CERP/unisearch/pkg/version"
)

// Limits applied to tool arguments.
const (
	defaultLimit      = 10
	maxLimit          = 50
	defaultSuggestMax = 10
	shutdownTimeout   = 10 * time.Second
)

// Engine is the part of the search engine the tools call.
type Engine interface {
	Search(ctx context.Context, q query.Query, sessionID string) (*search.Response, error)
	GetSuggestions(ctx context.Context, partial string, limit int) ([]string, error)
	IndexDocument(ctx context.Context, doc document.Document) error
	DeleteDocument(ctx context.Context, source, id string) (bool, error)
	HealthStatus(ctx context.Context) search.ServiceStatus
	GetAnalytics(ctx context.Context) (search.Analytics, error)
	OptimizeIndices(ctx context.Context) error
}

var _ Engine = (*search.Engine)(nil)

// Server bridges MCP hosts with the search engine.
type Server struct {
	mcp    *mcp.Server
	engine Engine
	logger *slog.Logger
	now    func() time.Time
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var toolInfos = []ToolInfo{
	{
		Name:        "search",
		Description: "Search every connected source (mail, files, issues, chat) with one query. Supports boolean operators, phrases, field:value filters, fuzzy terms and date ranges.",
	},
	{
		Name:        "suggest",
		Description: "Complete a partially typed query from indexed vocabulary and past searches.",
	},
	{
		Name:        "index_document",
		Description: "Add or replace a document and wait until it is searchable.",
	},
	{
		Name:        "delete_document",
		Description: "Remove a document by source and id.",
	},
	{
		Name:        "health_status",
		Description: "Report index, indexing pipeline, provider and latency health with recommendations.",
	},
	{
		Name:        "analytics",
		Description: "Summarize query usage: popular queries, zero-result queries, cache hit rate and per-source statistics.",
	},
	{
		Name:        "optimize_indices",
		Description: "Merge index segments and drop deleted documents.",
	},
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates an MCP server with every tool and resource registered.
func NewServer(engine Engine, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, stderrors.New("search engine is required")
	}
	s := &Server{
		engine: engine,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    version.Name,
		Version: version.Version,
	}, nil)
	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), toolInfos...)
}

func describe(name string) string {
	for _, t := range toolInfos {
		if t.Name == name {
			return t.Description
		}
	}
	return ""
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "search", Description: describe("search")}, s.handleSearch)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "suggest", Description: describe("suggest")}, s.handleSuggest)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "index_document", Description: describe("index_document")}, s.handleIndexDocument)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "delete_document", Description: describe("delete_document")}, s.handleDeleteDocument)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "health_status", Description: describe("health_status")}, s.handleHealthStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "analytics", Description: describe("analytics")}, s.handleAnalytics)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "optimize_indices", Description: describe("optimize_indices")}, s.handleOptimize)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(toolInfos)))
}

func (s *Server) handleSearch(ctx context.Context, req *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query cannot be empty or whitespace only")
	}
	q := query.Query{
		Text:         in.Query,
		Fuzziness:    in.Fuzziness,
		Facets:       in.Facets,
		Limit:        clampLimit(in.Limit, defaultLimit, maxLimit),
		Offset:       in.Offset,
		Sort:         query.SortOrder(in.Sort),
		Sources:      in.Sources,
		ContentTypes: in.ContentTypes,
		Highlight:    true,
	}
	for _, f := range in.Filters {
		q.Filters = append(q.Filters, query.Filter{Field: f.Field, Op: query.FilterOp(f.Op), Value: f.Value, Values: f.Values})
	}

	requestID := uuid.NewString()[:8]
	start := time.Now()
	resp, err := s.engine.Search(ctx, q, sessionFor(req, in.SessionID))
	if err != nil {
		s.logger.Warn("mcp_search_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, SearchOutput{}, MapError(err)
	}
	s.logger.Debug("mcp_search_completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("results", len(resp.Hits)),
		slog.Bool("cache_hit", resp.CacheHit))

	return textResult(FormatSearchResults(in.Query, resp)), ToSearchOutput(in.Query, resp), nil
}

func (s *Server) handleSuggest(ctx context.Context, _ *mcp.CallToolRequest, in SuggestInput) (*mcp.CallToolResult, SuggestOutput, error) {
	got, err := s.engine.GetSuggestions(ctx, in.Partial, clampLimit(in.Limit, defaultSuggestMax, maxLimit))
	if err != nil {
		return nil, SuggestOutput{}, MapError(err)
	}
	if got == nil {
		got = []string{}
	}
	return textResult(FormatSuggestions(in.Partial, got)), SuggestOutput{Suggestions: got}, nil
}

func (s *Server) handleIndexDocument(ctx context.Context, _ *mcp.CallToolRequest, in IndexDocumentInput) (*mcp.CallToolResult, IndexDocumentOutput, error) {
	if in.Source == "" || in.ID == "" {
		return nil, IndexDocumentOutput{}, NewInvalidParamsError("source and id are required")
	}
	updated := s.now().UTC()
	if in.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339, in.UpdatedAt)
		if err != nil {
			return nil, IndexDocumentOutput{}, NewInvalidParamsError(fmt.Sprintf("updated_at must be RFC 3339: %v", err))
		}
		updated = t
	}
	doc := document.Document{
		ID:          in.ID,
		Source:      in.Source,
		Title:       in.Title,
		Body:        in.Body,
		Author:      in.Author,
		Tags:        in.Tags,
		ContentType: document.ContentType(in.ContentType),
		URL:         in.URL,
		UpdatedAt:   updated,
		Metadata:    in.Metadata,
	}
	if err := s.engine.IndexDocument(ctx, doc); err != nil {
		return nil, IndexDocumentOutput{}, MapError(err)
	}
	return nil, IndexDocumentOutput{Key: document.Key(in.Source, in.ID), Indexed: true}, nil
}

func (s *Server) handleDeleteDocument(ctx context.Context, _ *mcp.CallToolRequest, in DeleteDocumentInput) (*mcp.CallToolResult, DeleteDocumentOutput, error) {
	deleted, err := s.engine.DeleteDocument(ctx, in.Source, in.ID)
	if err != nil {
		return nil, DeleteDocumentOutput{}, MapError(err)
	}
	return nil, DeleteDocumentOutput{Key: document.Key(in.Source, in.ID), Deleted: deleted}, nil
}

func (s *Server) handleHealthStatus(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	st := s.engine.HealthStatus(ctx)
	return textResult(FormatStatus(st)), st, nil
}

func (s *Server) handleAnalytics(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	a, err := s.engine.GetAnalytics(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, a, nil
}

func (s *Server) handleOptimize(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, OptimizeOutput, error) {
	start := time.Now()
	if err := s.engine.OptimizeIndices(ctx); err != nil {
		return nil, OptimizeOutput{}, MapError(err)
	}
	out := OptimizeOutput{
		Optimized:  true,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
		Tombstones: s.engine.HealthStatus(ctx).Index.Tombstones,
	}
	return nil, out, nil
}

// Serve runs the server on "stdio" or "http" (streamable HTTP on addr)
// until ctx is canceled.
func (s *Server) Serve(ctx context.Context, transport, addr string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport), slog.String("addr", addr))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !stderrors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	case "http":
		return s.serveHTTP(ctx, addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, http)", transport)
	}
}

func (s *Server) serveHTTP(ctx context.Context, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("mcp http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("mcp http shutdown: %w", err)
	}
	if err := <-errc; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("mcp_server_stopped")
	return nil
}

func sessionFor(req *mcp.CallToolRequest, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if req != nil && req.Session != nil {
		return req.Session.ID()
	}
	return ""
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
