package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Resource URIs.
const (
	StatusURI    = "unisearch://status"
	AnalyticsURI = "unisearch://analytics"
)

// registerResources exposes health and analytics as readable JSON
// resources.
func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		Name:        "status",
		URI:         StatusURI,
		Description: "Engine health: index, indexing queue, providers, latency",
		MIMEType:    "application/json",
	}, s.jsonResource(StatusURI, func(ctx context.Context) (any, error) {
		return s.engine.HealthStatus(ctx), nil
	}))

	s.mcp.AddResource(&mcp.Resource{
		Name:        "analytics",
		URI:         AnalyticsURI,
		Description: "Query usage telemetry for search tuning",
		MIMEType:    "application/json",
	}, s.jsonResource(AnalyticsURI, func(ctx context.Context) (any, error) {
		return s.engine.GetAnalytics(ctx)
	}))
}

func (s *Server) jsonResource(uri string, load func(context.Context) (any, error)) mcp.ResourceHandler {
	return func(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, MapError(err)
		}
		content, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, MapError(err)
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(content),
			}},
		}, nil
	}
}
