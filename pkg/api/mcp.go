package api

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/crosswalk/pkg/kit"
)

// RegisterMCPTools registers the read-only catalog tools on the server.
func RegisterMCPTools(srv *server.MCPServer, st Store, keys Keyer, logger *slog.Logger) {
	ep := newEndpoints(st, keys, logger)

	kit.RegisterMCPTool(srv, mcp.NewTool("latest_run",
		mcp.WithDescription("Return the most recent ingestion run with its JSON report."),
	), ep.latestRun, kit.NoArgs)

	kit.RegisterMCPTool(srv, mcp.NewTool("list_sources",
		mcp.WithDescription("List the source file catalog with the last checksum, row count and status seen for each file."),
	), ep.sources, kit.NoArgs)

	kit.RegisterMCPTool(srv, mcp.NewTool("canonical_key",
		mcp.WithDescription("Compute the canonical deduplication key for a city and country pair."),
		mcp.WithString("city", mcp.Required(), mcp.Description("City name as written in the source files")),
		mcp.WithString("country", mcp.Required(), mcp.Description("Country name")),
	), ep.canonical, func(req mcp.CallToolRequest) (any, error) {
		args := req.GetArguments()
		city, _ := args["city"].(string)
		country, _ := args["country"].(string)
		return &canonicalReq{City: city, Country: country}, nil
	})
}
