package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// TransportMCP tags contexts of calls arriving as MCP tool calls.
const TransportMCP = "mcp_stdio"

// MCPDecoder extracts the typed endpoint request from tool arguments.
type MCPDecoder func(mcp.CallToolRequest) (any, error)

// NoArgs is the decoder of tools that take no arguments.
func NoArgs(mcp.CallToolRequest) (any, error) { return nil, nil }

// RegisterMCPTool exposes an Endpoint as an MCP tool. Each call gets the MCP
// transport and a fresh request id in its context; the response is returned
// as JSON text and endpoint errors as tool errors.
func RegisterMCPTool(srv *server.MCPServer, tool mcp.Tool, endpoint Endpoint, decode MCPDecoder) {
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		request, err := decode(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		ctx = WithRequestID(WithTransport(ctx, TransportMCP), uuid.NewString())

		resp, err := endpoint(ctx, request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("marshal %s: %v", tool.Name, err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	})
}
