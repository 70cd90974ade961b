package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer returns a server carrying every domguard tool.
func NewMCPServer(eps Endpoints) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "domguard", Version: Version}, nil)
	RegisterMCP(srv, eps)
	return srv
}

// RegisterMCP registers the domguard tools on srv.
func RegisterMCP(srv *mcp.Server, eps Endpoints) {
	pageArg := map[string]any{"type": "string", "description": "Page id (see domguard_pages)"}

	registerTool(srv, &mcp.Tool{
		Name:        "domguard_pages",
		Description: "List the ids of the guarded pages.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, eps.Pages, decodeInto[pageRequest])

	registerTool(srv, &mcp.Tool{
		Name:        "domguard_rescan",
		Description: "Re-snapshot a page, re-apply class overrides and remove badges. Returns the page stats.",
		InputSchema: inputSchema(map[string]any{"page": pageArg}, []string{"page"}),
	}, eps.Rescan, decodeInto[pageRequest])

	registerTool(srv, &mcp.Tool{
		Name:        "domguard_remove_badges",
		Description: "Remove vendor badges from a page now. Returns how many were removed.",
		InputSchema: inputSchema(map[string]any{"page": pageArg}, []string{"page"}),
	}, eps.RemoveBadges, decodeInto[pageRequest])

	registerTool(srv, &mcp.Tool{
		Name:        "domguard_restore",
		Description: "Write every stored class, attribute and text baseline back to a page. Returns the number of corrections.",
		InputSchema: inputSchema(map[string]any{"page": pageArg}, []string{"page"}),
	}, eps.Restore, decodeInto[pageRequest])

	registerTool(srv, &mcp.Tool{
		Name:        "domguard_verbose",
		Description: "Read or set verbose logging for a page.",
		InputSchema: inputSchema(map[string]any{
			"page": pageArg,
			"on":   map[string]any{"type": "boolean", "description": "Enable or disable; omit to read"},
		}, []string{"page"}),
	}, eps.Verbose, decodeInto[verboseRequest])

	registerTool(srv, &mcp.Tool{
		Name:        "domguard_stats",
		Description: "Counters and state of one guarded page.",
		InputSchema: inputSchema(map[string]any{"page": pageArg}, []string{"page"}),
	}, eps.Stats, decodeInto[pageRequest])

	registerTool(srv, &mcp.Tool{
		Name:        "domguard_html",
		Description: "Serialize the guarded document of a page as HTML.",
		InputSchema: inputSchema(map[string]any{"page": pageArg}, []string{"page"}),
	}, eps.HTML, decodeInto[pageRequest])
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func decodeInto[T any](req *mcp.CallToolRequest) (any, error) {
	var r T
	if args := req.Params.Arguments; len(args) > 0 {
		if err := json.Unmarshal(args, &r); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// registerTool exposes endpoint as an MCP tool. Endpoint errors become tool
// errors; the result is the JSON-encoded response.
func registerTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		if _, tagged := ctx.Value(transportKey).(string); !tagged {
			ctx = WithTransport(ctx, "mcp")
		}
		if req.Session != nil && SessionID(ctx) == "" {
			ctx = WithSessionID(ctx, req.Session.ID())
		}

		resp, err := endpoint(ctx, decoded)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
