package api

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/navexport/kit"
)

// RegisterMCP registers the export tools on an MCP server.
func (e Endpoints) RegisterMCP(srv *mcp.Server) {
	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"uri":       map[string]any{"type": "string", "description": "Layer locator the Navigator app fetches"},
			"layer_id":  map[string]any{"type": "string", "description": "Stored layer id, resolved against the layers base"},
			"layer_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Layer ids merged by the aggregate route"},
			"output_id": map[string]any{"type": "string", "description": "Name of the result; generated when empty"},
		},
	}

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "navexport_pdf",
		Description: "Render each layer in the ATT&CK Navigator and assemble the SVGs into one PDF, one page per layer in input order. Fails as a whole if any layer fails.",
		InputSchema: inputSchema(map[string]any{
			"items": map[string]any{"type": "array", "items": item, "description": "Layers to export"},
		}, []string{"items"}),
	}, e.PDF, decode[BatchRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "navexport_svg",
		Description: "Render one layer in the ATT&CK Navigator and return its SVG markup and size.",
		InputSchema: item,
	}, e.SVG, decode[ItemRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "navexport_check",
		Description: "Load each layer in the ATT&CK Navigator without exporting and report which ones fail.",
		InputSchema: inputSchema(map[string]any{
			"items": map[string]any{"type": "array", "items": item},
		}, []string{"items"}),
	}, e.Check, decode[BatchRequest])
}

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

func decode[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var v T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &v); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &v}, nil
}
