package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "navexport-test", Version: "0.1.0"}

func mcpSession(t *testing.T, exp Exporter) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	NewEndpoints(exp, "http://nav.local/layers", nil).RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func TestMCP_Tools(t *testing.T) {
	session := mcpSession(t, &fakeExporter{})
	tools, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"navexport_pdf", "navexport_svg", "navexport_check"} {
		if !names[want] {
			t.Fatalf("tool %s not registered (have %v)", want, names)
		}
	}
}

func TestMCP_PDF(t *testing.T) {
	fx := &fakeExporter{}
	session := mcpSession(t, fx)

	res := callTool(t, session, "navexport_pdf", map[string]any{
		"items": []map[string]any{{"layer_id": "enterprise"}, {"layer_id": "mobile"}},
	})
	if res.IsError {
		t.Fatalf("tool error: %v", res.Content)
	}
	var out struct {
		Pages    int `json:"pages"`
		Artifact struct {
			Name string `json:"name"`
		} `json:"artifact"`
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", text, err)
	}
	if out.Pages != 2 || out.Artifact.Name != "navigator_export_2_layers.pdf" {
		t.Fatalf("result: got %+v", out)
	}
	if fx.items[1].URI != "http://nav.local/layers/mobile" {
		t.Fatalf("uri: got %q", fx.items[1].URI)
	}
}

func TestMCP_ErrorsAreToolErrors(t *testing.T) {
	session := mcpSession(t, &fakeExporter{})
	res := callTool(t, session, "navexport_svg", map[string]any{})
	if !res.IsError {
		t.Fatal("empty item: expected a tool error")
	}
}
