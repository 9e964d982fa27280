package topics

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/topos/kit"
)

// RegisterMCP registers all topic workspace tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListTopics(srv)
	s.registerCreateTopic(srv)
	s.registerDeleteTopic(srv)
	s.registerSwitchTopic(srv)
	s.registerListTabs(srv)
	s.registerCaptureBookmark(srv)
	s.registerStats(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Service) registerListTopics(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "topos_list_topics",
		Description: "List all topics with their active flag and tab binding counts",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.ListTopics(ctx), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerCreateTopic(srv *mcp.Server) {
	type req struct {
		Name          string `json:"name"`
		Color         string `json:"color"`
		CategorySetID string `json:"category_set_id"`
	}

	tool := &mcp.Tool{
		Name:        "topos_create_topic",
		Description: "Create a topic workspace, optionally seeding its categories from a category set",
		InputSchema: inputSchema(map[string]any{
			"name":            map[string]any{"type": "string", "description": "Topic name"},
			"color":           map[string]any{"type": "string", "description": "Display color, e.g. #ff8800"},
			"category_set_id": map[string]any{"type": "string", "description": "Category set to seed categories from"},
		}, []string{"name"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.CreateTopic(ctx, p.Name, p.Color, p.CategorySetID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerDeleteTopic(srv *mcp.Server) {
	type req struct {
		TopicID string `json:"topic_id"`
	}

	tool := &mcp.Tool{
		Name:        "topos_delete_topic",
		Description: "Delete a topic with its categories and bookmarks, unbinding its tabs",
		InputSchema: inputSchema(map[string]any{
			"topic_id": map[string]any{"type": "string", "description": "Topic ID"},
		}, []string{"topic_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := s.DeleteTopic(ctx, p.TopicID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": p.TopicID}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerSwitchTopic(srv *mcp.Server) {
	type req struct {
		TopicID string `json:"topic_id"`
	}

	tool := &mcp.Tool{
		Name:        "topos_switch_topic",
		Description: "Activate a topic: its tabs become visible, all other topics' tabs are hidden",
		InputSchema: inputSchema(map[string]any{
			"topic_id": map[string]any{"type": "string", "description": "Topic ID to activate"},
		}, []string{"topic_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := s.SwitchTopic(ctx, p.TopicID); err != nil {
			return nil, err
		}
		return map[string]any{"activeTopicId": p.TopicID}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerListTabs(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "topos_list_tabs",
		Description: "List live browser tabs with their stable identities and owning topics",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.ListTabs(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerCaptureBookmark(srv *mcp.Server) {
	type req struct {
		TabID      int64  `json:"tab_id"`
		CategoryID string `json:"category_id"`
	}

	tool := &mcp.Tool{
		Name:        "topos_capture_bookmark",
		Description: "Capture the tab's current page as a bookmark in a category, with extracted description",
		InputSchema: inputSchema(map[string]any{
			"tab_id":      map[string]any{"type": "integer", "description": "Tab handle from topos_list_tabs"},
			"category_id": map[string]any{"type": "string", "description": "Category ID"},
		}, []string{"tab_id", "category_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.CaptureBookmark(ctx, p.TabID, p.CategoryID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerStats(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "topos_stats",
		Description: "Get runtime counters: switches, tabs hidden/shown/created, drift corrections",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Stats(), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
