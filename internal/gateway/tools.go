package gateway

import (
	"context"
	"encoding/json"

	"mcpgate/internal/domain"
)

const (
	searchToolsName = "SEARCH_TOOLS"
	executeToolName = "EXECUTE_TOOL"

	searchDefaultLimit = 20
	searchMaxLimit     = 100
)

// metaTools is the fixed tool surface every bundle advertises
func metaTools() []map[string]any {
	return []map[string]any{
		{
			"name": searchToolsName,
			"description": "Discover the tools reachable through this bundle. " +
				"Provide an intent to rank tools by relevance to a natural-language " +
				"description of what you want to do; omit it to page through all " +
				"tools alphabetically.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"intent": map[string]any{
						"type":        "string",
						"description": "Natural-language description of the task, used for relevance ranking",
					},
					"mcp_server_ids": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Restrict results to tools from these MCP server ids",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of tools to return",
						"default":     searchDefaultLimit,
						"maximum":     searchMaxLimit,
						"minimum":     1,
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "Pagination offset",
						"default":     0,
						"minimum":     0,
					},
				},
			},
		},
		{
			"name": executeToolName,
			"description": "Execute a tool discovered via " + searchToolsName + ". " +
				"Pass the exact tool name and the arguments its input schema requires.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool_name": map[string]any{
						"type":        "string",
						"description": "Name of the tool to execute",
					},
					"tool_arguments": map[string]any{
						"type":        "object",
						"description": "Arguments matching the tool's input schema",
						"additionalProperties": true,
					},
				},
				"required": []string{"tool_name"},
			},
		},
	}
}

type searchToolsArgs struct {
	Intent       string   `json:"intent"`
	MCPServerIDs []string `json:"mcp_server_ids"`
	Limit        int      `json:"limit"`
	Offset       int      `json:"offset"`
}

// toolDefinition is the shape SEARCH_TOOLS returns per tool
type toolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// searchTools ranks the bundle's reachable tools against an intent, or lists
// them by name when no intent is given.
func (s *Service) searchTools(ctx context.Context, bc *bundleContext, rawArgs json.RawMessage) (any, error) {
	args := searchToolsArgs{Limit: searchDefaultLimit}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, domain.NewError(domain.CodeValidationError, "invalid SEARCH_TOOLS arguments: %v", err)
		}
	}
	if args.Limit <= 0 {
		args.Limit = searchDefaultLimit
	}
	if args.Limit > searchMaxLimit {
		args.Limit = searchMaxLimit
	}
	if args.Offset < 0 {
		args.Offset = 0
	}

	allToolServerIDs, enabledToolIDs := bc.toolScope(args.MCPServerIDs)

	var embedding []float32
	ranked := "name"
	if args.Intent != "" {
		vec, err := s.embedder.Embed(ctx, args.Intent)
		if err != nil {
			return nil, err
		}
		embedding = vec
		ranked = "intent"
	}
	s.metrics.ToolSearches.WithLabelValues(ranked).Inc()

	results, err := s.store.Servers.SearchTools(ctx, embedding, allToolServerIDs, enabledToolIDs, args.Limit, args.Offset)
	if err != nil {
		return nil, err
	}

	defs := make([]toolDefinition, len(results))
	for i, r := range results {
		defs[i] = toolDefinition{
			Name:        r.Tool.Name,
			Description: r.Tool.Description,
			InputSchema: r.Tool.InputSchema,
		}
	}
	payload, err := json.Marshal(defs)
	if err != nil {
		return nil, err
	}
	return textContent(string(payload)), nil
}

// toolScope derives the searchable tool space from the bundle's reachable
// configurations: whole servers for all-tools configurations plus explicit
// whitelists for the rest. A non-empty serverIDs intersects the scope with
// those servers; ids outside the bundle simply match nothing.
func (bc *bundleContext) toolScope(serverIDs []string) (allToolServerIDs, enabledToolIDs []string) {
	for _, e := range bc.configurations {
		if len(serverIDs) > 0 && !containsString(serverIDs, e.server.ID) {
			continue
		}
		if e.cfg.AllToolsEnabled {
			allToolServerIDs = append(allToolServerIDs, e.server.ID)
		} else {
			enabledToolIDs = append(enabledToolIDs, e.cfg.EnabledTools...)
		}
	}
	return allToolServerIDs, enabledToolIDs
}
