package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// ToolCallStatus is the outcome of one proxied tool call
type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// MCPToolCallLog is one append-only audit row per proxied tool call.
// Names are denormalized alongside ids so history survives deletes;
// the table carries no foreign keys.
type MCPToolCallLog struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`

	OrganizationID             string `json:"organization_id"`
	UserID                     string `json:"user_id"`
	BundleID                   string `json:"mcp_server_bundle_id"`
	BundleName                 string `json:"mcp_server_bundle_name"`
	MCPServerID                string `json:"mcp_server_id"`
	MCPServerName              string `json:"mcp_server_name"`
	MCPToolID                  string `json:"mcp_tool_id,omitempty"`
	MCPToolName                string `json:"mcp_tool_name"`
	MCPServerConfigurationID   string `json:"mcp_server_configuration_id,omitempty"`
	MCPServerConfigurationName string `json:"mcp_server_configuration_name,omitempty"`

	// Arguments is kept as received; agents routinely send non-JSON.
	Arguments      string          `json:"arguments"`
	JSONRPCPayload json.RawMessage `json:"jsonrpc_payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`

	Status         ToolCallStatus `json:"status"`
	ViaExecuteTool bool           `json:"via_execute_tool"`

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`
}

// LogCursor is the composite pagination cursor over the tool-call log,
// compared strictly on both fields so pages never duplicate under inserts.
type LogCursor struct {
	StartedAt time.Time `json:"started_at"`
	ID        string    `json:"id"`
}

// EncodeLogCursor serializes a cursor as base64url(JSON)
func EncodeLogCursor(c LogCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeLogCursor parses a cursor produced by EncodeLogCursor
func DecodeLogCursor(s string) (LogCursor, error) {
	var c LogCursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("decoding cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("parsing cursor: %w", err)
	}
	if c.ID == "" || c.StartedAt.IsZero() {
		return c, fmt.Errorf("incomplete cursor")
	}
	return c, nil
}
