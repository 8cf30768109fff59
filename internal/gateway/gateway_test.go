package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"mcpgate/internal/domain"
)

func TestIsNotification(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected bool
	}{
		{name: "absent id", raw: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, expected: true},
		{name: "null id", raw: `{"jsonrpc":"2.0","id":null,"method":"ping"}`, expected: true},
		{name: "numeric id", raw: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, expected: false},
		{name: "string id", raw: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, expected: false},
		{name: "zero id", raw: `{"jsonrpc":"2.0","id":0,"method":"ping"}`, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg rpcMessage
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.isNotification(); got != tt.expected {
				t.Errorf("isNotification() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestErrorResponseNullID(t *testing.T) {
	resp := errorResponse(nil, codeParseError, "invalid JSON")

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out["id"]) != "null" {
		t.Errorf("id = %s, want null", out["id"])
	}

	withID := errorResponse(json.RawMessage(`42`), codeMethodNotFound, "nope")
	if string(withID.ID) != "42" {
		t.Errorf("id = %s, want 42", withID.ID)
	}
	if withID.Error == nil || withID.Error.Code != codeMethodNotFound {
		t.Errorf("error = %+v", withID.Error)
	}
}

func TestMetaTools(t *testing.T) {
	tools := metaTools()
	if len(tools) != 2 {
		t.Fatalf("len(metaTools()) = %d, want 2", len(tools))
	}
	names := map[string]bool{}
	for _, tool := range tools {
		name, _ := tool["name"].(string)
		names[name] = true
		if tool["inputSchema"] == nil {
			t.Errorf("tool %s has no input schema", name)
		}
	}
	if !names[searchToolsName] || !names[executeToolName] {
		t.Errorf("tool names = %v", names)
	}
}

func TestToolScope(t *testing.T) {
	bc := &bundleContext{
		configurations: []configEntry{
			{
				cfg:    &domain.MCPServerConfiguration{ID: "cfg1", AllToolsEnabled: true},
				server: &domain.MCPServer{ID: "srv1"},
			},
			{
				cfg:    &domain.MCPServerConfiguration{ID: "cfg2", EnabledTools: []string{"t1", "t2"}},
				server: &domain.MCPServer{ID: "srv2"},
			},
			{
				cfg:    &domain.MCPServerConfiguration{ID: "cfg3", EnabledTools: []string{"t3"}},
				server: &domain.MCPServer{ID: "srv3"},
			},
		},
	}

	allServers, enabledTools := bc.toolScope(nil)
	if len(allServers) != 1 || allServers[0] != "srv1" {
		t.Errorf("allToolServerIDs = %v, want [srv1]", allServers)
	}
	if len(enabledTools) != 3 {
		t.Errorf("enabledToolIDs = %v, want [t1 t2 t3]", enabledTools)
	}

	// server filter intersects with the bundle's scope
	allServers, enabledTools = bc.toolScope([]string{"srv2"})
	if len(allServers) != 0 {
		t.Errorf("filtered allToolServerIDs = %v, want none", allServers)
	}
	if len(enabledTools) != 2 || enabledTools[0] != "t1" || enabledTools[1] != "t2" {
		t.Errorf("filtered enabledToolIDs = %v, want [t1 t2]", enabledTools)
	}

	// ids outside the bundle match nothing
	allServers, enabledTools = bc.toolScope([]string{"srv9"})
	if len(allServers) != 0 || len(enabledTools) != 0 {
		t.Errorf("foreign server id matched: %v %v", allServers, enabledTools)
	}
}

func TestUsableSession(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-2 * time.Hour)

	tests := []struct {
		name        string
		sess        *domain.MCPSession
		bundleID    string
		wantOK      bool
		wantExpired bool
	}{
		{
			name:     "own bundle, recently touched",
			sess:     &domain.MCPSession{BundleID: "b1", LastAccessedAt: fresh},
			bundleID: "b1",
			wantOK:   true,
		},
		{
			name:        "own bundle, idle too long",
			sess:        &domain.MCPSession{BundleID: "b1", LastAccessedAt: stale},
			bundleID:    "b1",
			wantExpired: true,
		},
		{
			name:     "another bundle's session",
			sess:     &domain.MCPSession{BundleID: "b2", LastAccessedAt: fresh},
			bundleID: "b1",
		},
		{
			name:     "another bundle's stale session reads as missing",
			sess:     &domain.MCPSession{BundleID: "b2", LastAccessedAt: stale},
			bundleID: "b1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, expired := usableSession(tt.sess, tt.bundleID, now)
			if ok != tt.wantOK || expired != tt.wantExpired {
				t.Errorf("usableSession = (%v, %v), want (%v, %v)", ok, expired, tt.wantOK, tt.wantExpired)
			}
		})
	}
}

func TestToolsListNeedsNoSession(t *testing.T) {
	svc := &Service{}
	msg := &rpcMessage{ID: json.RawMessage(`1`), Method: "tools/list"}

	reply := svc.dispatch(context.Background(), nil, "", msg)
	if reply.Status != 200 {
		t.Fatalf("status = %d, want 200", reply.Status)
	}
	if reply.Body == nil || reply.Body.Error != nil {
		t.Fatalf("reply = %+v, want a result without error", reply.Body)
	}
	result, ok := reply.Body.Result.(map[string]any)
	if !ok || result["tools"] == nil {
		t.Errorf("result = %v, want a tools listing", reply.Body.Result)
	}
}

func TestToolCallPayload(t *testing.T) {
	raw, err := json.Marshal(toolCallPayload("SEARCH_ISSUES", json.RawMessage(`{"q":"bug"}`)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.JSONRPC != "2.0" || out.Method != "tools/call" {
		t.Errorf("envelope = %s %s", out.JSONRPC, out.Method)
	}
	if out.Params.Name != "SEARCH_ISSUES" {
		t.Errorf("params.name = %q", out.Params.Name)
	}
	if string(out.Params.Arguments) != `{"q":"bug"}` {
		t.Errorf("params.arguments = %s", out.Params.Arguments)
	}
}

func TestExtractRPCBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		raw         string
		expected    string
		wantErr     bool
	}{
		{
			name:        "plain json passes through",
			contentType: "application/json",
			raw:         `{"jsonrpc":"2.0","id":1,"result":{}}`,
			expected:    `{"jsonrpc":"2.0","id":1,"result":{}}`,
		},
		{
			name:        "sse event unwrapped",
			contentType: "text/event-stream",
			raw:         "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n",
			expected:    `{"jsonrpc":"2.0","id":1,"result":{}}`,
		},
		{
			name:        "sse with charset parameter",
			contentType: "text/event-stream; charset=utf-8",
			raw:         "data:{\"ok\":true}\n",
			expected:    `{"ok":true}`,
		},
		{
			name:        "sse without data field",
			contentType: "text/event-stream",
			raw:         "event: message\n\n",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractRPCBody(tt.contentType, []byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("extractRPCBody = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractRPCBody error: %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("extractRPCBody = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestArgumentsOrEmpty(t *testing.T) {
	if got := argumentsOrEmpty(nil); string(got) != "{}" {
		t.Errorf("argumentsOrEmpty(nil) = %s, want {}", got)
	}
	if got := argumentsOrEmpty(json.RawMessage(`{"q":"x"}`)); string(got) != `{"q":"x"}` {
		t.Errorf("argumentsOrEmpty = %s", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestErrorContent(t *testing.T) {
	out := errorContent("boom")
	if out["isError"] != true {
		t.Error("isError not set")
	}
	content, ok := out["content"].([]map[string]any)
	if !ok || len(content) != 1 || content[0]["text"] != "boom" {
		t.Errorf("content = %v", out["content"])
	}
}
