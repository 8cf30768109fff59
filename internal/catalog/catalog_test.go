package catalog

import (
	"encoding/json"
	"testing"

	"mcpgate/internal/domain"
)

func TestSanitizeToolName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{
			name:     "already canonical",
			input:    "SEARCH_ISSUES",
			expected: "SEARCH_ISSUES",
		},
		{
			name:     "lowercase with dashes",
			input:    "search-issues",
			expected: "SEARCH_ISSUES",
		},
		{
			name:     "dots and spaces collapse",
			input:    "repo.list  branches",
			expected: "REPO_LIST_BRANCHES",
		},
		{
			name:     "accented characters fold",
			input:    "crée-ticket",
			expected: "CRE_E_TICKET",
		},
		{
			name:     "leading and trailing junk stripped",
			input:    "__get-user__",
			expected: "GET_USER",
		},
		{
			name:     "digits survive",
			input:    "s3-upload-v2",
			expected: "S3_UPLOAD_V2",
		},
		{
			name:    "nothing left",
			input:   "---",
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeToolName(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SanitizeToolName(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SanitizeToolName(%q) error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("SanitizeToolName(%q) = %q, want %q", tt.input, got, tt.expected)
			}

			// idempotence: a sanitized name passes through unchanged
			again, err := SanitizeToolName(got)
			if err != nil || again != got {
				t.Errorf("SanitizeToolName(%q) not idempotent: got %q, %v", got, again, err)
			}
		})
	}
}

func TestPlatformToolName(t *testing.T) {
	got := PlatformToolName("GITHUB", "SEARCH_ISSUES")
	if got != "GITHUB__SEARCH_ISSUES" {
		t.Errorf("PlatformToolName = %q, want GITHUB__SEARCH_ISSUES", got)
	}
}

func TestNormalizeAndHashStrings(t *testing.T) {
	// cosmetic edits must not change the hash
	base := NormalizeAndHash("Searches GitHub issues.")
	variants := []string{
		"searches github issues",
		"Searches  GitHub   issues!",
		"SEARCHES-GITHUB-ISSUES",
	}
	for _, v := range variants {
		if NormalizeAndHash(v) != base {
			t.Errorf("NormalizeAndHash(%q) differs from base", v)
		}
	}

	if NormalizeAndHash("searches gitlab issues") == base {
		t.Error("semantically different string hashed equal")
	}

	// punctuation, case and spacing all fold away
	if NormalizeAndHash("Hello, World!") != NormalizeAndHash("helloworld") {
		t.Error("punctuated string not reduced to its skeleton")
	}
}

func TestNormalizeAndHashObjects(t *testing.T) {
	a := map[string]any{"type": "object", "required": []any{"q"}}
	b := map[string]any{"required": []any{"q"}, "type": "object"}
	if NormalizeAndHash(a) != NormalizeAndHash(b) {
		t.Error("key order changed the object hash")
	}
	c := map[string]any{"type": "object", "required": []any{"query"}}
	if NormalizeAndHash(a) == NormalizeAndHash(c) {
		t.Error("different objects hashed equal")
	}
}

func TestHashInputSchema(t *testing.T) {
	a := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
	b := json.RawMessage(`{ "properties": {"q": {"type": "string"}}, "type": "object" }`)
	if HashInputSchema(a) != HashInputSchema(b) {
		t.Error("equivalent schemas hashed differently")
	}

	// unparsable schemas still produce a stable hash
	bad := json.RawMessage(`{not json`)
	if HashInputSchema(bad) != HashInputSchema(bad) {
		t.Error("unparsable schema hash not stable")
	}
	if HashInputSchema(bad) == HashInputSchema(a) {
		t.Error("unparsable schema collided with a valid one")
	}
}

func storedTool(id, canonical, description string, schema string) domain.MCPTool {
	return domain.MCPTool{
		ID:          id,
		Name:        PlatformToolName("SRV", canonical),
		Description: description,
		InputSchema: json.RawMessage(schema),
		ToolMetadata: domain.ToolMetadata{
			CanonicalToolName:            canonical,
			CanonicalToolDescriptionHash: NormalizeAndHash(description),
			CanonicalToolInputSchemaHash: HashInputSchema(json.RawMessage(schema)),
		},
	}
}

func TestComputeDiff(t *testing.T) {
	stored := []domain.MCPTool{
		storedTool("t1", "SEARCH", "Searches issues", `{"type":"object"}`),
		storedTool("t2", "CREATE", "Creates an issue", `{"type":"object"}`),
		storedTool("t3", "CLOSE", "Closes an issue", `{"type":"object"}`),
		storedTool("t4", "GONE", "No longer upstream", `{"type":"object"}`),
	}
	upstream := []UpstreamTool{
		// unchanged
		{CanonicalName: "SEARCH", Description: "Searches issues", InputSchema: json.RawMessage(`{"type":"object"}`)},
		// description changed, must re-embed
		{CanonicalName: "CREATE", Description: "Creates a new issue", InputSchema: json.RawMessage(`{"type":"object"}`)},
		// schema changed, must re-embed too
		{CanonicalName: "CLOSE", Description: "Closes an issue", InputSchema: json.RawMessage(`{"type":"object","required":["id"]}`)},
		// brand new
		{CanonicalName: "REOPEN", Description: "Reopens an issue", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}

	d := ComputeDiff(stored, upstream)

	if d.Unchanged != 1 {
		t.Errorf("Unchanged = %d, want 1", d.Unchanged)
	}
	if len(d.Create) != 1 || d.Create[0].CanonicalName != "REOPEN" {
		t.Errorf("Create = %+v, want REOPEN", d.Create)
	}
	embedIDs := map[string]bool{}
	for _, u := range d.UpdateEmbed {
		embedIDs[u.Existing.ID] = true
	}
	if len(d.UpdateEmbed) != 2 || !embedIDs["t2"] || !embedIDs["t3"] {
		t.Errorf("UpdateEmbed = %+v, want t2 and t3", d.UpdateEmbed)
	}
	if len(d.UpdateOnly) != 0 {
		t.Errorf("UpdateOnly = %+v, want none", d.UpdateOnly)
	}
	if len(d.DeleteIDs) != 1 || d.DeleteIDs[0] != "t4" {
		t.Errorf("DeleteIDs = %v, want [t4]", d.DeleteIDs)
	}
}

func TestComputeDiffCosmeticDescriptionChange(t *testing.T) {
	stored := []domain.MCPTool{
		storedTool("t1", "SEARCH", "Searches issues", `{"type":"object"}`),
	}
	upstream := []UpstreamTool{
		// hash-stable rewording refreshes the stored text, no re-embed
		{CanonicalName: "SEARCH", Description: "Searches Issues!", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}

	d := ComputeDiff(stored, upstream)
	if len(d.UpdateEmbed) != 0 {
		t.Errorf("cosmetic description change forced a re-embed: %+v", d)
	}
	if len(d.UpdateOnly) != 1 || d.UpdateOnly[0].Existing.ID != "t1" {
		t.Errorf("UpdateOnly = %+v, want t1", d.UpdateOnly)
	}

	// byte-identical content stays untouched
	same := []UpstreamTool{
		{CanonicalName: "SEARCH", Description: "Searches issues", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
	d = ComputeDiff(stored, same)
	if d.Unchanged != 1 || len(d.UpdateEmbed) != 0 || len(d.UpdateOnly) != 0 {
		t.Errorf("identical catalog not left alone: %+v", d)
	}
}

func TestEmbeddingTextCoversSchema(t *testing.T) {
	a := EmbeddingText("SRV__SEARCH", "Searches issues", json.RawMessage(`{"type":"object"}`))
	b := EmbeddingText("SRV__SEARCH", "Searches issues", json.RawMessage(`{"type":"object","required":["q"]}`))
	if a == b {
		t.Error("schema change did not alter the embedding text")
	}
}
