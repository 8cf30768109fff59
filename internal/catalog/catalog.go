// Package catalog syncs upstream MCP tool catalogs into the platform:
// canonical name sanitization, change detection and embedding refresh.
package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"mcpgate/internal/domain"
)

// ErrEmptyName means sanitization consumed the entire name
var ErrEmptyName = errors.New("tool name empty after sanitization")

// SanitizeToolName converts an upstream tool name into the platform's
// upper-snake alphabet: NFKD fold, uppercase, every run outside [A-Z0-9_]
// collapses to one underscore, leading and trailing underscores stripped.
// The function is idempotent.
func SanitizeToolName(name string) (string, error) {
	folded := norm.NFKD.String(name)

	var b strings.Builder
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(unicode.ToUpper(r))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return "", ErrEmptyName
	}
	return out, nil
}

// PlatformToolName builds the platform-unique {SERVER}__{TOOL} name
func PlatformToolName(serverCanonicalName, sanitizedToolName string) string {
	return serverCanonicalName + "__" + sanitizedToolName
}

// NormalizeAndHash produces a stable content hash. Strings normalize to
// their lowercase alphanumeric skeleton so cosmetic edits (casing,
// punctuation, whitespace) do not count as changes; any other value hashes
// its canonical JSON (sorted keys, compact).
func NormalizeAndHash(v any) string {
	var material []byte
	switch s := v.(type) {
	case string:
		var b strings.Builder
		for _, r := range strings.ToLower(s) {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		material = []byte(b.String())
	default:
		material = canonicalJSON(v)
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// HashInputSchema hashes a raw JSON schema via its canonical form
func HashInputSchema(schema json.RawMessage) string {
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		// unparsable schemas hash their raw bytes so changes still register
		sum := sha256.Sum256(schema)
		return hex.EncodeToString(sum[:])
	}
	return NormalizeAndHash(v)
}

// canonicalJSON re-marshals through map ordering; encoding/json sorts map
// keys, giving a stable compact representation.
func canonicalJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return raw
	}
	return out
}

// =============================================================================
// Diffing
// =============================================================================

// UpstreamTool is one tool as fetched from the server, after sanitization
type UpstreamTool struct {
	CanonicalName string // as reported upstream
	PlatformName  string // {SERVER}__{SANITIZED}
	Description   string
	InputSchema   json.RawMessage
}

// Diff partitions a sync run against the stored catalog
type Diff struct {
	Create []UpstreamTool // new upstream tools

	// description or input schema changed, the embedding must be recomputed
	UpdateEmbed []ToolUpdate

	// raw text drifted but the canonical hashes held, refresh in place
	UpdateOnly []ToolUpdate

	DeleteIDs []string // stored tools gone upstream

	Unchanged int
}

// ToolUpdate pairs a stored tool with its fresh upstream content
type ToolUpdate struct {
	Existing domain.MCPTool
	Fresh    UpstreamTool
}

// ComputeDiff matches stored and upstream tools by canonical name and
// classifies each. A changed description or input-schema hash forces a
// re-embed; cosmetic drift that leaves both hashes intact refreshes the
// stored text without touching the embedding.
func ComputeDiff(stored []domain.MCPTool, upstream []UpstreamTool) Diff {
	byCanonical := make(map[string]domain.MCPTool, len(stored))
	for _, t := range stored {
		byCanonical[t.ToolMetadata.CanonicalToolName] = t
	}

	var d Diff
	seen := make(map[string]bool, len(upstream))
	for _, up := range upstream {
		seen[up.CanonicalName] = true
		existing, ok := byCanonical[up.CanonicalName]
		if !ok {
			d.Create = append(d.Create, up)
			continue
		}

		descChanged := NormalizeAndHash(up.Description) != existing.ToolMetadata.CanonicalToolDescriptionHash
		schemaChanged := HashInputSchema(up.InputSchema) != existing.ToolMetadata.CanonicalToolInputSchemaHash
		rawDrift := up.Description != existing.Description ||
			!bytes.Equal(up.InputSchema, existing.InputSchema)
		switch {
		case descChanged || schemaChanged:
			d.UpdateEmbed = append(d.UpdateEmbed, ToolUpdate{Existing: existing, Fresh: up})
		case rawDrift:
			d.UpdateOnly = append(d.UpdateOnly, ToolUpdate{Existing: existing, Fresh: up})
		default:
			d.Unchanged++
		}
	}

	for canonical, t := range byCanonical {
		if !seen[canonical] {
			d.DeleteIDs = append(d.DeleteIDs, t.ID)
		}
	}
	return d
}

// EmbeddingText is the content a tool embedding is computed over: name,
// description and the input schema, so parameter changes shift the vector.
func EmbeddingText(platformName, description string, inputSchema json.RawMessage) string {
	return platformName + ": " + description + "\n" + string(inputSchema)
}

// ServerEmbeddingText serializes the fields a server embedding covers
func ServerEmbeddingText(f domain.MCPServerEmbeddingFields) string {
	raw, _ := json.Marshal(f)
	return string(raw)
}
