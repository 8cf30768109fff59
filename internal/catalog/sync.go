package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"mcpgate/internal/domain"
	"mcpgate/internal/embeddings"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/telemetry"
)

// SyncMinInterval rate-limits per-server catalog syncs
const SyncMinInterval = 60 * time.Second

const clientName = "mcpgate"

// Syncer refreshes stored tool catalogs from upstream servers
type Syncer struct {
	store    *postgres.Store
	embedder embeddings.Embedder
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	timeout  time.Duration
	version  string
}

func NewSyncer(store *postgres.Store, embedder embeddings.Embedder, logger *slog.Logger, metrics *telemetry.Metrics, timeout time.Duration, version string) *Syncer {
	return &Syncer{
		store:    store,
		embedder: embedder,
		logger:   logger,
		metrics:  metrics,
		timeout:  timeout,
		version:  version,
	}
}

// SyncResult summarizes one sync run
type SyncResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"` // invalid upstream tools not imported
}

// Sync fetches the server's tool list and reconciles the stored catalog.
// Runs are rate-limited per server and serialized across instances with an
// advisory lock; a concurrent or too-recent run fails with
// tool_catalog_sync_too_frequent.
func (s *Syncer) Sync(ctx context.Context, server *domain.MCPServer, headers map[string]string) (*SyncResult, error) {
	if server.LastSyncedAt != nil && time.Since(*server.LastSyncedAt) < SyncMinInterval {
		return nil, domain.NewError(domain.CodeToolCatalogSyncTooFrequent,
			"catalog for %s was synced less than %s ago", server.CanonicalName, SyncMinInterval)
	}

	start := time.Now()
	upstream, skipped, err := s.fetchUpstreamTools(ctx, server, headers)
	if err != nil {
		s.metrics.CatalogSyncs.WithLabelValues(server.CanonicalName, "error").Inc()
		return nil, err
	}

	var result *SyncResult
	err = s.store.WithTx(ctx, func(tx *postgres.Store) error {
		locked, err := tx.TryAdvisoryLock(ctx, "catalog_sync:"+server.ID)
		if err != nil {
			return err
		}
		if !locked {
			return domain.NewError(domain.CodeToolCatalogSyncTooFrequent,
				"catalog sync for %s already in progress", server.CanonicalName)
		}

		stored, err := tx.Servers.ListToolsByServer(ctx, server.ID)
		if err != nil {
			return err
		}

		diff := ComputeDiff(stored, upstream)
		result = &SyncResult{Unchanged: diff.Unchanged, Skipped: skipped}

		if err := s.applyCreates(ctx, tx, server, diff.Create, result); err != nil {
			return err
		}
		if err := s.applyUpdates(ctx, tx, diff, result); err != nil {
			return err
		}
		if len(diff.DeleteIDs) > 0 {
			if err := tx.Servers.DeleteTools(ctx, diff.DeleteIDs); err != nil {
				return err
			}
			result.Deleted = len(diff.DeleteIDs)
		}

		return tx.Servers.SetLastSyncedAt(ctx, server.ID, time.Now())
	})
	if err != nil {
		s.metrics.CatalogSyncs.WithLabelValues(server.CanonicalName, "error").Inc()
		return nil, err
	}

	s.metrics.CatalogSyncs.WithLabelValues(server.CanonicalName, "success").Inc()
	s.metrics.CatalogSyncDuration.WithLabelValues(server.CanonicalName).Observe(time.Since(start).Seconds())
	s.metrics.CatalogToolsChanged.WithLabelValues(server.CanonicalName, "created").Add(float64(result.Created))
	s.metrics.CatalogToolsChanged.WithLabelValues(server.CanonicalName, "updated").Add(float64(result.Updated))
	s.metrics.CatalogToolsChanged.WithLabelValues(server.CanonicalName, "deleted").Add(float64(result.Deleted))

	s.logger.Info("catalog synced",
		"mcp_server", server.CanonicalName,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"unchanged", result.Unchanged,
		"skipped", result.Skipped,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (s *Syncer) applyCreates(ctx context.Context, tx *postgres.Store, server *domain.MCPServer, creates []UpstreamTool, result *SyncResult) error {
	if len(creates) == 0 {
		return nil
	}

	texts := make([]string, len(creates))
	for i, up := range creates {
		texts[i] = EmbeddingText(up.PlatformName, up.Description, up.InputSchema)
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding new tools: %w", err)
	}

	for i, up := range creates {
		tool := &domain.MCPTool{
			MCPServerID: server.ID,
			Name:        up.PlatformName,
			Description: up.Description,
			InputSchema: up.InputSchema,
			ToolMetadata: domain.ToolMetadata{
				CanonicalToolName:            up.CanonicalName,
				CanonicalToolDescriptionHash: NormalizeAndHash(up.Description),
				CanonicalToolInputSchemaHash: HashInputSchema(up.InputSchema),
			},
			Embedding: vectors[i],
		}
		if err := tx.Servers.CreateTool(ctx, tool); err != nil {
			return err
		}
		result.Created++
	}
	return nil
}

func (s *Syncer) applyUpdates(ctx context.Context, tx *postgres.Store, diff Diff, result *SyncResult) error {
	if len(diff.UpdateEmbed) > 0 {
		texts := make([]string, len(diff.UpdateEmbed))
		for i, u := range diff.UpdateEmbed {
			texts[i] = EmbeddingText(u.Existing.Name, u.Fresh.Description, u.Fresh.InputSchema)
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding updated tools: %w", err)
		}

		for i, u := range diff.UpdateEmbed {
			tool := u.Existing
			tool.Description = u.Fresh.Description
			tool.InputSchema = u.Fresh.InputSchema
			tool.ToolMetadata.CanonicalToolDescriptionHash = NormalizeAndHash(u.Fresh.Description)
			tool.ToolMetadata.CanonicalToolInputSchemaHash = HashInputSchema(u.Fresh.InputSchema)
			tool.Embedding = vectors[i]
			if err := tx.Servers.UpdateTool(ctx, &tool); err != nil {
				return err
			}
			result.Updated++
		}
	}

	for _, u := range diff.UpdateOnly {
		tool := u.Existing
		tool.Description = u.Fresh.Description
		tool.InputSchema = u.Fresh.InputSchema
		tool.Embedding = nil // cosmetic drift, keep the stored embedding
		if err := tx.Servers.UpdateTool(ctx, &tool); err != nil {
			return err
		}
		result.Updated++
	}
	return nil
}

// fetchUpstreamTools opens a fresh MCP session, pages through tools/list and
// sanitizes the results. Tools with invalid names or unparsable input
// schemas are skipped with a warning rather than failing the run.
func (s *Syncer) fetchUpstreamTools(ctx context.Context, server *domain.MCPServer, headers map[string]string) ([]UpstreamTool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	c, err := s.connect(ctx, server, headers)
	if err != nil {
		return nil, 0, err
	}
	defer c.Close()

	var out []UpstreamTool
	skipped := 0
	cursor := mcp.Cursor("")
	for {
		req := mcp.ListToolsRequest{}
		req.Params.Cursor = cursor
		res, err := c.ListTools(ctx, req)
		if err != nil {
			return nil, 0, upstreamError(ctx, server, fmt.Errorf("listing tools: %w", err))
		}

		for _, t := range res.Tools {
			up, ok := s.convertTool(server, t)
			if !ok {
				skipped++
				continue
			}
			out = append(out, up)
		}

		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return out, skipped, nil
}

func (s *Syncer) convertTool(server *domain.MCPServer, t mcp.Tool) (UpstreamTool, bool) {
	sanitized, err := SanitizeToolName(t.Name)
	if err != nil {
		s.logger.Warn("skipping tool with unusable name",
			"mcp_server", server.CanonicalName, "tool", t.Name, "error", err)
		return UpstreamTool{}, false
	}

	schema, err := json.Marshal(t.InputSchema)
	if err != nil {
		s.logger.Warn("skipping tool with unmarshalable schema",
			"mcp_server", server.CanonicalName, "tool", t.Name, "error", err)
		return UpstreamTool{}, false
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema)); err != nil {
		s.logger.Warn("skipping tool with invalid input schema",
			"mcp_server", server.CanonicalName, "tool", t.Name, "error", err)
		return UpstreamTool{}, false
	}

	return UpstreamTool{
		CanonicalName: t.Name,
		PlatformName:  PlatformToolName(server.CanonicalName, sanitized),
		Description:   t.Description,
		InputSchema:   schema,
	}, true
}

// connect builds and initializes an MCP client for the server's transport
func (s *Syncer) connect(ctx context.Context, server *domain.MCPServer, headers map[string]string) (*client.Client, error) {
	var c *client.Client
	var err error
	switch server.TransportType {
	case domain.TransportSSE:
		c, err = client.NewSSEMCPClient(server.URL, transport.WithHeaders(headers))
		if err != nil {
			return nil, upstreamError(ctx, server, fmt.Errorf("creating sse client: %w", err))
		}
		if err := c.Start(ctx); err != nil {
			return nil, upstreamError(ctx, server, fmt.Errorf("starting sse client: %w", err))
		}
	default:
		c, err = client.NewStreamableHttpClient(server.URL,
			transport.WithHTTPHeaders(headers),
			transport.WithHTTPTimeout(s.timeout))
		if err != nil {
			return nil, upstreamError(ctx, server, fmt.Errorf("creating streamable client: %w", err))
		}
	}

	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: s.version,
			},
		},
	})
	if err != nil {
		c.Close()
		return nil, upstreamError(ctx, server, fmt.Errorf("initializing: %w", err))
	}
	return c, nil
}

func upstreamError(ctx context.Context, server *domain.MCPServer, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.CodeUpstreamTimeout,
			"server %s timed out: %v", server.CanonicalName, err)
	}
	return domain.NewError(domain.CodeUpstreamUnavailable,
		"server %s unreachable: %v", server.CanonicalName, err)
}
