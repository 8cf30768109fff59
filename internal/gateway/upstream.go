package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mcpgate/internal/credentials"
	"mcpgate/internal/domain"
)

const sessionHeader = "Mcp-Session-Id"

// forward POSTs one JSON-RPC payload to the upstream server and returns the
// raw result. Streamable-HTTP servers may answer either plain JSON or a
// single-event SSE body; both are handled.
func (s *Service) forward(ctx context.Context, server *domain.MCPServer, authCfg *domain.AuthConfig, creds domain.AuthCredentials, upstreamSession string, payload map[string]any) (json.RawMessage, int, error) {
	result, _, status, err := s.forwardCapturingSession(ctx, server, authCfg, creds, upstreamSession, payload)
	return result, status, err
}

// forwardCapturingSession is forward plus the Mcp-Session-Id the upstream
// assigned on this exchange, used when initializing a new upstream session.
func (s *Service) forwardCapturingSession(ctx context.Context, server *domain.MCPServer, authCfg *domain.AuthConfig, creds domain.AuthCredentials, upstreamSession string, payload map[string]any) (json.RawMessage, string, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL, bytes.NewReader(body))
	if err != nil {
		return nil, "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if upstreamSession != "" {
		req.Header.Set(sessionHeader, upstreamSession)
	}
	if authCfg != nil {
		credentials.Inject(req, authCfg, creds)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", 0, s.upstreamError(ctx, server, err)
	}
	defer resp.Body.Close()

	newSession := resp.Header.Get(sessionHeader)

	// notifications get no body back
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil, newSession, resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return nil, newSession, resp.StatusCode, domain.NewError(domain.CodeUpstreamUnavailable,
			"server %s rejected the request with status %d", server.CanonicalName, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newSession, resp.StatusCode, s.upstreamError(ctx, server, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newSession, resp.StatusCode, domain.NewError(domain.CodeUpstreamUnavailable,
			"server %s returned status %d: %s", server.CanonicalName, resp.StatusCode, truncate(string(raw), 200))
	}

	rpcBody, err := extractRPCBody(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, newSession, resp.StatusCode, domain.NewError(domain.CodeUpstreamUnavailable,
			"server %s sent an unparsable response: %v", server.CanonicalName, err)
	}

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(rpcBody, &parsed); err != nil {
		return nil, newSession, resp.StatusCode, domain.NewError(domain.CodeUpstreamUnavailable,
			"server %s sent invalid JSON-RPC: %v", server.CanonicalName, err)
	}
	if parsed.Error != nil {
		return nil, newSession, resp.StatusCode, domain.NewError(domain.CodeUpstreamUnavailable,
			"server %s returned error %d: %s", server.CanonicalName, parsed.Error.Code, parsed.Error.Message)
	}
	return parsed.Result, newSession, resp.StatusCode, nil
}

// extractRPCBody unwraps a single-event SSE body into its data payload
func extractRPCBody(contentType string, raw []byte) ([]byte, error) {
	if !strings.Contains(contentType, "text/event-stream") {
		return raw, nil
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), nil
		}
	}
	return nil, fmt.Errorf("no data field in event stream")
}

func (s *Service) upstreamError(ctx context.Context, server *domain.MCPServer, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		s.metrics.UpstreamErrors.WithLabelValues(server.CanonicalName, "timeout").Inc()
		return domain.NewError(domain.CodeUpstreamTimeout,
			"server %s timed out: %v", server.CanonicalName, err)
	}
	s.metrics.UpstreamErrors.WithLabelValues(server.CanonicalName, "transport").Inc()
	return domain.NewError(domain.CodeUpstreamUnavailable,
		"server %s unreachable: %v", server.CanonicalName, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
