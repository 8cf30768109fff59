package http

import (
	"net/http"
)

const mcpSessionHeader = "Mcp-Session-Id"

// handleMCP is the streamable HTTP endpoint agents speak MCP to. The bundle
// key in the path is the credential; no bearer token is involved.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	reply := s.gateway.Handle(r.Context(), r.PathValue("bundle_key"), r.Header.Get(mcpSessionHeader), body)
	if reply.SessionID != "" {
		w.Header().Set(mcpSessionHeader, reply.SessionID)
	}
	if reply.Body == nil {
		w.WriteHeader(reply.Status)
		return
	}
	s.writeJSON(w, reply.Status, reply.Body)
}
