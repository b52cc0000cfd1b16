package server

import "net/http"

// ListModels handles GET /api/llm/models, surfacing the Router's merged
// view of every provider's advertised models (spec.md §4.4).
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"models": s.router.ListModels()}, http.StatusOK)
}
