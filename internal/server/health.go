package server

import "net/http"

// Health handles GET /health: a bare liveness probe, intentionally cheap
// so load balancers can poll it often without load on downstream services.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

// HealthService handles GET /health/{service}, probing one configured
// provider adapter (spec.md §4.5's health contract) by name.
func (s *Server) HealthService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("service")

	ok, detail, found := s.router.Health(r.Context(), name)
	if !found {
		httpResponseJSON(w, map[string]any{"status": "unknown", "service": name}, http.StatusNotFound)
		return
	}

	status := "ok"
	code := http.StatusOK
	if !ok {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	httpResponseJSON(w, map[string]any{"status": status, "service": name, "detail": detail}, code)
}
