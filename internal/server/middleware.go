package server

import (
	"net/http"
	"strings"

	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/openrag/gateway/internal/apierr"
)

// requestIDFrom reads the id ada's requestid middleware stamped onto the
// request/response pair (spec.md §4.9: inbound header honored if present
// and well-formed, else freshly generated).
func requestIDFrom(r *http.Request) string {
	return r.Header.Get(mrequestid.HeaderXRequestID)
}

// authMiddleware wires the Identity Verifier (C1) and Principal Store (C2)
// in front of the /api route group. /health, /health/{service}, /api/auth/*
// and the stream endpoint are mounted outside that group in New (server.go)
// and are not authenticated here.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r)

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if auth == "" || !ok || token == "" {
			apierr.WriteJSON(w, apierr.New(apierr.CategoryAuth, apierr.CodeInvalidCredential, "missing bearer credential", requestID), s.devMode)
			return
		}

		claims, apiErr := s.verifier.Verify(r.Context(), requestID, token)
		if apiErr != nil {
			apierr.WriteJSON(w, apiErr, s.devMode)
			return
		}

		principal, err := s.principals.Resolve(r.Context(), claims)
		if err != nil {
			apierr.WriteJSON(w, apierr.New(apierr.CategoryUnavailable, apierr.CodeIDPUnreachable, "failed to resolve principal", requestID), s.devMode)
			return
		}
		if !principal.Active {
			apierr.WriteJSON(w, apierr.New(apierr.CategoryAuth, apierr.CodeCredentialRejected, "principal deactivated", requestID).WithStatus(http.StatusForbidden), s.devMode)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), principal)))
	})
}

// requireAdmin gates the admin-only Principal Store operations (spec.md
// §4.2's "administrative list/get/delete operations gated by admin role").
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFromContext(r.Context())
		if !ok || principal.Role != "admin" {
			apierr.WriteJSON(w, apierr.New(apierr.CategoryAuth, apierr.CodeCredentialRejected, "admin role required", requestIDFrom(r)).WithStatus(http.StatusForbidden), s.devMode)
			return
		}
		next.ServeHTTP(w, r)
	})
}
