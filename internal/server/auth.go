package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/openrag/gateway/internal/apierr"
	"github.com/openrag/gateway/internal/domain"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Login handles POST /api/auth/login (spec.md §6.1), brokering a resource-
// owner-password-credentials grant against the configured identity
// provider so clients never need direct network access to the issuer.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "INVALID_BODY", "invalid request body", requestID), s.devMode)
		return
	}
	if req.Username == "" || req.Password == "" {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "MISSING_CREDENTIALS", "username and password are required", requestID), s.devMode)
		return
	}

	tok, err := s.login.Exchange(r.Context(), req.Username, req.Password)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryAuth, apierr.CodeInvalidCredential, "invalid username or password", requestID).WithStatus(http.StatusUnauthorized), s.devMode)
		return
	}

	expiresIn := 0
	if !tok.Expiry.IsZero() {
		expiresIn = int(time.Until(tok.Expiry).Seconds())
	}

	httpResponseJSON(w, loginResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: tok.RefreshToken,
	}, http.StatusOK)
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid     bool    `json:"valid"`
	Principal *userDTO `json:"user,omitempty"`
}

// VerifyToken handles POST /api/auth/verify (spec.md §6.1), letting a
// front-end probe a bearer token's validity without risking a 401 mid-flow.
func (s *Server) VerifyToken(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "INVALID_BODY", "token is required", requestID), s.devMode)
		return
	}

	claims, apiErr := s.verifier.Verify(r.Context(), requestID, req.Token)
	if apiErr != nil {
		httpResponseJSON(w, verifyResponse{Valid: false}, http.StatusOK)
		return
	}

	principal, err := s.principals.Resolve(r.Context(), claims)
	if err != nil || !principal.Active {
		httpResponseJSON(w, verifyResponse{Valid: false}, http.StatusOK)
		return
	}

	httpResponseJSON(w, verifyResponse{Valid: true, Principal: toUserDTO(principal)}, http.StatusOK)
}

type userDTO struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func toUserDTO(p *domain.Principal) *userDTO {
	return &userDTO{ID: p.ID, Email: p.Email, Name: p.Name, Role: p.Role}
}

// GetMe handles GET /api/users/me.
func (s *Server) GetMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	httpResponseJSON(w, toUserDTO(principal), http.StatusOK)
}

type updateMeRequest struct {
	Name string `json:"name"`
}

// UpdateMe handles PUT /api/users/me, the only field a principal can
// self-service (spec.md §4.2); role and active state are admin-only.
func (s *Server) UpdateMe(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())

	var req updateMeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "INVALID_BODY", "invalid request body", requestID), s.devMode)
		return
	}
	if req.Name == "" {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "NAME_REQUIRED", "name must not be empty", requestID), s.devMode)
		return
	}

	updated, err := s.principals.UpdateName(r.Context(), principal.ID, req.Name)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "UPDATE_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	httpResponseJSON(w, toUserDTO(updated), http.StatusOK)
}

// ListPrincipals handles GET /api/admin/users, gated by requireAdmin.
func (s *Server) ListPrincipals(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	principals, err := s.principals.List(r.Context())
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "LIST_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	users := make([]*userDTO, 0, len(principals))
	for i := range principals {
		users = append(users, toUserDTO(&principals[i]))
	}

	httpResponseJSON(w, map[string]any{"users": users}, http.StatusOK)
}

// DeactivatePrincipal handles DELETE /api/admin/users/{id}, gated by
// requireAdmin.
func (s *Server) DeactivatePrincipal(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "INVALID_ID", "invalid user id", requestID), s.devMode)
		return
	}

	if err := s.principals.Deactivate(r.Context(), id); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "DEACTIVATE_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
