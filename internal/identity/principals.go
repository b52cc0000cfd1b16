package identity

import (
	"context"
	"fmt"

	"github.com/openrag/gateway/internal/domain"
)

// PrincipalRepository is the persistence boundary the Principal Store (C2)
// resolves against; implemented by internal/store/postgres and
// internal/store/sqlite3.
type PrincipalRepository interface {
	UpsertPrincipalBySubject(ctx context.Context, subject, email, name, role string) (*domain.Principal, error)
	GetPrincipal(ctx context.Context, id int64) (*domain.Principal, error)
	ListPrincipals(ctx context.Context) ([]domain.Principal, error)
	DeactivatePrincipal(ctx context.Context, id int64) error
	UpdatePrincipalName(ctx context.Context, id int64, name string) (*domain.Principal, error)
}

// PrincipalStore exposes resolve(claims) -> Principal as described in
// spec.md §4.2, auto-provisioning on first sight and otherwise refreshing
// the stored role/email/name when claims change.
type PrincipalStore struct {
	repo PrincipalRepository
}

func NewPrincipalStore(repo PrincipalRepository) *PrincipalStore {
	return &PrincipalStore{repo: repo}
}

// Resolve upserts a Principal keyed by the issuer subject id, mapping the
// first role from domain.RolePrecedence to the stored role.
func (s *PrincipalStore) Resolve(ctx context.Context, claims *domain.Claims) (*domain.Principal, error) {
	name := claims.PreferredUsername
	if name == "" {
		name = claims.Email
	}

	role := domain.ResolveRole(claims.RealmRoles)

	p, err := s.repo.UpsertPrincipalBySubject(ctx, claims.Subject, claims.Email, name, role)
	if err != nil {
		return nil, fmt.Errorf("resolve principal for subject %q: %w", claims.Subject, err)
	}

	return p, nil
}

func (s *PrincipalStore) List(ctx context.Context) ([]domain.Principal, error) {
	return s.repo.ListPrincipals(ctx)
}

func (s *PrincipalStore) Get(ctx context.Context, id int64) (*domain.Principal, error) {
	return s.repo.GetPrincipal(ctx, id)
}

func (s *PrincipalStore) Deactivate(ctx context.Context, id int64) error {
	return s.repo.DeactivatePrincipal(ctx, id)
}

func (s *PrincipalStore) UpdateName(ctx context.Context, id int64, name string) (*domain.Principal, error) {
	return s.repo.UpdatePrincipalName(ctx, id, name)
}
