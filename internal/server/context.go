package server

import (
	"context"

	"github.com/openrag/gateway/internal/domain"
)

type ctxKey int

const principalCtxKey ctxKey = iota

func contextWithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// principalFromContext returns the Principal attached by authMiddleware.
// The bool is false when no Principal is attached. Handlers mounted behind
// authMiddleware ignore it, since the middleware always attaches one;
// requireAdmin checks it.
func principalFromContext(ctx context.Context) (*domain.Principal, bool) {
	p, ok := ctx.Value(principalCtxKey).(*domain.Principal)
	return p, ok && p != nil
}
