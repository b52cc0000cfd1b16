// Package identity implements the Identity Verifier (C1) and the Principal
// Store (C2). JWKS fetch/cache and verification technique are grounded on
// gravitational-teleport's use of go-jose and golang-jwt (already indirect
// dependencies of the teacher's go.mod), fetched with worldline-go/klient
// the same way every provider adapter in the teacher builds its HTTP
// client.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/worldline-go/klient"

	"github.com/openrag/gateway/internal/apierr"
	"github.com/openrag/gateway/internal/domain"
)

// Verifier validates bearer credentials against a cached JWKS and extracts
// Principal claims (C1).
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration

	minRefresh time.Duration

	client *klient.Client
	jwksURL string

	mu          sync.RWMutex
	keySet      jose.JSONWebKeySet
	lastRefresh time.Time
}

type Option func(*Verifier)

func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

func WithMinRefreshInterval(d time.Duration) Option {
	return func(v *Verifier) { v.minRefresh = d }
}

// New builds a Verifier. jwksURL is fetched lazily on first Verify call and
// refreshed on kid-miss, rate-limited by minRefresh.
func New(issuer, audience, jwksURL string, opts ...Option) (*Verifier, error) {
	client, err := klient.New(
		klient.WithLogger(slog.Default()),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create jwks http client: %w", err)
	}

	v := &Verifier{
		issuer:     issuer,
		audience:   audience,
		leeway:     60 * time.Second,
		minRefresh: 30 * time.Second,
		client:     client,
		jwksURL:    jwksURL,
	}

	for _, o := range opts {
		o(v)
	}

	return v, nil
}

// Verify validates signature, exp, nbf, iss, and aud, and extracts claims.
// Failure modes map directly onto the apierr categories named in spec.md
// §4.1.
func (v *Verifier) Verify(ctx context.Context, requestID, rawToken string) (*domain.Claims, *apierr.Error) {
	token, err := jwt.ParseWithClaims(rawToken, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := v.resolveKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))

	if err != nil {
		return nil, classifyVerifyError(err, requestID)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, apierr.New(apierr.CategoryAuth, apierr.CodeInvalidCredential, "malformed token claims", requestID).WithStatus(http.StatusUnauthorized)
	}

	return claimsFromJWT(claims), nil
}

func classifyVerifyError(err error, requestID string) *apierr.Error {
	switch {
	case strings.Contains(err.Error(), "token is expired"):
		return apierr.New(apierr.CategoryAuth, apierr.CodeCredentialExpired, "credential expired", requestID).WithStatus(http.StatusUnauthorized)
	case strings.Contains(err.Error(), "issuer") || strings.Contains(err.Error(), "audience"):
		return apierr.New(apierr.CategoryAuth, apierr.CodeCredentialRejected, "issuer or audience mismatch", requestID).WithStatus(http.StatusUnauthorized)
	case strings.Contains(err.Error(), "unreachable") || strings.Contains(err.Error(), "fetch jwks"):
		return apierr.New(apierr.CategoryUnavailable, apierr.CodeIDPUnreachable, "identity provider unreachable", requestID).WithStatus(http.StatusServiceUnavailable)
	default:
		return apierr.New(apierr.CategoryAuth, apierr.CodeInvalidCredential, "invalid credential", requestID).WithStatus(http.StatusUnauthorized)
	}
}

func claimsFromJWT(mc jwt.MapClaims) *domain.Claims {
	c := &domain.Claims{}
	if s, ok := mc["sub"].(string); ok {
		c.Subject = s
	}
	if s, ok := mc["email"].(string); ok {
		c.Email = s
	}
	if s, ok := mc["preferred_username"].(string); ok {
		c.PreferredUsername = s
	}

	// Keycloak-style realm_access.roles; fall back to a flat "roles" claim.
	if ra, ok := mc["realm_access"].(map[string]any); ok {
		if roles, ok := ra["roles"].([]any); ok {
			for _, r := range roles {
				if s, ok := r.(string); ok {
					c.RealmRoles = append(c.RealmRoles, s)
				}
			}
		}
	}
	if len(c.RealmRoles) == 0 {
		if roles, ok := mc["roles"].([]any); ok {
			for _, r := range roles {
				if s, ok := r.(string); ok {
					c.RealmRoles = append(c.RealmRoles, s)
				}
			}
		}
	}

	return c
}

// resolveKey finds the signing key for kid in the cached set, refreshing
// the JWKS on a miss — rate-limited by minRefresh so a burst of tokens
// signed by an unknown kid cannot hammer the issuer.
func (v *Verifier) resolveKey(ctx context.Context, kid string) (any, error) {
	if key, ok := v.lookupKey(kid); ok {
		return key, nil
	}

	v.mu.Lock()
	sinceLast := time.Since(v.lastRefresh)
	shouldRefresh := sinceLast >= v.minRefresh || v.lastRefresh.IsZero()
	v.mu.Unlock()

	if !shouldRefresh {
		return nil, fmt.Errorf("key id %q not found and refresh is rate-limited", kid)
	}

	if err := v.refreshJWKS(ctx); err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	if key, ok := v.lookupKey(kid); ok {
		return key, nil
	}

	return nil, fmt.Errorf("key id %q not found after refresh", kid)
}

func (v *Verifier) lookupKey(kid string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, k := range v.keySet.Keys {
		if kid == "" || k.KeyID == kid {
			return k.Key, true
		}
	}
	return nil, false
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}

	var body []byte
	if err := v.client.Do(req, func(r *http.Response) error {
		if r.StatusCode != http.StatusOK {
			return fmt.Errorf("jwks endpoint returned status %d", r.StatusCode)
		}
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	}); err != nil {
		return err
	}

	var ks jose.JSONWebKeySet
	if err := json.Unmarshal(body, &ks); err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}

	v.mu.Lock()
	v.keySet = ks
	v.lastRefresh = time.Now()
	v.mu.Unlock()

	return nil
}
