// Package stream implements the Stream Coordinator (C7)'s state: the KV
// Stream Session store, single-use claim semantics (I5), and the
// reasoning-tag streaming extractor (spec.md §9). HTTP wiring
// (prepare-stream, stream handlers) lives in internal/server, grounded on
// the teacher's gateway.go SSE-writing technique.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/openrag/gateway/internal/domain"
)

// ErrSessionNotFound means the token is unknown or has expired
// (spec.md §4.7.3 step 1 / P4 — STREAM_TOKEN_INVALID).
var ErrSessionNotFound = errors.New("stream session not found")

// ErrSessionConsumed means the token was already claimed by a prior GET
// (spec.md §4.7.3 step 1 / P3 — STREAM_CONSUMED).
var ErrSessionConsumed = errors.New("stream session already consumed")

// Store is the KV boundary the Stream Coordinator resolves sessions
// against. Implemented by internal/stream/redis.go.
type Store interface {
	// Put stores a freshly prepared session under its token with the given
	// TTL (spec.md §4.7.2 step 7).
	Put(ctx context.Context, session domain.StreamSession, ttl time.Duration) error
	// Claim atomically marks a session claimed and returns it — a
	// compare-and-set so two concurrent GETs on the same token cannot both
	// win (spec.md §4.7.3 step 2, I5). Returns ErrSessionConsumed if
	// already claimed, ErrSessionNotFound if missing/expired.
	Claim(ctx context.Context, token string) (*domain.StreamSession, error)
	// Delete removes the session payload (spec.md §4.7.3 step 6), keeping a
	// claimed marker until the TTL runs out so replays stay ErrSessionConsumed.
	Delete(ctx context.Context, token string) error
}

// NewToken mints a stream token of at least 128 bits of entropy, URL-safe
// encoded (spec.md §4.7.2 step 6).
func NewToken() (string, error) {
	buf := make([]byte, 24) // 192 bits, comfortably over the 128-bit floor
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
