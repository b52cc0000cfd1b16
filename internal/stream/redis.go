package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openrag/gateway/internal/domain"
)

const keyPrefix = "stream:"

// RedisStore implements Store over redis/go-redis/v9, grounded on the
// Set/Get/Del usage in goadesign-goa-ai's registry/result_stream.go. Claim
// uses a Lua script so the claimed-check-and-set is atomic across
// concurrently racing GET /stream/{token} requests (I5): two requests
// racing on the same token must not both win.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

type storedSession struct {
	Session domain.StreamSession `json:"session"`
	Claimed bool                 `json:"claimed"`
}

func (s *RedisStore) Put(ctx context.Context, session domain.StreamSession, ttl time.Duration) error {
	val, err := json.Marshal(storedSession{Session: session, Claimed: false})
	if err != nil {
		return fmt.Errorf("marshal stream session: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+session.Token, val, ttl).Err(); err != nil {
		return fmt.Errorf("store stream session: %w", err)
	}
	return nil
}

// claimScript reads the value, and if present and not yet claimed, sets
// Claimed=true in place (preserving the key's remaining TTL) and returns the
// un-mutated original payload; if already claimed, returns "CONSUMED"; if
// absent, returns false. Running this as a single EVAL makes the
// read-check-write indivisible, which a separate GET followed by SET would
// not guarantee under concurrent callers.
const claimScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
	return false
end
local decoded = cjson.decode(raw)
if decoded["claimed"] then
	return "CONSUMED"
end
decoded["claimed"] = true
local ttl = redis.call("PTTL", KEYS[1])
local encoded = cjson.encode(decoded)
if ttl and ttl > 0 then
	redis.call("SET", KEYS[1], encoded, "PX", ttl)
else
	redis.call("SET", KEYS[1], encoded)
end
return raw
`

func (s *RedisStore) Claim(ctx context.Context, token string) (*domain.StreamSession, error) {
	res, err := s.rdb.Eval(ctx, claimScript, []string{keyPrefix + token}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("claim stream session: %w", err)
	}

	switch v := res.(type) {
	case nil:
		return nil, ErrSessionNotFound
	case string:
		if v == "CONSUMED" {
			return nil, ErrSessionConsumed
		}
		var stored storedSession
		if err := json.Unmarshal([]byte(v), &stored); err != nil {
			return nil, fmt.Errorf("decode stream session: %w", err)
		}
		return &stored.Session, nil
	default:
		return nil, ErrSessionNotFound
	}
}

// Delete drops the session payload but leaves a claimed tombstone under the
// token for the key's remaining TTL, so a replayed token still resolves to
// ErrSessionConsumed rather than ErrSessionNotFound.
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	err := s.rdb.SetArgs(ctx, keyPrefix+token, `{"claimed":true}`, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
