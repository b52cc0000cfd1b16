package crypto

import (
	"fmt"

	"github.com/openrag/gateway/internal/domain"
)

// EncryptPrincipal returns a copy of the Principal with its email encrypted,
// for writing to the store. If key is nil, the principal is returned
// unchanged (no-op) — the adapted counterpart of the teacher's
// EncryptLLMConfig, now protecting Principal PII at rest instead of
// provider credentials (which live in static config, not the database,
// under this spec).
func EncryptPrincipal(p domain.Principal, key []byte) (domain.Principal, error) {
	if key == nil || p.Email == "" {
		return p, nil
	}

	enc, err := Encrypt(p.Email, key)
	if err != nil {
		return p, fmt.Errorf("encrypt principal email: %w", err)
	}
	p.Email = enc

	return p, nil
}

// DecryptPrincipal returns a copy of the Principal with its email decrypted,
// after it is read from the store. Values without the "enc:" prefix pass through unchanged.
func DecryptPrincipal(p domain.Principal, key []byte) (domain.Principal, error) {
	if key == nil || p.Email == "" {
		return p, nil
	}

	dec, err := Decrypt(p.Email, key)
	if err != nil {
		return p, fmt.Errorf("decrypt principal email: %w", err)
	}
	p.Email = dec

	return p, nil
}
