// Package tokenizer provides the library-quality BPE tokenizer spec.md
// §4.5 requires for the local provider and as the Context Guard's
// fallback when a provider does not attest its own token counts.
// Grounded on pkoukk/tiktoken-go (already an indirect dependency of the
// teacher's go.mod via its transitive pull from teradata-labs-loom).
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens for one model family. Encoding resolution is
// cached: tiktoken-go's encoding construction is not free, and the gateway
// tokenizes on every prepare-stream call.
type Tokenizer struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// ForModel resolves the BPE encoding registered for model, falling back to
// cl100k_base (the encoding shared by GPT-3.5/4-class and most
// OpenAI-compatible models) when the model is unknown to tiktoken-go —
// this gateway never fails a turn merely because its token count is an
// estimate rather than provider-attested.
func ForModel(model string) *Tokenizer {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Tokenizer{}
		}
	}
	return &Tokenizer{enc: enc}
}

// Count returns the number of tokens text would occupy. A Tokenizer with
// no resolved encoding (construction failed entirely) falls back to a
// crude character/4 estimate rather than panicking.
func (t *Tokenizer) Count(text string) int {
	if t == nil || t.enc == nil {
		return (len(text) + 3) / 4
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.enc.Encode(text, nil, nil))
}
