package embed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEncoding is the BPE encoding used for token counting. Embedding
// model tokenizers differ slightly, but cl100k_base tracks them closely
// enough for budget enforcement.
const tokenEncoding = "cl100k_base"

// TokenCounter counts tokens with a real BPE tokenizer when available,
// falling back to a character heuristic when the encoding cannot be
// loaded (e.g. offline with no cached BPE data).
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a lazy token counter. The encoding is loaded on
// first use so construction never blocks on network.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// CountTokens returns the token count of text.
func (t *TokenCounter) CountTokens(_ context.Context, text string) (int, error) {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using heuristic token counts",
				slog.String("encoding", tokenEncoding),
				slog.String("error", err.Error()))
			return
		}
		t.enc = enc
	})

	if t.enc == nil {
		return estimateTokens(text), nil
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// estimateTokens approximates tokens as len/4, the usual heuristic for
// English prose.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
