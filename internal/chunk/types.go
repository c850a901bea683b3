// Package chunk splits note text into token-bounded pieces for embedding.
// Token counting is delegated to an oracle that may be expensive (a model
// tokenizer, possibly behind a network hop), so the splitter is built
// around recursive bisection rather than linear boundary probing.
package chunk

import "context"

// Default chunking parameters.
const (
	// DefaultMaxTokens is the default token budget per chunk.
	DefaultMaxTokens = 512

	// DefaultOverlapTokens is the default overlap between adjacent chunks.
	// Zero keeps the token-bound invariant exact.
	DefaultOverlapTokens = 0

	// approxCharsPerToken seeds character estimates before the oracle has
	// reported a real ratio for the text at hand.
	approxCharsPerToken = 4
)

// TokenCounter is the token-counting oracle.
type TokenCounter interface {
	// CountTokens returns the token count for text under the oracle's
	// tokenizer.
	CountTokens(ctx context.Context, text string) (int, error)
}

// Piece is one ordered slice of a split note.
type Piece struct {
	// Text is the piece content, including any overlap prefix.
	Text string

	// Seq is the zero-based ordinal within the note.
	Seq int

	// Total is the note's total piece count, fixed at split time.
	Total int
}

// Options configures a Splitter.
type Options struct {
	// MaxTokens is the token budget per piece.
	MaxTokens int

	// OverlapTokens is the approximate token overlap carried from the end
	// of each piece into the next, preserving cross-boundary context.
	OverlapTokens int
}

// HeuristicCounter estimates tokens as len/4, the usual rule of thumb for
// English prose. Used when no model tokenizer is available and in tests.
type HeuristicCounter struct{}

// CountTokens implements TokenCounter.
func (HeuristicCounter) CountTokens(_ context.Context, text string) (int, error) {
	return estimateTokens(text), nil
}

// estimateTokens approximates the token count of text.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / approxCharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
