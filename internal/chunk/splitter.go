package chunk

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Splitter turns note text into ordered, token-bounded pieces.
//
// The policy, in order:
//  1. If the whole text fits the budget, one piece (one oracle call).
//  2. Otherwise bisect at the structurally best split point nearest the
//     midpoint: headings, then paragraph breaks, then sentence boundaries,
//     then raw character offsets. A heading always starts its piece.
//  3. Recurse on both halves. Each recursion node costs exactly one
//     CountTokens call, so k output pieces cost at most 2k-1 calls.
//  4. An atomic run with no structural boundary is hard-sliced by
//     characters via the same midpoint recursion.
type Splitter struct {
	counter TokenCounter
	opts    Options
}

// Split-point patterns, tried most-structural first.
var (
	// Start of an ATX heading line.
	headingPoint = regexp.MustCompile(`(?m)^#{1,6}\s`)

	// A paragraph break; the split point is the start of the next paragraph.
	paragraphPoint = regexp.MustCompile(`\n{2,}`)

	// A sentence end; the split point is the start of the next sentence.
	sentencePoint = regexp.MustCompile(`[.!?]["')\]]*\s+`)
)

// NewSplitter creates a splitter using the given token-counting oracle.
func NewSplitter(counter TokenCounter, opts Options) *Splitter {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	return &Splitter{counter: counter, opts: opts}
}

// Split divides text into pieces of at most MaxTokens tokens each.
// Pieces are ordered; each records its ordinal and the fixed total.
// Splitting the same text twice yields identical boundaries.
func (s *Splitter) Split(ctx context.Context, text string) ([]Piece, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	segments, err := s.bisect(ctx, trimmed)
	if err != nil {
		return nil, err
	}

	if s.opts.OverlapTokens > 0 {
		segments = s.applyOverlap(segments)
	}

	pieces := make([]Piece, len(segments))
	for i, seg := range segments {
		pieces[i] = Piece{
			Text:  seg,
			Seq:   i,
			Total: len(segments),
		}
	}
	return pieces, nil
}

// bisect recursively splits text until every segment fits the budget.
// One CountTokens call per invocation.
func (s *Splitter) bisect(ctx context.Context, text string) ([]string, error) {
	count, err := s.counter.CountTokens(ctx, text)
	if err != nil {
		return nil, err
	}
	if count <= s.opts.MaxTokens {
		return []string{text}, nil
	}

	cut := s.splitPoint(text)
	if cut <= 0 || cut >= len(text) {
		// Cannot split further (single rune or degenerate budget);
		// return oversized rather than recurse forever.
		return []string{text}, nil
	}

	left := strings.TrimSpace(text[:cut])
	right := strings.TrimSpace(text[cut:])
	if left == "" || right == "" {
		return []string{text}, nil
	}

	leftSegs, err := s.bisect(ctx, left)
	if err != nil {
		return nil, err
	}
	rightSegs, err := s.bisect(ctx, right)
	if err != nil {
		return nil, err
	}
	return append(leftSegs, rightSegs...), nil
}

// splitPoint picks the structurally best split offset nearest the midpoint.
func (s *Splitter) splitPoint(text string) int {
	mid := len(text) / 2

	// Headings: split before the heading so it stays attached to the
	// section it opens.
	if p, ok := nearest(matchStarts(headingPoint, text), mid, len(text)); ok {
		return p
	}

	// Paragraph breaks: split after the blank run.
	if p, ok := nearest(matchEnds(paragraphPoint, text), mid, len(text)); ok {
		return p
	}

	// Sentence boundaries: split at the start of the next sentence.
	if p, ok := nearest(matchEnds(sentencePoint, text), mid, len(text)); ok {
		return p
	}

	// No structure left: hard character slice at the midpoint, aligned to
	// a rune boundary.
	return runeAlign(text, mid)
}

// applyOverlap prefixes each piece after the first with the tail of its
// predecessor, approximated in characters from the configured token count.
// The prefix is advanced to a word boundary so no word is cut in half.
func (s *Splitter) applyOverlap(segments []string) []string {
	if len(segments) < 2 {
		return segments
	}

	overlapChars := s.opts.OverlapTokens * approxCharsPerToken
	out := make([]string, len(segments))
	out[0] = segments[0]

	for i := 1; i < len(segments); i++ {
		tail := overlapTail(segments[i-1], overlapChars)
		if tail == "" {
			out[i] = segments[i]
			continue
		}
		out[i] = tail + "\n" + segments[i]
	}
	return out
}

// overlapTail returns the last maxChars characters of text, trimmed forward
// to the next word boundary.
func overlapTail(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return ""
	}
	tail := text[len(text)-maxChars:]
	if idx := strings.IndexAny(tail, " \t\n"); idx >= 0 {
		tail = tail[idx:]
	}
	return strings.TrimSpace(tail)
}

// matchStarts returns start offsets of all pattern matches.
func matchStarts(re *regexp.Regexp, text string) []int {
	idxs := re.FindAllStringIndex(text, -1)
	points := make([]int, 0, len(idxs))
	for _, idx := range idxs {
		points = append(points, idx[0])
	}
	return points
}

// matchEnds returns end offsets of all pattern matches.
func matchEnds(re *regexp.Regexp, text string) []int {
	idxs := re.FindAllStringIndex(text, -1)
	points := make([]int, 0, len(idxs))
	for _, idx := range idxs {
		points = append(points, idx[1])
	}
	return points
}

// nearest picks the candidate point closest to mid that is strictly inside
// (0, limit). Returns false when no candidate qualifies.
func nearest(points []int, mid, limit int) (int, bool) {
	best := -1
	bestDist := limit + 1
	for _, p := range points {
		if p <= 0 || p >= limit {
			continue
		}
		dist := p - mid
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best = p
			bestDist = dist
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// runeAlign moves offset forward to the nearest rune boundary.
func runeAlign(text string, offset int) int {
	for offset < len(text) && !utf8.RuneStart(text[offset]) {
		offset++
	}
	return offset
}
