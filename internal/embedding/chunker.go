package embedding

import (
	"strings"
	"unicode"
)

const (
	defaultChunkSize = 1500
	defaultOverlap   = 150
)

// Chunker splits document text into overlapping pieces sized for one
// embedding call each. Sizes are in runes so CJK text is not cut mid
// character.
type Chunker struct {
	ChunkSize int
	Overlap   int
}

// NewChunker returns a chunker with the default 1500/150 geometry.
func NewChunker() Chunker {
	return Chunker{ChunkSize: defaultChunkSize, Overlap: defaultOverlap}
}

// Split breaks text into chunks of at most ChunkSize runes, preferring to cut
// at a paragraph break, then at a sentence end, then anywhere. Adjacent
// chunks share Overlap runes of context; the overlap is clamped to a third of
// the chunk size so small chunk configurations still make progress.
func (c Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	size := c.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	overlap := c.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if max := size / 3; overlap > max {
		overlap = max
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
				chunks = append(chunks, tail)
			}
			break
		}
		cut := cutPoint(runes, start, end)
		if piece := strings.TrimSpace(string(runes[start:cut])); piece != "" {
			chunks = append(chunks, piece)
		}
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// cutPoint picks where to end the chunk covering runes[start:end]. It scans
// backwards for a paragraph break, then a sentence end, but never cuts in the
// first half of the window so boundary-dense text cannot produce slivers.
func cutPoint(runes []rune, start, end int) int {
	minCut := start + (end-start)/2
	for i := end; i > minCut; i-- {
		if runes[i-1] == '\n' && i-2 >= start && runes[i-2] == '\n' {
			return i
		}
	}
	for i := end; i > minCut; i-- {
		if isSentenceEnd(runes[i-1]) {
			return i
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '。', '！', '？', '；':
		return true
	}
	return false
}

// estimateTokens approximates tokenizer output without shipping one: CJK
// scripts run close to one token per rune, everything else near four
// characters per token.
func estimateTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + (other+3)/4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
