// Package chunker splits large documents into ordered, overlapping chunks
// that each fit a single chat-completion call.
//
// Chunk boundaries prefer natural breaks (section headings, paragraphs,
// sentences) over hard cuts so each chunk stays semantically coherent, and
// consecutive chunks overlap by ~200 tokens of text so the model has enough
// adjacent context to disambiguate sentences that cross a seam.
package chunker

import (
	"strings"

	"github.com/haasonsaas/bigcontext/internal/tokens"
)

// Chunk is one contiguous slice of the input document.
type Chunk struct {
	Index int
	Text  string
}

const (
	// overlapTokens is repeated from the tail of one chunk at the head of
	// the next.
	overlapTokens = 200

	// boundarySearchFraction restricts the boundary search to the last 30%
	// of the window so chunks never come out too short.
	boundarySearchFraction = 0.30
)

// Split divides text into chunks of at most maxChunkTokens estimated tokens.
//
// The character budget adapts to the actual text: the estimator and the
// slicer share a single chars/token ratio computed from the whole document,
// which keeps dense scripts (CJK, Devanagari) from producing oversized
// chunks.
func Split(text string, maxChunkTokens int) []Chunk {
	if text == "" {
		return nil
	}

	total := tokens.Estimate(text)
	if total <= maxChunkTokens {
		return []Chunk{{Index: 0, Text: text}}
	}

	runes := []rune(text)
	charsPerToken := float64(len(runes)) / float64(maxInt(total, 1))
	maxChunkChars := int(float64(maxChunkTokens) * charsPerToken)
	if maxChunkChars < 1 {
		maxChunkChars = 1
	}
	overlapChars := int(overlapTokens * charsPerToken)

	var chunks []Chunk
	offset := 0
	for offset < len(runes) {
		end := offset + maxChunkChars
		if end > len(runes) {
			end = len(runes)
		}

		if end < len(runes) {
			if bp := findBreakPoint(runes[offset:end]); bp > 0 {
				end = offset + bp
			}
		}

		slice := strings.TrimSpace(string(runes[offset:end]))
		if slice != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: slice})
		}

		if end >= len(runes) {
			break
		}

		// Step back by the overlap, but always strictly advance so the
		// loop terminates even when the overlap exceeds the slice.
		next := end - overlapChars
		if next <= offset {
			next = offset + 1
		}
		offset = next
	}

	return chunks
}

// findBreakPoint returns the best natural boundary inside window, as an
// offset-relative cut position, or 0 when only a hard cut is possible.
//
// Boundaries are ranked: section divider, paragraph break, newline, sentence
// terminator, word boundary. Each rank is scanned from the end of the window
// backward; the first match at the highest rank wins.
func findBreakPoint(window []rune) int {
	searchStart := int(float64(len(window)) * (1 - boundarySearchFraction))
	if searchStart >= len(window) {
		return 0
	}

	// Rank 1: newline followed by a heading (#, ##, ### + whitespace) or a
	// divider line of === / ---.
	for i := len(window) - 1; i >= searchStart; i-- {
		if window[i] == '\n' && isSectionStart(window, i+1) {
			return i + 1
		}
	}

	// Rank 2: paragraph boundary.
	for i := len(window) - 1; i > searchStart; i-- {
		if window[i] == '\n' && window[i-1] == '\n' {
			return i + 1
		}
	}

	// Rank 3: single newline.
	for i := len(window) - 1; i >= searchStart; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}

	// Rank 4: sentence terminator followed by whitespace.
	for i := len(window) - 2; i >= searchStart; i-- {
		if isSentenceEnd(window[i]) && isSpace(window[i+1]) {
			return i + 1
		}
	}

	// Rank 5: word boundary.
	for i := len(window) - 1; i >= searchStart; i-- {
		if window[i] == ' ' {
			return i + 1
		}
	}

	return 0
}

// isSectionStart reports whether the text at pos opens a markdown section:
// one to three '#' followed by whitespace, or a line of at least three '='
// or '-' characters.
func isSectionStart(window []rune, pos int) bool {
	if pos >= len(window) {
		return false
	}

	if window[pos] == '#' {
		n := 0
		for pos+n < len(window) && window[pos+n] == '#' && n < 4 {
			n++
		}
		return n <= 3 && pos+n < len(window) && isSpace(window[pos+n])
	}

	if window[pos] == '=' || window[pos] == '-' {
		marker := window[pos]
		n := 0
		for pos+n < len(window) && window[pos+n] == marker {
			n++
		}
		if n < 3 {
			return false
		}
		return pos+n >= len(window) || window[pos+n] == '\n'
	}

	return false
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
