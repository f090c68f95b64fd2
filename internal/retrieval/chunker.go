package retrieval

import (
	"strings"
	"unicode"
)

// Chunker splits text into overlapping rune windows, preferring to break at
// whitespace near the end of a window.
type Chunker struct {
	Size    int // runes per chunk
	Overlap int // runes shared by consecutive chunks
}

const (
	defaultChunkSize    = 800
	defaultChunkOverlap = 100
)

func (c Chunker) normalized() Chunker {
	if c.Size <= 0 {
		c.Size = defaultChunkSize
		if c.Overlap == 0 {
			c.Overlap = defaultChunkOverlap
		}
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		c.Overlap = min(defaultChunkOverlap, c.Size/4)
	}
	return c
}

// Split returns the chunks of text in order. Blank text yields nothing.
func (c Chunker) Split(text string) []string {
	c = c.normalized()
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := min(start+c.Size, len(runes))
		if end < len(runes) {
			// Look back over the last fifth of the window for a space.
			floor := end - c.Size/5
			for i := end; i > floor && i > start; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
		next := end - c.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
