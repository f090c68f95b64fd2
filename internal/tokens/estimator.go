// Package tokens estimates model-specific token costs without calling a model.
package tokens

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Unlimited is the "no budget" value accepted by budgeted loaders.
const Unlimited = math.MaxInt

// Estimator returns an approximate token count for text under a given model.
type Estimator interface {
	Count(modelID, text string) int
}

// MessageCost is the cost of a chat message: role and content are both counted.
func MessageCost(e Estimator, modelID string, msg model.ChatMessage) int {
	return e.Count(modelID, string(msg.Role)) + e.Count(modelID, msg.Content)
}

// Heuristic estimates tokens from character counts.
// ASCII runes are divided by a per-family ratio; every other rune counts as one token,
// which is close for CJK text and conservative for accented Latin.
type Heuristic struct {
	// Ratios maps a model-id prefix to ASCII characters per token.
	Ratios map[string]float64
	// Default applies when no prefix matches.
	Default float64
}

// DefaultRatios are chars-per-token figures for the common model families.
var DefaultRatios = map[string]float64{
	"gpt-4o":   4.2,
	"gpt-4":    4.0,
	"gpt-3.5":  4.0,
	"o1":       4.2,
	"o3":       4.2,
	"claude":   3.5,
	"gemini":   4.0,
	"llama":    3.8,
	"qwen":     3.3,
	"deepseek": 3.6,
}

// NewHeuristic returns a Heuristic with DefaultRatios.
func NewHeuristic() *Heuristic {
	return &Heuristic{Ratios: DefaultRatios, Default: 4.0}
}

// Count implements Estimator.
func (h *Heuristic) Count(modelID, text string) int {
	if text == "" {
		return 0
	}
	ratio := h.ratio(modelID)
	var ascii, other int
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(ascii)/ratio)) + other
}

func (h *Heuristic) ratio(modelID string) float64 {
	id := strings.ToLower(modelID)
	best, bestLen := 0.0, 0
	for prefix, r := range h.Ratios {
		if strings.HasPrefix(id, prefix) && len(prefix) > bestLen {
			best, bestLen = r, len(prefix)
		}
	}
	if bestLen > 0 && best > 0 {
		return best
	}
	if h.Default > 0 {
		return h.Default
	}
	return 4.0
}

// Tiktoken counts with the BPE encoding of OpenAI models.
// Models without a known encoding, or encodings that fail to load, use Fallback.
type Tiktoken struct {
	Fallback Estimator

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	missing   map[string]bool
}

// NewTiktoken returns a Tiktoken estimator falling back to the heuristic.
func NewTiktoken() *Tiktoken {
	return &Tiktoken{
		Fallback:  NewHeuristic(),
		encodings: make(map[string]*tiktoken.Tiktoken),
		missing:   make(map[string]bool),
	}
}

// Count implements Estimator.
func (t *Tiktoken) Count(modelID, text string) int {
	if text == "" {
		return 0
	}
	if enc := t.encoding(modelID); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return t.Fallback.Count(modelID, text)
}

func (t *Tiktoken) encoding(modelID string) *tiktoken.Tiktoken {
	t.mu.Lock()
	enc, ok := t.encodings[modelID]
	miss := t.missing[modelID]
	t.mu.Unlock()
	if ok {
		return enc
	}
	if miss {
		return nil
	}

	// Loading may download the BPE ranks, so it runs outside the lock.
	enc, err := tiktoken.EncodingForModel(modelID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.missing[modelID] = true
		return nil
	}
	t.encodings[modelID] = enc
	return enc
}
