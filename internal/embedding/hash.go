package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultHashDimension = 256

// HashProvider is an offline embedder using signed feature hashing of
// lowercase word tokens and character trigrams. Texts sharing words get
// high cosine similarity; it has no notion of synonyms.
type HashProvider struct {
	dimension int
}

// NewHashProvider returns a HashProvider; dimension <= 0 uses 256.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = defaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *HashProvider) Dimension() int { return p.dimension }

func (p *HashProvider) vector(text string) []float32 {
	vec := make([]float64, p.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		p.add(vec, "w:"+w, 1.0)
		runes := []rune(w)
		for j := 0; j+3 <= len(runes); j++ {
			p.add(vec, "t:"+string(runes[j:j+3]), 0.3)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, p.dimension)
	if norm == 0 {
		// Empty input still needs a unit vector for cosine stores.
		out[0] = 1
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func (p *HashProvider) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dimension))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
