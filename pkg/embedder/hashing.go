package embedder

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/soundprediction/credence/pkg/utils"
)

// HashingEmbedder maps character trigrams into a fixed number of buckets and
// normalizes the result. Similar strings get similar vectors, so it can
// stand in for a model when none is configured.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder returns an embedder producing dims-wide vectors.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashingEmbedder{dims: dims}
}

func (h *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := h.EmbedSingle(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashingEmbedder) EmbedSingle(_ context.Context, text string) ([]float32, error) {
	norm := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	norm = " " + strings.Join(strings.Fields(norm), " ") + " "
	if strings.TrimSpace(norm) == "" {
		return nil, ErrEmptyText
	}

	v := make([]float32, h.dims)
	runes := []rune(norm)
	for i := 0; i+3 <= len(runes); i++ {
		f := fnv.New32a()
		_, _ = f.Write([]byte(string(runes[i : i+3])))
		v[int(f.Sum32()%uint32(h.dims))]++
	}
	return utils.Normalize(v), nil
}

func (h *HashingEmbedder) Dimensions() int { return h.dims }

func (h *HashingEmbedder) Close() error { return nil }
