// Package embed turns text into vectors for the vector index.
//
// The default "hash" model is deterministic and needs no network access.
// Remote models are reached through chromem-go's embedding functions.
package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// Embedder produces fixed-size embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// DefaultDimensions matches all-MiniLM-L6-v2 so that stores built with the
// hash model keep the same shape as a real sentence-transformer index.
const DefaultDimensions = 384

// New resolves a model identifier:
//
//	hash              deterministic token hashing (default)
//	ollama:<model>    local Ollama server (OLLAMA_HOST or default URL)
//	openai:<model>    OpenAI embeddings (OPENAI_API_KEY)
func New(model string, dims int) (Embedder, error) {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	kind, name, _ := strings.Cut(model, ":")
	switch kind {
	case "", "hash":
		return NewHash(dims), nil
	case "ollama":
		if name == "" {
			return nil, fmt.Errorf("embed: ollama model name required (ollama:<model>)")
		}
		base := os.Getenv("OLLAMA_HOST")
		if base != "" && !strings.HasSuffix(base, "/api") {
			base = strings.TrimSuffix(base, "/") + "/api"
		}
		return &Func{fn: chromem.NewEmbeddingFuncOllama(name, base), dims: dims, model: model}, nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("embed: OPENAI_API_KEY is not set")
		}
		if name == "" {
			name = string(chromem.EmbeddingModelOpenAI3Small)
		}
		return &Func{fn: chromem.NewEmbeddingFuncOpenAI(key, chromem.EmbeddingModelOpenAI(name)), dims: dims, model: model}, nil
	default:
		return nil, fmt.Errorf("embed: unknown model %q", model)
	}
}

// ─── Hash embedder ──────────────────────────────────────────────────────────

// Hash embeds text by hashing lowercase word tokens into buckets, with a
// smaller contribution from character trigrams. Texts sharing words land
// close together under cosine similarity.
type Hash struct {
	dims int
}

// NewHash creates a hash embedder with the given dimensionality.
func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Hash{dims: dims}
}

// Dimensions returns the embedding size.
func (h *Hash) Dimensions() int { return h.dims }

// Model returns the model identifier.
func (h *Hash) Model() string { return "hash" }

// Embed never fails for non-cancelled contexts.
func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		idx, sign := h.bucket(w)
		vec[idx] += sign
		if len(w) < 3 {
			continue
		}
		for i := 0; i+3 <= len(w); i++ {
			idx, sign := h.bucket("#" + w[i:i+3])
			vec[idx] += 0.25 * sign
		}
	}
	if len(words) == 0 {
		// Keep empty text addressable by cosine similarity.
		vec[0] = 1
	}
	return Normalize(vec), nil
}

func (h *Hash) bucket(token string) (int, float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(token))
	sum := f.Sum64()
	sign := float32(1)
	if sum>>63 == 1 {
		sign = -1
	}
	return int(sum % uint64(h.dims)), sign
}

// ─── Remote embedders ───────────────────────────────────────────────────────

// Func adapts a chromem embedding function.
type Func struct {
	fn    chromem.EmbeddingFunc
	dims  int
	model string
}

// Embed calls the remote model and checks the returned dimensionality.
func (f *Func) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := f.fn(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %s: %w", f.model, err)
	}
	if len(vec) != f.dims {
		return nil, fmt.Errorf("embed: %s returned %d dimensions, configured %d", f.model, len(vec), f.dims)
	}
	return vec, nil
}

// Dimensions returns the configured embedding size.
func (f *Func) Dimensions() int { return f.dims }

// Model returns the model identifier.
func (f *Func) Model() string { return f.model }

// ─── Vector helpers ─────────────────────────────────────────────────────────

// Normalize scales vec to unit length in place and returns it.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
