// Package embedding provides vector embedding generation for semantic
// search. Supports two backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings produced by
	// the live model. Never configured; probed from the backend.
	Dimensions(ctx context.Context) (int, error)

	// Name returns the engine name.
	Name() string
}

// Role selects which of the two registry embedders to use.
type Role string

const (
	// RoleCode embeds source code units and code queries.
	RoleCode Role = "code"

	// RoleSemantic embeds natural-language text: memories, commits,
	// experiences, values, and all non-code queries.
	RoleSemantic Role = "semantic"
)

// newEngine creates an engine for a role from configuration.
func newEngine(cfg config.EmbeddingConfig, role Role) (Engine, error) {
	model := cfg.SemanticModel
	if role == RoleCode {
		model = cfg.CodeModel
	}

	log := logging.Get(logging.CategoryEmbedding)
	log.Info("creating embedding engine",
		zap.String("provider", cfg.Provider),
		zap.String("role", string(role)),
		zap.String("model", model))

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, model), nil
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, model)
	default:
		return nil, fmt.Errorf("%w: unsupported embedding provider %q (use 'ollama' or 'genai')",
			faults.ErrEmbeddingModel, cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}

	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// Normalize returns the unit-length copy of v. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	if mag == 0 {
		return v
	}
	mag = math.Sqrt(mag)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}
