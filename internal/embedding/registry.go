package embedding

import (
	"sync"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/logging"
)

// Registry holds the two embedding roles with lazy loading. An engine
// is constructed on first access and cached for the process lifetime;
// a bare ping touches neither.
type Registry struct {
	cfg config.EmbeddingConfig

	mu       sync.Mutex
	code     Engine
	semantic Engine
}

// NewRegistry creates a registry from settings. No model loads here.
func NewRegistry(cfg config.EmbeddingConfig) *Registry {
	return &Registry{cfg: cfg}
}

// Code returns the code embedder, loading it on first access.
func (r *Registry) Code() (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code != nil {
		return r.code, nil
	}
	engine, err := newEngine(r.cfg, RoleCode)
	if err != nil {
		return nil, err
	}
	r.code = engine
	logging.Get(logging.CategoryEmbedding).Info("code embedder loaded",
		zap.String("engine", engine.Name()))
	return engine, nil
}

// Semantic returns the semantic embedder, loading it on first access.
func (r *Registry) Semantic() (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.semantic != nil {
		return r.semantic, nil
	}
	engine, err := newEngine(r.cfg, RoleSemantic)
	if err != nil {
		return nil, err
	}
	r.semantic = engine
	logging.Get(logging.CategoryEmbedding).Info("semantic embedder loaded",
		zap.String("engine", engine.Name()))
	return engine, nil
}

// SetCode installs a code embedder directly. Tests use this.
func (r *Registry) SetCode(engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = engine
}

// SetSemantic installs a semantic embedder directly. Tests use this.
func (r *Registry) SetSemantic(engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.semantic = engine
}
