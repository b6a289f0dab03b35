package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/sabi/internal/inference"
	"github.com/samcharles93/sabi/internal/model"
)

type EngineProvider interface {
	WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine) error) error
	ListModels() ([]string, error)
}

type EngineProviderConfig struct {
	// DefaultModelDir is used when a request names no model.
	DefaultModelDir string
	// ModelsPath holds one checkpoint directory per model.
	ModelsPath string
	// Loader.Toy, when set, makes the provider serve that preset only.
	Loader inference.Loader
}

// CachedEngineProvider loads each model once and keeps its engine until
// Close.
type CachedEngineProvider struct {
	cfg   EngineProviderConfig
	mu    sync.Mutex
	cache map[string]inference.Engine
}

const envSabiModelsDir = "SABI_MODELS_DIR"

func NewCachedEngineProvider(cfg EngineProviderConfig) *CachedEngineProvider {
	return &CachedEngineProvider{
		cfg:   cfg,
		cache: make(map[string]inference.Engine),
	}
}

func (p *CachedEngineProvider) WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine) error) error {
	key, err := p.resolve(modelID)
	if err != nil {
		return err
	}
	engine, err := p.getOrLoad(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(engine)
}

// ListModels returns the ids a request may name.
func (p *CachedEngineProvider) ListModels() ([]string, error) {
	if p.cfg.Loader.Toy != "" {
		return []string{toyID(p.cfg.Loader.Toy)}, nil
	}
	seen := map[string]bool{}
	var ids []string
	if p.cfg.DefaultModelDir != "" {
		id := filepath.Base(filepath.Clean(p.cfg.DefaultModelDir))
		seen[id] = true
		ids = append(ids, id)
	}
	if dir := p.modelsDir(); dir != "" {
		dirs, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, d := range dirs {
			id := filepath.Base(d)
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases every loaded engine.
func (p *CachedEngineProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, engine := range p.cache {
		errs = append(errs, engine.Close())
		delete(p.cache, key)
	}
	return errors.Join(errs...)
}

func (p *CachedEngineProvider) getOrLoad(key string) (inference.Engine, error) {
	p.mu.Lock()
	engine, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return engine, nil
	}

	loader := p.cfg.Loader
	path := key
	if loader.Toy != "" {
		path = ""
	}
	result, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[key]; ok {
		_ = result.Engine.Close()
		return existing, nil
	}
	p.cache[key] = result.Engine
	return result.Engine, nil
}

// resolve turns a request's model id into a cache key: the toy id or a
// checkpoint directory.
func (p *CachedEngineProvider) resolve(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if toy := p.cfg.Loader.Toy; toy != "" {
		if modelID == "" || modelID == toyID(toy) || modelID == toy {
			return toyID(toy), nil
		}
		return "", fmt.Errorf("%w: %q (serving %s)", ErrModelNotFound, modelID, toyID(toy))
	}

	if modelID != "" {
		if p.cfg.DefaultModelDir != "" && modelID == filepath.Base(filepath.Clean(p.cfg.DefaultModelDir)) {
			return filepath.Clean(p.cfg.DefaultModelDir), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: %q (no models path configured)", ErrModelNotFound, modelID)
		}
		if strings.ContainsRune(modelID, filepath.Separator) || modelID == ".." {
			return "", newInvalidRequest(fmt.Sprintf("invalid model id %q", modelID))
		}
		cand := filepath.Join(modelsDir, modelID)
		if model.IsCheckpointDir(cand) {
			return cand, nil
		}
		return "", fmt.Errorf("%w: %q in %s", ErrModelNotFound, modelID, modelsDir)
	}

	if p.cfg.DefaultModelDir != "" {
		return filepath.Clean(p.cfg.DefaultModelDir), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", newInvalidRequest("model is required")
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("%w: no checkpoints in %s", ErrModelNotFound, modelsDir)
	case 1:
		return models[0], nil
	default:
		return "", newInvalidRequest(fmt.Sprintf("multiple models found in %s; specify model", modelsDir))
	}
}

func (p *CachedEngineProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(envSabiModelsDir))
}

func toyID(name string) string {
	return "toy:" + name
}

// discoverModels lists the checkpoint directories directly under dir.
func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if model.IsCheckpointDir(path) {
			models = append(models, path)
		}
	}
	sort.Strings(models)
	return models, nil
}
