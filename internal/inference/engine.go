package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/sabi/internal/logger"
	"github.com/samcharles93/sabi/internal/model"
	"github.com/samcharles93/sabi/internal/tokenizer"
)

// EngineImpl serves one model. Generate calls share a single decoding
// session and are serialized; Forward calls are stateless and run
// concurrently.
type EngineImpl struct {
	name    string
	model   *model.Model
	tok     tokenizer.Tokenizer
	mu      sync.Mutex
	session *model.Session
}

// NewEngine wraps m under the given display name. tok may be nil.
func NewEngine(name string, m *model.Model, tok tokenizer.Tokenizer) *EngineImpl {
	return &EngineImpl{name: name, model: m, tok: tok, session: m.NewSession()}
}

func (e *EngineImpl) Model() *model.Model { return e.model }

// Tokenizer returns nil when the checkpoint ships no tokenizer.
func (e *EngineImpl) Tokenizer() tokenizer.Tokenizer { return e.tok }

func (e *EngineImpl) Info() Info {
	return Info{
		Name:        e.name,
		Config:      e.model.Config(),
		Params:      e.model.NumParams(false),
		ParamsNoEmb: e.model.NumParams(true),
		Tokenizer:   e.tok != nil,
	}
}

func (e *EngineImpl) Forward(ctx context.Context, req *ForwardRequest) (*model.ForwardResult, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.model.Forward(model.ForwardRequest{
		Tokens:    req.Tokens,
		StartPos:  req.StartPos,
		Targets:   req.Targets,
		Mask:      req.Mask,
		AllLogits: req.AllLogits,
	})
}

func (e *EngineImpl) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("engine %s is closed", e.name)
	}

	log := logger.FromContext(ctx).With("model", e.name)
	ctx = logger.WithContext(ctx, log)
	e.session.SetLogger(log)
	tokens, stats, err := Generate(ctx, e.model, e.session, req.Tokens, req.Config, stream)
	if err != nil {
		return nil, err
	}
	log.Debug("generation finished",
		"rows", len(tokens),
		"generated", stats.TokensGenerated,
		"steps", stats.Steps,
		"truncations", stats.Truncations,
		"duration", stats.Duration,
	)
	return &Result{Tokens: tokens, Stats: stats}, nil
}

// ClearCache zeroes the decoding session's caches.
func (e *EngineImpl) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Clear()
	}
}

// Close releases the decoding session's caches. It is idempotent.
func (e *EngineImpl) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Free()
		e.session = nil
	}
	return nil
}

var _ Engine = (*EngineImpl)(nil)
