package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/sabi/internal/inference"
	"github.com/samcharles93/sabi/internal/logger"
	"github.com/samcharles93/sabi/internal/model"
)

type Server struct {
	provider EngineProvider
	defaults inference.DecodingConfig
	log      logger.Logger
	clock    func() time.Time
}

// NewServer serves the engines of provider. defaults fill every decoding
// option a generate request leaves unset.
func NewServer(provider EngineProvider, defaults inference.DecodingConfig, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		provider: provider,
		defaults: defaults,
		log:      log,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/models/:id", s.handleGetModel)
	e.POST("/v1/forward", s.handleForward)
	e.POST("/v1/generate", s.handleGenerate)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "", "")
	}
	ids, err := s.provider.ListModels()
	if err != nil {
		return writeEngineError(c, err)
	}
	resp := ModelsResponse{Object: "list", Data: make([]ModelEntry, 0, len(ids))}
	for _, id := range ids {
		resp.Data = append(resp.Data, ModelEntry{ID: id, Object: "model", OwnedBy: "sabi"})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetModel(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "", "")
	}
	var info inference.Info
	err := s.provider.WithEngine(c.Request().Context(), c.Param("id"), func(engine inference.Engine) error {
		info = engine.Info()
		return nil
	})
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleForward(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "", "")
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Tokens) == 0 {
		return writeBadRequest(c, "tokens is required")
	}
	var mask *model.AttentionMask
	if req.Mask != nil {
		if mask, err = model.MaskFromRows(req.Mask); err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "mask", "")
		}
	}

	id := newForwardID()
	ctx := s.requestContext(c, id)
	var resp ForwardResponse
	err = s.provider.WithEngine(ctx, req.Model, func(engine inference.Engine) error {
		res, err := engine.Forward(ctx, &inference.ForwardRequest{
			Tokens:    req.Tokens,
			StartPos:  req.StartPos,
			Targets:   req.Targets,
			Mask:      mask,
			AllLogits: req.AllLogits,
		})
		if err != nil {
			return err
		}
		resp = ForwardResponse{
			ID:     id,
			Object: "forward",
			Model:  engine.Info().Name,
			Logits: res.Logits,
		}
		if res.HasLoss && !math.IsNaN(res.Loss) {
			loss := res.Loss
			resp.Loss = &loss
		}
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Warn("forward failed", "error", err)
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "", "")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	switch {
	case len(req.Tokens) == 0 && len(req.Prompt) == 0:
		return writeBadRequest(c, "tokens or prompt is required")
	case len(req.Tokens) > 0 && len(req.Prompt) > 0:
		return writeBadRequest(c, "tokens and prompt are mutually exclusive")
	}
	cfg := inference.ResolveDecoding(req.DecodingOptions, s.defaults)

	var writer *SSEStreamWriter
	if req.Stream {
		w, err := NewSSEStreamWriter(c)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		writer = w
	}

	id := newGenerationID()
	ctx := s.requestContext(c, id)
	var resp GenerateResponse
	err = s.provider.WithEngine(ctx, req.Model, func(engine inference.Engine) error {
		var stream inference.StreamFunc
		if writer != nil {
			stream = writer.EmitToken
		}
		tokens := req.Tokens
		if len(req.Prompt) > 0 {
			encoded, err := inference.EncodePrompts(engine.Tokenizer(), req.Prompt)
			if err != nil {
				if errors.Is(err, inference.ErrNoTokenizer) {
					return err
				}
				return newInvalidRequest(err.Error())
			}
			tokens = encoded
		}
		result, err := engine.Generate(ctx, &inference.Request{Tokens: tokens, Config: cfg}, stream)
		if err != nil {
			return err
		}
		resp = GenerateResponse{
			ID:        id,
			Object:    "generation",
			CreatedAt: s.clock().Unix(),
			Model:     engine.Info().Name,
			Tokens:    result.Tokens,
			Usage: GenerateUsage{
				PromptTokens:    promptTokens(tokens),
				GeneratedTokens: result.Stats.TokensGenerated,
				Steps:           result.Stats.Steps,
				Truncations:     result.Stats.Truncations,
				DurationMS:      result.Stats.Duration.Milliseconds(),
				TokensPerSecond: result.Stats.TPS,
			},
		}
		if len(req.Prompt) > 0 {
			resp.Text, err = inference.DecodeCompletions(engine.Tokenizer(), tokens, result.Tokens)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Warn("generate failed", "error", err)
		if writer != nil && writer.Started() {
			return writer.Failed(err)
		}
		return writeEngineError(c, err)
	}

	if writer != nil {
		return writer.Complete(resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// requestContext carries a logger tagged with the request id.
func (s *Server) requestContext(c *echo.Context, id string) context.Context {
	return logger.WithContext(c.Request().Context(), s.log.With("request_id", id))
}

func promptTokens(rows [][]int) int {
	n := 0
	for _, row := range rows {
		n += len(row)
	}
	return n
}
