package inference

import (
	"context"
	"time"

	"github.com/samcharles93/sabi/internal/model"
	"github.com/samcharles93/sabi/internal/tokenizer"
)

// Forwarder is the part of a model the decoding loops drive.
type Forwarder interface {
	Forward(req model.ForwardRequest) (*model.ForwardResult, error)
	Config() model.Config
}

// StreamFunc receives every token appended to a sequence, in order.
type StreamFunc func(row, token int)

type Engine interface {
	Forward(ctx context.Context, req *ForwardRequest) (*model.ForwardResult, error)
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	Info() Info
	// Tokenizer is nil for engines that only accept token ids.
	Tokenizer() tokenizer.Tokenizer
	Close() error
}

// ForwardRequest is a stateless forward pass over full sequences.
type ForwardRequest struct {
	Tokens    [][]int
	StartPos  int
	Targets   [][]int
	Mask      *model.AttentionMask
	AllLogits bool
}

type Request struct {
	Tokens [][]int
	Config DecodingConfig
}

type Result struct {
	// Tokens holds each prompt followed by its generated tokens. Beam
	// search rows may differ in length.
	Tokens [][]int
	Stats  Stats
}

type Stats struct {
	TokensGenerated int
	Steps           int
	Truncations     int
	Duration        time.Duration
	TPS             float64
}

func (s *Stats) finish(start time.Time) {
	s.Duration = time.Since(start)
	if s.Duration.Seconds() > 0 {
		s.TPS = float64(s.TokensGenerated) / s.Duration.Seconds()
	}
}

// Info describes a loaded model.
type Info struct {
	Name        string       `json:"name"`
	Config      model.Config `json:"config"`
	Params      int          `json:"params"`
	ParamsNoEmb int          `json:"params_non_embedding"`
	Tokenizer   bool         `json:"tokenizer"`
}
