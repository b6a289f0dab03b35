package inference

import (
	"errors"
	"fmt"
)

var ErrInvalidDecodingConfig = errors.New("invalid decoding configuration")

// InvalidDecodingConfigError reports a decoding option that is out of range
// or contradicts another option. It is returned before any forward pass.
type InvalidDecodingConfigError struct {
	Option string
	Reason string
}

func (e *InvalidDecodingConfigError) Error() string {
	return fmt.Sprintf("invalid decoding configuration: %s: %s", e.Option, e.Reason)
}

func (e *InvalidDecodingConfigError) Unwrap() error {
	return ErrInvalidDecodingConfig
}

func decodingErr(option, format string, args ...any) error {
	return &InvalidDecodingConfigError{Option: option, Reason: fmt.Sprintf(format, args...)}
}

// DecodingConfig selects between greedy or sampled decoding (NumBeams == 1)
// and beam search (NumBeams > 1). Nil optional fields are disabled.
type DecodingConfig struct {
	MaxNewTokens      int      `json:"max_new_tokens" yaml:"max_new_tokens"`
	DoSample          bool     `json:"do_sample" yaml:"do_sample"`
	Temperature       float32  `json:"temperature" yaml:"temperature"`
	TopK              *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	TopP              *float32 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	RepetitionPenalty float32  `json:"repetition_penalty" yaml:"repetition_penalty"`
	NumBeams          int      `json:"num_beams" yaml:"num_beams"`
	LengthPenalty     float32  `json:"length_penalty" yaml:"length_penalty"`
	EarlyStopping     bool     `json:"early_stopping" yaml:"early_stopping"`
	EOSTokenID        *int     `json:"eos_token_id,omitempty" yaml:"eos_token_id,omitempty"`
	Seed              uint64   `json:"seed" yaml:"seed"`
}

// DefaultEOSTokenID is the end-of-text id of the reference tokenizer.
const DefaultEOSTokenID = 1

// DefaultDecodingConfig returns sampled decoding at temperature 0.8 with
// end-of-text id 1.
func DefaultDecodingConfig() DecodingConfig {
	eos := DefaultEOSTokenID
	return DecodingConfig{
		MaxNewTokens:      50,
		DoSample:          true,
		Temperature:       0.8,
		RepetitionPenalty: 1,
		NumBeams:          1,
		LengthPenalty:     1,
		EOSTokenID:        &eos,
	}
}

// Validate checks every option against a vocabulary of vocabSize ids.
func (c DecodingConfig) Validate(vocabSize int) error {
	switch {
	case c.MaxNewTokens < 0:
		return decodingErr("max_new_tokens", "must be >= 0, got %d", c.MaxNewTokens)
	case c.Temperature < 0:
		return decodingErr("temperature", "must be >= 0, got %g", c.Temperature)
	case c.TopK != nil && *c.TopK < 1:
		return decodingErr("top_k", "must be >= 1 when set, got %d", *c.TopK)
	case c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1):
		return decodingErr("top_p", "must be in (0, 1] when set, got %g", *c.TopP)
	case c.RepetitionPenalty < 1:
		return decodingErr("repetition_penalty", "must be >= 1, got %g", c.RepetitionPenalty)
	case c.NumBeams < 1:
		return decodingErr("num_beams", "must be >= 1, got %d", c.NumBeams)
	case c.NumBeams > 1 && c.LengthPenalty <= 0:
		return decodingErr("length_penalty", "must be > 0 for beam search, got %g", c.LengthPenalty)
	case c.EOSTokenID != nil && (*c.EOSTokenID < 0 || *c.EOSTokenID >= vocabSize):
		return decodingErr("eos_token_id", "%d is outside the vocabulary of %d", *c.EOSTokenID, vocabSize)
	}
	return nil
}

func (c DecodingConfig) topK() int {
	if c.TopK == nil {
		return 0
	}
	return *c.TopK
}

func (c DecodingConfig) topP() float32 {
	if c.TopP == nil {
		return 1
	}
	return *c.TopP
}

func (c DecodingConfig) isEOS(id int) bool {
	return c.EOSTokenID != nil && *c.EOSTokenID == id
}
