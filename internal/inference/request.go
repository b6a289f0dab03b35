package inference

// DecodingOptions carries caller overrides. Nil fields keep the defaults.
type DecodingOptions struct {
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty"`
	DoSample          *bool    `json:"do_sample,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	RepetitionPenalty *float32 `json:"repetition_penalty,omitempty"`
	NumBeams          *int     `json:"num_beams,omitempty"`
	LengthPenalty     *float32 `json:"length_penalty,omitempty"`
	EarlyStopping     *bool    `json:"early_stopping,omitempty"`
	EOSTokenID        *int     `json:"eos_token_id,omitempty"`
	// NoEOS disables the end token even when the defaults set one.
	NoEOS *bool   `json:"no_eos,omitempty"`
	Seed  *uint64 `json:"seed,omitempty"`
}

// ResolveDecoding applies opts on top of defaults. The result is not
// validated.
func ResolveDecoding(opts DecodingOptions, defaults DecodingConfig) DecodingConfig {
	cfg := defaults
	if opts.MaxNewTokens != nil {
		cfg.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.DoSample != nil {
		cfg.DoSample = *opts.DoSample
	}
	if opts.Temperature != nil {
		cfg.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		cfg.TopK = opts.TopK
	}
	if opts.TopP != nil {
		cfg.TopP = opts.TopP
	}
	if opts.RepetitionPenalty != nil {
		cfg.RepetitionPenalty = *opts.RepetitionPenalty
	}
	if opts.NumBeams != nil {
		cfg.NumBeams = *opts.NumBeams
	}
	if opts.LengthPenalty != nil {
		cfg.LengthPenalty = *opts.LengthPenalty
	}
	if opts.EarlyStopping != nil {
		cfg.EarlyStopping = *opts.EarlyStopping
	}
	if opts.EOSTokenID != nil {
		cfg.EOSTokenID = opts.EOSTokenID
	}
	if opts.NoEOS != nil && *opts.NoEOS {
		cfg.EOSTokenID = nil
	}
	if opts.Seed != nil {
		cfg.Seed = *opts.Seed
	}
	return cfg
}
