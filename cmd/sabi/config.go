package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/sabi/internal/inference"
)

// Config represents the sabi configuration file (~/.config/sabi/config.yaml).
// All fields are pointers or strings so we can distinguish "not set" from zero values.
type Config struct {
	ModelDir     string `yaml:"model_dir"`
	ModelsDir    string `yaml:"models_dir"`
	Toy          string `yaml:"toy"`
	KVCacheDType string `yaml:"kv_cache_dtype"`

	// Decoding defaults
	MaxNewTokens      *int     `yaml:"max_new_tokens"`
	DoSample          *bool    `yaml:"do_sample"`
	Temperature       *float64 `yaml:"temperature"`
	TopK              *int     `yaml:"top_k"`
	TopP              *float64 `yaml:"top_p"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty"`
	NumBeams          *int     `yaml:"num_beams"`
	LengthPenalty     *float64 `yaml:"length_penalty"`
	EarlyStopping     *bool    `yaml:"early_stopping"`
	EOSTokenID        *int     `yaml:"eos_token_id"`
	NoEOS             *bool    `yaml:"no_eos"`
	Seed              *uint64  `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sabi", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the global logging
// flags when they were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the model selection
// flags.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelDir != "" && !c.IsSet("model-dir") {
		modelDir = cfg.ModelDir
	}
	if cfg.Toy != "" && !c.IsSet("toy") && !c.IsSet("model-dir") {
		toyPreset = cfg.Toy
	}
	if cfg.KVCacheDType != "" && !c.IsSet("kv-cache-dtype") {
		kvCacheDType = cfg.KVCacheDType
	}
}

// decodingOptions layers explicitly set flags over the config file.
// Anything left nil falls back to inference.DefaultDecodingConfig.
func decodingOptions(c *cli.Command, cfg Config) inference.DecodingOptions {
	opts := inference.DecodingOptions{
		MaxNewTokens:      cfg.MaxNewTokens,
		DoSample:          cfg.DoSample,
		Temperature:       toFloat32(cfg.Temperature),
		TopK:              cfg.TopK,
		TopP:              toFloat32(cfg.TopP),
		RepetitionPenalty: toFloat32(cfg.RepetitionPenalty),
		NumBeams:          cfg.NumBeams,
		LengthPenalty:     toFloat32(cfg.LengthPenalty),
		EarlyStopping:     cfg.EarlyStopping,
		EOSTokenID:        cfg.EOSTokenID,
		NoEOS:             cfg.NoEOS,
		Seed:              cfg.Seed,
	}
	if c.IsSet("max-new-tokens") {
		opts.MaxNewTokens = ptr(c.Int("max-new-tokens"))
	}
	if c.IsSet("do-sample") {
		opts.DoSample = ptr(c.Bool("do-sample"))
	}
	if c.IsSet("temperature") {
		opts.Temperature = ptr(float32(c.Float64("temperature")))
	}
	if c.IsSet("top-k") {
		opts.TopK = ptr(c.Int("top-k"))
	}
	if c.IsSet("top-p") {
		opts.TopP = ptr(float32(c.Float64("top-p")))
	}
	if c.IsSet("repetition-penalty") {
		opts.RepetitionPenalty = ptr(float32(c.Float64("repetition-penalty")))
	}
	if c.IsSet("num-beams") {
		opts.NumBeams = ptr(c.Int("num-beams"))
	}
	if c.IsSet("length-penalty") {
		opts.LengthPenalty = ptr(float32(c.Float64("length-penalty")))
	}
	if c.IsSet("early-stopping") {
		opts.EarlyStopping = ptr(c.Bool("early-stopping"))
	}
	if c.IsSet("eos") {
		opts.EOSTokenID = ptr(c.Int("eos"))
		opts.NoEOS = nil
	}
	if c.IsSet("no-eos") {
		opts.NoEOS = ptr(c.Bool("no-eos"))
	}
	if c.IsSet("seed") {
		opts.Seed = ptr(c.Uint64("seed"))
	}
	return opts
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	return ptr(float32(*v))
}

func ptr[T any](v T) *T {
	return &v
}
