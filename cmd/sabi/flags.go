package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sabi/internal/inference"
)

var (
	modelDir     string
	modelsPath   string
	toyPreset    string
	initSeed     int64
	kvCacheDType string
	logLevel     string
	logFormat    string
	debug        bool
	configFile   string
)

const (
	envSabiModelDir  = "SABI_MODEL_DIR"
	envSabiModelsDir = "SABI_MODELS_DIR"
	envSabiConfig    = "SABI_CONFIG"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/sabi/config.yaml)",
			Sources:     cli.EnvVars(envSabiConfig),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-dir",
			Aliases:     []string{"m"},
			Usage:       "checkpoint directory holding config.json and model.safetensors",
			Sources:     cli.EnvVars(envSabiModelDir),
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "toy",
			Usage:       "use a randomly initialised preset instead of a checkpoint (tiny, small, sabiyarn-125m)",
			Destination: &toyPreset,
		},
		&cli.Int64Flag{
			Name:        "init-seed",
			Usage:       "weight seed for --toy models",
			Destination: &initSeed,
		},
		&cli.StringFlag{
			Name:        "kv-cache-dtype",
			Usage:       "override the checkpoint's KV cache precision (float32, float16)",
			Destination: &kvCacheDType,
		},
	}
}

func tokenFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "tokens",
			Aliases: []string{"t"},
			Usage:   "token ids; ',' or spaces between ids, ';' between batch rows",
		},
		&cli.StringFlag{
			Name:      "tokens-file",
			Usage:     "JSON file holding a [][]int batch of token ids",
			TakesFile: true,
		},
	}
}

func decodingFlags() []cli.Flag {
	def := inference.DefaultDecodingConfig()
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "max-new-tokens",
			Aliases: []string{"n"},
			Usage:   "number of tokens to generate",
			Value:   def.MaxNewTokens,
		},
		&cli.BoolFlag{
			Name:  "do-sample",
			Usage: "sample from the filtered distribution instead of taking the argmax",
			Value: def.DoSample,
		},
		&cli.FloatFlag{
			Name:    "temperature",
			Aliases: []string{"temp"},
			Usage:   "sampling temperature (0 = greedy)",
			Value:   float64(def.Temperature),
		},
		&cli.IntFlag{
			Name:  "top-k",
			Usage: "keep only the k most likely tokens",
		},
		&cli.FloatFlag{
			Name:  "top-p",
			Usage: "nucleus sampling probability mass",
		},
		&cli.FloatFlag{
			Name:  "repetition-penalty",
			Usage: "penalty applied to recently seen tokens (1 = off)",
			Value: float64(def.RepetitionPenalty),
		},
		&cli.IntFlag{
			Name:  "num-beams",
			Usage: "beam width (1 = sampling or greedy)",
			Value: def.NumBeams,
		},
		&cli.FloatFlag{
			Name:  "length-penalty",
			Usage: "beam score length normalisation exponent",
			Value: float64(def.LengthPenalty),
		},
		&cli.BoolFlag{
			Name:  "early-stopping",
			Usage: "stop beam search once every beam ended",
		},
		&cli.IntFlag{
			Name:  "eos",
			Usage: "end-of-sequence token id",
			Value: inference.DefaultEOSTokenID,
		},
		&cli.BoolFlag{
			Name:  "no-eos",
			Usage: "never stop on an end-of-sequence token",
		},
		&cli.Uint64Flag{
			Name:  "seed",
			Usage: "sampler seed",
		},
	}
}

func loader() inference.Loader {
	return inference.Loader{
		Toy:          toyPreset,
		Seed:         initSeed,
		KVCacheDType: kvCacheDType,
	}
}
