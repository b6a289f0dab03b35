package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sabi/internal/inference"
	"github.com/samcharles93/sabi/internal/logger"
)

func runCmd() *cli.Command {
	var (
		prompts    []string
		stream     bool
		jsonOut    bool
		cpuProfile string
	)

	flags := append(commonModelFlags(), tokenFlags()...)
	flags = append(flags, decodingFlags()...)
	flags = append(flags,
		&cli.StringSliceFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "text prompt, repeatable for a batch; needs a checkpoint with tokenizer.json",
			Destination: &prompts,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "print each generated token as it is produced (single-row, non-beam runs)",
			Destination: &stream,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the result as JSON",
			Destination: &jsonOut,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write a CPU profile to this file",
			TakesFile:   true,
			Destination: &cpuProfile,
		},
	)

	return &cli.Command{
		Name:      "run",
		Usage:     "Generate continuations of token id sequences or text prompts",
		ArgsUsage: "[token ids]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)

			var (
				prompt [][]int
				err    error
			)
			if len(prompts) == 0 {
				if prompt, err = inputTokens(cmd); err != nil {
					return err
				}
			}
			cfg := inference.ResolveDecoding(decodingOptions(cmd, fileConfig), inference.DefaultDecodingConfig())

			loaded, err := loader().Load(modelDir)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			engine := loaded.Engine
			defer func() { _ = engine.Close() }()
			tok := engine.Tokenizer()
			if len(prompts) > 0 {
				if prompt, err = inference.EncodePrompts(tok, prompts); err != nil {
					return err
				}
			}

			info := engine.Info()
			log.Info("model loaded",
				"model", info.Name,
				"params", info.Params,
				"block_size", info.Config.BlockSize,
				"kv_cache_dtype", info.Config.CacheDType().String(),
			)
			log.Debug("decoding config",
				"max_new_tokens", cfg.MaxNewTokens,
				"do_sample", cfg.DoSample,
				"temperature", cfg.Temperature,
				"num_beams", cfg.NumBeams,
			)

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return fmt.Errorf("create cpu profile: %w", err)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return fmt.Errorf("start cpu profile: %w", err)
				}
				defer pprof.StopCPUProfile()
			}

			out := cmd.Root().Writer
			var streamFn inference.StreamFunc
			if stream && !jsonOut && len(prompt) == 1 && cfg.NumBeams == 1 {
				if len(prompts) > 0 {
					_, _ = fmt.Fprint(out, prompts[0])
					streamFn = func(_, token int) {
						// Ids the tokenizer cannot decode print as nothing.
						piece, _ := tok.Decode([]int{token})
						_, _ = fmt.Fprint(out, piece)
					}
				} else {
					_, _ = fmt.Fprint(out, formatRow(prompt[0]))
					streamFn = func(_, token int) {
						_, _ = fmt.Fprintf(out, " %d", token)
					}
				}
			}

			result, err := engine.Generate(ctx, &inference.Request{Tokens: prompt, Config: cfg}, streamFn)
			if err != nil {
				if streamFn != nil {
					_, _ = fmt.Fprintln(out)
				}
				return err
			}

			stats := result.Stats
			log.Info("generation finished",
				"generated", stats.TokensGenerated,
				"steps", stats.Steps,
				"truncations", stats.Truncations,
				"duration", stats.Duration,
				"tps", stats.TPS,
			)

			var texts []string
			if len(prompts) > 0 {
				if texts, err = inference.DecodeCompletions(tok, prompt, result.Tokens); err != nil {
					return err
				}
			}

			switch {
			case jsonOut:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				res := map[string]any{
					"model":  info.Name,
					"tokens": result.Tokens,
					"stats":  stats,
				}
				if texts != nil {
					res["text"] = texts
				}
				return enc.Encode(res)
			case streamFn != nil:
				_, _ = fmt.Fprintln(out)
			case texts != nil:
				for i, text := range texts {
					_, _ = fmt.Fprintln(out, prompts[i]+text)
				}
			default:
				for _, row := range result.Tokens {
					_, _ = fmt.Fprintln(out, formatRow(row))
				}
			}
			return nil
		},
	}
}
