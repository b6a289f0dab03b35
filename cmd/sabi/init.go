package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sabi/internal/logger"
	"github.com/samcharles93/sabi/internal/model"
	"github.com/samcharles93/sabi/internal/toy"
)

func initCmd() *cli.Command {
	var (
		out       string
		preset    string
		seed      int64
		blockSize int
		vocab     int
		layers    int
		heads     int
		embd      int
		bias      bool
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a randomly initialised checkpoint (GPT-2 style init)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output checkpoint directory",
				Required:    true,
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "preset",
				Usage:       "start from a toy preset (tiny, small, sabiyarn-125m)",
				Value:       "tiny",
				Destination: &preset,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "weight seed",
				Destination: &seed,
			},
			&cli.IntFlag{Name: "block-size", Usage: "override block_size", Destination: &blockSize},
			&cli.IntFlag{Name: "vocab-size", Usage: "override vocab_size", Destination: &vocab},
			&cli.IntFlag{Name: "n-layer", Usage: "override n_layer", Destination: &layers},
			&cli.IntFlag{Name: "n-heads", Usage: "override n_heads", Destination: &heads},
			&cli.IntFlag{Name: "n-embd", Usage: "override n_embd", Destination: &embd},
			&cli.BoolFlag{Name: "bias", Usage: "give linear layers and norms a bias", Destination: &bias},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if out == "" {
				return errors.New("--out is required")
			}
			cfg, err := toy.Config(preset)
			if err != nil {
				return err
			}
			for _, o := range []struct {
				flag string
				dst  *int
				val  int
			}{
				{"block-size", &cfg.BlockSize, blockSize},
				{"vocab-size", &cfg.VocabSize, vocab},
				{"n-layer", &cfg.NumLayers, layers},
				{"n-heads", &cfg.NumHeads, heads},
				{"n-embd", &cfg.EmbedDim, embd},
			} {
				if cmd.IsSet(o.flag) {
					*o.dst = o.val
				}
			}
			if cmd.IsSet("bias") {
				cfg.Bias = bias
			}

			m, err := model.NewRandom(cfg, seed)
			if err != nil {
				return err
			}
			if err := model.SaveCheckpoint(out, m); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			logger.FromContext(ctx).Info("checkpoint written",
				"dir", out,
				"params", m.NumParams(false),
				"config", cfg.String(),
			)
			return nil
		},
	}
}
