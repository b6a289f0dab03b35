package main

import (
	"context"
	"fmt"
	"math"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sabi/internal/inference"
	"github.com/samcharles93/sabi/internal/logits"
	"github.com/samcharles93/sabi/internal/model"
)

type forwardPosition struct {
	Row      int                `json:"row"`
	Position int                `json:"position"`
	Top      []logits.Candidate `json:"top"`
}

type forwardOutput struct {
	Model     string            `json:"model"`
	Positions []forwardPosition `json:"positions"`
	Loss      *float64          `json:"loss,omitempty"`
}

func forwardCmd() *cli.Command {
	var (
		startPos  int
		targets   string
		mask      string
		allLogits bool
		top       int
	)

	flags := append(commonModelFlags(), tokenFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "start-pos",
			Usage:       "absolute position of the first token",
			Destination: &startPos,
		},
		&cli.StringFlag{
			Name:        "targets",
			Usage:       "target ids for a cross-entropy loss, same layout as --tokens (-100 ignores a position)",
			Destination: &targets,
		},
		&cli.StringFlag{
			Name:        "mask",
			Usage:       `attention mask replacing the causal one, as JSON [batch or 1][seq][seq] booleans, e.g. '[[[true,false],[true,true]]]'`,
			Destination: &mask,
		},
		&cli.BoolFlag{
			Name:        "all",
			Usage:       "report every position instead of the last one",
			Destination: &allLogits,
		},
		&cli.IntFlag{
			Name:        "top",
			Usage:       "number of highest-scoring tokens to print per position",
			Value:       5,
			Destination: &top,
		},
	)

	return &cli.Command{
		Name:      "forward",
		Usage:     "Run a single forward pass and print the top next-token logits",
		ArgsUsage: "[token ids]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			tokens, err := inputTokens(cmd)
			if err != nil {
				return err
			}
			req := &inference.ForwardRequest{Tokens: tokens, StartPos: startPos, AllLogits: allLogits}
			if targets != "" {
				if req.Targets, err = parseTokenRows(targets); err != nil {
					return fmt.Errorf("targets: %w", err)
				}
			}
			if mask != "" {
				var rows [][][]bool
				if err := json.Unmarshal([]byte(mask), &rows); err != nil {
					return fmt.Errorf("mask: %w", err)
				}
				if req.Mask, err = model.MaskFromRows(rows); err != nil {
					return fmt.Errorf("mask: %w", err)
				}
			}
			if top < 1 {
				return fmt.Errorf("--top must be >= 1")
			}

			loaded, err := loader().Load(modelDir)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			defer func() { _ = loaded.Engine.Close() }()

			res, err := loaded.Engine.Forward(ctx, req)
			if err != nil {
				return err
			}

			out := forwardOutput{Model: loaded.Name}
			for b, rows := range res.Logits {
				offset := len(tokens[b]) - len(rows)
				for t, row := range rows {
					out.Positions = append(out.Positions, forwardPosition{
						Row:      b,
						Position: startPos + offset + t,
						Top:      logits.TopCandidates(row, top),
					})
				}
			}
			if res.HasLoss && !math.IsNaN(res.Loss) {
				loss := res.Loss
				out.Loss = &loss
			}

			enc := json.NewEncoder(cmd.Root().Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
