package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sabi/internal/model"
	"github.com/samcharles93/sabi/internal/safetensors"
)

type tensorSummary struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

type checkpointSummary struct {
	Dir         string            `json:"dir"`
	Config      model.Config      `json:"config"`
	Params      int               `json:"params"`
	ParamsNoEmb int               `json:"params_non_embedding"`
	HeadStored  bool              `json:"lm_head_stored"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Tensors     []tensorSummary   `json:"tensors,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		showTensors bool
		jsonOut     bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a checkpoint's config and tensors without loading the weights",
		ArgsUsage: "[checkpoint dir]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model-dir",
				Aliases:     []string{"m"},
				Usage:       "checkpoint directory",
				Sources:     cli.EnvVars(envSabiModelDir),
				Destination: &modelDir,
			},
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every tensor",
				Destination: &showTensors,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the summary as JSON",
				Destination: &jsonOut,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := modelDir
			if cmd.Args().Len() > 0 {
				dir = cmd.Args().First()
			}
			if dir == "" {
				dir = fileConfig.ModelDir
			}
			if dir == "" {
				return errors.New("checkpoint directory is required")
			}

			summary, err := summarizeCheckpoint(dir, showTensors || jsonOut)
			if err != nil {
				return err
			}

			out := cmd.Root().Writer
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}

			cfg := summary.Config
			_, _ = fmt.Fprintf(out, "checkpoint: %s\n", summary.Dir)
			_, _ = fmt.Fprintf(out, "layers=%d heads=%d embd=%d head_dim=%d vocab=%d block=%d\n",
				cfg.NumLayers, cfg.NumHeads, cfg.EmbedDim, cfg.HeadDim(), cfg.VocabSize, cfg.BlockSize)
			_, _ = fmt.Fprintf(out, "bias=%t dropout=%g max_batch=%d kv_cache=%t kv_cache_dtype=%s\n",
				cfg.Bias, cfg.Dropout, cfg.MaxBatchSize, cfg.UseKVCache, cfg.CacheDType())
			_, _ = fmt.Fprintf(out, "params=%d non_embedding=%d lm_head_stored=%t\n",
				summary.Params, summary.ParamsNoEmb, summary.HeadStored)
			for _, k := range slices.Sorted(maps.Keys(summary.Metadata)) {
				_, _ = fmt.Fprintf(out, "meta %s=%s\n", k, summary.Metadata[k])
			}
			for _, t := range summary.Tensors {
				_, _ = fmt.Fprintf(out, "%-40s %-5s %v\n", t.Name, t.DType, t.Shape)
			}
			return nil
		},
	}
}

// summarizeCheckpoint reads the config and the safetensors header of dir.
// Parameter counts come from tensor shapes; a separate lm_head counts once
// since it must equal the token embedding.
func summarizeCheckpoint(dir string, withTensors bool) (*checkpointSummary, error) {
	cfg, err := model.ReadConfig(filepath.Join(dir, model.ConfigFile))
	if err != nil {
		return nil, err
	}
	f, err := safetensors.Open(filepath.Join(dir, model.WeightsFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	s := &checkpointSummary{Dir: dir, Config: cfg, Metadata: f.Metadata}
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		n := 1
		for _, d := range info.Shape {
			n *= d
		}
		switch {
		case name == "lm_head.weight":
			s.HeadStored = true
		case strings.HasSuffix(name, "wpe.weight"):
			s.Params += n
		default:
			s.Params += n
			s.ParamsNoEmb += n
		}
		if withTensors {
			s.Tensors = append(s.Tensors, tensorSummary{Name: name, DType: info.DType, Shape: info.Shape})
		}
	}
	return s, nil
}
