package inference

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/sabi/internal/logger"
	"github.com/samcharles93/sabi/internal/logits"
	"github.com/samcharles93/sabi/internal/model"
)

// Generator drives incremental decoding for one session. The session's
// caches are cleared at the start of every run.
type Generator struct {
	Model   Forwarder
	Session *model.Session
}

// Run decodes up to cfg.MaxNewTokens tokens after each prompt row. The first
// step feeds the prompt at position zero; later steps feed only the newest
// token. Without a session, or with caching disabled, every step feeds the
// whole window instead. When a sequence outgrows the block size the most recent block_size
// tokens are re-fed from position zero on a cleared cache. Rows that have
// produced the end token are padded with it, and the run stops early once
// every row has finished.
func (g *Generator) Run(ctx context.Context, prompt [][]int, cfg DecodingConfig, stream StreamFunc) ([][]int, Stats, error) {
	var stats Stats
	start := time.Now()
	mcfg := g.Model.Config()
	if err := cfg.Validate(mcfg.VocabSize); err != nil {
		return nil, stats, err
	}
	batch, _, err := model.CheckTokens(prompt, mcfg.VocabSize)
	if err != nil {
		return nil, stats, err
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	rows := make([][]int, batch)
	for b := range prompt {
		rows[b] = slices.Grow(slices.Clone(prompt[b]), cfg.MaxNewTokens)
	}

	log := logger.FromContext(ctx)
	if g.Session != nil {
		g.Session.Clear()
		log = log.With("session", g.Session.ID())
	}

	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:              cfg.Seed,
		DoSample:          cfg.DoSample,
		Temperature:       cfg.Temperature,
		TopK:              cfg.topK(),
		TopP:              cfg.topP(),
		RepetitionPenalty: cfg.RepetitionPenalty,
	})
	finished := make([]bool, batch)
	block := mcfg.BlockSize
	windowStart := 0
	// Without caches every step re-feeds the whole window.
	incremental := g.Session != nil && mcfg.UseKVCache

	for step := range cfg.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return rows, stats, err
		}
		length := len(rows[0])
		var input [][]int
		var startPos int
		truncated := step > 0 && length-windowStart > block
		if step == 0 || truncated || !incremental {
			if truncated {
				stats.Truncations++
			}
			windowStart = max(length-block, 0)
			if incremental {
				g.Session.Clear()
			}
			input = make([][]int, batch)
			for b := range rows {
				input[b] = rows[b][windowStart:]
			}
		} else {
			startPos = length - 1 - windowStart
			input = make([][]int, batch)
			for b := range rows {
				input[b] = rows[b][length-1:]
			}
		}

		log.Debug("decode step", "step", step, "start_pos", startPos, "tokens", len(input[0]), "truncated", truncated)
		res, err := g.Model.Forward(model.ForwardRequest{Tokens: input, StartPos: startPos, Session: g.Session})
		if err != nil {
			return rows, stats, fmt.Errorf("decode step %d: %w", step, err)
		}

		done := 0
		for b := range rows {
			var next int
			if finished[b] {
				next = *cfg.EOSTokenID
			} else {
				next = sampler.Next(res.Last(b), rows[b])
			}
			rows[b] = append(rows[b], next)
			if cfg.isEOS(next) {
				finished[b] = true
			}
			if finished[b] {
				done++
			}
			if stream != nil {
				stream(b, next)
			}
		}
		stats.Steps++
		stats.TokensGenerated += batch
		if done == batch {
			log.Debug("all rows finished", "step", step, "finished", done)
			break
		}
	}

	stats.finish(start)
	return rows, stats, nil
}

// Generate dispatches to beam search when cfg.NumBeams > 1 and to
// incremental decoding otherwise.
func Generate(ctx context.Context, m Forwarder, sess *model.Session, prompt [][]int, cfg DecodingConfig, stream StreamFunc) ([][]int, Stats, error) {
	if cfg.NumBeams > 1 {
		return BeamSearch(ctx, m, prompt, cfg)
	}
	g := &Generator{Model: m, Session: sess}
	return g.Run(ctx, prompt, cfg, stream)
}
