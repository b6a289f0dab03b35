package inference

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/samcharles93/sabi/internal/logger"
	"github.com/samcharles93/sabi/internal/logits"
	"github.com/samcharles93/sabi/internal/model"
	"gonum.org/v1/gonum/floats"
)

// hypothesis is one beam: a token sequence and its cumulative score.
type hypothesis struct {
	tokens []int
	score  float64
	order  int // insertion order, breaks score ties
}

// bestFirst puts the highest score at the head of the queue.
func bestFirst(a, b *hypothesis) int {
	if c := cmp.Compare(b.score, a.score); c != 0 {
		return c
	}
	return cmp.Compare(a.order, b.order)
}

// BeamSearch runs one independent beam search per prompt row and returns
// the best hypothesis of each. Every expansion is a full forward pass over
// the hypothesis, cropped to the block size, without caches. Sampling
// options other than temperature, repetition penalty and top-k are ignored.
func BeamSearch(ctx context.Context, m Forwarder, prompt [][]int, cfg DecodingConfig) ([][]int, Stats, error) {
	var stats Stats
	start := time.Now()
	mcfg := m.Config()
	if err := cfg.Validate(mcfg.VocabSize); err != nil {
		return nil, stats, err
	}
	if _, _, err := model.CheckTokens(prompt, mcfg.VocabSize); err != nil {
		return nil, stats, err
	}

	out := make([][]int, len(prompt))
	for b, row := range prompt {
		best, err := beamSearchRow(ctx, m, row, cfg, &stats)
		if err != nil {
			return nil, stats, fmt.Errorf("beam search row %d: %w", b, err)
		}
		out[b] = best
		stats.TokensGenerated += len(best) - len(row)
	}
	stats.finish(start)
	return out, stats, nil
}

func beamSearchRow(ctx context.Context, m Forwarder, prompt []int, cfg DecodingConfig, stats *Stats) ([]int, error) {
	log := logger.FromContext(ctx)
	mcfg := m.Config()
	width := min(2*cfg.NumBeams, mcfg.VocabSize)
	if k := cfg.topK(); k > 0 {
		width = min(width, k)
	}

	var penalty logits.Penalizer
	beams := []*hypothesis{{tokens: slices.Clone(prompt)}}
	scores := make([]float64, width)

	for step := range cfg.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lengthNorm := math.Pow(float64(cfg.LengthPenalty), float64(step+1))
		queue := pq.NewWith(bestFirst)
		order := 0
		push := func(h *hypothesis) {
			h.order = order
			order++
			queue.Enqueue(h)
		}

		for _, h := range beams {
			if cfg.isEOS(h.tokens[len(h.tokens)-1]) {
				push(h)
				continue
			}
			window := h.tokens[max(len(h.tokens)-mcfg.BlockSize, 0):]
			res, err := m.Forward(model.ForwardRequest{Tokens: [][]int{window}})
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", step, err)
			}
			next := res.Last(0)
			logits.ApplyTemperature(next, cfg.Temperature)
			penalty.Apply(next, h.tokens, cfg.RepetitionPenalty)

			top := logits.TopCandidates(next, width)
			for i, c := range top {
				scores[i] = float64(c.Logit)
			}
			lse := floats.LogSumExp(scores[:len(top)])
			for i, c := range top {
				tokens := append(slices.Clip(h.tokens), c.ID)
				push(&hypothesis{tokens: tokens, score: h.score + (scores[i]-lse)/lengthNorm})
			}
		}

		beams = beams[:0:0]
		for range cfg.NumBeams {
			h, ok := queue.Dequeue()
			if !ok {
				break
			}
			beams = append(beams, h)
		}
		stats.Steps++

		terminal := 0
		for _, h := range beams {
			if cfg.isEOS(h.tokens[len(h.tokens)-1]) {
				terminal++
			}
		}
		log.Debug("beam step", "step", step, "beams", len(beams), "finished", terminal, "best_score", beams[0].score)
		if cfg.EarlyStopping && cfg.EOSTokenID != nil && terminal == len(beams) {
			break
		}
	}
	return beams[0].tokens, nil
}
