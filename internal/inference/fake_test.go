package inference

import (
	"errors"
	"slices"
	"testing"

	"github.com/samcharles93/sabi/internal/model"
	"github.com/stretchr/testify/require"
)

var errForced = errors.New("forced forward failure")

type fakeCall struct {
	startPos int
	tokens   [][]int
}

// fakeModel returns scripted logits for the last position of every row.
type fakeModel struct {
	cfg   model.Config
	next  func(row int, tokens []int) []float32
	fail  int
	calls []fakeCall
}

func newFakeModel(block, vocab int, next func(row int, tokens []int) []float32) *fakeModel {
	return &fakeModel{
		cfg: model.Config{
			BlockSize: block, VocabSize: vocab, NumLayers: 1, NumHeads: 1, EmbedDim: 4,
			MaxBatchSize: 4, UseKVCache: true, KVCacheDType: "float32",
		},
		next: next,
	}
}

func (f *fakeModel) Config() model.Config { return f.cfg }

func (f *fakeModel) Forward(req model.ForwardRequest) (*model.ForwardResult, error) {
	call := fakeCall{startPos: req.StartPos}
	for _, row := range req.Tokens {
		call.tokens = append(call.tokens, slices.Clone(row))
	}
	f.calls = append(f.calls, call)
	if f.fail == len(f.calls) {
		return nil, errForced
	}
	res := &model.ForwardResult{Logits: make([][][]float32, len(req.Tokens))}
	for b, row := range req.Tokens {
		res.Logits[b] = [][]float32{f.next(b, row)}
	}
	return res, nil
}

// peaked returns logits that put almost all mass on id.
func peaked(vocab, id int) []float32 {
	l := make([]float32, vocab)
	l[id] = 10
	return l
}

func always(vocab, id int) func(int, []int) []float32 {
	return func(int, []int) []float32 { return peaked(vocab, id) }
}

func greedy(maxNew int) DecodingConfig {
	return DecodingConfig{
		MaxNewTokens:      maxNew,
		Temperature:       1,
		RepetitionPenalty: 1,
		NumBeams:          1,
		LengthPenalty:     1,
	}
}

func intPtr(v int) *int             { return &v }
func float32Ptr(v float32) *float32 { return &v }

func tinyModel(t *testing.T, block int) *model.Model {
	t.Helper()
	m, err := model.NewRandom(model.Config{
		BlockSize: block, VocabSize: 16, NumLayers: 2, NumHeads: 2, EmbedDim: 8,
		MaxBatchSize: 2, UseKVCache: true, KVCacheDType: "float32",
	}, 11)
	require.NoError(t, err)
	return m
}
