package inference

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/sabi/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineGenerateAndForward(t *testing.T) {
	t.Parallel()
	res, err := Loader{Toy: "tiny", Seed: 5}.Load("")
	require.NoError(t, err)
	e := res.Engine
	defer func() { _ = e.Close() }()

	info := e.Info()
	assert.Equal(t, "toy:tiny", info.Name)
	assert.Greater(t, info.Params, info.ParamsNoEmb)

	out, err := e.Generate(context.Background(), &Request{Tokens: [][]int{{1, 2, 3}}, Config: greedy(4)}, nil)
	require.NoError(t, err)
	assert.Len(t, out.Tokens[0], 7)
	assert.Equal(t, 4, out.Stats.TokensGenerated)

	fwd, err := e.Forward(context.Background(), &ForwardRequest{Tokens: out.Tokens, AllLogits: true})
	require.NoError(t, err)
	assert.Len(t, fwd.Logits[0], 7)
	assert.Len(t, fwd.Logits[0][0], info.Config.VocabSize)

	_, err = e.Generate(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestEngineSerializesGenerate(t *testing.T) {
	t.Parallel()
	res, err := Loader{Toy: "tiny", Seed: 5}.Load("")
	require.NoError(t, err)
	e := res.Engine

	req := &Request{Tokens: [][]int{{4, 4, 2}}, Config: greedy(8)}
	want, err := e.Generate(context.Background(), req, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	got := make([][][]int, 6)
	for i := range got {
		wg.Go(func() {
			out, err := e.Generate(context.Background(), req, nil)
			if err == nil {
				got[i] = out.Tokens
			}
		})
	}
	wg.Wait()
	for _, tokens := range got {
		assert.Equal(t, want.Tokens, tokens)
	}
}

func TestEngineConcurrentForward(t *testing.T) {
	t.Parallel()
	res, err := Loader{Toy: "small", Seed: 2}.Load("")
	require.NoError(t, err)
	e := res.Engine

	req := &ForwardRequest{Tokens: [][]int{{1, 2, 3, 4}, {5, 6, 7, 8}}}
	want, err := e.Forward(context.Background(), req)
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		var wg sync.WaitGroup
		for range 16 {
			wg.Go(func() {
				for range 10 {
					got, err := e.Forward(context.Background(), req)
					if assert.NoError(t, err) {
						assert.Equal(t, want.Logits, got.Logits)
					}
				}
			})
		}
		wg.Wait()
	}()
	select {
	case <-finished:
	case <-time.After(60 * time.Second):
		t.Fatal("concurrent Forward calls stalled")
	}
}

func TestEngineClose(t *testing.T) {
	t.Parallel()
	res, err := Loader{Toy: "tiny"}.Load("")
	require.NoError(t, err)
	e := res.Engine
	e.ClearCache()
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.Generate(context.Background(), &Request{Tokens: [][]int{{1}}, Config: greedy(1)}, nil)
	assert.ErrorContains(t, err, "closed")
}

func TestLoaderCheckpointAndErrors(t *testing.T) {
	t.Parallel()
	_, err := Loader{}.Load("  ")
	assert.Error(t, err)
	_, err = Loader{Toy: "nope"}.Load("")
	assert.Error(t, err)

	src, err := Loader{Toy: "tiny", Seed: 2}.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, model.SaveCheckpoint(dir, src.Model))

	res, err := Loader{KVCacheDType: "float16"}.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "float16", res.Model.Config().KVCacheDType)
	assert.Equal(t, src.Model.Weights().TokenEmbedding().Data, res.Model.Weights().TokenEmbedding().Data)
}
