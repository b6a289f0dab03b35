package inference

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/sabi/internal/model"
	"github.com/samcharles93/sabi/internal/tokenizer"
)

const byteTokenizerJSON = `{
  "model": {
    "type": "BPE",
    "vocab": {"h": 0, "i": 1, "t": 2, "e": 3, "r": 4, "Ġ": 5, "hi": 6, "Ġt": 7},
    "merges": ["h i", "Ġ t"]
  },
  "added_tokens": [{"id": 8, "content": "<|endoftext|>", "special": true}]
}`

func checkpointWithTokenizer(t *testing.T, tokJSON string) string {
	t.Helper()
	src, err := Loader{Toy: "tiny", Seed: 4}.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, model.SaveCheckpoint(dir, src.Model))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tokenizer.JSONFile), []byte(tokJSON), 0o644))
	return dir
}

func TestLoaderAttachesTokenizer(t *testing.T) {
	t.Parallel()
	dir := checkpointWithTokenizer(t, byteTokenizerJSON)

	res, err := Loader{}.Load(dir)
	require.NoError(t, err)
	require.NotNil(t, res.Tokenizer)
	require.NotNil(t, res.Engine.Tokenizer())
	assert.True(t, res.Engine.Info().Tokenizer)

	prompts, err := EncodePrompts(res.Engine.Tokenizer(), []string{"hi there", "hi"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{6, 7, 0, 3, 4, 3}, {6}}, prompts)

	out, err := res.Engine.Generate(context.Background(), &Request{Tokens: [][]int{prompts[1]}, Config: greedy(3)}, nil)
	require.NoError(t, err)
	require.Len(t, out.Tokens[0], 4)

	// The toy vocabulary is wider than the tokenizer, so only decode ids it knows.
	texts, err := DecodeCompletions(res.Engine.Tokenizer(), [][]int{{6}}, [][]int{{6, 7, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{" th"}, texts)
}

func TestLoaderWithoutTokenizer(t *testing.T) {
	t.Parallel()
	res, err := Loader{Toy: "tiny"}.Load("")
	require.NoError(t, err)
	assert.Nil(t, res.Engine.Tokenizer())
	assert.False(t, res.Engine.Info().Tokenizer)

	_, err = EncodePrompts(res.Engine.Tokenizer(), []string{"hi"})
	assert.ErrorIs(t, err, ErrNoTokenizer)
	_, err = DecodeCompletions(nil, nil, [][]int{{1}})
	assert.ErrorIs(t, err, ErrNoTokenizer)
}

func TestLoaderRejectsBadTokenizer(t *testing.T) {
	t.Parallel()
	dir := checkpointWithTokenizer(t, `{"model": {"type": "WordPiece"}}`)
	_, err := Loader{}.Load(dir)
	assert.ErrorContains(t, err, "load tokenizer")

	wide := checkpointWithTokenizer(t, `{"model": {"type": "BPE", "vocab": {"a": 40}}}`)
	_, err = Loader{}.Load(wide)
	assert.ErrorContains(t, err, "model vocabulary")
}

func TestEncodePromptsRejectsEmpty(t *testing.T) {
	t.Parallel()
	tok, err := tokenizer.ParseBPE([]byte(byteTokenizerJSON), nil)
	require.NoError(t, err)
	_, err = EncodePrompts(tok, []string{""})
	assert.ErrorContains(t, err, "no tokens")
}
