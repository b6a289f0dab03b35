package inference

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samcharles93/sabi/internal/model"
	"github.com/samcharles93/sabi/internal/tokenizer"
	"github.com/samcharles93/sabi/internal/toy"
)

// Loader resolves a model from a checkpoint directory or a toy preset.
type Loader struct {
	// Toy names a random-weight preset and takes precedence over a path.
	Toy  string
	Seed int64
	// KVCacheDType overrides the checkpoint's cache precision when set.
	KVCacheDType string
}

type LoadResult struct {
	Engine    *EngineImpl
	Model     *model.Model
	Tokenizer *tokenizer.BPE
	Name      string
}

func (l Loader) Load(modelDir string) (*LoadResult, error) {
	var (
		m    *model.Model
		tok  *tokenizer.BPE
		name string
		err  error
	)
	switch {
	case l.Toy != "":
		cfg, cerr := toy.Config(l.Toy)
		if cerr != nil {
			return nil, cerr
		}
		if l.KVCacheDType != "" {
			cfg.KVCacheDType = l.KVCacheDType
		}
		m, err = model.NewRandom(cfg, l.Seed)
		name = "toy:" + l.Toy
	case strings.TrimSpace(modelDir) != "":
		m, err = model.LoadCheckpoint(modelDir)
		if err == nil && l.KVCacheDType != "" {
			cfg := m.Config()
			cfg.KVCacheDType = l.KVCacheDType
			m, err = model.New(cfg, m.Weights())
		}
		if err == nil {
			tok, err = loadTokenizer(modelDir, m.Config().VocabSize)
		}
		name = filepath.Base(filepath.Clean(modelDir))
	default:
		return nil, fmt.Errorf("model directory or toy preset is required")
	}
	if err != nil {
		return nil, err
	}
	res := &LoadResult{Model: m, Tokenizer: tok, Name: name}
	// A nil *BPE must not become a non-nil Tokenizer interface.
	if tok != nil {
		res.Engine = NewEngine(name, m, tok)
	} else {
		res.Engine = NewEngine(name, m, nil)
	}
	return res, nil
}

// loadTokenizer returns nil without error when dir has no tokenizer.json.
func loadTokenizer(dir string, vocabSize int) (*tokenizer.BPE, error) {
	tok, err := tokenizer.Load(dir)
	if errors.Is(err, tokenizer.ErrNoTokenizer) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	if tok.VocabSize() > vocabSize {
		return nil, fmt.Errorf("tokenizer has %d tokens but the model vocabulary is %d", tok.VocabSize(), vocabSize)
	}
	return tok, nil
}
