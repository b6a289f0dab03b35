// Package tokenizer converts between text and token ids for checkpoints that
// ship a Hugging Face byte-level BPE tokenizer.json. The engine itself only
// sees token ids; the tokenizer is an optional convenience for the CLI and
// the HTTP API.
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Tokenizer defines the minimal interface used by the CLI and the API.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

const (
	JSONFile   = "tokenizer.json"
	ConfigFile = "tokenizer_config.json"
)

// ErrNoTokenizer is returned by Load when dir has no tokenizer.json.
var ErrNoTokenizer = errors.New("no tokenizer in checkpoint")

// Load reads dir/tokenizer.json and, when present, dir/tokenizer_config.json.
func Load(dir string) (*BPE, error) {
	data, err := os.ReadFile(filepath.Join(dir, JSONFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoTokenizer, dir)
	}
	if err != nil {
		return nil, err
	}
	cfg, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return ParseBPE(data, cfg)
}
