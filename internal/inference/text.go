package inference

import (
	"errors"
	"fmt"

	"github.com/samcharles93/sabi/internal/tokenizer"
)

// ErrNoTokenizer is returned when text input or output is requested from an
// engine that only understands token ids.
var ErrNoTokenizer = errors.New("model has no tokenizer")

// EncodePrompts tokenizes each prompt into one batch row.
func EncodePrompts(tok tokenizer.Tokenizer, prompts []string) ([][]int, error) {
	if tok == nil {
		return nil, ErrNoTokenizer
	}
	rows := make([][]int, len(prompts))
	for i, p := range prompts {
		ids, err := tok.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("prompt %d encodes to no tokens", i)
		}
		rows[i] = ids
	}
	return rows, nil
}

// DecodeCompletions decodes the tokens each row gained past its prompt.
func DecodeCompletions(tok tokenizer.Tokenizer, prompts, rows [][]int) ([]string, error) {
	if tok == nil {
		return nil, ErrNoTokenizer
	}
	out := make([]string, len(rows))
	for i, row := range rows {
		start := 0
		if i < len(prompts) {
			start = min(len(prompts[i]), len(row))
		}
		text, err := tok.Decode(row[start:])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = text
	}
	return out, nil
}
