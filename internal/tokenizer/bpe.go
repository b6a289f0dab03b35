package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// BPE is a byte-level BPE tokenizer. It is safe for concurrent use.
type BPE struct {
	encoder     map[string]int
	decoder     []string
	ranks       map[Pair]int
	byteEncoder [256]string
	byteDecoder map[rune]byte
	pattern     *regexp.Regexp
	special     []string
	addBOS      bool
	addEOS      bool
	bosID       int
	eosID       int
	unkID       int

	mu    sync.RWMutex
	cache map[string][]string
}

type preTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type tokenizerJSON struct {
	Model struct {
		Type     string         `json:"type"`
		Vocab    map[string]int `json:"vocab"`
		Merges   []any          `json:"merges"`
		UnkToken string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  preTokenizer `json:"pre_tokenizer"`
	PostProcessor struct {
		Processors []struct {
			Type   string `json:"type"`
			Single []struct {
				SpecialToken *struct {
					ID string `json:"id"`
				} `json:"SpecialToken"`
			} `json:"single"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type tokenizerConfig struct {
	AddBOS bool `json:"add_bos_token"`
	AddEOS bool `json:"add_eos_token"`
	BOS    any  `json:"bos_token"`
	EOS    any  `json:"eos_token"`
}

// ParseBPE builds a tokenizer from the bytes of tokenizer.json and an
// optional tokenizer_config.json.
func ParseBPE(tokJSON, tokConfig []byte) (*BPE, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", JSONFile, err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model: %q", tj.Model.Type)
	}

	t := &BPE{
		encoder: make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens)),
		ranks:   make(map[Pair]int, len(tj.Model.Merges)),
		bosID:   -1,
		eosID:   -1,
		unkID:   -1,
		cache:   make(map[string][]string),
	}

	maxID := -1
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative id %d for token %q", id, tok)
		}
		t.encoder[tok] = id
		maxID = max(maxID, id)
	}
	var added []string
	for _, at := range tj.AddedTokens {
		if at.ID < 0 {
			return nil, fmt.Errorf("negative id %d for added token %q", at.ID, at.Content)
		}
		t.encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
		if at.Special {
			added = append(added, at.Content)
		}
	}
	t.decoder = make([]string, maxID+1)
	for tok, id := range t.encoder {
		t.decoder[id] = tok
	}

	for _, raw := range tj.Model.Merges {
		p, ok := parseMerge(raw)
		if !ok {
			continue
		}
		if _, dup := t.ranks[p]; !dup {
			t.ranks[p] = len(t.ranks)
		}
	}

	t.byteEncoder, t.byteDecoder = bytesToUnicode()
	pat, err := buildPattern(tj.PreTokenizer)
	if err != nil {
		return nil, err
	}
	t.pattern = pat
	t.special = collectSpecials(append(added, t.decoder...))

	if len(tokConfig) > 0 {
		var cfg tokenizerConfig
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
		}
		t.addBOS, t.addEOS = cfg.AddBOS, cfg.AddEOS
		if id, ok := t.encoder[tokenContent(cfg.BOS)]; ok {
			t.bosID = id
		}
		if id, ok := t.encoder[tokenContent(cfg.EOS)]; ok {
			t.eosID = id
		}
	}
	// A template that opens with a special token prepends it to every input.
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" || len(proc.Single) == 0 || proc.Single[0].SpecialToken == nil {
			continue
		}
		if st, ok := proc.SpecialTokens[proc.Single[0].SpecialToken.ID]; ok && len(st.IDs) > 0 {
			t.bosID = st.IDs[0]
			t.addBOS = true
		}
	}
	if id, ok := t.encoder[tj.Model.UnkToken]; ok && tj.Model.UnkToken != "" {
		t.unkID = id
	}
	return t, nil
}

// tokenContent accepts both "<s>" and {"content": "<s>"} config entries.
func tokenContent(v any) string {
	switch tok := v.(type) {
	case string:
		return tok
	case map[string]any:
		s, _ := tok["content"].(string)
		return s
	default:
		return ""
	}
}

func parseMerge(raw any) (Pair, bool) {
	var line string
	switch v := raw.(type) {
	case string:
		line = v
	case []any:
		if len(v) != 2 {
			return Pair{}, false
		}
		a, aok := v[0].(string)
		b, bok := v[1].(string)
		if !aok || !bok {
			return Pair{}, false
		}
		return Pair{A: a, B: b}, true
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Pair{}, false
	}
	a, b, ok := strings.Cut(line, " ")
	if !ok || strings.Contains(b, " ") {
		return Pair{}, false
	}
	return Pair{A: a, B: b}, true
}

// Encode splits text on special tokens, pre-tokenizes the rest and applies
// the merges to each piece.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, piece := range t.pattern.FindAllString(part.text, -1) {
			for _, sym := range t.bpe(t.byteEncode(piece)) {
				id, ok := t.encoder[sym]
				if !ok {
					if t.unkID < 0 {
						return nil, fmt.Errorf("unknown token: %q", sym)
					}
					id = t.unkID
				}
				ids = append(ids, id)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *BPE) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if isSpecialToken(token) {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

// VocabSize is one past the largest token id.
func (t *BPE) VocabSize() int { return len(t.decoder) }

// EOSID returns the end-of-text id, or -1 when the tokenizer has none.
func (t *BPE) EOSID() int { return t.eosID }

func (t *BPE) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteString(t.byteEncoder[s[i]])
	}
	return b.String()
}

func (t *BPE) bpe(token string) []string {
	t.mu.RLock()
	cached, ok := t.cache[token]
	t.mu.RUnlock()
	if ok {
		return cached
	}

	word := splitRunes(token)
	for len(word) > 1 {
		best, found := t.bestPair(word)
		if !found {
			break
		}
		word = mergePair(word, best)
	}

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}

// bestPair returns the adjacent pair with the lowest merge rank.
func (t *BPE) bestPair(word []string) (Pair, bool) {
	var (
		best     Pair
		bestRank = int(^uint(0) >> 1)
		found    bool
	)
	for i := 0; i+1 < len(word); i++ {
		p := Pair{A: word[i], B: word[i+1]}
		if rank, ok := t.ranks[p]; ok && rank < bestRank {
			best, bestRank, found = p, rank, true
		}
	}
	return best, found
}

// gpt2Pattern is the GPT-2 pre-tokenizer without the trailing-whitespace
// lookahead, which Go's regexp does not support.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

func buildPattern(pre preTokenizer) (*regexp.Regexp, error) {
	pat := gpt2Pattern
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	if strings.Contains(pat, "(?!") {
		pat = gpt2Pattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("pre-tokenizer pattern: %w", err)
	}
	return re, nil
}
