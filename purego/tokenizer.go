package purego

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"nano-cb-go/nanocb"
)

const bpeCacheSize = 4096

// BPETokenizer implements GPT-2 style byte-level BPE tokenization from a
// HuggingFace tokenizer directory.
type BPETokenizer struct {
	encoder     map[string]int
	decoder     map[int]string
	bpeRanks    map[[2]string]int // merge rules, lower rank merges first
	byteEncoder [256]rune
	byteDecoder map[rune]byte
	pattern     *regexp.Regexp

	special    map[string]int
	specialIDs map[int]bool
	specialRe  *regexp.Regexp

	eosID        int
	bosID        int
	chatTemplate string
	chat         chatFormat

	cache *lru.Cache[string, []int]
}

type addedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// tokenizerJSON is the part of tokenizer.json the BPE model needs
type tokenizerJSON struct {
	Model struct {
		Type   string          `json:"type"`
		Vocab  map[string]int  `json:"vocab"`
		Merges json.RawMessage `json:"merges"`
	} `json:"model"`
	AddedTokens []addedToken `json:"added_tokens"`
}

// tokenizerConfig is the part of tokenizer_config.json used for special
// tokens and chat formatting. Token fields are either a string or an
// object with a content field.
type tokenizerConfig struct {
	EOSToken     json.RawMessage `json:"eos_token"`
	BOSToken     json.RawMessage `json:"bos_token"`
	ChatTemplate json.RawMessage `json:"chat_template"`
}

// LoadBPETokenizer reads tokenizer.json, or vocab.json plus merges.txt,
// and the optional tokenizer_config.json from dir.
func LoadBPETokenizer(dir string) (*BPETokenizer, error) {
	t := &BPETokenizer{
		encoder:     make(map[string]int),
		decoder:     make(map[int]string),
		bpeRanks:    make(map[[2]string]int),
		byteDecoder: make(map[rune]byte),
		special:     make(map[string]int),
		specialIDs:  make(map[int]bool),
		eosID:       -1,
		bosID:       -1,
		// GPT-2 tokenization pattern (simplified for Go's RE2)
		pattern: regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`),
	}
	t.byteEncoder = buildByteEncoder()
	for b, r := range t.byteEncoder {
		t.byteDecoder[r] = byte(b)
	}

	var err error
	if _, statErr := os.Stat(filepath.Join(dir, "tokenizer.json")); statErr == nil {
		err = t.loadTokenizerJSON(filepath.Join(dir, "tokenizer.json"))
	} else {
		err = t.loadVocabAndMerges(filepath.Join(dir, "vocab.json"), filepath.Join(dir, "merges.txt"))
	}
	if err != nil {
		return nil, err
	}
	if err := t.loadTokenizerConfig(filepath.Join(dir, "tokenizer_config.json")); err != nil {
		return nil, err
	}
	if t.eosID < 0 {
		if id, ok := t.encoder["<|endoftext|>"]; ok {
			t.eosID = id
			t.specialIDs[id] = true
		}
	}
	t.buildSpecialPattern()

	t.cache, err = lru.New[string, []int](bpeCacheSize)
	if err != nil {
		return nil, err
	}

	logrus.Infof("loaded BPE tokenizer from %s (vocab: %d, merges: %d, eos: %d, chat: %s)",
		dir, len(t.encoder), len(t.bpeRanks), t.eosID, t.chat)
	return t, nil
}

func (t *BPETokenizer) loadTokenizerJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tokenizer.json: %w", err)
	}
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	if tj.Model.Type != "" && tj.Model.Type != "BPE" {
		return fmt.Errorf("unsupported tokenizer model %q", tj.Model.Type)
	}

	for token, id := range tj.Model.Vocab {
		t.addVocab(token, id)
	}

	// Merges are "a b" strings in older files and ["a", "b"] pairs in newer ones.
	var merges []string
	if err := json.Unmarshal(tj.Model.Merges, &merges); err == nil {
		for rank, m := range merges {
			if a, b, ok := strings.Cut(m, " "); ok {
				t.bpeRanks[[2]string{a, b}] = rank
			}
		}
	} else {
		var pairs [][2]string
		if err := json.Unmarshal(tj.Model.Merges, &pairs); err != nil {
			return fmt.Errorf("failed to parse merges: %w", err)
		}
		for rank, p := range pairs {
			t.bpeRanks[p] = rank
		}
	}

	for _, at := range tj.AddedTokens {
		t.addVocab(at.Content, at.ID)
		t.special[at.Content] = at.ID
		if at.Special {
			t.specialIDs[at.ID] = true
		}
	}
	return nil
}

func (t *BPETokenizer) loadVocabAndMerges(vocabPath, mergesPath string) error {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return fmt.Errorf("failed to read vocab: %w", err)
	}
	var vocab map[string]int
	if err := json.Unmarshal(data, &vocab); err != nil {
		return fmt.Errorf("failed to parse vocab: %w", err)
	}
	for token, id := range vocab {
		t.addVocab(token, id)
	}

	file, err := os.Open(mergesPath)
	if err != nil {
		return fmt.Errorf("failed to load merges: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	rank := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		if a, b, ok := strings.Cut(line, " "); ok {
			t.bpeRanks[[2]string{a, b}] = rank
			rank++
		}
	}
	return scanner.Err()
}

func (t *BPETokenizer) loadTokenizerConfig(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tokenizer_config.json: %w", err)
	}
	var cfg tokenizerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse tokenizer_config.json: %w", err)
	}

	if id, ok := t.encoder[tokenContent(cfg.EOSToken)]; ok {
		t.eosID = id
		t.specialIDs[id] = true
	}
	if id, ok := t.encoder[tokenContent(cfg.BOSToken)]; ok {
		t.bosID = id
		t.specialIDs[id] = true
	}
	// Templates shipped as a list of named templates are not supported.
	_ = json.Unmarshal(cfg.ChatTemplate, &t.chatTemplate)
	t.chat = detectChatFormat(t.chatTemplate)
	return nil
}

func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(raw, &obj)
	return obj.Content
}

func (t *BPETokenizer) addVocab(token string, id int) {
	t.encoder[token] = id
	t.decoder[id] = token
}

// buildSpecialPattern matches added tokens, longest first, so they are never
// split by BPE.
func (t *BPETokenizer) buildSpecialPattern() {
	if len(t.special) == 0 {
		return
	}
	tokens := make([]string, 0, len(t.special))
	for tok := range t.special {
		if tok != "" {
			tokens = append(tokens, regexp.QuoteMeta(tok))
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return len(tokens[i]) > len(tokens[j]) })
	t.specialRe = regexp.MustCompile(strings.Join(tokens, "|"))
}

// buildByteEncoder creates GPT-2's byte-to-unicode mapping
func buildByteEncoder() [256]rune {
	var encoder [256]rune
	mapped := make([]bool, 256)

	for b := int('!'); b <= int('~'); b++ {
		encoder[b], mapped[b] = rune(b), true
	}
	for b := int('¡'); b <= int('¬'); b++ {
		encoder[b], mapped[b] = rune(b), true
	}
	for b := int('®'); b <= int('ÿ'); b++ {
		encoder[b], mapped[b] = rune(b), true
	}

	// Map remaining bytes to special Unicode range
	n := 0
	for b := 0; b < 256; b++ {
		if !mapped[b] {
			encoder[b] = rune(256 + n)
			n++
		}
	}
	return encoder
}

// Encode converts text to token IDs. Added tokens in text map to their ids.
func (t *BPETokenizer) Encode(text string) ([]int, error) {
	var ids []int
	pos := 0
	if t.specialRe != nil {
		for _, loc := range t.specialRe.FindAllStringIndex(text, -1) {
			var err error
			if ids, err = t.encodeOrdinary(ids, text[pos:loc[0]]); err != nil {
				return nil, err
			}
			ids = append(ids, t.special[text[loc[0]:loc[1]]])
			pos = loc[1]
		}
	}
	return t.encodeOrdinary(ids, text[pos:])
}

func (t *BPETokenizer) encodeOrdinary(ids []int, text string) ([]int, error) {
	for _, piece := range t.pattern.FindAllString(text, -1) {
		if cached, ok := t.cache.Get(piece); ok {
			ids = append(ids, cached...)
			continue
		}

		var sb strings.Builder
		for _, b := range []byte(piece) {
			sb.WriteRune(t.byteEncoder[b])
		}
		var pieceIDs []int
		for _, sub := range t.bpe(sb.String()) {
			id, ok := t.encoder[sub]
			if !ok {
				return nil, fmt.Errorf("token %q of %q is not in the vocabulary", sub, piece)
			}
			pieceIDs = append(pieceIDs, id)
		}
		t.cache.Add(piece, pieceIDs)
		ids = append(ids, pieceIDs...)
	}
	return ids, nil
}

// bpe applies the merge rules to one pre-tokenized word
func (t *BPETokenizer) bpe(token string) []string {
	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}

	for len(word) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i < len(word)-1; i++ {
			if rank, ok := t.bpeRanks[[2]string{word[i], word[i+1]}]; ok && rank < bestRank {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}

		first, second := word[best], word[best+1]
		merged := make([]string, 0, len(word)-1)
		for i := 0; i < len(word); i++ {
			if i < len(word)-1 && word[i] == first && word[i+1] == second {
				merged = append(merged, first+second)
				i++
				continue
			}
			merged = append(merged, word[i])
		}
		word = merged
	}
	return word
}

// Decode converts token IDs to text, skipping special tokens
func (t *BPETokenizer) Decode(tokenIDs []int) (string, error) {
	var out []byte
	for _, id := range tokenIDs {
		if t.specialIDs[id] {
			continue
		}
		token, ok := t.decoder[id]
		if !ok {
			return "", fmt.Errorf("token id %d is not in the vocabulary", id)
		}
		for _, r := range token {
			if b, ok := t.byteDecoder[r]; ok {
				out = append(out, b)
			} else {
				out = append(out, string(r)...)
			}
		}
	}
	return string(out), nil
}

// EOSTokenID returns the EOS token ID
func (t *BPETokenizer) EOSTokenID() int {
	return t.eosID
}

// BOSTokenID returns the BOS token ID
func (t *BPETokenizer) BOSTokenID() int {
	return t.bosID
}

// VocabSize returns the vocabulary size
func (t *BPETokenizer) VocabSize() int {
	return len(t.decoder)
}

// ApplyChatTemplate renders messages in the format of the tokenizer's chat
// template.
func (t *BPETokenizer) ApplyChatTemplate(messages []nanocb.ChatMessage, addGenerationPrompt bool) (string, error) {
	return t.chat.render(messages, addGenerationPrompt)
}

// chatFormat is the family of a chat template. Only the markers of the
// template are inspected, it is not executed.
type chatFormat int

const (
	chatPlain chatFormat = iota
	chatML
	chatInst
)

func (f chatFormat) String() string {
	switch f {
	case chatML:
		return "chatml"
	case chatInst:
		return "inst"
	default:
		return "plain"
	}
}

func detectChatFormat(template string) chatFormat {
	switch {
	case strings.Contains(template, "<|im_start|>"):
		return chatML
	case strings.Contains(template, "[INST]"):
		return chatInst
	default:
		return chatPlain
	}
}

func (f chatFormat) render(messages []nanocb.ChatMessage, addGenerationPrompt bool) (string, error) {
	var sb strings.Builder
	switch f {
	case chatML:
		for _, m := range messages {
			fmt.Fprintf(&sb, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
		}
		if addGenerationPrompt {
			sb.WriteString("<|im_start|>assistant\n")
		}

	case chatInst:
		system := ""
		for _, m := range messages {
			switch m.Role {
			case "system":
				system = "<<SYS>>\n" + m.Content + "\n<</SYS>>\n\n"
			case "user":
				fmt.Fprintf(&sb, "[INST] %s%s [/INST]", system, m.Content)
				system = ""
			case "assistant":
				fmt.Fprintf(&sb, " %s</s>", m.Content)
			default:
				return "", fmt.Errorf("unsupported chat role %q", m.Role)
			}
		}

	default:
		for _, m := range messages {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		}
		if addGenerationPrompt {
			sb.WriteString("assistant:")
		}
	}
	return sb.String(), nil
}

var _ nanocb.ChatTemplater = (*BPETokenizer)(nil)

// roles lists the roles accepted by every chat format.
var roles = []string{"system", "user", "assistant"}

// ValidRole reports whether role can be rendered by ApplyChatTemplate.
func ValidRole(role string) bool {
	return slices.Contains(roles, role)
}
