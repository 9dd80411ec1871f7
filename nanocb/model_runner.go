package nanocb

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// PagedAttentionOp is the operator name a paged-attention model exposes.
const PagedAttentionOp = "PagedAttentionExtension"

// ScheduledSequence is one sequence's share of a forward pass.
type ScheduledSequence struct {
	SeqID      int64 `json:"seq_id" msgpack:"seq_id"`
	TokenIDs   []int `json:"token_ids" msgpack:"token_ids"`
	StartPos   int   `json:"start_pos" msgpack:"start_pos"`
	BlockTable []int `json:"block_table" msgpack:"block_table"`
	// Sample asks for the logits of the last token in TokenIDs.
	Sample bool `json:"sample" msgpack:"sample"`
}

// Batch is everything the model needs for one step. Copies must be applied
// before any token of the step is written.
type Batch struct {
	Sequences []ScheduledSequence `json:"sequences" msgpack:"sequences"`
	Copies    []BlockCopy         `json:"copies" msgpack:"copies"`
}

// NumTokens returns the number of tokens processed by the batch.
func (b *Batch) NumTokens() int {
	n := 0
	for _, s := range b.Sequences {
		n += len(s.TokenIDs)
	}
	return n
}

// ModelIntrospection describes the compiled model behind a runner.
type ModelIntrospection struct {
	Backend           string   `json:"backend"`
	HasPagedAttention bool     `json:"has_paged_attention"`
	Operators         []string `json:"operators"`
}

// ModelRunner is the forward pass: tokens plus cache layout in, logits out.
// Implementations may parallelize internally but see one call at a time.
type ModelRunner interface {
	// Forward returns one logits row per batch entry, aligned with
	// batch.Sequences. Rows of entries with Sample unset may be nil.
	Forward(ctx context.Context, batch *Batch) ([][]float32, error)

	// Introspect reports what the loaded graph contains
	Introspect() ModelIntrospection

	// Close cleans up resources
	Close() error
}

// LogitsFunc computes next-token logits from a full token history.
type LogitsFunc func(history []int) []float32

// HashLogits returns a deterministic LogitsFunc over vocabSize tokens. The
// row depends on the last eight tokens and the history length only.
func HashLogits(vocabSize int) LogitsFunc {
	return func(history []int) []float32 {
		window := history[max(len(history)-8, 0):]
		seed := hashTokens(append([]int{len(history)}, window...))
		row := make([]float32, vocabSize)
		for v := range row {
			x := mix64(seed ^ (uint64(v+1) * 0x9e3779b97f4a7c15))
			row[v] = float32(x>>40)/float32(1<<24)*8 - 4
		}
		return row
	}
}

func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// MockModelRunner is a reference runner for tests and demos. It keeps the
// token history of every sequence in a PagedKVCache addressed through the
// scheduler's block tables and derives logits from what it reads back, so a
// wrong block table or a missed copy changes its output.
type MockModelRunner struct {
	mu        sync.Mutex
	cache     *PagedKVCache
	vocabSize int
	logits    LogitsFunc
	steps     int
}

// NewMockModelRunner creates a reference runner over the config's block pool.
// A nil logits function selects HashLogits.
func NewMockModelRunner(config SchedulerConfig, vocabSize int, logits LogitsFunc) *MockModelRunner {
	if logits == nil {
		logits = HashLogits(vocabSize)
	}
	return &MockModelRunner{
		cache:     NewPagedKVCache(config.NumKVBlocks, config.BlockSize),
		vocabSize: vocabSize,
		logits:    logits,
	}
}

// Forward writes the batch into the paged cache and computes logits
func (m *MockModelRunner) Forward(ctx context.Context, batch *Batch) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.cache.ApplyCopies(batch.Copies); err != nil {
		return nil, err
	}
	for _, s := range batch.Sequences {
		if err := m.cache.Write(s.BlockTable, s.StartPos, s.TokenIDs); err != nil {
			return nil, fmt.Errorf("sequence %d: %w", s.SeqID, err)
		}
	}

	out := make([][]float32, len(batch.Sequences))
	for i, s := range batch.Sequences {
		if !s.Sample {
			continue
		}
		history, err := m.cache.Gather(s.BlockTable, s.StartPos+len(s.TokenIDs))
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", s.SeqID, err)
		}
		out[i] = m.logits(history)
	}
	m.steps++
	return out, nil
}

// Introspect reports a paged-attention graph
func (m *MockModelRunner) Introspect() ModelIntrospection {
	return ModelIntrospection{
		Backend:           "mock",
		HasPagedAttention: true,
		Operators:         []string{"Parameter", "Gather", PagedAttentionOp, "MatMul", "Result"},
	}
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// Steps returns how many forward passes ran.
func (m *MockModelRunner) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps
}

// Tokenizer is an interface for tokenizing text
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// ChatTemplater is implemented by tokenizers that ship a chat template.
type ChatTemplater interface {
	ApplyChatTemplate(messages []ChatMessage, addGenerationPrompt bool) (string, error)
}

// Mock tokenizer ids: three specials followed by one id per byte.
const (
	MockPadTokenID = 0
	MockBOSTokenID = 1
	MockEOSTokenID = 2
	mockByteOffset = 3
	MockVocabSize  = 256 + mockByteOffset
)

// MockTokenizer is a byte level tokenizer for demonstration
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode maps every byte to its own token
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int(text[i]) + mockByteOffset
	}
	return tokens, nil
}

// Decode skips special tokens and maps the rest back to bytes
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if id == t.eosTokenID || id < mockByteOffset || id >= MockVocabSize {
			continue
		}
		sb.WriteByte(byte(id - mockByteOffset))
	}
	return sb.String(), nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
