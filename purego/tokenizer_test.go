package purego

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-cb-go/nanocb"
)

const testVocab = `{"h": 0, "i": 1, "Ġ": 2, "t": 3, "e": 4, "r": 5, "hi": 6, "Ġt": 7, "he": 8, "Ġthe": 9, "re": 10}`

const testTokenizerJSON = `{
  "model": {
    "type": "BPE",
    "vocab": ` + testVocab + `,
    "merges": ["h i", "Ġ t", "h e", "Ġt he", "r e"]
  },
  "added_tokens": [
    {"id": 11, "content": "<|endoftext|>", "special": true},
    {"id": 12, "content": "<|im_start|>", "special": true},
    {"id": 13, "content": "<|im_end|>", "special": true}
  ]
}`

func writeTokenizerDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestBPETokenizerRoundTrip(t *testing.T) {
	tok, err := LoadBPETokenizer(writeTokenizerDir(t, map[string]string{"tokenizer.json": testTokenizerJSON}))
	require.NoError(t, err)

	ids, err := tok.Encode("hi there")
	require.NoError(t, err)
	assert.Equal(t, []int{6, 9, 10}, ids)

	// Cached pieces give the same ids.
	ids, err = tok.Encode("hi there")
	require.NoError(t, err)
	assert.Equal(t, []int{6, 9, 10}, ids)

	text, err := tok.Decode(append(ids, 11))
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)

	assert.Equal(t, 11, tok.EOSTokenID())
	assert.Equal(t, -1, tok.BOSTokenID())
	assert.Equal(t, 14, tok.VocabSize())
}

func TestBPETokenizerSpecialTokens(t *testing.T) {
	tok, err := LoadBPETokenizer(writeTokenizerDir(t, map[string]string{"tokenizer.json": testTokenizerJSON}))
	require.NoError(t, err)

	ids, err := tok.Encode("<|im_start|>hi<|im_end|><|endoftext|>")
	require.NoError(t, err)
	assert.Equal(t, []int{12, 6, 13, 11}, ids)
}

func TestBPETokenizerUnknownPiece(t *testing.T) {
	tok, err := LoadBPETokenizer(writeTokenizerDir(t, map[string]string{"tokenizer.json": testTokenizerJSON}))
	require.NoError(t, err)

	_, err = tok.Encode("hix")
	require.Error(t, err)

	_, err = tok.Decode([]int{99})
	require.Error(t, err)
}

func TestBPETokenizerMergePairs(t *testing.T) {
	pairs := `{"model": {"type": "BPE", "vocab": ` + testVocab + `,
	  "merges": [["h", "i"], ["Ġ", "t"], ["h", "e"], ["Ġt", "he"], ["r", "e"]]}}`
	tok, err := LoadBPETokenizer(writeTokenizerDir(t, map[string]string{"tokenizer.json": pairs}))
	require.NoError(t, err)

	ids, err := tok.Encode("hi there")
	require.NoError(t, err)
	assert.Equal(t, []int{6, 9, 10}, ids)
	assert.Equal(t, -1, tok.EOSTokenID())
}

func TestBPETokenizerVocabAndMerges(t *testing.T) {
	dir := writeTokenizerDir(t, map[string]string{
		"vocab.json": testVocab,
		"merges.txt": "#version: 0.2\nh i\nĠ t\nh e\nĠt he\nr e\n",
	})
	tok, err := LoadBPETokenizer(dir)
	require.NoError(t, err)

	ids, err := tok.Encode("hi there")
	require.NoError(t, err)
	assert.Equal(t, []int{6, 9, 10}, ids)

	_, err = LoadBPETokenizer(t.TempDir())
	require.Error(t, err)
}

func TestBPETokenizerRejectsOtherModels(t *testing.T) {
	_, err := LoadBPETokenizer(writeTokenizerDir(t, map[string]string{
		"tokenizer.json": `{"model": {"type": "Unigram"}}`,
	}))
	require.Error(t, err)
}

func TestBPETokenizerConfig(t *testing.T) {
	tok, err := LoadBPETokenizer(writeTokenizerDir(t, map[string]string{
		"tokenizer.json": testTokenizerJSON,
		"tokenizer_config.json": `{
		  "eos_token": {"content": "<|im_end|>"},
		  "bos_token": "<|im_start|>",
		  "chat_template": "{% for m in messages %}<|im_start|>{{ m.role }}{% endfor %}"
		}`,
	}))
	require.NoError(t, err)
	assert.Equal(t, 13, tok.EOSTokenID())
	assert.Equal(t, 12, tok.BOSTokenID())

	prompt, err := tok.ApplyChatTemplate([]nanocb.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "<|im_start|>system\nbe brief<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n", prompt)
}

func TestChatFormats(t *testing.T) {
	messages := []nanocb.ChatMessage{
		{Role: "system", Content: "S"},
		{Role: "user", Content: "U1"},
		{Role: "assistant", Content: "A1"},
		{Role: "user", Content: "U2"},
	}

	assert.Equal(t, chatInst, detectChatFormat("{{ '[INST] ' + message['content'] }}"))
	assert.Equal(t, chatPlain, detectChatFormat(""))

	inst, err := chatInst.render(messages, true)
	require.NoError(t, err)
	assert.Equal(t, "[INST] <<SYS>>\nS\n<</SYS>>\n\nU1 [/INST] A1</s>[INST] U2 [/INST]", inst)

	plain, err := chatPlain.render(messages[1:2], true)
	require.NoError(t, err)
	assert.Equal(t, "user: U1\nassistant:", plain)

	_, err = chatInst.render([]nanocb.ChatMessage{{Role: "tool", Content: "x"}}, false)
	require.Error(t, err)

	assert.True(t, ValidRole("assistant"))
	assert.False(t, ValidRole("tool"))
}
