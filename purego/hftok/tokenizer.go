//go:build hftokenizers

// Package hftok wraps the HuggingFace tokenizers library. It needs
// libtokenizers.a on the linker path and is only built with the
// hftokenizers tag.
package hftok

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
	"github.com/sirupsen/logrus"

	"nano-cb-go/nanocb"
)

// Tokenizer implements nanocb.Tokenizer over a tokenizer.json file.
type Tokenizer struct {
	tk    *tokenizers.Tokenizer
	eosID int
}

// Load opens dir/tokenizer.json, or path itself when it names a file.
func Load(path string, eosID int) (*Tokenizer, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, "tokenizer.json")
	}
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	logrus.Infof("loaded HF tokenizer %s (vocab: %d, eos: %d)", path, tk.VocabSize(), eosID)
	return &Tokenizer{tk: tk, eosID: eosID}, nil
}

// Encode converts text to token IDs without adding special tokens.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	enc := t.tk.EncodeWithOptions(text, false, tokenizers.WithReturnTypeIDs())
	ids := make([]int, len(enc.IDs))
	for i, id := range enc.IDs {
		ids[i] = int(id)
	}
	return ids, nil
}

// Decode converts token IDs to text, skipping special tokens
func (t *Tokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d", id)
		}
		ids = append(ids, uint32(id))
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token ID
func (t *Tokenizer) EOSTokenID() int {
	return t.eosID
}

// Close releases the native tokenizer.
func (t *Tokenizer) Close() error {
	return t.tk.Close()
}

var _ nanocb.Tokenizer = (*Tokenizer)(nil)
