//go:build hftokenizers

package main

import (
	"nano-cb-go/nanocb"
	"nano-cb-go/purego"
	"nano-cb-go/purego/hftok"
)

// loadTokenizer uses the Rust tokenizers for tokenizer.json and reads the
// special tokens through the pure Go loader.
func loadTokenizer(dir string) (nanocb.Tokenizer, error) {
	bpe, err := purego.LoadBPETokenizer(dir)
	if err != nil {
		return nil, err
	}
	return hftok.Load(dir, bpe.EOSTokenID())
}
