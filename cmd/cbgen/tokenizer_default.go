//go:build !hftokenizers

package main

import (
	"nano-cb-go/nanocb"
	"nano-cb-go/purego"
)

func loadTokenizer(dir string) (nanocb.Tokenizer, error) {
	return purego.LoadBPETokenizer(dir)
}
