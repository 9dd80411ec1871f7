package main

import (
	"context"
	"fmt"
	"log"

	"nano-cb-go/nanocb"
)

func main() {
	// A small pool so the prompts below compete for blocks
	config, err := nanocb.NewSchedulerConfig(
		nanocb.WithMaxNumBatchedTokens(32),
		nanocb.WithNumKVBlocks(64),
		nanocb.WithBlockSize(8),
	)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// The mock runner keeps token history in a paged cache and derives
	// deterministic logits from it
	runner := nanocb.NewMockModelRunner(config, nanocb.MockVocabSize, nil)
	tokenizer := nanocb.NewMockTokenizer(nanocb.MockEOSTokenID)

	pipe, err := nanocb.NewPipelineWithComponents(config, runner, tokenizer, nanocb.WithProgressBar(true))
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}
	defer pipe.Close()

	intro := pipe.GetModelIntrospection()
	fmt.Printf("Backend: %s, paged attention: %v\n", intro.Backend, intro.HasPagedAttention)

	greedy := nanocb.GreedyConfig()
	greedy.MaxNewTokens = 32

	beam := nanocb.BeamSearchConfig(2, 2)
	beam.MaxNewTokens = 16

	sampling := nanocb.MultinomialConfig()
	sampling.MaxNewTokens = 24

	prompts := []string{
		"Hello, continuous batching!",
		"What is OpenVINO?",
		"Explain paged attention in simple terms.",
	}
	configs := []nanocb.DecodingConfig{greedy, beam, sampling}

	fmt.Println("Starting generation...")
	results, err := pipe.Generate(context.Background(), prompts, configs)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, res := range results {
		fmt.Printf("\nPrompt %d: %s (%s)\n", i+1, prompts[i], res.Status)
		for j, text := range res.Texts {
			fmt.Printf("  [%d] score %.3f, %d tokens, %s: %q\n",
				j, res.Scores[j], len(res.TokenIDs[j]), res.FinishReasons[j], text)
		}
	}
	fmt.Printf("\nFree blocks after generate: %d\n", pipe.NumFreeBlocks())
}
