package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"nano-cb-go/nanocb"
)

var (
	numRequests  int
	minInputLen  int
	maxInputLen  int
	minOutputLen int
	maxOutputLen int
	benchVocab   int
	benchSeed    uint64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure throughput on random prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if minInputLen < 1 || maxInputLen < minInputLen || maxOutputLen < minOutputLen || benchVocab <= 3 {
			return fmt.Errorf("invalid length ranges or vocab size")
		}
		p, err := loadPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Configuration:\n")
		fmt.Fprintf(w, "  Number of requests: %d\n", numRequests)
		fmt.Fprintf(w, "  Input length: %d-%d tokens\n", minInputLen, maxInputLen)
		fmt.Fprintf(w, "  Output length: %d-%d tokens\n", minOutputLen, maxOutputLen)
		fmt.Fprintf(w, "  Scheduler: %+v\n\n", p.GetSchedulerConfig())

		rng := rand.New(rand.NewPCG(benchSeed, benchSeed))
		handles := make([]*nanocb.RequestHandle, 0, numRequests)
		for i := 0; i < numRequests; i++ {
			tokens := make([]int, minInputLen+rng.IntN(maxInputLen-minInputLen+1))
			for j := range tokens {
				// ids below 3 are the mock tokenizer's specials
				tokens[j] = 3 + rng.IntN(benchVocab-3)
			}
			dc := nanocb.GreedyConfig()
			dc.MaxNewTokens = minOutputLen + rng.IntN(maxOutputLen-minOutputLen+1)
			dc.IgnoreEOS = true

			h, err := p.AddRequestTokens("", tokens, dc)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			handles = append(handles, h)
		}

		bar := progressbar.Default(int64(numRequests), "Benchmarking")
		start := time.Now()
		steps := 0
		for p.HasRunningRequests() {
			done, err := p.Step(cmd.Context())
			if err != nil {
				return err
			}
			steps++
			bar.Add(len(done))
		}
		bar.Finish()
		elapsed := time.Since(start).Seconds()

		totalOutputTokens, failed := 0, 0
		for _, h := range handles {
			res, _ := h.Result()
			if res.Status != nanocb.GroupFinished {
				failed++
			}
			for _, ids := range res.TokenIDs {
				totalOutputTokens += len(ids)
			}
		}

		fmt.Fprintln(w)
		fmt.Fprintln(w, "Benchmark Results:")
		fmt.Fprintln(w, "==================")
		fmt.Fprintf(w, "Total requests: %d (%d not finished)\n", numRequests, failed)
		fmt.Fprintf(w, "Total output tokens: %d\n", totalOutputTokens)
		fmt.Fprintf(w, "Steps: %d\n", steps)
		fmt.Fprintf(w, "Time elapsed: %.2f seconds\n", elapsed)
		fmt.Fprintf(w, "Throughput: %.2f tokens/sec\n", float64(totalOutputTokens)/elapsed)
		fmt.Fprintf(w, "Average latency: %.2f ms/request\n", elapsed*1000/float64(numRequests))
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&numRequests, "num-requests", 256, "Number of requests")
	f.IntVar(&minInputLen, "min-input-len", 100, "Minimum prompt length in tokens")
	f.IntVar(&maxInputLen, "max-input-len", 1024, "Maximum prompt length in tokens")
	f.IntVar(&minOutputLen, "min-output-len", 100, "Minimum output length in tokens")
	f.IntVar(&maxOutputLen, "max-output-len", 1024, "Maximum output length in tokens")
	f.IntVar(&benchVocab, "vocab-size", nanocb.MockVocabSize, "Prompt tokens are drawn below this id")
	f.Uint64Var(&benchSeed, "seed", 42, "Seed for prompt generation")
	rootCmd.AddCommand(benchCmd)
}
