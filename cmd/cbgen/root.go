package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nano-cb-go/nanocb"
)

var (
	logLevel        string // Log verbosity level
	modelDir        string // Model directory holding model_info.json
	schedulerConfig string // Optional YAML scheduler config
	tokenizerDir    string // Overrides the backend's tokenizer
	progress        bool   // Show a progress bar during generate

	// Scheduler overrides, applied on top of the defaults or the YAML file
	maxNumBatchedTokens int
	maxNumSeqs          int
	numKVBlocks         int
	blockSize           int
	noSplitFuse         bool
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "cbgen",
	Short:         "Continuous batching text generation",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")
	flags.StringVarP(&modelDir, "model", "m", "", "Model directory; empty runs the built-in mock model")
	flags.StringVar(&schedulerConfig, "scheduler-config", "", "YAML file with scheduler settings")
	flags.StringVar(&tokenizerDir, "tokenizer", "", "Tokenizer directory overriding the backend's")
	flags.BoolVar(&progress, "progress", false, "Show a progress bar while generating")

	flags.IntVar(&maxNumBatchedTokens, "max-num-batched-tokens", 0, "Token budget per step")
	flags.IntVar(&maxNumSeqs, "max-num-seqs", 0, "Sequence budget per step")
	flags.IntVar(&numKVBlocks, "num-kv-blocks", 0, "Number of KV cache blocks")
	flags.IntVar(&blockSize, "block-size", 0, "Tokens per KV cache block")
	flags.BoolVar(&noSplitFuse, "no-split-fuse", false, "Schedule prompts and decodes in separate steps")
}

// loadSchedulerConfig merges the YAML file and the override flags.
func loadSchedulerConfig(cmd *cobra.Command) (nanocb.SchedulerConfig, error) {
	var opts []nanocb.ConfigOption
	if maxNumBatchedTokens > 0 {
		opts = append(opts, nanocb.WithMaxNumBatchedTokens(maxNumBatchedTokens))
	}
	if maxNumSeqs > 0 {
		opts = append(opts, nanocb.WithMaxNumSeqs(maxNumSeqs))
	}
	if numKVBlocks > 0 {
		opts = append(opts, nanocb.WithNumKVBlocks(numKVBlocks))
	}
	if blockSize > 0 {
		opts = append(opts, nanocb.WithBlockSize(blockSize))
	}
	if cmd.Flags().Changed("no-split-fuse") {
		opts = append(opts, nanocb.WithDynamicSplitFuse(!noSplitFuse))
	}

	if schedulerConfig != "" {
		return nanocb.LoadSchedulerConfig(schedulerConfig, opts...)
	}
	return nanocb.NewSchedulerConfig(opts...)
}

// loadPipeline builds the pipeline named by the global flags.
func loadPipeline(cmd *cobra.Command) (*nanocb.Pipeline, error) {
	cfg, err := loadSchedulerConfig(cmd)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("scheduler config: %+v", cfg)

	opts := []nanocb.PipelineOption{nanocb.WithProgressBar(progress)}
	var tok nanocb.Tokenizer
	if tokenizerDir != "" {
		if tok, err = loadTokenizer(tokenizerDir); err != nil {
			return nil, err
		}
		opts = append(opts, nanocb.WithTokenizer(tok))
		if c, ok := tok.(interface{ Close() error }); ok {
			opts = append(opts, nanocb.WithCloser(c.Close))
		}
	}

	if modelDir == "" {
		if tok == nil {
			tok = nanocb.NewMockTokenizer(nanocb.MockEOSTokenID)
		}
		runner := nanocb.NewMockModelRunner(cfg, nanocb.MockVocabSize, nil)
		return nanocb.NewPipelineWithComponents(cfg, runner, tok, opts...)
	}
	return nanocb.NewPipeline(modelDir, cfg, opts...)
}
