package nanocb

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig holds the process-wide batching and cache settings.
// It is immutable once a pipeline has been built from it.
type SchedulerConfig struct {
	DynamicSplitFuse    bool `yaml:"dynamic_split_fuse"`
	MaxNumBatchedTokens int  `yaml:"max_num_batched_tokens"`
	MaxNumSeqs          int  `yaml:"max_num_seqs"`
	NumKVBlocks         int  `yaml:"num_kv_blocks"`
	BlockSize           int  `yaml:"block_size"`
	MaxPaddings         int  `yaml:"max_paddings"`
}

// ConfigOption is a functional option for SchedulerConfig
type ConfigOption func(*SchedulerConfig)

// DefaultSchedulerConfig returns the default scheduler settings
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DynamicSplitFuse:    true,
		MaxNumBatchedTokens: 256,
		MaxNumSeqs:          256,
		NumKVBlocks:         500,
		BlockSize:           32,
		MaxPaddings:         256,
	}
}

// NewSchedulerConfig creates a SchedulerConfig from the defaults and opts
func NewSchedulerConfig(opts ...ConfigOption) (SchedulerConfig, error) {
	c := DefaultSchedulerConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return SchedulerConfig{}, err
	}
	return c, nil
}

// LoadSchedulerConfig reads a YAML file on top of the defaults. Keys absent
// from the file keep their default value.
func LoadSchedulerConfig(path string, opts ...ConfigOption) (SchedulerConfig, error) {
	c := DefaultSchedulerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("failed to read scheduler config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return SchedulerConfig{}, fmt.Errorf("failed to parse scheduler config %s: %w", path, err)
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return SchedulerConfig{}, err
	}
	return c, nil
}

// Validate checks if the configuration is valid
func (c SchedulerConfig) Validate() error {
	if c.MaxNumBatchedTokens <= 0 {
		return configErrorf("max_num_batched_tokens", "must be positive, got %d", c.MaxNumBatchedTokens)
	}
	if c.MaxNumSeqs <= 0 {
		return configErrorf("max_num_seqs", "must be positive, got %d", c.MaxNumSeqs)
	}
	if c.NumKVBlocks <= 0 {
		return configErrorf("num_kv_blocks", "must be positive, got %d", c.NumKVBlocks)
	}
	if c.BlockSize <= 0 {
		return configErrorf("block_size", "must be positive, got %d", c.BlockSize)
	}
	if c.MaxPaddings < 0 {
		return configErrorf("max_paddings", "must not be negative, got %d", c.MaxPaddings)
	}
	return nil
}

// WithDynamicSplitFuse toggles chunked prefill fused with decode tokens
func WithDynamicSplitFuse(b bool) ConfigOption {
	return func(c *SchedulerConfig) {
		c.DynamicSplitFuse = b
	}
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *SchedulerConfig) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *SchedulerConfig) {
		c.MaxNumSeqs = n
	}
}

// WithNumKVBlocks sets the number of KV cache blocks
func WithNumKVBlocks(n int) ConfigOption {
	return func(c *SchedulerConfig) {
		c.NumKVBlocks = n
	}
}

// WithBlockSize sets the number of token positions per block
func WithBlockSize(n int) ConfigOption {
	return func(c *SchedulerConfig) {
		c.BlockSize = n
	}
}

// WithMaxPaddings sets the padding cap for prompt batches without split-fuse
func WithMaxPaddings(n int) ConfigOption {
	return func(c *SchedulerConfig) {
		c.MaxPaddings = n
	}
}
