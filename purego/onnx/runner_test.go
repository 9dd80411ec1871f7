package onnx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-cb-go/nanocb"
)

func TestNewBackendNeedsModelFile(t *testing.T) {
	_, _, err := newBackend(nanocb.ModelInfo{Backend: "onnx", AttentionLayout: nanocb.PagedAttentionLayout}, nanocb.DefaultSchedulerConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_file")
}

func TestNewModelRunnerMissingModel(t *testing.T) {
	// Fails either loading the runtime or opening the graph.
	_, err := NewModelRunner(filepath.Join(t.TempDir(), "model.onnx"), nanocb.DefaultSchedulerConfig(), 0)
	require.Error(t, err)
}

func TestBackendRegistered(t *testing.T) {
	assert.Contains(t, nanocb.Backends(), "onnx")
	assert.Contains(t, nanocb.Backends(), "http")
}

func TestCheckGraph(t *testing.T) {
	assert.NoError(t, checkGraph([]string{"input_ids", "attention_mask", "position_ids"}, []string{"logits"}))

	err := checkGraph([]string{"input_ids", "past_lens", "block_indices"}, []string{"logits"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block_indices")
	assert.Contains(t, err.Error(), "past_lens")

	err = checkGraph([]string{"attention_mask"}, []string{"logits"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input_ids")
}
