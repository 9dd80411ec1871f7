// Package onnx runs causal language models exported to ONNX behind the
// engine's paged cache.
package onnx

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"nano-cb-go/nanocb"
	"nano-cb-go/purego"
)

// SharedLibraryEnv names the onnxruntime shared library to load.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Input names recognized in exported graphs.
const (
	inputIDs      = "input_ids"
	attentionMask = "attention_mask"
	positionIDs   = "position_ids"
	outputLogits  = "logits"
)

// pagedInputs are the inputs of a graph compiled with paged attention. The
// runner does not feed them, so such graphs are refused.
var pagedInputs = []string{"block_indices", "block_indices_begins", "past_lens", "subsequence_begins"}

// checkGraph verifies the graph has what Forward drives and nothing it cannot.
func checkGraph(inputs, outputs []string) error {
	if !slices.Contains(inputs, inputIDs) || !slices.Contains(outputs, outputLogits) {
		return fmt.Errorf("needs %s input and %s output, has %v -> %v", inputIDs, outputLogits, inputs, outputs)
	}
	var paged []string
	for _, name := range pagedInputs {
		if slices.Contains(inputs, name) {
			paged = append(paged, name)
		}
	}
	if len(paged) > 0 {
		return fmt.Errorf("paged attention inputs %v are not supported, export the graph without them", paged)
	}
	return nil
}

var initOnce sync.Once
var initErr error

func initRuntime() error {
	initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if lib := os.Getenv(SharedLibraryEnv); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// ModelRunner implements nanocb.ModelRunner with ONNX Runtime. Token
// history lives in a PagedKVCache addressed by the scheduler's block tables,
// and every sampled entry recomputes its logits from the gathered history.
type ModelRunner struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	options   *ort.SessionOptions
	inputs    []string
	outputs   []string
	vocabSize int
	cache     *nanocb.PagedKVCache
}

// NewModelRunner opens modelPath and checks it has the inputs and logits
// output the runner drives.
func NewModelRunner(modelPath string, config nanocb.SchedulerConfig, vocabSize int) (*ModelRunner, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", modelPath, err)
	}
	m := &ModelRunner{
		vocabSize: vocabSize,
		cache:     nanocb.NewPagedKVCache(config.NumKVBlocks, config.BlockSize),
	}
	for _, in := range inputInfo {
		m.inputs = append(m.inputs, in.Name)
	}
	for _, out := range outputInfo {
		m.outputs = append(m.outputs, out.Name)
		if out.Name == outputLogits && m.vocabSize == 0 {
			if dims := out.Dimensions; len(dims) > 0 && dims[len(dims)-1] > 0 {
				m.vocabSize = int(dims[len(dims)-1])
			}
		}
	}
	if err := checkGraph(m.inputs, m.outputs); err != nil {
		return nil, fmt.Errorf("%s: %w", modelPath, err)
	}
	if m.vocabSize <= 0 {
		return nil, fmt.Errorf("%s: vocab size unknown, set vocab_size in %s", modelPath, nanocb.ModelInfoFile)
	}

	m.options, err = ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := m.options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		m.options.Destroy()
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	driven := []string{inputIDs}
	for _, name := range []string{attentionMask, positionIDs} {
		if slices.Contains(m.inputs, name) {
			driven = append(driven, name)
		}
	}
	m.session, err = ort.NewDynamicAdvancedSession(modelPath, driven, []string{outputLogits}, m.options)
	if err != nil {
		m.options.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.inputs = driven

	logrus.Infof("loaded ONNX model %s (vocab: %d, inputs: %s)",
		modelPath, m.vocabSize, strings.Join(m.inputs, ","))
	return m, nil
}

// Forward writes the batch into the token cache and runs the graph for
// every entry that samples.
func (m *ModelRunner) Forward(ctx context.Context, batch *nanocb.Batch) ([][]float32, error) {
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
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		history, err := m.cache.Gather(s.BlockTable, s.StartPos+len(s.TokenIDs))
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", s.SeqID, err)
		}
		if out[i], err = m.lastLogits(history); err != nil {
			return nil, fmt.Errorf("sequence %d: %w", s.SeqID, err)
		}
	}
	return out, nil
}

// lastLogits runs the graph over tokens and returns the logits of the last
// position.
func (m *ModelRunner) lastLogits(tokens []int) ([]float32, error) {
	n := int64(len(tokens))
	shape := ort.NewShape(1, n)

	ids := make([]int64, n)
	for i, t := range tokens {
		ids[i] = int64(t)
	}

	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, name := range m.inputs {
		data := make([]int64, n)
		switch name {
		case inputIDs:
			copy(data, ids)
		case attentionMask:
			for i := range data {
				data[i] = 1
			}
		case positionIDs:
			for i := range data {
				data[i] = int64(i)
			}
		}
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		inputs = append(inputs, tensor)
	}

	logits, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n, int64(m.vocabSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer logits.Destroy()

	if err := m.session.Run(inputs, []ort.Value{logits}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := logits.GetData()
	last := (len(tokens) - 1) * m.vocabSize
	return slices.Clone(data[last : last+m.vocabSize]), nil
}

// Introspect reports the graph's inputs and outputs. Paged graphs are
// refused at load, so HasPagedAttention is always false.
func (m *ModelRunner) Introspect() nanocb.ModelIntrospection {
	return nanocb.ModelIntrospection{
		Backend:   "onnx",
		Operators: append(slices.Clone(m.inputs), m.outputs...),
	}
}

// Close cleans up resources
func (m *ModelRunner) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	if m.options != nil {
		m.options.Destroy()
		m.options = nil
	}
	return err
}

func init() {
	nanocb.RegisterBackend("onnx", newBackend)
}

func newBackend(info nanocb.ModelInfo, config nanocb.SchedulerConfig) (nanocb.ModelRunner, nanocb.Tokenizer, error) {
	if info.ModelFile == "" {
		return nil, nil, fmt.Errorf("model_info.json has no model_file")
	}
	tokenizer, err := purego.LoadTokenizer(info, -1)
	if err != nil {
		return nil, nil, err
	}
	runner, err := NewModelRunner(info.Path(info.ModelFile), config, info.VocabSize)
	if err != nil {
		return nil, nil, err
	}
	return runner, tokenizer, nil
}
