package nanocb

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const defaultTokenCacheSize = 1024

type pipelineOptions struct {
	runner         ModelRunner
	tokenizer      Tokenizer
	progress       bool
	tokenCacheSize int
	decoding       DecodingConfig
	closers        []func() error
}

// PipelineOption is a functional option for NewPipeline
type PipelineOption func(*pipelineOptions)

// WithModelRunner replaces the runner the backend would build
func WithModelRunner(r ModelRunner) PipelineOption {
	return func(o *pipelineOptions) {
		o.runner = r
	}
}

// WithTokenizer replaces the tokenizer the backend would build
func WithTokenizer(t Tokenizer) PipelineOption {
	return func(o *pipelineOptions) {
		o.tokenizer = t
	}
}

// WithProgressBar shows a progress bar during Generate
func WithProgressBar(b bool) PipelineOption {
	return func(o *pipelineOptions) {
		o.progress = b
	}
}

// WithTokenCacheSize sets how many encoded prompts are cached; 0 disables the cache
func WithTokenCacheSize(n int) PipelineOption {
	return func(o *pipelineOptions) {
		o.tokenCacheSize = n
	}
}

// WithDefaultDecoding sets the config returned by GetConfig
func WithDefaultDecoding(dc DecodingConfig) PipelineOption {
	return func(o *pipelineOptions) {
		o.decoding = dc
	}
}

// WithCloser registers cleanup run by Close, after the runner is closed
func WithCloser(fn func() error) PipelineOption {
	return func(o *pipelineOptions) {
		o.closers = append(o.closers, fn)
	}
}

// Pipeline is the user-facing API for the inference engine
type Pipeline struct {
	*LLMEngine
	info       ModelInfo
	progress   bool
	decoding   DecodingConfig
	tokenCache *lru.Cache[string, []int]
	closers    []func() error
}

// NewPipeline loads the model directory at modelPath with its registered
// backend. The directory must declare the paged attention layout.
func NewPipeline(modelPath string, config SchedulerConfig, opts ...PipelineOption) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	info, err := LoadModelInfo(modelPath)
	if err != nil {
		return nil, err
	}

	o := newPipelineOptions(opts)
	if o.runner == nil || o.tokenizer == nil {
		factory, ok := lookupBackend(info.Backend)
		if !ok {
			return nil, fmt.Errorf("%w: unknown backend %q (registered: %v)", ErrModelLoad, info.Backend, Backends())
		}
		runner, tokenizer, err := factory(info, config)
		if err != nil {
			return nil, fmt.Errorf("%w: backend %s: %v", ErrModelLoad, info.Backend, err)
		}
		if o.runner == nil {
			o.runner = runner
		} else if runner != nil {
			o.closers = append(o.closers, runner.Close)
		}
		if o.tokenizer == nil {
			o.tokenizer = tokenizer
		}
	}
	if o.tokenizer == nil {
		return nil, fmt.Errorf("%w: backend %s provides no tokenizer", ErrModelLoad, info.Backend)
	}
	return newPipeline(info, config, o)
}

// NewPipelineWithComponents creates a pipeline with custom components
func NewPipelineWithComponents(config SchedulerConfig, modelRunner ModelRunner, tokenizer Tokenizer, opts ...PipelineOption) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := newPipelineOptions(opts)
	o.runner, o.tokenizer = modelRunner, tokenizer
	info := ModelInfo{Backend: modelRunner.Introspect().Backend, AttentionLayout: PagedAttentionLayout}
	return newPipeline(info, config, o)
}

func newPipelineOptions(opts []PipelineOption) *pipelineOptions {
	o := &pipelineOptions{
		tokenCacheSize: defaultTokenCacheSize,
		decoding:       DefaultDecodingConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newPipeline(info ModelInfo, config SchedulerConfig, o *pipelineOptions) (*Pipeline, error) {
	p := &Pipeline{
		LLMEngine: NewLLMEngine(config, o.runner, o.tokenizer),
		info:      info,
		progress:  o.progress,
		decoding:  o.decoding,
		closers:   o.closers,
	}
	if o.tokenCacheSize > 0 {
		cache, err := lru.New[string, []int](o.tokenCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create token cache: %w", err)
		}
		p.tokenCache = cache
	}
	return p, nil
}

// Close releases the runner and every registered closer
func (p *Pipeline) Close() error {
	err := p.LLMEngine.Close()
	for _, fn := range p.closers {
		err = multierr.Append(err, fn())
	}
	return err
}

// GetModelIntrospection reports whether the loaded model uses paged attention
func (p *Pipeline) GetModelIntrospection() ModelIntrospection {
	return p.modelRunner.Introspect()
}

// GetTokenizer returns the tokenizer in use
func (p *Pipeline) GetTokenizer() Tokenizer {
	return p.tokenizer
}

// GetConfig returns the default decoding config of the model
func (p *Pipeline) GetConfig() DecodingConfig {
	dc := p.decoding
	if dc.EOSTokenID == UnsetTokenID {
		dc.EOSTokenID = p.tokenizer.EOSTokenID()
	}
	return dc
}

// GetSchedulerConfig returns the scheduler settings
func (p *Pipeline) GetSchedulerConfig() SchedulerConfig {
	return p.config
}

// ModelInfo returns the descriptor the pipeline was loaded from
func (p *Pipeline) ModelInfo() ModelInfo {
	return p.info
}

// Encode tokenizes prompt through the prompt cache
func (p *Pipeline) Encode(prompt string) ([]int, error) {
	if p.tokenCache != nil {
		if ids, ok := p.tokenCache.Get(prompt); ok {
			return slices.Clone(ids), nil
		}
	}
	ids, err := p.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt: %w", err)
	}
	if p.tokenCache != nil {
		p.tokenCache.Add(prompt, slices.Clone(ids))
	}
	return ids, nil
}

// Submit encodes prompt and adds it to the engine
func (p *Pipeline) Submit(prompt string, cfg DecodingConfig) (*RequestHandle, error) {
	ids, err := p.Encode(prompt)
	if err != nil {
		return p.failedHandle(err), err
	}
	return p.AddRequestTokens(prompt, ids, cfg)
}

// Generate runs every prompt to completion and returns one result per
// prompt, in order. Requests that cannot be admitted come back FAILED with
// their error; a model failure aborts the whole call.
func (p *Pipeline) Generate(ctx context.Context, prompts []string, configs []DecodingConfig) ([]GenerationResult, error) {
	if len(prompts) != len(configs) {
		return nil, fmt.Errorf("%w: %d prompts, %d configs", ErrPromptCountMismatch, len(prompts), len(configs))
	}

	encoded := make([][]int, len(prompts))
	encodeErrs := make([]error, len(prompts))
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i, prompt := range prompts {
		eg.Go(func() error {
			encoded[i], encodeErrs[i] = p.Encode(prompt)
			return nil
		})
	}
	_ = eg.Wait()

	handles := make([]*RequestHandle, len(prompts))
	for i, prompt := range prompts {
		if encodeErrs[i] != nil {
			handles[i] = p.failedHandle(encodeErrs[i])
			continue
		}
		// Admission errors are carried by the handle's result.
		handles[i], _ = p.AddRequestTokens(prompt, encoded[i], configs[i])
	}

	var bar *progressbar.ProgressBar
	if p.progress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	cancelAll := func() {
		for _, h := range handles {
			h.Cancel()
		}
	}

	remaining := 0
	for _, h := range handles {
		if _, ok := h.Result(); !ok {
			remaining++
		} else if bar != nil {
			bar.Add(1)
		}
	}

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			cancelAll()
			return nil, err
		}

		start := time.Now()
		stepResults, err := p.Step(ctx)
		if err != nil {
			cancelAll()
			return nil, err
		}

		done := 0
		for _, h := range handles {
			if _, ok := h.Result(); ok {
				done++
			}
		}
		if bar != nil {
			bar.Describe(fmt.Sprintf("Generating [%d done this step, %s]", len(stepResults), time.Since(start).Round(time.Millisecond)))
			bar.Add(remaining - (len(handles) - done))
		}
		remaining = len(handles) - done
	}

	if bar != nil {
		bar.Finish()
	}

	results := make([]GenerationResult, len(handles))
	for i, h := range handles {
		results[i], _ = h.Result()
	}
	return results, nil
}
