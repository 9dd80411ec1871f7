package nanocb

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NoLimit disables MaxNewTokens or MaxLength.
const NoLimit = -1

// UnsetTokenID marks an eos or pad id that should come from the tokenizer.
const UnsetTokenID = -1

// StopCriteria controls when a beam-search diversity group is considered done.
type StopCriteria int

const (
	// StopHeuristic stops a group once no running beam can beat its worst finished hypothesis.
	StopHeuristic StopCriteria = iota
	// StopEarly stops a group as soon as its pool of finished hypotheses is full.
	StopEarly
	// StopNever keeps searching until the best possible score at max length cannot win.
	StopNever
)

func (s StopCriteria) String() string {
	switch s {
	case StopEarly:
		return "early"
	case StopNever:
		return "never"
	default:
		return "heuristic"
	}
}

// ParseStopCriteria parses "early", "heuristic" or "never".
func ParseStopCriteria(s string) (StopCriteria, error) {
	switch strings.ToLower(s) {
	case "", "heuristic":
		return StopHeuristic, nil
	case "early":
		return StopEarly, nil
	case "never":
		return StopNever, nil
	}
	return StopHeuristic, configErrorf("stop_criteria", "unknown value %q", s)
}

// Strategy is one of Greedy, BeamSearch or Sampling.
type Strategy interface {
	strategyName() string
}

// Greedy picks the highest scoring token at every step.
type Greedy struct{}

// BeamSearch runs group beam search with NumGroups diversity groups of GroupSize beams.
type BeamSearch struct {
	NumGroups          int
	GroupSize          int
	DiversityPenalty   float64
	LengthPenalty      float64
	NumReturnSequences int
	StopCriteria       StopCriteria
}

// Sampling draws tokens from the temperature scaled, top-k and top-p filtered distribution.
type Sampling struct {
	Temperature        float64
	TopK               int
	TopP               float64
	Seed               int64
	NumReturnSequences int
}

func (Greedy) strategyName() string     { return "greedy" }
func (BeamSearch) strategyName() string { return "beam_search" }
func (Sampling) strategyName() string   { return "multinomial" }

// NewBeamSearch returns beam search settings with the usual defaults.
func NewBeamSearch(numGroups, groupSize int) BeamSearch {
	return BeamSearch{
		NumGroups:          numGroups,
		GroupSize:          groupSize,
		DiversityPenalty:   1.0,
		LengthPenalty:      1.0,
		NumReturnSequences: 1,
		StopCriteria:       StopHeuristic,
	}
}

// NewSampling returns multinomial sampling settings with no filtering.
func NewSampling() Sampling {
	return Sampling{
		Temperature:        1.0,
		TopK:               0,
		TopP:               1.0,
		NumReturnSequences: 1,
	}
}

// DecodingConfig holds the per-request generation settings
type DecodingConfig struct {
	Strategy          Strategy
	MaxNewTokens      int
	MaxLength         int
	EOSTokenID        int
	PadTokenID        int
	IgnoreEOS         bool
	RepetitionPenalty float64
	NoRepeatNgramSize int
}

// DecodingOption is a functional option for DecodingConfig
type DecodingOption func(*DecodingConfig)

// DefaultDecodingConfig returns a greedy config generating up to 64 tokens
func DefaultDecodingConfig() DecodingConfig {
	return DecodingConfig{
		Strategy:          Greedy{},
		MaxNewTokens:      64,
		MaxLength:         NoLimit,
		EOSTokenID:        UnsetTokenID,
		PadTokenID:        UnsetTokenID,
		RepetitionPenalty: 1.0,
	}
}

// NewDecodingConfig creates a DecodingConfig with default values
func NewDecodingConfig(opts ...DecodingOption) (DecodingConfig, error) {
	dc := DefaultDecodingConfig()
	for _, opt := range opts {
		opt(&dc)
	}
	if err := dc.Validate(); err != nil {
		return DecodingConfig{}, err
	}
	return dc, nil
}

// GreedyConfig is shorthand for the default greedy config.
func GreedyConfig() DecodingConfig {
	return DefaultDecodingConfig()
}

// BeamSearchConfig is shorthand for a beam search config with default penalties.
func BeamSearchConfig(numGroups, groupSize int) DecodingConfig {
	dc := DefaultDecodingConfig()
	dc.Strategy = NewBeamSearch(numGroups, groupSize)
	return dc
}

// MultinomialConfig is shorthand for an unfiltered sampling config.
func MultinomialConfig() DecodingConfig {
	dc := DefaultDecodingConfig()
	dc.Strategy = NewSampling()
	return dc
}

// Validate checks if the decoding config is valid
func (dc DecodingConfig) Validate() error {
	if dc.MaxNewTokens < NoLimit {
		return configErrorf("max_new_tokens", "must be >= 0 or NoLimit, got %d", dc.MaxNewTokens)
	}
	if dc.MaxLength < NoLimit {
		return configErrorf("max_length", "must be >= 0 or NoLimit, got %d", dc.MaxLength)
	}
	if dc.RepetitionPenalty <= 0 {
		return configErrorf("repetition_penalty", "must be positive, got %g", dc.RepetitionPenalty)
	}
	if dc.NoRepeatNgramSize < 0 {
		return configErrorf("no_repeat_ngram_size", "must not be negative, got %d", dc.NoRepeatNgramSize)
	}

	switch s := dc.strategy().(type) {
	case Greedy:
	case BeamSearch:
		if s.NumGroups < 1 {
			return configErrorf("num_groups", "must be at least 1, got %d", s.NumGroups)
		}
		if s.GroupSize < 1 {
			return configErrorf("group_size", "must be at least 1, got %d", s.GroupSize)
		}
		if s.NumReturnSequences < 1 || s.NumReturnSequences > s.NumGroups*s.GroupSize {
			return configErrorf("num_return_sequences", "must be in [1, %d], got %d", s.NumGroups*s.GroupSize, s.NumReturnSequences)
		}
		if s.DiversityPenalty < 0 {
			return configErrorf("diversity_penalty", "must not be negative, got %g", s.DiversityPenalty)
		}
	case Sampling:
		if s.Temperature <= 1e-10 {
			return configErrorf("temperature", "must be positive, got %g", s.Temperature)
		}
		if s.TopK < 0 {
			return configErrorf("top_k", "must not be negative, got %d", s.TopK)
		}
		if s.TopP <= 0 || s.TopP > 1 {
			return configErrorf("top_p", "must be in (0, 1], got %g", s.TopP)
		}
		if s.NumReturnSequences < 1 {
			return configErrorf("num_return_sequences", "must be at least 1, got %d", s.NumReturnSequences)
		}
	default:
		return configErrorf("strategy", "unsupported %T", s)
	}
	return nil
}

// strategy treats a nil Strategy as Greedy. The zero DecodingConfig still
// needs a RepetitionPenalty; start from DefaultDecodingConfig.
func (dc DecodingConfig) strategy() Strategy {
	if dc.Strategy == nil {
		return Greedy{}
	}
	return dc.Strategy
}

// Width is the most sequences a request can have alive at once.
func (dc DecodingConfig) Width() int {
	switch s := dc.strategy().(type) {
	case BeamSearch:
		return s.NumGroups * s.GroupSize
	case Sampling:
		return s.NumReturnSequences
	default:
		return 1
	}
}

// NumReturnSequences is the number of outputs a finished request carries.
func (dc DecodingConfig) NumReturnSequences() int {
	switch s := dc.strategy().(type) {
	case BeamSearch:
		return s.NumReturnSequences
	case Sampling:
		return s.NumReturnSequences
	default:
		return 1
	}
}

// maxGeneratedTokens resolves MaxNewTokens and MaxLength against a prompt.
// MaxNewTokens wins when both are set. NoLimit means unbounded.
func (dc DecodingConfig) maxGeneratedTokens(promptLen int) int {
	if dc.MaxNewTokens != NoLimit {
		return dc.MaxNewTokens
	}
	if dc.MaxLength != NoLimit {
		return max(dc.MaxLength-promptLen, 0)
	}
	return NoLimit
}

// WithStrategy sets the decoding strategy
func WithStrategy(s Strategy) DecodingOption {
	return func(dc *DecodingConfig) {
		dc.Strategy = s
	}
}

// WithMaxNewTokens sets the maximum number of tokens to generate
func WithMaxNewTokens(n int) DecodingOption {
	return func(dc *DecodingConfig) {
		dc.MaxNewTokens = n
	}
}

// WithMaxLength caps prompt plus generated length
func WithMaxLength(n int) DecodingOption {
	return func(dc *DecodingConfig) {
		dc.MaxLength = n
	}
}

// WithEOSTokenID overrides the tokenizer's eos id
func WithEOSTokenID(id int) DecodingOption {
	return func(dc *DecodingConfig) {
		dc.EOSTokenID = id
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) DecodingOption {
	return func(dc *DecodingConfig) {
		dc.IgnoreEOS = b
	}
}

// WithRepetitionPenalty sets the repetition penalty
func WithRepetitionPenalty(p float64) DecodingOption {
	return func(dc *DecodingConfig) {
		dc.RepetitionPenalty = p
	}
}

// WithNoRepeatNgramSize bans repeating any n-gram of this size
func WithNoRepeatNgramSize(n int) DecodingOption {
	return func(dc *DecodingConfig) {
		dc.NoRepeatNgramSize = n
	}
}

// DecodingSpec is the serialized form of a DecodingConfig used by YAML
// request files and the REST API. Nil fields keep their defaults.
type DecodingSpec struct {
	Strategy           string   `yaml:"strategy" json:"strategy"`
	MaxNewTokens       *int     `yaml:"max_new_tokens" json:"max_new_tokens,omitempty"`
	MaxLength          *int     `yaml:"max_length" json:"max_length,omitempty"`
	EOSTokenID         *int     `yaml:"eos_token_id" json:"eos_token_id,omitempty"`
	IgnoreEOS          bool     `yaml:"ignore_eos" json:"ignore_eos,omitempty"`
	RepetitionPenalty  *float64 `yaml:"repetition_penalty" json:"repetition_penalty,omitempty"`
	NoRepeatNgramSize  int      `yaml:"no_repeat_ngram_size" json:"no_repeat_ngram_size,omitempty"`
	NumGroups          int      `yaml:"num_groups" json:"num_groups,omitempty"`
	GroupSize          int      `yaml:"group_size" json:"group_size,omitempty"`
	DiversityPenalty   *float64 `yaml:"diversity_penalty" json:"diversity_penalty,omitempty"`
	LengthPenalty      *float64 `yaml:"length_penalty" json:"length_penalty,omitempty"`
	StopCriteria       string   `yaml:"stop_criteria" json:"stop_criteria,omitempty"`
	NumReturnSequences int      `yaml:"num_return_sequences" json:"num_return_sequences,omitempty"`
	Temperature        *float64 `yaml:"temperature" json:"temperature,omitempty"`
	TopK               int      `yaml:"top_k" json:"top_k,omitempty"`
	TopP               *float64 `yaml:"top_p" json:"top_p,omitempty"`
	Seed               int64    `yaml:"seed" json:"seed,omitempty"`
}

// Build converts the spec into a validated DecodingConfig.
func (s DecodingSpec) Build() (DecodingConfig, error) {
	dc := DefaultDecodingConfig()
	if s.MaxNewTokens != nil {
		dc.MaxNewTokens = *s.MaxNewTokens
	}
	if s.MaxLength != nil {
		dc.MaxLength = *s.MaxLength
	}
	if s.EOSTokenID != nil {
		dc.EOSTokenID = *s.EOSTokenID
	}
	if s.RepetitionPenalty != nil {
		dc.RepetitionPenalty = *s.RepetitionPenalty
	}
	dc.IgnoreEOS = s.IgnoreEOS
	dc.NoRepeatNgramSize = s.NoRepeatNgramSize

	switch strings.ToLower(s.Strategy) {
	case "", "greedy":
		dc.Strategy = Greedy{}
	case "beam_search", "beam":
		bs := NewBeamSearch(max(s.NumGroups, 1), max(s.GroupSize, 1))
		if s.DiversityPenalty != nil {
			bs.DiversityPenalty = *s.DiversityPenalty
		}
		if s.LengthPenalty != nil {
			bs.LengthPenalty = *s.LengthPenalty
		}
		if s.NumReturnSequences > 0 {
			bs.NumReturnSequences = s.NumReturnSequences
		}
		sc, err := ParseStopCriteria(s.StopCriteria)
		if err != nil {
			return DecodingConfig{}, err
		}
		bs.StopCriteria = sc
		dc.Strategy = bs
	case "multinomial", "sampling":
		sp := NewSampling()
		if s.Temperature != nil {
			sp.Temperature = *s.Temperature
		}
		if s.TopP != nil {
			sp.TopP = *s.TopP
		}
		sp.TopK = s.TopK
		sp.Seed = s.Seed
		if s.NumReturnSequences > 0 {
			sp.NumReturnSequences = s.NumReturnSequences
		}
		dc.Strategy = sp
	default:
		return DecodingConfig{}, configErrorf("strategy", "unknown value %q", s.Strategy)
	}

	if err := dc.Validate(); err != nil {
		return DecodingConfig{}, err
	}
	return dc, nil
}

// RequestSpec is one entry of a YAML request file.
type RequestSpec struct {
	Prompt   string       `yaml:"prompt" json:"prompt"`
	Decoding DecodingSpec `yaml:"decoding" json:"decoding"`
}

// LoadRequests reads a YAML list of prompts with their decoding settings.
func LoadRequests(path string) ([]string, []DecodingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read request file: %w", err)
	}
	var specs []RequestSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, nil, fmt.Errorf("failed to parse request file %s: %w", path, err)
	}

	prompts := make([]string, len(specs))
	configs := make([]DecodingConfig, len(specs))
	for i, s := range specs {
		dc, err := s.Decoding.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("request %d: %w", i, err)
		}
		prompts[i] = s.Prompt
		configs[i] = dc
	}
	return prompts, configs, nil
}
