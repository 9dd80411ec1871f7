package main

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"nano-cb-go/nanocb"
)

var (
	prompts      []string
	requestsFile string
	jsonOutput   bool
	decoding     nanocb.DecodingSpec
	maxNewTokens int
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate completions for a batch of prompts",
	Long: `Generate runs every prompt to completion in one continuous batch.
Prompts come from --prompt flags, all sharing the decoding flags, or from a
YAML request file giving each prompt its own decoding settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		texts, configs, err := loadRequests()
		if err != nil {
			return err
		}

		p, err := loadPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		results, err := p.Generate(cmd.Context(), texts, configs)
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(toReport(texts, results))
		}
		printResults(cmd, texts, results)
		return nil
	},
}

func init() {
	generateCmd.Flags().StringArrayVarP(&prompts, "prompt", "p", nil, "Prompt to complete (repeatable)")
	generateCmd.Flags().StringVarP(&requestsFile, "requests", "r", "", "YAML file with prompts and per-request decoding")
	generateCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	addDecodingFlags(generateCmd)
	rootCmd.AddCommand(generateCmd)
}

// addDecodingFlags binds the shared decoding flags of cmd to decoding.
func addDecodingFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&decoding.Strategy, "strategy", "greedy", "Decoding strategy (greedy, beam_search, multinomial)")
	f.IntVar(&maxNewTokens, "max-new-tokens", 64, "Maximum generated tokens per sequence")
	f.BoolVar(&decoding.IgnoreEOS, "ignore-eos", false, "Keep generating past the end of sequence token")
	f.IntVar(&decoding.NumGroups, "num-groups", 1, "Beam search groups")
	f.IntVar(&decoding.GroupSize, "group-size", 1, "Beams per group")
	f.StringVar(&decoding.StopCriteria, "stop-criteria", "heuristic", "Beam search stop rule (early, heuristic, never)")
	f.IntVar(&decoding.NumReturnSequences, "num-return-sequences", 0, "Sequences returned per prompt")
	f.IntVar(&decoding.TopK, "top-k", 0, "Top-k cutoff for multinomial sampling")
	f.Int64Var(&decoding.Seed, "seed", 0, "Sampling seed; 0 derives one from the request id")
	f.Var(optionalFloat{&decoding.Temperature}, "temperature", "Sampling temperature")
	f.Var(optionalFloat{&decoding.TopP}, "top-p", "Nucleus sampling cutoff in (0, 1]")
	f.Var(optionalFloat{&decoding.RepetitionPenalty}, "repetition-penalty", "Penalty for tokens already in the sequence; 1 disables it")
	f.Var(optionalFloat{&decoding.DiversityPenalty}, "diversity-penalty", "Penalty for tokens chosen by earlier beam groups")
	f.Var(optionalFloat{&decoding.LengthPenalty}, "length-penalty", "Exponent of the beam score length normalization")
	f.IntVar(&decoding.NoRepeatNgramSize, "no-repeat-ngram-size", 0, "Ban repeating n-grams of this size; 0 disables it")
}

// optionalFloat is a float flag that stays nil unless given, so the
// strategy's own default applies.
type optionalFloat struct {
	target **float64
}

func (o optionalFloat) String() string {
	if o.target == nil || *o.target == nil {
		return ""
	}
	return strconv.FormatFloat(**o.target, 'g', -1, 64)
}

func (o optionalFloat) Set(v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*o.target = &f
	return nil
}

func (o optionalFloat) Type() string {
	return "float"
}

func loadRequests() ([]string, []nanocb.DecodingConfig, error) {
	if requestsFile != "" {
		if len(prompts) > 0 {
			return nil, nil, fmt.Errorf("--prompt and --requests are mutually exclusive")
		}
		return nanocb.LoadRequests(requestsFile)
	}
	if len(prompts) == 0 {
		return nil, nil, fmt.Errorf("no prompts: pass --prompt or --requests")
	}
	dc, err := buildDecoding()
	if err != nil {
		return nil, nil, err
	}
	configs := make([]nanocb.DecodingConfig, len(prompts))
	for i := range configs {
		configs[i] = dc
	}
	return prompts, configs, nil
}

func buildDecoding() (nanocb.DecodingConfig, error) {
	spec := decoding
	spec.MaxNewTokens = &maxNewTokens
	return spec.Build()
}

type report struct {
	Prompt  string                `json:"prompt"`
	Status  string                `json:"status"`
	Error   string                `json:"error,omitempty"`
	Texts   []string              `json:"texts"`
	Tokens  [][]int               `json:"token_ids"`
	Scores  []float64             `json:"scores"`
	Reasons []nanocb.FinishReason `json:"finish_reasons"`
}

func toReport(texts []string, results []nanocb.GenerationResult) []report {
	out := make([]report, len(results))
	for i, res := range results {
		out[i] = report{
			Prompt:  texts[i],
			Status:  res.Status.String(),
			Texts:   res.Texts,
			Tokens:  res.TokenIDs,
			Scores:  res.Scores,
			Reasons: res.FinishReasons,
		}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	return out
}

func printResults(cmd *cobra.Command, texts []string, results []nanocb.GenerationResult) {
	w := cmd.OutOrStdout()
	for i, res := range results {
		fmt.Fprintf(w, "\nPrompt %d: %q\n", i+1, texts[i])
		if res.Err != nil {
			fmt.Fprintf(w, "  %s: %v\n", res.Status, res.Err)
			continue
		}
		for j, text := range res.Texts {
			fmt.Fprintf(w, "  [%d] score=%.4f finish=%s tokens=%d\n      %q\n",
				j, res.Scores[j], res.FinishReasons[j], len(res.TokenIDs[j]), text)
		}
	}
}
