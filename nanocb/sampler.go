package nanocb

import (
	"math"
	"slices"
)

// Sampler turns logits into next tokens according to a request's strategy.
// It keeps no state of its own; per-request state (beam pools, random
// source) lives on the SequenceGroup.
type Sampler struct{}

// NewSampler creates a new sampler
func NewSampler() *Sampler {
	return &Sampler{}
}

// Sample advances every active sequence of g by one token. logits holds one
// row per sequence id. Sequences that stop are finished or dropped, and the
// group is finished once nothing is left to generate.
func (s *Sampler) Sample(g *SequenceGroup, logits map[int64][]float32) {
	switch st := g.Config.strategy().(type) {
	case Greedy:
		s.greedy(g, logits)
	case BeamSearch:
		s.beamSearch(g, st, logits)
	case Sampling:
		s.multinomial(g, st, logits)
	}
	if len(g.seqs) == 0 && g.Status != GroupFinished {
		g.finish(FinishNone)
	}
}

// processLogits applies the strategy independent processors to a copy of row.
func processLogits(row []float32, seq *Sequence, cfg DecodingConfig) []float64 {
	scores := toFloat64(row)
	applyRepetitionPenalty(scores, seq.TokenIDs, cfg.RepetitionPenalty)
	banRepeatedNgrams(scores, seq.TokenIDs, cfg.NoRepeatNgramSize)
	return scores
}

func (s *Sampler) greedy(g *SequenceGroup, logits map[int64][]float32) {
	for _, seq := range slices.Clone(g.seqs) {
		lp := logSoftmax(processLogits(logits[seq.SeqID], seq, g.Config))
		token := argmax(lp)
		advance(g, seq, token, lp[token])
	}
}

func (s *Sampler) multinomial(g *SequenceGroup, params Sampling, logits map[int64][]float32) {
	seqs := slices.Clone(g.seqs)

	// The first token of a multi-sample request: every sample draws from the
	// shared prompt and all but one fork it.
	if len(seqs) == 1 && g.nextIndex == 1 && params.NumReturnSequences > 1 {
		root := seqs[0]
		ids, prob := samplingDistribution(processLogits(logits[root.SeqID], root, g.Config), params)
		tokens := make([]int, params.NumReturnSequences)
		logProbs := make([]float64, params.NumReturnSequences)
		for i := range tokens {
			k := drawIndex(g.rng, prob)
			tokens[i], logProbs[i] = ids[k], math.Log(prob[k])
		}
		for i := 1; i < len(tokens); i++ {
			advance(g, g.fork(root), tokens[i], logProbs[i])
		}
		advance(g, root, tokens[0], logProbs[0])
		return
	}

	for _, seq := range seqs {
		ids, prob := samplingDistribution(processLogits(logits[seq.SeqID], seq, g.Config), params)
		k := drawIndex(g.rng, prob)
		advance(g, seq, ids[k], math.Log(prob[k]))
	}
}

// advance appends token to seq and applies the eos and length stop rules.
// An eos token ends the sequence without becoming part of its output.
func advance(g *SequenceGroup, seq *Sequence, token int, logProb float64) {
	cfg := g.Config
	if !cfg.IgnoreEOS && token == cfg.EOSTokenID {
		seq.CumLogProb += logProb
		g.finishSequence(seq, FinishStop)
		return
	}
	seq.AppendToken(token, logProb)
	if limit := cfg.maxGeneratedTokens(seq.NumPromptTokens); limit != NoLimit && seq.NumCompletionTokens() >= limit {
		g.finishSequence(seq, FinishLength)
	}
}
