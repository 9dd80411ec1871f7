package nanocb

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lastTokenTable maps the last token of a history to next-token probabilities.
type lastTokenTable map[int][]float64

func (tt lastTokenTable) row(history []int) []float32 {
	probs := tt[history[len(history)-1]]
	row := make([]float32, len(probs))
	for i, p := range probs {
		row[i] = float32(math.Log(p))
	}
	return row
}

func (tt lastTokenTable) logitsFunc() LogitsFunc {
	return tt.row
}

// lnp is the log probability as the sampler sees it after float32 rounding.
func lnp(p float64) float64 {
	return float64(float32(math.Log(p)))
}

// The eos id is 0 and prompts end in token 3.
var beamTable = lastTokenTable{
	3: {0.05, 0.5, 0.4, 0.05},
	1: {0.1, 0.3, 0.3, 0.3},
	2: {0.05, 0.9, 0.025, 0.025},
}

// runSampler drives the sampler alone until the group finishes.
func runSampler(t *testing.T, g *SequenceGroup, table lastTokenTable) {
	t.Helper()
	s := NewSampler()
	for i := 0; i < 100 && g.Status != GroupFinished; i++ {
		logits := make(map[int64][]float32)
		for _, seq := range g.Sequences() {
			logits[seq.SeqID] = table.row(seq.TokenIDs)
		}
		s.Sample(g, logits)
		g.takePending()
	}
	require.Equal(t, GroupFinished, g.Status)
}

func TestGreedyStopsAtLength(t *testing.T) {
	cfg := GreedyConfig()
	cfg.EOSTokenID = 0
	cfg.MaxNewTokens = 3
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())

	runSampler(t, g, beamTable)

	outs := g.Outputs()
	require.Len(t, outs, 1)
	assert.Equal(t, []int{1, 1, 1}, outs[0].TokenIDs)
	assert.Equal(t, FinishLength, outs[0].FinishReason)
	assert.InDelta(t, lnp(0.5)+2*lnp(0.3), outs[0].Score, 1e-6)
}

func TestGreedyRepetitionPenalty(t *testing.T) {
	cfg := GreedyConfig()
	cfg.EOSTokenID = 0
	cfg.MaxNewTokens = 3
	cfg.RepetitionPenalty = 2.0
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())

	runSampler(t, g, beamTable)

	assert.Equal(t, []int{1, 2, 1}, g.Outputs()[0].TokenIDs)
}

func TestGreedyStopsAtEOS(t *testing.T) {
	table := lastTokenTable{3: {0.6, 0.2, 0.1, 0.1}}
	cfg := GreedyConfig()
	cfg.EOSTokenID = 0
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())

	runSampler(t, g, table)

	outs := g.Outputs()
	require.Len(t, outs, 1)
	assert.Empty(t, outs[0].TokenIDs, "eos is not part of the output")
	assert.Equal(t, FinishStop, outs[0].FinishReason)
}

func TestGreedyIgnoreEOS(t *testing.T) {
	table := lastTokenTable{3: {0.6, 0.2, 0.1, 0.1}, 0: {0.6, 0.2, 0.1, 0.1}}
	cfg := GreedyConfig()
	cfg.EOSTokenID = 0
	cfg.IgnoreEOS = true
	cfg.MaxNewTokens = 2
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())

	runSampler(t, g, table)

	assert.Equal(t, []int{0, 0}, g.Outputs()[0].TokenIDs)
}

func TestMultinomialForksReturnSequences(t *testing.T) {
	cfg := MultinomialConfig()
	cfg.EOSTokenID = 0
	cfg.MaxNewTokens = 4
	cfg.IgnoreEOS = true
	sp := cfg.Strategy.(Sampling)
	sp.NumReturnSequences = 3
	sp.Seed = 42
	cfg.Strategy = sp
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())
	table := lastTokenTable{0: {0.25, 0.25, 0.25, 0.25}}
	for tok, row := range beamTable {
		table[tok] = row
	}

	s := NewSampler()
	logits := map[int64][]float32{g.Sequences()[0].SeqID: table.row([]int{3})}
	s.Sample(g, logits)
	forks, _ := g.takePending()
	assert.Len(t, forks, 2)
	assert.Len(t, g.Sequences(), 3)

	runSampler(t, g, table)
	outs := g.Outputs()
	require.Len(t, outs, 3)
	for _, o := range outs {
		assert.Len(t, o.TokenIDs, 4)
	}
}

func TestMultinomialIsDeterministicForSeed(t *testing.T) {
	run := func() [][]int {
		cfg := MultinomialConfig()
		cfg.EOSTokenID = 0
		cfg.MaxNewTokens = 8
		sp := cfg.Strategy.(Sampling)
		sp.Seed = 9
		sp.NumReturnSequences = 2
		cfg.Strategy = sp
		g := newSequenceGroup(5, "", []int{3}, cfg, counter())
		runSampler(t, g, beamTable)
		var out [][]int
		for _, o := range g.Outputs() {
			out = append(out, o.TokenIDs)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestBeamSearchFindsBetterThanGreedy(t *testing.T) {
	cfg := DefaultDecodingConfig()
	cfg.EOSTokenID = 0
	cfg.MaxNewTokens = 2
	bs := NewBeamSearch(1, 2)
	bs.NumReturnSequences = 2
	cfg.Strategy = bs
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())

	runSampler(t, g, beamTable)

	outs := g.Outputs()
	require.Len(t, outs, 2)
	assert.Equal(t, []int{2, 1}, outs[0].TokenIDs)
	assert.InDelta(t, (lnp(0.4)+lnp(0.9))/2, outs[0].Score, 1e-6)
	assert.Equal(t, []int{1, 1}, outs[1].TokenIDs)
	assert.InDelta(t, (lnp(0.5)+lnp(0.3))/2, outs[1].Score, 1e-6)
	assert.Equal(t, FinishLength, outs[0].FinishReason)
	assert.Empty(t, g.Sequences())
}

func TestBeamSearchEarlyStopOnEOS(t *testing.T) {
	table := lastTokenTable{3: {0.6, 0.3, 0.05, 0.05}}
	cfg := DefaultDecodingConfig()
	cfg.EOSTokenID = 0
	cfg.MaxNewTokens = 10
	bs := NewBeamSearch(1, 2)
	bs.StopCriteria = StopEarly
	cfg.Strategy = bs
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())

	runSampler(t, g, table)

	outs := g.Outputs()
	require.Len(t, outs, 1)
	assert.Empty(t, outs[0].TokenIDs)
	assert.Equal(t, FinishStop, outs[0].FinishReason)
	assert.InDelta(t, lnp(0.6), outs[0].Score, 1e-6)
}

func TestBeamSearchDiversityPenalty(t *testing.T) {
	run := func(penalty float64) [][]int {
		cfg := DefaultDecodingConfig()
		cfg.EOSTokenID = 0
		cfg.MaxNewTokens = 1
		bs := NewBeamSearch(2, 1)
		bs.DiversityPenalty = penalty
		bs.NumReturnSequences = 2
		cfg.Strategy = bs
		g := newSequenceGroup(1, "", []int{3}, cfg, counter())
		runSampler(t, g, beamTable)
		var out [][]int
		for _, o := range g.Outputs() {
			out = append(out, o.TokenIDs)
		}
		return out
	}

	assert.Equal(t, [][]int{{1}, {2}}, run(10))
	assert.Equal(t, [][]int{{1}, {1}}, run(0))
}

func TestBeamSearchScoresAreSorted(t *testing.T) {
	cfg := DefaultDecodingConfig()
	cfg.EOSTokenID = 0
	cfg.MaxNewTokens = 6
	bs := NewBeamSearch(3, 2)
	bs.NumReturnSequences = 4
	cfg.Strategy = bs
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())

	runSampler(t, g, beamTable)

	outs := g.Outputs()
	require.Len(t, outs, 4)
	for i := 1; i < len(outs); i++ {
		assert.GreaterOrEqual(t, outs[i-1].Score, outs[i].Score)
	}
}

func TestBeamSearchNoRepeatNgram(t *testing.T) {
	cfg := DefaultDecodingConfig()
	cfg.EOSTokenID = 0
	cfg.MaxNewTokens = 6
	cfg.NoRepeatNgramSize = 1
	cfg.Strategy = NewBeamSearch(1, 1)
	g := newSequenceGroup(1, "", []int{3}, cfg, counter())

	runSampler(t, g, beamTable)

	seen := map[int]bool{3: true}
	for _, tok := range g.Outputs()[0].TokenIDs {
		assert.False(t, seen[tok], "token %d repeated", tok)
		seen[tok] = true
	}
}
