package nanocb

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSoftmaxNormalizes(t *testing.T) {
	lp := logSoftmax([]float64{1, 2, 3, math.Inf(-1)})
	var sum float64
	for _, v := range lp {
		sum += math.Exp(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.True(t, math.IsInf(lp[3], -1))
	assert.Greater(t, lp[2], lp[1])
}

func TestApplyRepetitionPenalty(t *testing.T) {
	scores := []float64{2, -2, 1, 0.5}
	applyRepetitionPenalty(scores, []int{0, 1, 1, 9}, 2.0)
	assert.Equal(t, []float64{1, -4, 1, 0.5}, scores, "each seen token is penalized once")

	same := []float64{2, -2}
	applyRepetitionPenalty(same, []int{0, 1}, 1.0)
	assert.Equal(t, []float64{2, -2}, same)
}

func TestBannedNgramTokens(t *testing.T) {
	history := []int{5, 6, 7, 5, 6}
	assert.ElementsMatch(t, []int{7}, bannedNgramTokens(history, 3))
	assert.ElementsMatch(t, []int{6, 6}, bannedNgramTokens([]int{5, 6, 5, 6, 5}, 2))
	assert.Nil(t, bannedNgramTokens([]int{1}, 3), "too short to form a gram")
	assert.Nil(t, bannedNgramTokens(history, 0))

	scores := make([]float64, 10)
	banRepeatedNgrams(scores, history, 3)
	assert.True(t, math.IsInf(scores[7], -1))
	assert.Equal(t, 0.0, scores[6])
}

func TestArgmaxPrefersLowestIndexOnTies(t *testing.T) {
	assert.Equal(t, 1, argmax([]float64{0, 3, 3, 1}))
}

func TestTopKIndices(t *testing.T) {
	x := []float64{0.1, 0.9, 0.5, 0.9, 0.3}
	assert.Equal(t, []int{1, 3}, topKIndices(x, 2))
	assert.Equal(t, []int{1, 3, 2, 4, 0}, topKIndices(x, 0))
}

func TestSamplingDistributionTopP(t *testing.T) {
	scores := []float64{math.Log(0.5), math.Log(0.3), math.Log(0.2)}
	s := NewSampling()
	s.TopP = 0.7
	ids, prob := samplingDistribution(scores, s)
	require.Equal(t, []int{0, 1}, ids)
	assert.InDelta(t, 0.625, prob[0], 1e-9)
	assert.InDelta(t, 0.375, prob[1], 1e-9)
}

func TestSamplingDistributionTopKAndTemperature(t *testing.T) {
	scores := []float64{1, 2, 3, 4}
	s := NewSampling()
	s.TopK = 1
	s.Temperature = 0.5
	ids, prob := samplingDistribution(scores, s)
	assert.Equal(t, []int{3}, ids)
	assert.Equal(t, []float64{1}, prob)
}

func TestDrawIndexIsSeeded(t *testing.T) {
	prob := []float64{0.25, 0.25, 0.25, 0.25}
	a := rand.New(rand.NewPCG(7, 7))
	b := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 20; i++ {
		assert.Equal(t, drawIndex(a, prob), drawIndex(b, prob))
	}
}
