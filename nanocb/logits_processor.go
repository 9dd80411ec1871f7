package nanocb

import (
	"math"
	"math/rand/v2"
	"sort"
)

func toFloat64(row []float32) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = float64(v)
	}
	return out
}

// logSoftmax normalizes x in place into log probabilities.
func logSoftmax(x []float64) []float64 {
	maxv := math.Inf(-1)
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(maxv, -1) {
		return x
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(v - maxv)
	}
	logZ := maxv + math.Log(sum)
	for i := range x {
		x[i] -= logZ
	}
	return x
}

// applyRepetitionPenalty makes every token already present in history less
// likely: positive scores are divided by penalty, negative ones multiplied.
func applyRepetitionPenalty(scores []float64, history []int, penalty float64) {
	if penalty == 1.0 {
		return
	}
	seen := make(map[int]struct{}, len(history))
	for _, id := range history {
		if id < 0 || id >= len(scores) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if scores[id] > 0 {
			scores[id] /= penalty
		} else {
			scores[id] *= penalty
		}
	}
}

// bannedNgramTokens returns the tokens that would complete an n-gram
// already present in history.
func bannedNgramTokens(history []int, n int) []int {
	if n <= 0 || len(history)+1 < n {
		return nil
	}
	if n == 1 {
		return history
	}
	prefix := history[len(history)-n+1:]
	var banned []int
	for start := 0; start+n <= len(history); start++ {
		match := true
		for j := 0; j < n-1; j++ {
			if history[start+j] != prefix[j] {
				match = false
				break
			}
		}
		if match {
			banned = append(banned, history[start+n-1])
		}
	}
	return banned
}

// banRepeatedNgrams masks tokens that would repeat an n-gram of history.
func banRepeatedNgrams(scores []float64, history []int, n int) {
	for _, id := range bannedNgramTokens(history, n) {
		if id >= 0 && id < len(scores) {
			scores[id] = math.Inf(-1)
		}
	}
}

// argmax returns the first index holding the maximum value.
func argmax(x []float64) int {
	bestI := 0
	bestV := math.Inf(-1)
	for i, v := range x {
		if v > bestV {
			bestV = v
			bestI = i
		}
	}
	return bestI
}

// topKIndices returns the indices of the k largest values, largest first.
// Equal values keep index order.
func topKIndices(x []float64, k int) []int {
	if k <= 0 || k >= len(x) {
		idx := make([]int, len(x))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] > x[idx[b]] })
		return idx
	}

	topIdx := make([]int, 0, k+1)
	topVal := make([]float64, 0, k+1)
	for i, v := range x {
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	return topIdx
}

// samplingDistribution applies temperature, top-k and top-p to scores and
// returns the surviving token ids with their renormalized probabilities,
// most likely first.
func samplingDistribution(scores []float64, s Sampling) ([]int, []float64) {
	invTemp := 1.0 / s.Temperature
	for i := range scores {
		scores[i] *= invTemp
	}

	idx := topKIndices(scores, s.TopK)
	maxv := scores[idx[0]]
	if math.IsInf(maxv, -1) {
		return idx[:1], []float64{1}
	}
	prob := make([]float64, len(idx))
	var sum float64
	for i, id := range idx {
		prob[i] = math.Exp(scores[id] - maxv)
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.TopP < 1 {
		cut := len(prob)
		var c float64
		for i := range prob {
			c += prob[i]
			if c >= s.TopP {
				cut = i + 1
				break
			}
		}
		idx, prob = idx[:cut], prob[:cut]
		var kept float64
		for _, p := range prob {
			kept += p
		}
		for i := range prob {
			prob[i] /= kept
		}
	}
	return idx, prob
}

// drawIndex picks a position of prob using rng.
func drawIndex(rng *rand.Rand, prob []float64) int {
	r := rng.Float64()
	var c float64
	for i, p := range prob {
		c += p
		if r < c {
			return i
		}
	}
	return len(prob) - 1
}
