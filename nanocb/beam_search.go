package nanocb

import (
	"math"
	"slices"
	"sort"
)

type beam struct {
	seq   *Sequence
	score float64
}

type beamCandidate struct {
	parent int
	token  int
	score  float64
}

// before orders candidates by score, then beam index, then token id.
func (c beamCandidate) before(o beamCandidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	if c.parent != o.parent {
		return c.parent < o.parent
	}
	return c.token < o.token
}

// insertCandidate keeps top sorted and at most k long.
func insertCandidate(top []beamCandidate, c beamCandidate, k int) []beamCandidate {
	pos := len(top)
	for pos > 0 && c.before(top[pos-1]) {
		pos--
	}
	if pos >= k {
		return top
	}
	top = slices.Insert(top, pos, c)
	if len(top) > k {
		top = top[:k]
	}
	return top
}

// beamGroup is one diversity group: its running beams and its pool of
// finished hypotheses, best first.
type beamGroup struct {
	ongoing []beam
	pool    []Hypothesis
	done    bool
}

type beamSearchState struct {
	params       BeamSearch
	groups       []*beamGroup
	numGenerated int
	numHyps      int
}

func newBeamSearchState(params BeamSearch, prompt *Sequence) *beamSearchState {
	st := &beamSearchState{params: params}
	for i := 0; i < params.NumGroups; i++ {
		st.groups = append(st.groups, &beamGroup{ongoing: []beam{{seq: prompt}}})
	}
	return st
}

func lengthNormalized(sumLogProbs float64, length int, penalty float64) float64 {
	return sumLogProbs / math.Pow(float64(max(length, 1)), penalty)
}

// addHypothesis offers a finished beam to the group's pool, which keeps the
// GroupSize best.
func (st *beamSearchState) addHypothesis(bg *beamGroup, tokens []int, sumLogProbs float64, reason FinishReason) {
	h := Hypothesis{
		TokenIDs:     slices.Clone(tokens),
		Score:        lengthNormalized(sumLogProbs, len(tokens), st.params.LengthPenalty),
		FinishReason: reason,
		index:        st.numHyps,
	}
	st.numHyps++

	size := st.params.GroupSize
	if len(bg.pool) >= size && h.Score <= bg.pool[len(bg.pool)-1].Score {
		return
	}
	pos := sort.Search(len(bg.pool), func(i int) bool { return bg.pool[i].Score < h.Score })
	bg.pool = slices.Insert(bg.pool, pos, h)
	if len(bg.pool) > size {
		bg.pool = bg.pool[:size]
	}
}

// isDone decides whether bg can stop, given the best candidate score of
// this step and the number of tokens generated before it.
func (st *beamSearchState) isDone(bg *beamGroup, best float64, genLen int, maxGen int) bool {
	p := st.params
	if len(bg.pool) < p.GroupSize {
		return false
	}
	worst := bg.pool[len(bg.pool)-1].Score
	switch p.StopCriteria {
	case StopEarly:
		return true
	case StopNever:
		length := genLen
		if p.LengthPenalty > 0 && maxGen != NoLimit {
			length = maxGen
		}
		return worst >= lengthNormalized(best, length, p.LengthPenalty)
	default:
		return worst >= lengthNormalized(best, genLen, p.LengthPenalty)
	}
}

func (st *beamSearchState) allDone() bool {
	for _, bg := range st.groups {
		if !bg.done {
			return false
		}
	}
	return true
}

func (st *beamSearchState) numFinished() int {
	n := 0
	for _, bg := range st.groups {
		n += len(bg.pool)
	}
	return n
}

// finalize ends the search. Unless reason is FinishNone, the running beams
// of groups that are not done join their pools first. The best
// NumReturnSequences hypotheses across all groups become the outputs.
func (st *beamSearchState) finalize(g *SequenceGroup, reason FinishReason) {
	if reason != FinishNone {
		for _, bg := range st.groups {
			if bg.done {
				continue
			}
			for _, b := range bg.ongoing {
				st.addHypothesis(bg, b.seq.CompletionTokenIDs(), b.score, reason)
			}
			bg.done = true
		}
	}
	for _, bg := range st.groups {
		bg.ongoing = nil
	}
	for _, seq := range slices.Clone(g.seqs) {
		g.dropSequence(seq)
	}

	var all []Hypothesis
	for _, bg := range st.groups {
		all = append(all, bg.pool...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > st.params.NumReturnSequences {
		all = all[:st.params.NumReturnSequences]
	}
	g.outputs = all
}

type beamChild struct {
	parent *Sequence
	token  int
	score  float64
	group  *beamGroup
	slot   int
}

// beamSearch runs one step of group beam search over every diversity group.
func (s *Sampler) beamSearch(g *SequenceGroup, params BeamSearch, logits map[int64][]float32) {
	st := g.beams
	cfg := g.Config
	gs := params.GroupSize
	genLen := st.numGenerated
	maxGen := cfg.maxGeneratedTokens(g.NumPromptTokens())

	// Tokens picked by earlier groups at this step, for the diversity penalty.
	chosen := make(map[int]int)
	var children []beamChild
	next := make(map[*beamGroup][]beam)

	for _, bg := range st.groups {
		if bg.done {
			continue
		}

		top := make([]beamCandidate, 0, 2*gs+1)
		for bi, b := range bg.ongoing {
			lp := logSoftmax(toFloat64(logits[b.seq.SeqID]))
			if params.DiversityPenalty > 0 {
				for tok, cnt := range chosen {
					if tok >= 0 && tok < len(lp) {
						lp[tok] -= params.DiversityPenalty * float64(cnt)
					}
				}
			}
			applyRepetitionPenalty(lp, b.seq.TokenIDs, cfg.RepetitionPenalty)
			banRepeatedNgrams(lp, b.seq.TokenIDs, cfg.NoRepeatNgramSize)
			for tok, v := range lp {
				top = insertCandidate(top, beamCandidate{parent: bi, token: tok, score: b.score + v}, 2*gs)
			}
		}
		if len(top) == 0 {
			bg.done = true
			continue
		}

		var kept []beamChild
		for rank, c := range top {
			parent := bg.ongoing[c.parent].seq
			if !cfg.IgnoreEOS && c.token == cfg.EOSTokenID {
				if rank < gs {
					st.addHypothesis(bg, parent.CompletionTokenIDs(), c.score, FinishStop)
				}
				continue
			}
			kept = append(kept, beamChild{parent: parent, token: c.token, score: c.score, group: bg, slot: len(kept)})
			chosen[c.token]++
			if len(kept) == gs {
				break
			}
		}

		if st.isDone(bg, top[0].score, genLen, maxGen) {
			bg.done = true
			continue
		}
		children = append(children, kept...)
		next[bg] = make([]beam, len(kept))
	}

	// A parent picked k times keeps the first pick and is forked for the
	// rest, before its own token is appended.
	var order []*Sequence
	byParent := make(map[*Sequence][]beamChild)
	for _, c := range children {
		if _, ok := byParent[c.parent]; !ok {
			order = append(order, c.parent)
		}
		byParent[c.parent] = append(byParent[c.parent], c)
	}
	alive := make(map[*Sequence]bool)
	for _, parent := range order {
		kids := byParent[parent]
		for _, k := range kids[1:] {
			seq := g.fork(parent)
			seq.AppendToken(k.token, 0)
			seq.CumLogProb = k.score
			next[k.group][k.slot] = beam{seq: seq, score: k.score}
			alive[seq] = true
		}
		k := kids[0]
		parent.AppendToken(k.token, 0)
		parent.CumLogProb = k.score
		next[k.group][k.slot] = beam{seq: parent, score: k.score}
		alive[parent] = true
	}
	for _, bg := range st.groups {
		bg.ongoing = next[bg]
	}
	for _, seq := range slices.Clone(g.seqs) {
		if !alive[seq] {
			g.dropSequence(seq)
		}
	}
	st.numGenerated++

	switch {
	case st.allDone():
		g.finish(FinishNone)
	case params.StopCriteria == StopEarly && st.numFinished() >= params.NumReturnSequences:
		g.finish(FinishNone)
	case maxGen != NoLimit && st.numGenerated >= maxGen:
		g.finish(FinishLength)
	}
}
