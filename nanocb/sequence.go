package nanocb

import (
	"math/rand/v2"
	"slices"
	"sort"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusSwapped
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusRunning:
		return "RUNNING"
	case StatusSwapped:
		return "SWAPPED"
	default:
		return "FINISHED"
	}
}

// FinishReason says why a sequence stopped producing tokens.
type FinishReason string

const (
	FinishNone           FinishReason = ""
	FinishStop           FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishCacheExhausted FinishReason = "cache_exhausted"
	FinishCancelled      FinishReason = "cancelled"
)

// Sequence is one token stream of a request: the prompt followed by the
// tokens generated so far, plus the cache blocks holding its keys and values.
type Sequence struct {
	SeqID             int64
	Status            SequenceStatus
	TokenIDs          []int
	LastToken         int
	NumTokens         int
	NumPromptTokens   int
	NumComputedTokens int
	BlockTable        []*Block
	CumLogProb        float64
	FinishReason      FinishReason

	// index orders the sequences of a group by creation.
	index int
}

// NewSequence creates a new sequence from prompt token IDs
func NewSequence(seqID int64, tokenIDs []int) *Sequence {
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	last := -1
	if len(tokens) > 0 {
		last = tokens[len(tokens)-1]
	}
	return &Sequence{
		SeqID:           seqID,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		LastToken:       last,
		NumTokens:       len(tokens),
		NumPromptTokens: len(tokens),
	}
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumUncomputedTokens is how many tokens still have to pass through the model.
func (s *Sequence) NumUncomputedTokens() int {
	return s.NumTokens - s.NumComputedTokens
}

// NumBlocks returns how many blocks the whole token history occupies
func (s *Sequence) NumBlocks(blockSize int) int {
	return (s.NumTokens + blockSize - 1) / blockSize
}

// BlockIDs returns the physical ids of the block table.
func (s *Sequence) BlockIDs() []int {
	ids := make([]int, len(s.BlockTable))
	for i, b := range s.BlockTable {
		ids[i] = b.BlockID
	}
	return ids
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int, logProb float64) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
	s.CumLogProb += logProb
}

// clone copies the token history. The block table is attached by BlockManager.Fork.
func (s *Sequence) clone(seqID int64) *Sequence {
	return &Sequence{
		SeqID:             seqID,
		Status:            s.Status,
		TokenIDs:          slices.Clone(s.TokenIDs),
		LastToken:         s.LastToken,
		NumTokens:         s.NumTokens,
		NumPromptTokens:   s.NumPromptTokens,
		NumComputedTokens: s.NumComputedTokens,
		CumLogProb:        s.CumLogProb,
	}
}

// GroupStatus represents the status of a request
type GroupStatus int

const (
	GroupWaiting GroupStatus = iota
	GroupRunning
	GroupSwapped
	GroupFinished
	GroupFailed
	GroupCancelled
)

func (s GroupStatus) String() string {
	switch s {
	case GroupWaiting:
		return "WAITING"
	case GroupRunning:
		return "RUNNING"
	case GroupSwapped:
		return "SWAPPED"
	case GroupFinished:
		return "FINISHED"
	case GroupFailed:
		return "FAILED"
	default:
		return "CANCELLED"
	}
}

// Hypothesis is a finished output of a request.
type Hypothesis struct {
	TokenIDs     []int
	Score        float64
	FinishReason FinishReason

	index int
}

type seqFork struct {
	parent *Sequence
	child  *Sequence
}

// SequenceGroup is one request: the sequences sharing its prompt and
// decoding config. Arrival is its scheduling priority, lower is served first.
type SequenceGroup struct {
	RequestID uint64
	Arrival   int64
	Prompt    string
	Config    DecodingConfig
	Status    GroupStatus
	Err       error

	seqs    []*Sequence
	outputs []Hypothesis

	// forks and released are produced by the sampler and applied to the
	// block manager by the engine, forks first.
	forks    []seqFork
	released []*Sequence

	// sharedLen is the prefix a preempted group recomputes on its first
	// sequence only. The others fork from it once it is computed.
	sharedLen int

	beams     *beamSearchState
	rng       *rand.Rand
	nextIndex int
	newSeqID  func() int64
	handle    *RequestHandle
}

func newSequenceGroup(requestID uint64, prompt string, tokenIDs []int, cfg DecodingConfig, newSeqID func() int64) *SequenceGroup {
	g := &SequenceGroup{
		RequestID: requestID,
		Arrival:   int64(requestID),
		Prompt:    prompt,
		Config:    cfg,
		Status:    GroupWaiting,
		newSeqID:  newSeqID,
	}
	seq := NewSequence(newSeqID(), tokenIDs)
	seq.index = g.nextIndex
	g.nextIndex++
	g.seqs = []*Sequence{seq}

	switch s := cfg.strategy().(type) {
	case BeamSearch:
		g.beams = newBeamSearchState(s, seq)
	case Sampling:
		seed := s.Seed
		if seed == 0 {
			seed = int64(requestID) + 1
		}
		g.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	}
	return g
}

// Sequences returns the unfinished sequences of the group.
func (g *SequenceGroup) Sequences() []*Sequence {
	return g.seqs
}

// NumPromptTokens returns the prompt length shared by every sequence.
func (g *SequenceGroup) NumPromptTokens() int {
	if len(g.seqs) > 0 {
		return g.seqs[0].NumPromptTokens
	}
	return 0
}

// Width is the sequence budget reserved for the group while it runs.
func (g *SequenceGroup) Width() int {
	return g.Config.Width()
}

// IsDone reports whether the group reached a terminal status.
func (g *SequenceGroup) IsDone() bool {
	return g.Status == GroupFinished || g.Status == GroupFailed || g.Status == GroupCancelled
}

// NumUncomputedTokens sums the pending tokens of every sequence. While a
// resumed group rebuilds its shared prefix only that prefix is pending.
func (g *SequenceGroup) NumUncomputedTokens() int {
	if g.sharedLen > 0 && len(g.seqs) > 0 {
		return g.sharedLen - g.seqs[0].NumComputedTokens
	}
	n := 0
	for _, seq := range g.seqs {
		n += seq.NumUncomputedTokens()
	}
	return n
}

func (g *SequenceGroup) setSeqStatus(status SequenceStatus) {
	for _, seq := range g.seqs {
		seq.Status = status
	}
}

// numBlocksHeld counts the distinct blocks referenced by the group.
func (g *SequenceGroup) numBlocksHeld() int {
	seen := make(map[int]struct{})
	for _, seq := range g.seqs {
		for _, b := range seq.BlockTable {
			seen[b.BlockID] = struct{}{}
		}
	}
	return len(seen)
}

// markRecompute drops the computed state of every sequence and records the
// prefix they have in common, capped so each keeps a token to sample from.
func (g *SequenceGroup) markRecompute() {
	g.sharedLen = 0
	for _, seq := range g.seqs {
		seq.NumComputedTokens = 0
	}
	if len(g.seqs) < 2 {
		return
	}
	first := g.seqs[0].TokenIDs
	n := len(first)
	for _, seq := range g.seqs[1:] {
		n = min(n, seq.NumTokens-1, commonPrefixLen(first, seq.TokenIDs))
	}
	n = min(n, g.seqs[0].NumTokens-1)
	if n > 0 {
		g.sharedLen = n
	}
}

// shareRecomputed hands the recomputed prefix of the first sequence to the
// others through fork.
func (g *SequenceGroup) shareRecomputed(fork func(parent, child *Sequence)) {
	if g.sharedLen == 0 || g.seqs[0].NumComputedTokens < g.sharedLen {
		return
	}
	lead := g.seqs[0]
	for _, seq := range g.seqs[1:] {
		fork(lead, seq)
		seq.NumComputedTokens = g.sharedLen
	}
	g.sharedLen = 0
}

func commonPrefixLen(a, b []int) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func (g *SequenceGroup) fork(parent *Sequence) *Sequence {
	child := parent.clone(g.newSeqID())
	child.index = g.nextIndex
	g.nextIndex++
	g.seqs = append(g.seqs, child)
	g.forks = append(g.forks, seqFork{parent: parent, child: child})
	return child
}

func (g *SequenceGroup) removeSequence(seq *Sequence) {
	for i, s := range g.seqs {
		if s == seq {
			g.seqs = append(g.seqs[:i], g.seqs[i+1:]...)
			break
		}
	}
	seq.Status = StatusFinished
	g.released = append(g.released, seq)
}

// finishSequence records seq as an output and queues its blocks for release.
func (g *SequenceGroup) finishSequence(seq *Sequence, reason FinishReason) {
	seq.FinishReason = reason
	g.outputs = append(g.outputs, Hypothesis{
		TokenIDs:     slices.Clone(seq.CompletionTokenIDs()),
		Score:        seq.CumLogProb,
		FinishReason: reason,
		index:        seq.index,
	})
	g.removeSequence(seq)
}

// dropSequence discards seq without producing an output.
func (g *SequenceGroup) dropSequence(seq *Sequence) {
	g.removeSequence(seq)
}

// finish ends the group. Sequences still alive become outputs with reason.
func (g *SequenceGroup) finish(reason FinishReason) {
	if g.beams != nil {
		g.beams.finalize(g, reason)
	} else {
		for _, seq := range slices.Clone(g.seqs) {
			g.finishSequence(seq, reason)
		}
		sort.SliceStable(g.outputs, func(i, j int) bool {
			return g.outputs[i].index < g.outputs[j].index
		})
	}
	g.Status = GroupFinished
}

// Outputs returns the finished hypotheses in result order.
func (g *SequenceGroup) Outputs() []Hypothesis {
	return g.outputs
}

// takePending hands the queued forks and releases to the caller.
func (g *SequenceGroup) takePending() ([]seqFork, []*Sequence) {
	forks, released := g.forks, g.released
	g.forks, g.released = nil, nil
	return forks, released
}
