package nanocb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchedulerConfig(t *testing.T, opts ...ConfigOption) SchedulerConfig {
	t.Helper()
	cfg, err := NewSchedulerConfig(opts...)
	require.NoError(t, err)
	return cfg
}

// testGroup builds a request whose prompt is promptLen tokens and whose
// greedy decoding always picks token 5.
func testGroup(id uint64, promptLen, maxNewTokens int, newSeqID func() int64) *SequenceGroup {
	cfg := GreedyConfig()
	cfg.EOSTokenID = 0
	cfg.MaxNewTokens = maxNewTokens
	return testGroupWith(id, promptLen, cfg, newSeqID)
}

func testGroupWith(id uint64, promptLen int, cfg DecodingConfig, newSeqID func() int64) *SequenceGroup {
	tokens := make([]int, promptLen)
	for i := range tokens {
		tokens[i] = 3
	}
	return newSequenceGroup(id, "", tokens, cfg, newSeqID)
}

// stepLogits answers a scheduled step with one row per chunk. Sampled rows
// favor token 5, then token 6.
func stepLogits(out *SchedulerOutput) [][]float32 {
	rows := make([][]float32, out.NumScheduledSeqs())
	for i, s := range out.Batch().Sequences {
		if s.Sample {
			rows[i] = []float32{0, 0, 0, 0, 0, 2, 1.9, 0}
		}
	}
	return rows
}

// runStep schedules and completes one step. The returned batch is the model
// input of the step.
func runStep(t *testing.T, s *Scheduler, st *SchedulerState) (*SchedulerOutput, *Batch, []*SequenceGroup) {
	t.Helper()
	out := s.Schedule(st)
	batch := out.Batch()
	if out.IsEmpty() {
		return out, batch, nil
	}
	finished, err := s.Postprocess(st, out, stepLogits(out), NewSampler())
	require.NoError(t, err)
	assertBlockTables(t, st)
	return out, batch, finished
}

// assertBlockTables checks that every running sequence holds exactly the
// blocks its computed tokens occupy.
func assertBlockTables(t *testing.T, st *SchedulerState) {
	t.Helper()
	bs := st.BlockManager().BlockSize()
	for _, g := range st.Groups() {
		for _, seq := range g.Sequences() {
			assert.Equal(t, ceilDiv(seq.NumComputedTokens, bs), len(seq.BlockTable),
				"seq %d with %d computed tokens", seq.SeqID, seq.NumComputedTokens)
		}
	}
}

func TestSchedulerSplitFuseChunksLongPrompt(t *testing.T) {
	cfg := testSchedulerConfig(t, WithMaxNumBatchedTokens(8), WithBlockSize(4), WithNumKVBlocks(16))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	g := testGroup(1, 20, 2, counter())
	st.Add(g)

	var starts []int
	var samples []bool
	for i := 0; i < 3; i++ {
		out, batch, finished := runStep(t, s, st)
		require.Equal(t, 1, out.NumScheduledSeqs())
		seq := batch.Sequences[0]
		starts = append(starts, seq.StartPos)
		samples = append(samples, seq.Sample)
		assert.Empty(t, finished)
	}
	assert.Equal(t, []int{0, 8, 16}, starts)
	assert.Equal(t, []bool{false, false, true}, samples)
	assert.Equal(t, 21, g.Sequences()[0].Len())

	out, _, finished := runStep(t, s, st)
	assert.Equal(t, 1, out.NumBatchedTokens)
	require.Len(t, finished, 1)
	assert.Equal(t, []int{5, 5}, g.Outputs()[0].TokenIDs)
	assert.Equal(t, FinishLength, g.Outputs()[0].FinishReason)
	assert.True(t, st.IsFinished())
	assert.Equal(t, 16, st.BlockManager().NumFreeBlocks())
}

func TestSchedulerSplitFuseFusesDecodeAndPrompt(t *testing.T) {
	cfg := testSchedulerConfig(t, WithMaxNumBatchedTokens(8), WithBlockSize(4), WithNumKVBlocks(16))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	ids := counter()
	a := testGroup(1, 4, 10, ids)
	st.Add(a)
	runStep(t, s, st)

	b := testGroup(2, 20, 10, ids)
	st.Add(b)
	out, batch, _ := runStep(t, s, st)

	assert.Equal(t, 2, out.NumScheduledSeqs())
	assert.Equal(t, 8, out.NumBatchedTokens)
	assert.Equal(t, 1, len(batch.Sequences[0].TokenIDs))
	assert.True(t, batch.Sequences[0].Sample)
	assert.Equal(t, 7, len(batch.Sequences[1].TokenIDs))
	assert.False(t, batch.Sequences[1].Sample)
	assert.Equal(t, GroupRunning, b.Status)
}

func TestSchedulerNonSplitRespectsMaxPaddings(t *testing.T) {
	cfg := testSchedulerConfig(t, WithDynamicSplitFuse(false), WithMaxNumBatchedTokens(64), WithMaxPaddings(4))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	ids := counter()
	long := testGroup(1, 10, 4, ids)
	short := testGroup(2, 2, 4, ids)
	st.Add(long)
	st.Add(short)

	out, _, _ := runStep(t, s, st)
	assert.Equal(t, 1, out.NumScheduledSeqs())
	assert.Equal(t, GroupRunning, long.Status)
	assert.Equal(t, GroupWaiting, short.Status)

	// The running decode goes first, then the short prompt fits.
	out, _, _ = runStep(t, s, st)
	assert.Equal(t, 2, out.NumScheduledSeqs())
	assert.Equal(t, 3, out.NumBatchedTokens)
	assert.Equal(t, GroupRunning, short.Status)
}

func TestSchedulerNonSplitDoesNotChunkFittingPrompt(t *testing.T) {
	cfg := testSchedulerConfig(t, WithDynamicSplitFuse(false), WithMaxNumBatchedTokens(16))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	ids := counter()
	a := testGroup(1, 10, 4, ids)
	b := testGroup(2, 10, 4, ids)
	st.Add(a)
	st.Add(b)

	out, _, _ := runStep(t, s, st)
	assert.Equal(t, 1, out.NumScheduledSeqs())
	assert.Equal(t, 10, out.NumBatchedTokens)
	assert.Equal(t, 0, b.Sequences()[0].NumComputedTokens)
}

func TestSchedulerMaxNumSeqs(t *testing.T) {
	cfg := testSchedulerConfig(t, WithMaxNumSeqs(5))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	ids := counter()
	dc := DefaultDecodingConfig()
	dc.EOSTokenID = 0
	dc.Strategy = NewBeamSearch(1, 4)
	a := testGroupWith(1, 4, dc, ids)
	b := testGroupWith(2, 4, dc, ids)
	st.Add(a)
	st.Add(b)

	runStep(t, s, st)
	assert.Equal(t, GroupRunning, a.Status)
	assert.Equal(t, GroupWaiting, b.Status)
	assert.Equal(t, 1, st.NumRunning())
}

func TestSchedulerPreemptsLatestArrival(t *testing.T) {
	cfg := testSchedulerConfig(t, WithNumKVBlocks(4), WithBlockSize(4))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	ids := counter()
	a := testGroup(1, 8, 4, ids)
	b := testGroup(2, 8, 10, ids)
	st.Add(a)
	st.Add(b)

	out, _, _ := runStep(t, s, st)
	require.Equal(t, 2, out.NumScheduledSeqs())
	assert.Equal(t, 0, st.BlockManager().NumFreeBlocks())

	// a needs a new block for its ninth token and takes it from b.
	out, _, _ = runStep(t, s, st)
	require.Len(t, out.Preempted, 1)
	assert.Same(t, b, out.Preempted[0])
	assert.Equal(t, GroupSwapped, b.Status)
	assert.Equal(t, 0, b.Sequences()[0].NumComputedTokens)
	assert.Nil(t, b.Sequences()[0].BlockTable)
	assert.Equal(t, []*SequenceGroup{a}, out.Groups())

	// b cannot come back while a holds three blocks.
	out, _, _ = runStep(t, s, st)
	assert.Empty(t, out.Preempted)
	assert.Equal(t, GroupSwapped, b.Status)
	assert.Equal(t, []*SequenceGroup{a}, out.Groups())

	for !a.IsDone() {
		runStep(t, s, st)
	}
	// b resumes by recomputing its prompt and generated token.
	out, _, _ = runStep(t, s, st)
	assert.Equal(t, GroupRunning, b.Status)
	assert.Equal(t, 9, out.NumBatchedTokens)
}

func TestSchedulerRunningGroupSwapsItselfOut(t *testing.T) {
	cfg := testSchedulerConfig(t, WithNumKVBlocks(4), WithBlockSize(4))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	ids := counter()
	a := testGroup(1, 6, 10, ids)
	b := testGroup(2, 8, 10, ids)
	st.Add(a)
	st.Add(b)
	runStep(t, s, st)

	out, _, _ := runStep(t, s, st)
	require.Len(t, out.Preempted, 1)
	assert.Same(t, b, out.Preempted[0])
	assert.Equal(t, GroupRunning, a.Status)
	assert.Equal(t, 2, st.BlockManager().NumFreeBlocks())
}

func TestSchedulerExhaustsGroupThatOutgrowsPool(t *testing.T) {
	cfg := testSchedulerConfig(t, WithNumKVBlocks(2), WithBlockSize(4))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	g := testGroup(1, 8, 10, counter())
	st.Add(g)
	runStep(t, s, st)

	out, _, _ := runStep(t, s, st)
	assert.True(t, out.IsEmpty())
	require.Len(t, out.Exhausted, 1)
	assert.Equal(t, GroupFinished, g.Status)
	require.Len(t, g.Outputs(), 1)
	assert.Equal(t, FinishCacheExhausted, g.Outputs()[0].FinishReason)
	assert.Equal(t, []int{5}, g.Outputs()[0].TokenIDs)
	assert.True(t, st.IsFinished())
	assert.Equal(t, 2, st.BlockManager().NumFreeBlocks())
}

func TestSchedulerExhaustsPromptLargerThanPool(t *testing.T) {
	cfg := testSchedulerConfig(t, WithNumKVBlocks(2), WithBlockSize(4))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	g := testGroup(1, 12, 10, counter())
	st.Add(g)

	out := s.Schedule(st)
	require.Len(t, out.Exhausted, 1)
	assert.Empty(t, g.Outputs()[0].TokenIDs)
	assert.True(t, st.IsFinished())
}

func TestSchedulerCopyOnWriteAfterBeamFork(t *testing.T) {
	cfg := testSchedulerConfig(t, WithBlockSize(4), WithNumKVBlocks(16))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	dc := DefaultDecodingConfig()
	dc.EOSTokenID = 0
	dc.Strategy = NewBeamSearch(1, 2)
	g := testGroupWith(1, 6, dc, counter())
	st.Add(g)

	runStep(t, s, st)
	require.Len(t, g.Sequences(), 2)
	parent, child := g.Sequences()[0], g.Sequences()[1]
	assert.Same(t, parent.BlockTable[1], child.BlockTable[1])
	assert.Equal(t, 2, parent.BlockTable[1].RefCount)
	shared := parent.BlockTable[1].BlockID

	out := s.Schedule(st)
	require.Len(t, out.Copies, 1)
	assert.Equal(t, shared, out.Copies[0].Src)
	assert.Equal(t, out.Copies[0].Dst, parent.BlockTable[1].BlockID)
	assert.Equal(t, shared, child.BlockTable[1].BlockID)
	assert.Equal(t, 1, child.BlockTable[1].RefCount)
	assert.Same(t, parent.BlockTable[0], child.BlockTable[0])
	assert.Equal(t, out.Copies, out.Batch().Copies)
}

func TestSchedulerResumedBeamsRecomputeSharedPrefixOnce(t *testing.T) {
	cfg := testSchedulerConfig(t, WithBlockSize(4), WithNumKVBlocks(16))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	dc := DefaultDecodingConfig()
	dc.EOSTokenID = 0
	dc.MaxNewTokens = 10
	dc.Strategy = NewBeamSearch(1, 2)
	g := testGroupWith(1, 6, dc, counter())
	st.Add(g)

	runStep(t, s, st)
	require.Len(t, g.Sequences(), 2)
	s.preempt(st, g, &SchedulerOutput{preempted: make(map[*SequenceGroup]bool)})
	assert.Equal(t, GroupSwapped, g.Status)
	assert.Equal(t, 16, st.BlockManager().NumFreeBlocks())

	// The prompt is recomputed on the first beam only.
	out, batch, _ := runStep(t, s, st)
	lead, other := g.Sequences()[0], g.Sequences()[1]
	require.Equal(t, 1, out.NumScheduledSeqs())
	assert.Equal(t, 6, out.NumBatchedTokens)
	assert.Equal(t, lead.SeqID, batch.Sequences[0].SeqID)
	assert.False(t, batch.Sequences[0].Sample)
	assert.Equal(t, 6, other.NumComputedTokens)
	assert.Equal(t, lead.BlockIDs(), other.BlockIDs())
	assert.Equal(t, 2, lead.BlockTable[1].RefCount)
	assert.Equal(t, 14, st.BlockManager().NumFreeBlocks())

	out, batch, _ = runStep(t, s, st)
	assert.Equal(t, 2, out.NumScheduledSeqs())
	assert.Equal(t, 2, out.NumBatchedTokens)
	assert.Len(t, out.Copies, 1)
	for _, seq := range batch.Sequences {
		assert.Equal(t, 6, seq.StartPos)
		assert.True(t, seq.Sample)
	}
}

func TestSchedulerRemoveFreesBlocks(t *testing.T) {
	cfg := testSchedulerConfig(t, WithNumKVBlocks(8), WithBlockSize(4))
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	g := testGroup(1, 10, 10, counter())
	st.Add(g)
	runStep(t, s, st)
	assert.Equal(t, 5, st.BlockManager().NumFreeBlocks())

	st.Remove(g)
	assert.True(t, st.IsFinished())
	assert.Equal(t, 8, st.BlockManager().NumFreeBlocks())
}

func TestPostprocessRejectsMisalignedLogits(t *testing.T) {
	cfg := testSchedulerConfig(t)
	s := NewScheduler(cfg)
	st := NewSchedulerState(cfg)
	st.Add(testGroup(1, 4, 4, counter()))

	out := s.Schedule(st)
	_, err := s.Postprocess(st, out, nil, NewSampler())
	assert.Error(t, err)

	_, err = s.Postprocess(st, out, [][]float32{nil}, NewSampler())
	assert.Error(t, err)
}
