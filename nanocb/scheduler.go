package nanocb

import (
	"container/list"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

// SchedulerState is what the scheduling loop mutates from step to step.
// It is owned by the engine and only touched under its step lock.
type SchedulerState struct {
	blockManager *BlockManager
	running      *list.List // *SequenceGroup in arrival order
	pending      *list.List // WAITING and SWAPPED groups in arrival order
	reservedSeqs int
	step         int
}

// NewSchedulerState creates empty queues over a fresh block pool
func NewSchedulerState(config SchedulerConfig) *SchedulerState {
	return &SchedulerState{
		blockManager: NewBlockManager(config.NumKVBlocks, config.BlockSize),
		running:      list.New(),
		pending:      list.New(),
	}
}

// BlockManager returns the block pool
func (st *SchedulerState) BlockManager() *BlockManager {
	return st.blockManager
}

// IsFinished returns true if there are no more groups to process
func (st *SchedulerState) IsFinished() bool {
	return st.running.Len() == 0 && st.pending.Len() == 0
}

// NumRunning returns the number of RUNNING groups
func (st *SchedulerState) NumRunning() int {
	return st.running.Len()
}

// NumPending returns the number of WAITING and SWAPPED groups
func (st *SchedulerState) NumPending() int {
	return st.pending.Len()
}

// NumRunningSeqs counts the live sequences of RUNNING groups
func (st *SchedulerState) NumRunningSeqs() int {
	n := 0
	for _, g := range listGroups(st.running) {
		n += len(g.seqs)
	}
	return n
}

// Add queues a new group
func (st *SchedulerState) Add(g *SequenceGroup) {
	g.Status = GroupWaiting
	g.setSeqStatus(StatusWaiting)
	insertByArrival(st.pending, g)
}

// Remove takes g out of the queues and frees every block it holds
func (st *SchedulerState) Remove(g *SequenceGroup) {
	if removeGroup(st.running, g) {
		st.reservedSeqs -= g.Width()
	}
	removeGroup(st.pending, g)
	for _, seq := range g.seqs {
		st.blockManager.Free(seq)
	}
	_, released := g.takePending()
	for _, seq := range released {
		st.blockManager.Free(seq)
	}
}

// Groups returns every queued group, running ones first
func (st *SchedulerState) Groups() []*SequenceGroup {
	return append(listGroups(st.running), listGroups(st.pending)...)
}

// byArrival merges both queues into one arrival ordered snapshot
func (st *SchedulerState) byArrival() []*SequenceGroup {
	all := st.Groups()
	slices.SortStableFunc(all, func(a, b *SequenceGroup) int {
		switch {
		case a.Arrival < b.Arrival:
			return -1
		case a.Arrival > b.Arrival:
			return 1
		}
		return 0
	})
	return all
}

// lowestPriorityRunning returns the latest arrived RUNNING group if it
// arrived after requester.
func (st *SchedulerState) lowestPriorityRunning(requester *SequenceGroup) *SequenceGroup {
	back := st.running.Back()
	if back == nil {
		return nil
	}
	g := back.Value.(*SequenceGroup)
	if g == requester || g.Arrival <= requester.Arrival {
		return nil
	}
	return g
}

func listGroups(l *list.List) []*SequenceGroup {
	groups := make([]*SequenceGroup, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		groups = append(groups, e.Value.(*SequenceGroup))
	}
	return groups
}

func insertByArrival(l *list.List, g *SequenceGroup) {
	for e := l.Back(); e != nil; e = e.Prev() {
		if e.Value.(*SequenceGroup).Arrival < g.Arrival {
			l.InsertAfter(g, e)
			return
		}
	}
	l.PushFront(g)
}

func removeGroup(l *list.List, g *SequenceGroup) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*SequenceGroup) == g {
			l.Remove(e)
			return true
		}
	}
	return false
}

type scheduledChunk struct {
	group     *SequenceGroup
	seq       *Sequence
	numTokens int
	sample    bool
}

// SchedulerOutput is the work selected for one step.
type SchedulerOutput struct {
	Step             int
	Copies           []BlockCopy
	Preempted        []*SequenceGroup
	Exhausted        []*SequenceGroup
	NumBatchedTokens int

	chunks           []scheduledChunk
	preempted        map[*SequenceGroup]bool
	admissionBlocked bool
}

// IsEmpty reports whether nothing was scheduled
func (o *SchedulerOutput) IsEmpty() bool {
	return len(o.chunks) == 0
}

// NumScheduledSeqs returns how many sequences take part in the step
func (o *SchedulerOutput) NumScheduledSeqs() int {
	return len(o.chunks)
}

// Groups returns the groups with work in the step, in schedule order
func (o *SchedulerOutput) Groups() []*SequenceGroup {
	var groups []*SequenceGroup
	seen := make(map[*SequenceGroup]bool)
	for _, c := range o.chunks {
		if !seen[c.group] {
			seen[c.group] = true
			groups = append(groups, c.group)
		}
	}
	return groups
}

// Batch builds the model input of the step
func (o *SchedulerOutput) Batch() *Batch {
	b := &Batch{
		Sequences: make([]ScheduledSequence, len(o.chunks)),
		Copies:    o.Copies,
	}
	for i, c := range o.chunks {
		start := c.seq.NumComputedTokens
		b.Sequences[i] = ScheduledSequence{
			SeqID:      c.seq.SeqID,
			TokenIDs:   slices.Clone(c.seq.TokenIDs[start : start+c.numTokens]),
			StartPos:   start,
			BlockTable: c.seq.BlockIDs(),
			Sample:     c.sample,
		}
	}
	return b
}

// Scheduler decides which tokens run in each step. It holds only the
// immutable policy; all mutable state is passed in.
type Scheduler struct {
	config SchedulerConfig
}

// NewScheduler creates a new scheduler
func NewScheduler(config SchedulerConfig) *Scheduler {
	return &Scheduler{config: config}
}

// Schedule selects the work of the next step
func (s *Scheduler) Schedule(st *SchedulerState) *SchedulerOutput {
	st.step++
	out := &SchedulerOutput{
		Step:      st.step,
		preempted: make(map[*SequenceGroup]bool),
	}

	if s.config.DynamicSplitFuse {
		s.scheduleSplitFuse(st, out)
	} else {
		s.scheduleRunning(st, out)
		if len(out.Preempted) == 0 {
			s.schedulePrompts(st, out)
		}
	}

	out.Copies = st.blockManager.DrainCopies()
	if !out.IsEmpty() {
		logrus.Debugf("step %d: %d seqs, %d tokens, %d copies, %d free blocks",
			out.Step, len(out.chunks), out.NumBatchedTokens, len(out.Copies), st.blockManager.NumFreeBlocks())
	}
	return out
}

func (s *Scheduler) remaining(out *SchedulerOutput) int {
	return s.config.MaxNumBatchedTokens - out.NumBatchedTokens
}

// scheduleSplitFuse visits running and pending groups together in arrival
// order, so prompt chunks of new requests fuse with decode tokens.
func (s *Scheduler) scheduleSplitFuse(st *SchedulerState, out *SchedulerOutput) {
	for _, g := range st.byArrival() {
		if s.remaining(out) == 0 {
			break
		}
		if out.preempted[g] || g.IsDone() {
			continue
		}
		switch g.Status {
		case GroupRunning:
			s.scheduleRunningGroup(st, g, true, out)
		case GroupWaiting, GroupSwapped:
			if out.admissionBlocked {
				continue
			}
			if !s.admit(st, g, true, true, out) {
				out.admissionBlocked = true
			}
		}
	}
}

// scheduleRunning gives every RUNNING group its decode tokens.
func (s *Scheduler) scheduleRunning(st *SchedulerState, out *SchedulerOutput) {
	for _, g := range listGroups(st.running) {
		if s.remaining(out) == 0 {
			break
		}
		if g.Status != GroupRunning {
			continue
		}
		s.scheduleRunningGroup(st, g, false, out)
	}
}

// schedulePrompts admits whole prompts with the budget left over, keeping
// the padding of the prompt batch within MaxPaddings.
func (s *Scheduler) schedulePrompts(st *SchedulerState, out *SchedulerOutput) {
	numPrompts, sumTokens, longest := 0, 0, 0
	for _, g := range listGroups(st.pending) {
		remaining := s.remaining(out)
		if remaining == 0 {
			break
		}
		n := min(g.NumUncomputedTokens(), remaining)
		l := max(longest, n)
		if l*(numPrompts+1)-(sumTokens+n) > s.config.MaxPaddings {
			break
		}
		if !s.admit(st, g, false, false, out) {
			break
		}
		if g.Status == GroupRunning {
			numPrompts++
			sumTokens += n
			longest = l
		}
	}
}

func (s *Scheduler) scheduleRunningGroup(st *SchedulerState, g *SequenceGroup, allowSplit bool, out *SchedulerOutput) {
	plan := s.plan(g, s.remaining(out), allowSplit)
	if plan == nil {
		return
	}
	if s.reserve(st, g, plan, true, out) {
		s.commit(st, plan, out)
		return
	}

	// Only groups ahead of g hold blocks now.
	if st.blockManager.NumUsedBlocks() > g.numBlocksHeld() {
		s.preempt(st, g, out)
		out.admissionBlocked = true
		return
	}
	s.exhaust(st, g, out)
}

// admit moves a pending group to RUNNING if it gets work this step.
func (s *Scheduler) admit(st *SchedulerState, g *SequenceGroup, allowSplit, allowPreempt bool, out *SchedulerOutput) bool {
	if st.reservedSeqs+g.Width() > s.config.MaxNumSeqs {
		return false
	}
	plan := s.plan(g, s.remaining(out), allowSplit)
	if plan == nil {
		return false
	}
	if !s.reserve(st, g, plan, allowPreempt, out) {
		if st.running.Len() == 0 && st.blockManager.NumUsedBlocks() == 0 {
			s.exhaust(st, g, out)
			return true
		}
		logrus.Warnf("request %d waits for kv cache: %d of %d blocks free",
			g.RequestID, st.blockManager.NumFreeBlocks(), st.blockManager.Capacity())
		return false
	}

	removeGroup(st.pending, g)
	insertByArrival(st.running, g)
	st.reservedSeqs += g.Width()
	g.Status = GroupRunning
	g.setSeqStatus(StatusRunning)
	s.commit(st, plan, out)
	return true
}

// plan splits the group's pending tokens into per-sequence chunks that fit
// budget. A group samples only when every sequence reaches its last token;
// otherwise chunks stop one token short.
func (s *Scheduler) plan(g *SequenceGroup, budget int, allowSplit bool) []scheduledChunk {
	need := g.NumUncomputedTokens()
	if need == 0 || budget <= 0 {
		return nil
	}

	// A resumed group rebuilds its common prefix on the first sequence.
	if g.sharedLen > 0 {
		if !allowSplit && need > budget && need <= s.config.MaxNumBatchedTokens {
			return nil
		}
		return []scheduledChunk{{group: g, seq: g.seqs[0], numTokens: min(need, budget)}}
	}

	var plan []scheduledChunk
	if need <= budget {
		for _, seq := range g.seqs {
			plan = append(plan, scheduledChunk{group: g, seq: seq, numTokens: seq.NumUncomputedTokens(), sample: true})
		}
		return plan
	}

	// Work that can never fit one step is chunked in either mode.
	if !allowSplit && need <= s.config.MaxNumBatchedTokens {
		return nil
	}
	for _, seq := range g.seqs {
		n := min(seq.NumUncomputedTokens()-1, budget)
		if n <= 0 {
			continue
		}
		plan = append(plan, scheduledChunk{group: g, seq: seq, numTokens: n})
		budget -= n
		if budget == 0 {
			break
		}
	}
	return plan
}

// reserve makes room for plan, preempting lower priority groups if allowed.
func (s *Scheduler) reserve(st *SchedulerState, g *SequenceGroup, plan []scheduledChunk, allowPreempt bool, out *SchedulerOutput) bool {
	need := 0
	for _, c := range plan {
		need += st.blockManager.BlocksNeeded(c.seq, c.numTokens)
	}
	for !st.blockManager.CanAllocate(need) {
		if !allowPreempt {
			return false
		}
		victim := st.lowestPriorityRunning(g)
		if victim == nil {
			return false
		}
		s.preempt(st, victim, out)
	}
	return true
}

func (s *Scheduler) commit(st *SchedulerState, plan []scheduledChunk, out *SchedulerOutput) {
	for _, c := range plan {
		if err := st.blockManager.Allocate(c.seq, c.numTokens); err != nil {
			panic(fmt.Sprintf("allocation after reservation failed: %v", err))
		}
		out.chunks = append(out.chunks, c)
		out.NumBatchedTokens += c.numTokens
	}
}

// preempt swaps g out: its blocks are released and its tokens recomputed
// when it is scheduled again, the common prefix of its sequences once.
func (s *Scheduler) preempt(st *SchedulerState, g *SequenceGroup, out *SchedulerOutput) {
	logrus.Warnf("preempting request %d (arrival %d), releasing %d blocks", g.RequestID, g.Arrival, g.numBlocksHeld())
	for _, seq := range g.seqs {
		st.blockManager.Free(seq)
	}
	g.markRecompute()
	removeGroup(st.running, g)
	st.reservedSeqs -= g.Width()
	g.Status = GroupSwapped
	g.setSeqStatus(StatusSwapped)
	insertByArrival(st.pending, g)
	out.Preempted = append(out.Preempted, g)
	out.preempted[g] = true
}

// exhaust finishes a group that cannot grow even with the pool to itself.
func (s *Scheduler) exhaust(st *SchedulerState, g *SequenceGroup, out *SchedulerOutput) {
	logrus.Warnf("request %d finished early: kv cache exhausted", g.RequestID)
	if removeGroup(st.running, g) {
		st.reservedSeqs -= g.Width()
	}
	removeGroup(st.pending, g)
	g.finish(FinishCacheExhausted)
	_, released := g.takePending()
	for _, seq := range released {
		st.blockManager.Free(seq)
	}
	out.Exhausted = append(out.Exhausted, g)
}

// Postprocess commits the computed chunks of a step, samples the groups
// that reached their last token and retires the groups that finished.
func (s *Scheduler) Postprocess(st *SchedulerState, out *SchedulerOutput, logits [][]float32, sampler *Sampler) ([]*SequenceGroup, error) {
	if len(logits) != len(out.chunks) {
		return nil, fmt.Errorf("model returned %d logits rows for %d sequences", len(logits), len(out.chunks))
	}
	for i, c := range out.chunks {
		if c.sample && len(logits[i]) == 0 {
			return nil, fmt.Errorf("model returned no logits for sequence %d", c.seq.SeqID)
		}
	}

	rows := make(map[*SequenceGroup]map[int64][]float32)
	var order []*SequenceGroup
	for i, c := range out.chunks {
		c.seq.NumComputedTokens += c.numTokens
		if !c.sample {
			c.group.shareRecomputed(st.blockManager.Fork)
			continue
		}
		m, ok := rows[c.group]
		if !ok {
			m = make(map[int64][]float32)
			rows[c.group] = m
			order = append(order, c.group)
		}
		m[c.seq.SeqID] = logits[i]
	}

	var finished []*SequenceGroup
	for _, g := range order {
		sampler.Sample(g, rows[g])

		forks, released := g.takePending()
		for _, f := range forks {
			st.blockManager.Fork(f.parent, f.child)
		}
		for _, seq := range released {
			st.blockManager.Free(seq)
		}

		if g.Status == GroupFinished {
			if removeGroup(st.running, g) {
				st.reservedSeqs -= g.Width()
			}
			finished = append(finished, g)
		}
	}
	return finished, nil
}
