package nanocb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// GenerationResult is the outcome of one request. Outputs are ordered by
// score for beam search and by creation otherwise.
type GenerationResult struct {
	RequestID     uint64
	Status        GroupStatus
	Err           error
	TokenIDs      [][]int
	Texts         []string
	Scores        []float64
	FinishReasons []FinishReason
}

// RequestHandle tracks a submitted request.
type RequestHandle struct {
	id        uint64
	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once
	result    GenerationResult
}

func newRequestHandle(id uint64) *RequestHandle {
	return &RequestHandle{id: id, done: make(chan struct{})}
}

// ID returns the request id
func (h *RequestHandle) ID() uint64 {
	return h.id
}

// Cancel asks the engine to drop the request at the next step boundary.
func (h *RequestHandle) Cancel() {
	h.cancelled.Store(true)
}

// Done is closed once the result is available
func (h *RequestHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the result if the request completed
func (h *RequestHandle) Result() (GenerationResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return GenerationResult{}, false
	}
}

// Wait blocks until the request completes or ctx is done
func (h *RequestHandle) Wait(ctx context.Context) (GenerationResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return GenerationResult{}, ctx.Err()
	}
}

func (h *RequestHandle) resolve(res GenerationResult) {
	h.once.Do(func() {
		h.result = res
		close(h.done)
	})
}

type intakeNode struct {
	group *SequenceGroup
	next  *intakeNode
}

// intakeQueue is a lock-free stack of submitted groups. Producers push from
// any goroutine; the step loop takes everything at once.
type intakeQueue struct {
	head atomic.Pointer[intakeNode]
}

func (q *intakeQueue) push(g *SequenceGroup) {
	n := &intakeNode{group: g}
	for {
		old := q.head.Load()
		n.next = old
		if q.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// drain returns the pushed groups in arrival order.
func (q *intakeQueue) drain() []*SequenceGroup {
	var groups []*SequenceGroup
	for n := q.head.Swap(nil); n != nil; n = n.next {
		groups = append(groups, n.group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Arrival < groups[j].Arrival })
	return groups
}

// LLMEngine is the continuous batching engine: it owns the scheduler state
// and runs one schedule, forward, sample cycle per Step.
type LLMEngine struct {
	config      SchedulerConfig
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
	sampler     *Sampler
	metrics     *Metrics

	stepMu sync.Mutex
	state  *SchedulerState

	intake        intakeQueue
	wake          chan struct{}
	nextRequestID atomic.Uint64
	nextSeqID     atomic.Int64
	inflight      atomic.Int64
}

// NewLLMEngine creates a new LLM engine
func NewLLMEngine(config SchedulerConfig, modelRunner ModelRunner, tokenizer Tokenizer) *LLMEngine {
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config),
		sampler:     NewSampler(),
		metrics:     NewMetrics(),
		state:       NewSchedulerState(config),
		wake:        make(chan struct{}, 1),
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// Metrics returns the engine's collectors
func (e *LLMEngine) Metrics() *Metrics {
	return e.metrics
}

// AddRequest encodes prompt and submits it
func (e *LLMEngine) AddRequest(prompt string, cfg DecodingConfig) (*RequestHandle, error) {
	tokenIDs, err := e.tokenizer.Encode(prompt)
	if err != nil {
		err = fmt.Errorf("failed to encode prompt: %w", err)
		return e.failedHandle(err), err
	}
	return e.AddRequestTokens(prompt, tokenIDs, cfg)
}

// failedHandle returns a handle already resolved as FAILED with err.
func (e *LLMEngine) failedHandle(err error) *RequestHandle {
	h := newRequestHandle(e.nextRequestID.Add(1))
	e.metrics.observeRequest(GroupFailed)
	h.resolve(GenerationResult{RequestID: h.id, Status: GroupFailed, Err: err})
	return h
}

// AddRequestTokens submits an already encoded prompt. It is safe to call
// while another goroutine runs Step; the request joins at the next step.
// Requests that can never run are returned already FAILED along with the
// error, and requests with nothing to generate already FINISHED.
func (e *LLMEngine) AddRequestTokens(prompt string, tokenIDs []int, cfg DecodingConfig) (*RequestHandle, error) {
	id := e.nextRequestID.Add(1)
	h := newRequestHandle(id)
	fail := func(err error) (*RequestHandle, error) {
		logrus.Infof("request %d rejected: %v", id, err)
		e.metrics.observeRequest(GroupFailed)
		h.resolve(GenerationResult{RequestID: id, Status: GroupFailed, Err: err})
		return h, err
	}

	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if len(tokenIDs) == 0 {
		return fail(ErrEmptyPrompt)
	}
	if cfg.EOSTokenID == UnsetTokenID {
		cfg.EOSTokenID = e.tokenizer.EOSTokenID()
	}
	if cfg.PadTokenID == UnsetTokenID {
		cfg.PadTokenID = cfg.EOSTokenID
	}
	if need := ceilDiv(len(tokenIDs), e.config.BlockSize); need > e.config.NumKVBlocks {
		return fail(&CapacityError{RequestID: id, Resource: "kv cache blocks", Needed: need, Available: e.config.NumKVBlocks})
	}
	if w := cfg.Width(); w > e.config.MaxNumSeqs {
		return fail(&CapacityError{RequestID: id, Resource: "sequence slots", Needed: w, Available: e.config.MaxNumSeqs})
	}
	// Every sequence of the group samples in the same step.
	if w := cfg.Width(); w > e.config.MaxNumBatchedTokens {
		return fail(&CapacityError{RequestID: id, Resource: "token budget", Needed: w, Available: e.config.MaxNumBatchedTokens})
	}

	g := newSequenceGroup(id, prompt, tokenIDs, cfg, e.newSeqID)
	g.handle = h

	if maxGen := cfg.maxGeneratedTokens(len(tokenIDs)); maxGen == 0 {
		g.finish(FinishLength)
		e.complete(g)
		return h, nil
	}
	if !cfg.IgnoreEOS && tokenIDs[len(tokenIDs)-1] == cfg.EOSTokenID {
		g.finish(FinishStop)
		e.complete(g)
		return h, nil
	}

	e.inflight.Add(1)
	e.intake.push(g)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return h, nil
}

func (e *LLMEngine) newSeqID() int64 {
	return e.nextSeqID.Add(1)
}

// HasRunningRequests reports whether any submitted request is unfinished
func (e *LLMEngine) HasRunningRequests() bool {
	return e.inflight.Load() > 0
}

// Step performs one scheduling step: admits new requests, drops cancelled
// ones, runs the model on the selected batch and samples. It returns the
// requests that completed in the step. A model failure fails the requests
// of the batch and is returned as a *ModelError.
func (e *LLMEngine) Step(ctx context.Context) ([]GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	var results []GenerationResult
	defer func() {
		e.inflight.Add(-int64(len(results)))
	}()

	for _, g := range e.intake.drain() {
		logrus.Debugf("request %d admitted with %d prompt tokens", g.RequestID, g.NumPromptTokens())
		e.state.Add(g)
	}

	for _, g := range e.state.Groups() {
		if g.handle != nil && g.handle.cancelled.Load() {
			e.state.Remove(g)
			g.Status = GroupCancelled
			g.Err = ErrCancelled
			results = append(results, e.complete(g))
		}
	}

	out := e.scheduler.Schedule(e.state)
	for _, g := range out.Exhausted {
		results = append(results, e.complete(g))
	}
	e.metrics.observeSchedule(out, e.state)
	if out.IsEmpty() {
		if len(results) == 0 && len(out.Preempted) == 0 && !e.state.IsFinished() {
			stalled, err := e.failStalled(out.Step)
			results = append(results, stalled...)
			return results, err
		}
		return results, nil
	}

	logits, err := e.modelRunner.Forward(ctx, out.Batch())
	var finished []*SequenceGroup
	if err == nil {
		finished, err = e.scheduler.Postprocess(e.state, out, logits, e.sampler)
	}
	if err != nil {
		merr := &ModelError{Step: out.Step, Err: err}
		for _, g := range out.Groups() {
			e.state.Remove(g)
			g.Status = GroupFailed
			g.Err = merr
			results = append(results, e.complete(g))
		}
		return results, merr
	}

	for _, g := range finished {
		results = append(results, e.complete(g))
	}
	return results, nil
}

// failStalled fails every queued group after a step that changed nothing:
// the next one would schedule nothing either.
func (e *LLMEngine) failStalled(step int) ([]GenerationResult, error) {
	err := fmt.Errorf("%w at step %d", ErrStalled, step)
	logrus.Errorf("%v: failing %d queued requests", err, e.state.NumRunning()+e.state.NumPending())
	var results []GenerationResult
	for _, g := range e.state.Groups() {
		e.state.Remove(g)
		g.Status = GroupFailed
		g.Err = err
		results = append(results, e.complete(g))
	}
	return results, err
}

// Run steps until ctx is done, sleeping while there is nothing to do. It is
// the serving loop used when requests arrive through AddRequest.
func (e *LLMEngine) Run(ctx context.Context) error {
	for {
		if !e.HasRunningRequests() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			}
			continue
		}
		if _, err := e.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logrus.Errorf("step failed: %v", err)
		}
	}
}

// complete decodes the outputs of a terminal group and resolves its handle
func (e *LLMEngine) complete(g *SequenceGroup) GenerationResult {
	res := GenerationResult{
		RequestID: g.RequestID,
		Status:    g.Status,
		Err:       g.Err,
	}
	for _, h := range g.Outputs() {
		text, err := e.tokenizer.Decode(h.TokenIDs)
		if err != nil && res.Err == nil {
			res.Err = fmt.Errorf("failed to decode tokens: %w", err)
		}
		res.TokenIDs = append(res.TokenIDs, h.TokenIDs)
		res.Texts = append(res.Texts, text)
		res.Scores = append(res.Scores, h.Score)
		res.FinishReasons = append(res.FinishReasons, h.FinishReason)
	}

	logrus.Infof("request %d %s with %d outputs", g.RequestID, g.Status, len(res.TokenIDs))
	e.metrics.observeRequest(g.Status)
	if g.handle != nil {
		g.handle.resolve(res)
	}
	return res
}

// NumFreeBlocks returns the free blocks of the pool
func (e *LLMEngine) NumFreeBlocks() int {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()
	return e.state.BlockManager().NumFreeBlocks()
}
