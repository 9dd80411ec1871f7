package nanocb

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBlocks is returned by the block manager when the pool cannot
	// satisfy an allocation. The scheduler handles it; callers never see it.
	ErrOutOfBlocks = errors.New("out of kv cache blocks")

	// ErrModelLoad is returned when a model directory cannot be turned into a runner.
	ErrModelLoad = errors.New("failed to load model")

	// ErrPromptCountMismatch is returned by Generate when prompts and configs differ in length.
	ErrPromptCountMismatch = errors.New("number of prompts and decoding configs differ")

	// ErrCancelled is reported on the result of a request cancelled through its handle.
	ErrCancelled = errors.New("request cancelled")

	// ErrEmptyPrompt rejects requests without a single prompt token.
	ErrEmptyPrompt = errors.New("prompt encodes to zero tokens")

	// ErrStalled fails the queued requests when a step can schedule nothing.
	ErrStalled = errors.New("scheduler made no progress")
)

// ConfigError reports a malformed scheduler or decoding configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CapacityError reports a request whose minimum footprint can never fit the pool.
type CapacityError struct {
	RequestID uint64
	Resource  string
	Needed    int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("request %d needs %d %s but only %d exist", e.RequestID, e.Needed, e.Resource, e.Available)
}

// ModelError wraps a failure of the forward pass. The groups of the batch
// that hit it are failed.
type ModelError struct {
	Step int
	Err  error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model forward failed at step %d: %v", e.Step, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
