package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying why an attempt or stage failed. Callers use
// errors.Is to distinguish them.
var (
	// ErrUnknownModel means a referenced model is absent from the registry.
	ErrUnknownModel = errors.New("unknown model")

	// ErrCapabilityMismatch means the chosen model lacks a required modality.
	ErrCapabilityMismatch = errors.New("capability mismatch")

	// ErrTransport means the inference call errored or timed out.
	ErrTransport = errors.New("transport failure")

	// ErrEmptyResponse means the backend returned empty text.
	ErrEmptyResponse = errors.New("empty response")

	// ErrIncapableResponse means the backend textually declared it cannot
	// handle the input (for example a text-only model given images).
	ErrIncapableResponse = errors.New("incapable response")
)

// StageError is the unrecoverable failure of one workflow stage after the
// attempt budget is exhausted. It propagates to the caller as a hard
// failure for the whole turn.
type StageError struct {
	Step     string
	Model    string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s) with model %s: %v", e.Step, e.Attempts, e.Model, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
