package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinels matched by OrchestrationError.Is.
var (
	ErrNoHistory    = errors.New("orchestrator: no history")
	ErrInvalidRange = errors.New("orchestrator: invalid range")
	ErrFetchFailed  = errors.New("orchestrator: fetch failed")
	ErrRenderFailed = errors.New("orchestrator: render failed")
	ErrTimeout      = errors.New("orchestrator: timeout")
)

// Kind classifies a failed trigger.
type Kind string

const (
	KindNoHistory      Kind = "no_history"
	KindInvalidRange   Kind = "invalid_range"
	KindInvalidRequest Kind = "invalid_request"
	KindFetchFailed    Kind = "fetch_failed"
	KindRenderFailed   Kind = "render_failed"
	KindTimeout        Kind = "timeout"
)

// Stage names the pipeline step a failure happened in.
type Stage string

const (
	StageRequest Stage = "request"
	StageFetch   Stage = "fetch"
	StageRender  Stage = "render"
)

// OrchestrationError is returned by Trigger for every failure. Stage and
// Kind let callers tell "no data yet" apart from a malfunction.
type OrchestrationError struct {
	Stage  Stage
	Kind   Kind
	Reason string
	Err    error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestrator: %s during %s: %s", e.Kind, e.Stage, e.Reason)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by Kind.
func (e *OrchestrationError) Is(target error) bool {
	switch target {
	case ErrNoHistory:
		return e.Kind == KindNoHistory
	case ErrInvalidRange:
		return e.Kind == KindInvalidRange
	case ErrFetchFailed:
		return e.Kind == KindFetchFailed
	case ErrRenderFailed:
		return e.Kind == KindRenderFailed
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

func failure(stage Stage, kind Kind, err error) *OrchestrationError {
	reason := string(kind)
	if err != nil {
		reason = err.Error()
	}
	return &OrchestrationError{Stage: stage, Kind: kind, Reason: reason, Err: err}
}
