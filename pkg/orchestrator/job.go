package orchestrator

import (
	"time"

	"github.com/eunmann/s3-size-history/pkg/history"
)

// State is a render job's position in the pipeline.
//
//	Started -> Fetched -> Rendered -> Completed
//	Started | Fetched -> Failed
type State int

const (
	StateStarted State = iota
	StateFetched
	StateRendered
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateFetched:
		return "fetched"
	case StateRendered:
		return "rendered"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// next reports whether s may move to to.
func (s State) next(to State) bool {
	switch s {
	case StateStarted:
		return to == StateFetched || to == StateFailed
	case StateFetched:
		return to == StateRendered || to == StateFailed
	case StateRendered:
		return to == StateCompleted
	default:
		return false
	}
}

// Transition records when a job entered a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Job is the per-request record of one trigger. It lives only for the
// request.
type Job struct {
	ID          string
	BucketID    string
	RequestedAt time.Time
	From, To    int64
	Series      []history.Point
	Peak        *history.Point
	ArtifactRef string
	State       State
	History     []Transition
	Failure     *OrchestrationError
}

func (j *Job) moveTo(s State, at time.Time) bool {
	if !j.State.next(s) {
		return false
	}
	j.State = s
	j.History = append(j.History, Transition{State: s, At: at})
	return true
}
