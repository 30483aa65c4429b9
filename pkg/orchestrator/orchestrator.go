// Package orchestrator runs the two-stage render pipeline behind a trigger:
// fetch the bucket's history, render it, return the artifact reference.
// Each trigger is independent and keeps no state once it returns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/pkg/history"
	"github.com/eunmann/s3-size-history/pkg/ledger"
	"github.com/eunmann/s3-size-history/pkg/render"
)

// Querier is the read side the orchestrator needs; *history.Engine
// implements it.
type Querier interface {
	GetSeries(ctx context.Context, bucket string, from, to int64) ([]history.Point, error)
	GetPeak(ctx context.Context, bucket string) (history.Point, error)
}

// Config holds the pipeline defaults and timeouts.
type Config struct {
	// DefaultBucket is used when a request names none.
	DefaultBucket string
	// Window is the lookback when a request gives no range.
	Window         time.Duration
	FetchTimeout   time.Duration
	RenderTimeout  time.Duration
	TriggerTimeout time.Duration
}

// DefaultConfig returns a 10 second window and conservative timeouts.
func DefaultConfig() Config {
	return Config{
		Window:         10 * time.Second,
		FetchTimeout:   10 * time.Second,
		RenderTimeout:  20 * time.Second,
		TriggerTimeout: 30 * time.Second,
	}
}

// Validate checks configuration values.
func (c *Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.FetchTimeout <= 0 || c.RenderTimeout <= 0 || c.TriggerTimeout <= 0 {
		return errors.New("fetch, render and trigger timeouts must be positive")
	}
	return nil
}

// Request asks for one chart. Zero fields take defaults: the configured
// bucket, a window ending now, the configured window length.
type Request struct {
	BucketID string
	Window   time.Duration
	// From and To are ms since epoch. A nil To means now; a nil From
	// means Window before To. Zero is a valid bound (the epoch).
	From, To *int64
}

// Result is a completed trigger.
type Result struct {
	JobID       string
	ArtifactRef string
	Job         Job
}

// Orchestrator runs triggers. It is safe for concurrent use.
type Orchestrator struct {
	query    Querier
	renderer render.Renderer
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// New builds an Orchestrator.
func New(q Querier, r render.Renderer, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if q == nil || r == nil {
		return nil, errors.New("orchestrator requires a querier and a renderer")
	}
	return &Orchestrator{
		query:    q,
		renderer: r,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Trigger fetches the bucket's history for the requested window and renders
// it. An empty window still renders. Every failure is an
// *OrchestrationError carrying the stage it happened in.
func (o *Orchestrator) Trigger(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TriggerTimeout)
	defer cancel()

	job := &Job{ID: o.newID(), RequestedAt: o.now(), State: StateStarted}
	job.History = []Transition{{State: StateStarted, At: job.RequestedAt}}
	ctx = logctx.WithJob(ctx, job.ID)

	if ferr := o.plan(job, req); ferr != nil {
		return o.fail(ctx, job, ferr)
	}
	ctx = logctx.WithBucket(ctx, job.BucketID)
	log := logctx.FromContext(ctx)
	log.Info().
		Str("from", formatMillis(job.From)).
		Str("to", formatMillis(job.To)).
		Msg("render job started")

	if ferr := o.fetch(ctx, job); ferr != nil {
		return o.fail(ctx, job, ferr)
	}
	o.advance(ctx, job, StateFetched)

	if ferr := o.render(ctx, job); ferr != nil {
		return o.fail(ctx, job, ferr)
	}
	o.advance(ctx, job, StateRendered)
	o.advance(ctx, job, StateCompleted)

	log.Info().
		Str("artifact", job.ArtifactRef).
		Int("points", len(job.Series)).
		Str("duration", o.now().Sub(job.RequestedAt).String()).
		Msg("render job completed")
	return Result{JobID: job.ID, ArtifactRef: job.ArtifactRef, Job: *job}, nil
}

// plan resolves the bucket and the [From, To] window.
func (o *Orchestrator) plan(job *Job, req Request) *OrchestrationError {
	job.BucketID = req.BucketID
	if job.BucketID == "" {
		job.BucketID = o.cfg.DefaultBucket
	}
	if job.BucketID == "" {
		return failure(StageRequest, KindInvalidRequest, errors.New("no bucket given and no default configured"))
	}
	if req.Window < 0 {
		return failure(StageRequest, KindInvalidRequest, fmt.Errorf("negative window %s", req.Window))
	}

	window := req.Window
	if window == 0 {
		window = o.cfg.Window
	}
	job.To = ledger.Millis(job.RequestedAt)
	if req.To != nil {
		job.To = *req.To
	}
	job.From = job.To - window.Milliseconds()
	if req.From != nil {
		job.From = *req.From
	}
	if job.From > job.To {
		return failure(StageRequest, KindInvalidRange,
			fmt.Errorf("%w: from %d is after to %d", history.ErrInvalidRange, job.From, job.To))
	}
	return nil
}

// fetch loads the series and the all-time peak concurrently.
func (o *Orchestrator) fetch(ctx context.Context, job *Job) *OrchestrationError {
	var (
		series []history.Point
		peak   history.Point
	)
	err := runStage(ctx, o.cfg.FetchTimeout, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			series, err = o.query.GetSeries(gctx, job.BucketID, job.From, job.To)
			return err
		})
		g.Go(func() error {
			var err error
			peak, err = o.query.GetPeak(gctx, job.BucketID)
			return err
		})
		return g.Wait()
	})

	switch {
	case err == nil:
		job.Series = series
		job.Peak = &peak
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		return failure(StageFetch, KindNoHistory, err)
	case errors.Is(err, history.ErrInvalidRange):
		return failure(StageFetch, KindInvalidRange, err)
	case errors.Is(err, context.DeadlineExceeded):
		return failure(StageFetch, KindTimeout, err)
	default:
		return failure(StageFetch, KindFetchFailed, err)
	}
}

// render draws the chart once; render failures are not retried.
func (o *Orchestrator) render(ctx context.Context, job *Job) *OrchestrationError {
	chart := render.Chart{
		BucketID: job.BucketID,
		JobID:    job.ID,
		From:     job.From,
		To:       job.To,
		Series:   job.Series,
		Peak:     job.Peak,
	}
	var ref string
	err := runStage(ctx, o.cfg.RenderTimeout, func(ctx context.Context) error {
		var err error
		ref, err = o.renderer.Render(ctx, chart)
		return err
	})

	switch {
	case err == nil:
		job.ArtifactRef = ref
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return failure(StageRender, KindTimeout, err)
	default:
		return failure(StageRender, KindRenderFailed, err)
	}
}

// runStage runs fn under its own timeout and returns as soon as that
// timeout fires, even if fn ignores its context. fn's results must only be
// read after a nil error.
func runStage(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) advance(ctx context.Context, job *Job, s State) {
	lg := logctx.FromContext(ctx)
	if !job.moveTo(s, o.now()) {
		lg.Error().
			Str("from", job.State.String()).
			Str("to", s.String()).
			Msg("illegal job transition")
		return
	}
	lg.Debug().Str("state", s.String()).Msg("render job transition")
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, ferr *OrchestrationError) (Result, error) {
	job.Failure = ferr
	o.advance(ctx, job, StateFailed)

	lg := logctx.FromContext(ctx)
	ev := lg.Warn()
	if ferr.Kind == KindFetchFailed || ferr.Kind == KindRenderFailed {
		ev = lg.Error()
	}
	ev.Str(logctx.FieldStage, string(ferr.Stage)).
		Str("kind", string(ferr.Kind)).
		Str("reason", ferr.Reason).
		Msg("render job failed")
	return Result{JobID: job.ID, Job: *job}, ferr
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
