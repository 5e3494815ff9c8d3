// Package workflow runs the churn MLOps stages in order with retries.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/publish"
)

const (
	// PipelineName identifies workflow runs in reports and events.
	PipelineName = "churn_mlops_pipeline"

	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"

	StatusCompleted = "completed"
)

// Stage is one unit of work. The returned value is stored in the run context
// under the stage name for downstream stages.
type Stage interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) (any, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, rc *RunContext) (any, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Run(ctx context.Context, rc *RunContext) (any, error) {
	return s.Fn(ctx, rc)
}

// Notifier receives the completion event of a run.
type Notifier interface {
	Notify(ctx context.Context, e publish.Event) error
}

// RunContext carries the identity of a run and the results of completed stages.
type RunContext struct {
	ID        string
	StartedAt time.Time

	mu      sync.RWMutex
	results map[string]any
}

// NewRunContext creates a context for a run starting at now.
func NewRunContext(now time.Time) *RunContext {
	return &RunContext{
		ID:        uuid.NewString(),
		StartedAt: now,
		results:   make(map[string]any),
	}
}

// Set stores the result of a stage.
func (rc *RunContext) Set(stage string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.results[stage] = v
}

// Get returns the result of a completed stage.
func (rc *RunContext) Get(stage string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.results[stage]
	return v, ok
}

// Result returns the typed result of a completed stage.
func Result[T any](rc *RunContext, stage string) (T, error) {
	var zero T
	v, ok := rc.Get(stage)
	if !ok {
		return zero, fmt.Errorf("no result for stage %s", stage)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("stage %s result is %T, not %T", stage, v, zero)
	}
	return t, nil
}

// StageResult records the execution of one stage.
type StageResult struct {
	Name     string        `json:"name" yaml:"name"`
	Status   string        `json:"status" yaml:"status"`
	Attempts int           `json:"attempts" yaml:"attempts"`
	Started  time.Time     `json:"started" yaml:"started"`
	Duration time.Duration `json:"duration_ns" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Result   any           `json:"result,omitempty" yaml:"result,omitempty"`
}

// Summary is the outcome of a workflow run.
type Summary struct {
	Pipeline string         `json:"pipeline" yaml:"pipeline"`
	RunID    string         `json:"run_id" yaml:"runID"`
	Started  time.Time      `json:"started" yaml:"started"`
	Finished time.Time      `json:"finished" yaml:"finished"`
	Status   string         `json:"status" yaml:"status"`
	Stages   []*StageResult `json:"stages" yaml:"stages"`
}

// Runner executes stages sequentially. A failed stage is retried up to
// Retries times unless its error is a ConfigError; the run stops at the first
// stage that still fails and the remaining stages are skipped.
type Runner struct {
	Stages     []Stage
	Retries    int
	RetryDelay time.Duration
	Notifier   Notifier

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now defaults to time.Now.
	Now func() time.Time
}

// Run executes all stages.
func (r *Runner) Run(ctx context.Context, rc *RunContext) (*Summary, error) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	log := slog.Default().WithGroup("workflow").With("run", rc.ID)

	sum := &Summary{
		Pipeline: PipelineName,
		RunID:    rc.ID,
		Started:  rc.StartedAt,
		Status:   StatusCompleted,
	}

	var runErr error
	for _, s := range r.Stages {
		sr := &StageResult{Name: s.Name()}
		sum.Stages = append(sum.Stages, sr)

		if runErr != nil {
			sr.Status = StatusSkipped
			continue
		}

		sr.Started = now()
		v, attempts, err := r.attempt(ctx, rc, s, log)
		sr.Attempts = attempts
		sr.Duration = now().Sub(sr.Started)
		if err != nil {
			sr.Status = StatusFailed
			sr.Error = err.Error()
			runErr = fmt.Errorf("stage %s: %w", s.Name(), err)
			log.Error("stage failed", "stage", s.Name(), "attempts", attempts, "error", err)
			continue
		}

		sr.Status = StatusSuccess
		sr.Result = v
		rc.Set(s.Name(), v)
		log.Info("stage completed", "stage", s.Name(), "attempts", attempts, "duration", sr.Duration.Round(time.Millisecond))
	}

	sum.Finished = now()
	if runErr != nil {
		sum.Status = StatusFailed
	}
	r.notify(ctx, sum, log)
	return sum, runErr
}

func (r *Runner) attempt(ctx context.Context, rc *RunContext, s Stage, log *slog.Logger) (any, int, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for i := 0; i <= r.Retries; i++ {
		if i > 0 {
			log.Warn("retrying stage", "stage", s.Name(), "attempt", i+1, "delay", r.RetryDelay, "error", err)
			if serr := sleep(ctx, r.RetryDelay); serr != nil {
				return nil, i, errors.Join(err, serr)
			}
		}

		var v any
		if v, err = s.Run(ctx, rc); err == nil {
			return v, i + 1, nil
		}
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			return nil, i + 1, errors.Join(err, cerr)
		}
		if !retryable(err) {
			return nil, i + 1, err
		}
	}
	return nil, r.Retries + 1, err
}

// retryable reports whether another attempt may succeed. Configuration
// errors are deterministic.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errs.Is(err, errs.KindConfig)
}

func (r *Runner) notify(ctx context.Context, sum *Summary, log *slog.Logger) {
	if r.Notifier == nil {
		return
	}
	eventType := publish.EventPipelineCompleted
	if sum.Status == StatusFailed {
		eventType = publish.EventPipelineFailed
	}
	e := publish.NewEvent(eventType, sum.Pipeline, sum.RunID, sum.Status)
	for _, s := range sum.Stages {
		e.Details[s.Name] = s.Status
	}
	if err := r.Notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
		log.Error("error sending notification", "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
