// Package batch runs one detection session per input item.
//
// Failure handling is the caller's choice. With ContinueOnFail a failed item
// becomes an error record and the rest carry on; otherwise the first failure
// aborts the remaining items and Run returns an *ItemError.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-fatigue/pkg/alert"
	"github.com/teslashibe/go-fatigue/pkg/fatigue"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

// Item is one unit of work.
type Item struct {
	ID      string
	Session fatigue.SessionConfig
	Policy  alert.Policy
	Source  landmark.Config

	// Err fails the item before any source is built, e.g. when its
	// settings were rejected while the batch was assembled.
	Err error
}

// SourceFactory builds the landmark source for an item.
type SourceFactory func(ctx context.Context, item Item) (landmark.Source, error)

// FromConfig returns a factory that builds sources with landmark.NewSource.
func FromConfig(logger *slog.Logger, camera landmark.CameraFunc) SourceFactory {
	return func(ctx context.Context, item Item) (landmark.Source, error) {
		return landmark.NewSource(item.Source, logger, camera)
	}
}

// Result is the output for one item.
type Result struct {
	Index int
	ID    string

	// Outcome is nil when the item failed.
	Outcome *fatigue.Outcome

	// Record is the emitted record; nil when the policy emitted nothing.
	Record alert.Record

	// Error is the failure message in tolerant mode.
	Error string
}

// Failed reports whether the item failed.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Emitted reports whether the item produced output.
func (r Result) Emitted() bool {
	return r.Failed() || r.Record != nil
}

// MarshalJSON renders the record, or {"error": msg} for a failed item.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	return json.Marshal(r.Record)
}

// Records returns the results that produced output, in input order.
func Records(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Emitted() {
			out = append(out, r)
		}
	}
	return out
}

// Config controls failure handling and parallelism.
type Config struct {
	// ContinueOnFail turns item failures into error records.
	ContinueOnFail bool `json:"continueOnFail" yaml:"continue_on_fail"`

	// Concurrency is the number of sessions run at once. Values below 1
	// run items one at a time.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// Runner executes batches.
type Runner struct {
	cfg      Config
	factory  SourceFactory
	fallback func(Item) landmark.Source
	extra    func(Item) []fatigue.SessionOption
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithFallback supplies a fallback source for each item's session.
func WithFallback(fn func(Item) landmark.Source) Option {
	return func(r *Runner) {
		r.fallback = fn
	}
}

// WithSessionOptions adds session options per item, e.g. an observer.
func WithSessionOptions(fn func(Item) []fatigue.SessionOption) Option {
	return func(r *Runner) {
		r.extra = fn
	}
}

// WithNow sets the clock used for record timestamps.
func WithNow(fn func() time.Time) Option {
	return func(r *Runner) {
		r.now = fn
	}
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, factory SourceFactory, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		factory: factory,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes items and returns one Result per item in input order.
// In strict mode the first failure cancels the remaining items and Run
// returns nil results with an *ItemError.
func (r *Runner) Run(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Concurrency, 1))

	for i, item := range items {
		i, item := i, item
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			res, err := r.runItem(gctx, i, item)
			if err == nil {
				results[i] = res
				return nil
			}

			if r.cfg.ContinueOnFail && ctx.Err() == nil {
				r.logger.Warn("batch item failed, continuing", "index", i, "id", item.ID, "error", err)
				results[i] = Result{Index: i, ID: item.ID, Error: err.Error()}
				return nil
			}
			return &ItemError{Index: i, ID: item.ID, Err: err}
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.Error("batch aborted", "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) runItem(ctx context.Context, index int, item Item) (Result, error) {
	if item.Err != nil {
		return Result{}, item.Err
	}
	if err := item.Policy.Validate(); err != nil {
		return Result{}, &fatigue.ConfigError{Field: "alert_mode", Value: item.Policy.Mode, Reason: err.Error()}
	}
	// Reject bad thresholds before a source is built.
	if err := item.Session.Validate(); err != nil {
		return Result{}, err
	}

	src, err := r.factory(ctx, item)
	if err != nil {
		if r.fallback == nil || !errors.Is(err, landmark.ErrSourceUnavailable) {
			return Result{}, fmt.Errorf("build source: %w", err)
		}
		// Let the session log the switch and record it in the outcome.
		src = landmark.Unavailable(item.Source.Backend, err)
	}

	opts := []fatigue.SessionOption{fatigue.WithLogger(r.logger.With("item", index))}
	if item.ID != "" {
		opts = append(opts, fatigue.WithSessionID(item.ID))
	}
	if r.fallback != nil {
		if fb := r.fallback(item); fb != nil {
			opts = append(opts, fatigue.WithFallback(fb))
		}
	}
	if r.extra != nil {
		opts = append(opts, r.extra(item)...)
	}

	sess, err := fatigue.NewSession(item.Session, src, opts...)
	if err != nil {
		src.Close()
		return Result{}, err
	}

	out, err := sess.Run(ctx)
	if err != nil {
		return Result{}, err
	}

	rec, _ := alert.Map(out, item.Policy, r.now())
	return Result{
		Index:   index,
		ID:      item.ID,
		Outcome: &out,
		Record:  rec,
	}, nil
}
