// Package search fans a logical query out to every source of a group and merges the outcome.
package search

import (
	"context"
	"time"

	"github.com/hyperjump/studyfed/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrentSources bounds parallel source queries.
const DefaultMaxConcurrentSources = 8

// SourceExecutor runs one query against one source.
type SourceExecutor interface {
	Execute(ctx context.Context, src models.Source, params *models.QueryParameters) ([]*models.Study, error)
}

// Aggregator issues parameter sets to every source in a group and collects the results.
type Aggregator struct {
	executor      SourceExecutor
	maxConcurrent int
	logger        *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMaxConcurrent bounds the number of sources queried at once.
func WithMaxConcurrent(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxConcurrent = n
		}
	}
}

// NewAggregator creates an aggregator over the given executor.
func NewAggregator(executor SourceExecutor, opts ...Option) *Aggregator {
	a := &Aggregator{
		executor:      executor,
		maxConcurrent: DefaultMaxConcurrentSources,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Query runs every parameter set against every source of group. A source that fails
// any set contributes nothing and records one failure; other sources are unaffected.
// Items are returned in group order, then parameter set order.
func (a *Aggregator) Query(ctx context.Context, group *models.SourceGroup, paramSets []*models.QueryParameters) *models.QueryOutcome {
	start := time.Now()
	sets := ProcessParamSets(paramSets)
	if group == nil || len(group.Sources) == 0 {
		return &models.QueryOutcome{Elapsed: time.Since(start)}
	}

	slots := make([]sourceSlot, len(group.Sources))

	var g errgroup.Group
	g.SetLimit(a.maxConcurrent)
	for i, src := range group.Sources {
		i, src := i, src
		g.Go(func() error {
			slots[i] = a.querySource(ctx, src, sets)
			return nil // failures are kept per source
		})
	}
	_ = g.Wait()

	outcome := mergeSlots(group.Sources, slots)
	outcome.Elapsed = time.Since(start)
	a.logger.Debug("aggregated query",
		zap.String("group", group.ID),
		zap.Int("sources", len(group.Sources)),
		zap.Int("param_sets", len(sets)),
		zap.Int("items", len(outcome.Items)),
		zap.Int("failures", len(outcome.Failures)),
		zap.Duration("elapsed", outcome.Elapsed))
	return outcome
}

func (a *Aggregator) querySource(ctx context.Context, src models.Source, sets []*models.QueryParameters) sourceSlot {
	var items []*models.Study
	for _, params := range sets {
		if err := ctx.Err(); err != nil {
			return sourceSlot{err: &models.SourceError{Source: src.Name, Err: err}}
		}
		found, err := a.executor.Execute(ctx, src, params)
		if err != nil {
			return sourceSlot{err: err}
		}
		items = append(items, found...)
	}
	return sourceSlot{items: items}
}
