// Package livesync keeps the local datastore's result table current from import notifications.
package livesync

import (
	"context"
	"sync"

	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/results"
	"go.uber.org/zap"
)

// Querier runs one query against one source.
type Querier interface {
	Execute(ctx context.Context, src models.Source, params *models.QueryParameters) ([]*models.Study, error)
}

// Report summarizes one reconciliation pass. Err is set when the targeted re-query failed;
// deletions are applied even then.
type Report struct {
	Cleared  bool
	Queried  int
	Inserted int
	Updated  int
	Removed  int
	Err      error
}

// Engine accumulates arrived and deleted study UIDs between reconciliation passes.
// A UID is never in both sets at once.
type Engine struct {
	local   models.Source
	querier Querier
	publish func()
	logger  *zap.Logger

	mu           sync.Mutex
	arrived      *orderedSet
	deleted      *orderedSet
	storeCleared bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPublish sets the function called when a debounced reconciliation should be scheduled.
func WithPublish(fn func()) Option {
	return func(e *Engine) { e.publish = fn }
}

// New creates an engine that re-queries local through querier.
func New(local models.Source, querier Querier, opts ...Option) *Engine {
	e := &Engine{
		local:   local,
		querier: querier,
		publish: func() {},
		logger:  zap.NewNop(),
		arrived: newOrderedSet(),
		deleted: newOrderedSet(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnInstanceImported records uid as arrived. Repeated notifications for a pending uid are ignored.
func (e *Engine) OnInstanceImported(uid string) {
	if uid == "" {
		return
	}
	e.mu.Lock()
	if e.arrived.has(uid) {
		e.mu.Unlock()
		return
	}
	e.arrived.add(uid)
	e.deleted.remove(uid)
	e.mu.Unlock()
	e.publish()
}

// OnInstanceDeleted records uid as deleted. Only successful study-level deletions count.
func (e *Engine) OnInstanceDeleted(uid string, level models.Level, failed bool) {
	if uid == "" || level != models.LevelStudy || failed {
		return
	}
	e.mu.Lock()
	e.deleted.add(uid)
	e.arrived.remove(uid)
	e.mu.Unlock()
	e.publish()
}

// OnStoreCleared drops everything pending and reconciles target immediately.
// target may be nil when the local datastore is not the active group.
func (e *Engine) OnStoreCleared(ctx context.Context, target *results.SearchResult) Report {
	e.mu.Lock()
	e.storeCleared = true
	e.arrived.clear()
	e.deleted.clear()
	e.mu.Unlock()
	if target == nil {
		return Report{}
	}
	return e.Reconcile(ctx, target)
}

// Pending returns the number of arrived and deleted UIDs awaiting reconciliation.
func (e *Engine) Pending() (arrived, deleted int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.arrived.len(), e.deleted.len()
}

// HasPending reports whether a reconciliation pass would change anything.
func (e *Engine) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storeCleared || e.arrived.len() > 0 || e.deleted.len() > 0
}

// Reconcile applies the pending changes to target: a cleared store empties it, arrived
// UIDs are fetched with one targeted query and inserted or updated, deleted UIDs are
// removed. Both sets are emptied whatever the query outcome.
func (e *Engine) Reconcile(ctx context.Context, target *results.SearchResult) Report {
	e.mu.Lock()
	cleared := e.storeCleared
	arrived := e.arrived.values()
	deleted := e.deleted.values()
	e.storeCleared = false
	e.arrived.clear()
	e.deleted.clear()
	e.mu.Unlock()

	var rep Report
	if cleared {
		target.Clear()
		rep.Cleared = true
	}

	if len(arrived) > 0 {
		rep.Queried = len(arrived)
		params := models.NewQueryParameters(models.FieldStudyInstanceUID, models.JoinValues(arrived))
		items, err := e.querier.Execute(ctx, e.local, params)
		if err != nil {
			rep.Err = err
			e.logger.Error("incremental re-query failed",
				zap.Int("arrived", len(arrived)), zap.Error(err))
		}
		for _, it := range items {
			if target.Contains(it.UID) {
				rep.Updated++
			} else {
				rep.Inserted++
			}
			target.Upsert(it)
		}
	}

	for _, uid := range deleted {
		if target.Remove(uid) {
			rep.Removed++
		}
	}

	e.logger.Debug("reconciled",
		zap.Bool("cleared", rep.Cleared),
		zap.Int("inserted", rep.Inserted),
		zap.Int("updated", rep.Updated),
		zap.Int("removed", rep.Removed))
	return rep
}
