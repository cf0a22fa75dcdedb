// Package results holds the live, per-group study table shown to the user.
package results

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/studyfed/internal/models"
)

// ChangeKind describes a table mutation.
type ChangeKind int

const (
	Reset ChangeKind = iota
	RowInserted
	RowUpdated
	RowRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case Reset:
		return "reset"
	case RowInserted:
		return "inserted"
	case RowUpdated:
		return "updated"
	case RowRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is delivered to listeners after the table is mutated. Row is -1 for Reset.
type Change struct {
	Kind  ChangeKind
	Row   int
	Study *models.Study
}

// Listener receives table changes.
type Listener func(Change)

// SearchResult is the ordered study table for one source group. It is created on
// first selection of the group and mutated in place afterwards; the table is
// guarded so full searches and incremental updates are serialized.
type SearchResult struct {
	Title            string
	FilterDuplicates bool
	Group            *models.SourceGroup

	state atomic.Int32

	mu        sync.RWMutex
	rows      []*models.Study
	stale     bool
	updatedAt time.Time

	lmu       sync.Mutex
	listeners []Listener
}

// New creates an empty result for group.
func New(group *models.SourceGroup, filterDuplicates bool) *SearchResult {
	return &SearchResult{
		Title:            group.Title(),
		FilterDuplicates: filterDuplicates,
		Group:            group,
	}
}

const (
	idle int32 = iota
	querying
)

// TryBeginQuery marks the table as being searched. It returns false when a
// search is already running; a successful call must be paired with EndQuery.
func (r *SearchResult) TryBeginQuery() bool {
	return r.state.CompareAndSwap(idle, querying)
}

// EndQuery returns the table to idle.
func (r *SearchResult) EndQuery() { r.state.Store(idle) }

// Busy reports whether a search is running for the table.
func (r *SearchResult) Busy() bool { return r.state.Load() == querying }

// OnChange registers a listener.
func (r *SearchResult) OnChange(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *SearchResult) notify(changes ...Change) {
	r.lmu.Lock()
	ls := append([]Listener(nil), r.listeners...)
	r.lmu.Unlock()
	for _, c := range changes {
		for _, l := range ls {
			l(c)
		}
	}
}

// Replace swaps the whole table for items, deduplicating when FilterDuplicates is set.
// It also clears the stale mark.
func (r *SearchResult) Replace(items []*models.Study) {
	if r.FilterDuplicates {
		items = Dedup(items, r.Group)
	} else {
		items = append([]*models.Study(nil), items...)
	}
	r.mu.Lock()
	r.rows = items
	r.stale = false
	r.updatedAt = time.Now()
	r.mu.Unlock()
	r.notify(Change{Kind: Reset, Row: -1})
}

// Clear empties the table.
func (r *SearchResult) Clear() {
	r.mu.Lock()
	r.rows = nil
	r.updatedAt = time.Now()
	r.mu.Unlock()
	r.notify(Change{Kind: Reset, Row: -1})
}

// Upsert inserts study if its UID is unknown; otherwise it updates the fields of
// every row with that UID in place and emits RowUpdated for each.
func (r *SearchResult) Upsert(study *models.Study) {
	var changes []Change
	r.mu.Lock()
	for i, row := range r.rows {
		if row.UID != study.UID {
			continue
		}
		updated := row.Clone()
		for k, v := range study.Fields {
			updated.Fields[k] = v
		}
		if !study.UpdatedAt.IsZero() {
			updated.UpdatedAt = study.UpdatedAt
		}
		r.rows[i] = updated
		changes = append(changes, Change{Kind: RowUpdated, Row: i, Study: updated})
	}
	if len(changes) == 0 {
		r.rows = append(r.rows, study)
		changes = append(changes, Change{Kind: RowInserted, Row: len(r.rows) - 1, Study: study})
	}
	r.updatedAt = time.Now()
	r.mu.Unlock()
	r.notify(changes...)
}

// Remove deletes every row with uid and reports whether any existed.
func (r *SearchResult) Remove(uid string) bool {
	var changes []Change
	r.mu.Lock()
	kept := r.rows[:0]
	for i, row := range r.rows {
		if row.UID == uid {
			changes = append(changes, Change{Kind: RowRemoved, Row: i - len(changes), Study: row})
			continue
		}
		kept = append(kept, row)
	}
	for i := len(kept); i < len(r.rows); i++ {
		r.rows[i] = nil
	}
	r.rows = kept
	if len(changes) > 0 {
		r.updatedAt = time.Now()
	}
	r.mu.Unlock()
	r.notify(changes...)
	return len(changes) > 0
}

// Contains reports whether a row with uid exists.
func (r *SearchResult) Contains(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, row := range r.rows {
		if row.UID == uid {
			return true
		}
	}
	return false
}

// Rows returns a snapshot of the table.
func (r *SearchResult) Rows() []*models.Study {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.Study(nil), r.rows...)
}

// Len returns the number of rows.
func (r *SearchResult) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

// MarkStale flags the table as possibly missing incremental changes.
func (r *SearchResult) MarkStale() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

// Stale reports whether an incremental update was dropped since the last full search.
func (r *SearchResult) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale
}

// UpdatedAt returns the time of the last mutation.
func (r *SearchResult) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}
