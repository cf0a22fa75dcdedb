// Package paging provides a cursor that retrieves result windows from a single source.
package paging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hyperjump/studyfed/internal/models"
	"go.uber.org/zap"
)

// DefaultPageSize is used when a cursor is built with a page size below 1.
const DefaultPageSize = 50

// ErrNoNext and ErrNoPrevious are returned when moving past either end.
var (
	ErrNoNext      = errors.New("no next page")
	ErrNoPrevious  = errors.New("no previous page")
	ErrUnknownMove = errors.New("unknown page move")
)

// Move names a relative step for Step.
type Move string

const (
	MoveFirst    Move = "first"
	MoveNext     Move = "next"
	MovePrevious Move = "previous"
)

// QueryFunc fetches at most maxRows rows starting at firstRow.
type QueryFunc func(ctx context.Context, firstRow, maxRows int) ([]*models.Study, error)

// Page is delivered to the page-changed handler.
type Page struct {
	Number      int
	FirstRow    int
	Items       []*models.Study
	HasNext     bool
	HasPrevious bool
}

type state int32

const (
	idle state = iota
	querying
)

// Cursor pages through a source by requesting one row more than the page size;
// the extra row only signals that a further page exists.
type Cursor struct {
	pageSize int
	query    QueryFunc
	onChange func(Page)
	logger   *zap.Logger

	state atomic.Int32

	mu      sync.Mutex
	page    int
	hasNext bool
}

// Option configures a Cursor.
type Option func(*Cursor)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cursor) { c.logger = l }
}

// OnPageChanged registers the page-changed handler.
func OnPageChanged(fn func(Page)) Option {
	return func(c *Cursor) { c.onChange = fn }
}

// New creates a cursor. pageSize < 1 uses DefaultPageSize.
func New(pageSize int, query QueryFunc, opts ...Option) *Cursor {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	c := &Cursor{
		pageSize: pageSize,
		query:    query,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageSize returns the configured page size.
func (c *Cursor) PageSize() int { return c.pageSize }

// CurrentPage returns the zero-based index of the last delivered page.
func (c *Cursor) CurrentPage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// HasNext reports whether a page follows the current one.
func (c *Cursor) HasNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasNext
}

// HasPrevious reports whether a page precedes the current one.
func (c *Cursor) HasPrevious() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page > 0
}

// Busy reports whether a query is in flight.
func (c *Cursor) Busy() bool {
	return state(c.state.Load()) == querying
}

// First loads page 0.
func (c *Cursor) First(ctx context.Context) error {
	return c.load(ctx, 0)
}

// Next loads the page after the current one.
func (c *Cursor) Next(ctx context.Context) error {
	if c.Busy() {
		return nil
	}
	c.mu.Lock()
	target, ok := c.page+1, c.hasNext
	c.mu.Unlock()
	if !ok {
		return ErrNoNext
	}
	return c.load(ctx, target)
}

// Previous loads the page before the current one.
func (c *Cursor) Previous(ctx context.Context) error {
	if c.Busy() {
		return nil
	}
	c.mu.Lock()
	target := c.page - 1
	c.mu.Unlock()
	if target < 0 {
		return ErrNoPrevious
	}
	return c.load(ctx, target)
}

// Goto loads the zero-based page directly.
func (c *Cursor) Goto(ctx context.Context, page int) error {
	if page < 0 {
		return ErrNoPrevious
	}
	return c.load(ctx, page)
}

// Step applies m to the cursor.
func (c *Cursor) Step(ctx context.Context, m Move) error {
	switch m {
	case MoveFirst:
		return c.First(ctx)
	case MoveNext:
		return c.Next(ctx)
	case MovePrevious:
		return c.Previous(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMove, string(m))
	}
}

// load is a no-op while another load is in flight. The page counter moves only
// after the query returns; the busy state is released on every exit path.
func (c *Cursor) load(ctx context.Context, page int) error {
	if !c.state.CompareAndSwap(int32(idle), int32(querying)) {
		c.logger.Debug("paging: query in flight, ignoring request", zap.Int("page", page))
		return nil
	}
	defer c.state.Store(int32(idle))

	firstRow := page * c.pageSize
	rows, err := c.query(ctx, firstRow, c.pageSize+1)
	if err != nil {
		return err
	}
	hasNext := len(rows) > c.pageSize
	if hasNext {
		rows = rows[:c.pageSize]
	}

	c.mu.Lock()
	c.page = page
	c.hasNext = hasNext
	c.mu.Unlock()

	c.logger.Debug("paging: page loaded",
		zap.Int("page", page), zap.Int("first_row", firstRow),
		zap.Int("rows", len(rows)), zap.Bool("has_next", hasNext))

	if c.onChange != nil {
		c.onChange(Page{
			Number:      page,
			FirstRow:    firstRow,
			Items:       rows,
			HasNext:     hasNext,
			HasPrevious: page > 0,
		})
	}
	return nil
}
