// Package session owns the active source group, its result tables, and live synchronization.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyperjump/studyfed/internal/debounce"
	"github.com/hyperjump/studyfed/internal/livesync"
	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/results"
	"github.com/hyperjump/studyfed/internal/search"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultEventBuffer is the import event queue capacity.
const DefaultEventBuffer = 256

// Executor runs and validates single-source queries.
type Executor interface {
	search.SourceExecutor
	Validate(src models.Source) error
}

// Config holds session settings.
type Config struct {
	Sources          []models.Source
	DefaultGroup     []string
	FilterDuplicates bool
	DebounceDelay    time.Duration
	ResyncOnFailure  bool
	MaxConcurrent    int
	EventBuffer      int
}

// SearchOptions carries per-search flags.
type SearchOptions struct {
	// ConfirmOpenSearch allows a search with no constraints against remote sources.
	ConfirmOpenSearch bool
}

// Report is the result of one Search or Refresh.
type Report struct {
	Group   *models.SourceGroup
	Result  *results.SearchResult
	Outcome *models.QueryOutcome
	// Failure combines every failed source of the search; nil when all succeeded.
	Failure error
}

// Message returns the single user-visible failure message, or "".
func (r *Report) Message() string {
	if r == nil || r.Failure == nil {
		return ""
	}
	return "query failed for " + r.Failure.Error()
}

// GroupListener is called after the active source group changes.
type GroupListener func(group *models.SourceGroup, result *results.SearchResult)

// Session federates queries over the configured sources and keeps the local
// datastore's table live. Import events are queued and handled on the session loop.
type Session struct {
	cfg        Config
	sources    map[string]models.Source
	local      *models.Source
	executor   Executor
	aggregator *search.Aggregator
	engine     *livesync.Engine
	coalescer  *debounce.Coalescer
	logger     *zap.Logger

	events chan models.ImportEvent
	quiet  chan struct{}
	done   chan struct{}
	loopWG sync.WaitGroup
	closed sync.Once

	reconcileMu sync.Mutex

	mu         sync.Mutex
	active     *models.SourceGroup
	cache      map[string]*results.SearchResult
	lastParams map[string][]*models.QueryParameters
	resync     bool
	listeners  []GroupListener
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New creates a session. Source names must be unique; at most one source may be local.
func New(cfg Config, executor Executor, opts ...Option) (*Session, error) {
	s := &Session{
		cfg:        cfg,
		sources:    make(map[string]models.Source, len(cfg.Sources)),
		executor:   executor,
		logger:     zap.NewNop(),
		quiet:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		cache:      make(map[string]*results.SearchResult),
		lastParams: make(map[string][]*models.QueryParameters),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, src := range cfg.Sources {
		if src.Name == "" {
			return nil, models.NewConfigurationError("source without a name")
		}
		if _, dup := s.sources[src.Name]; dup {
			return nil, models.NewConfigurationError("duplicate source %q", src.Name)
		}
		if src.Local {
			if s.local != nil {
				return nil, models.NewConfigurationError("more than one local source (%q, %q)", s.local.Name, src.Name)
			}
			local := src
			s.local = &local
		}
		s.sources[src.Name] = src
	}

	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	s.events = make(chan models.ImportEvent, buf)
	s.aggregator = search.NewAggregator(executor,
		search.WithLogger(s.logger), search.WithMaxConcurrent(cfg.MaxConcurrent))
	s.coalescer = debounce.New(cfg.DebounceDelay, s.signalQuiet)
	if s.local != nil {
		s.engine = livesync.New(*s.local, executor,
			livesync.WithLogger(s.logger), livesync.WithPublish(s.coalescer.Publish))
	}

	names := cfg.DefaultGroup
	if len(names) == 0 && s.local != nil {
		names = []string{s.local.Name}
	}
	if len(names) > 0 {
		group, err := s.resolve(names)
		if err != nil {
			return nil, err
		}
		s.active = group
		s.resultFor(group)
	}
	return s, nil
}

// Start runs the event loop until ctx is done or the session is closed.
func (s *Session) Start(ctx context.Context) {
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.loop(ctx)
	}()
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-s.quiet:
			s.onQuiet(ctx)
		}
	}
}

// Post enqueues an import event. It never blocks past session close.
func (s *Session) Post(ev models.ImportEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// signalQuiet runs on the debounce timer goroutine and only hands off to the loop.
func (s *Session) signalQuiet() {
	select {
	case s.quiet <- struct{}{}:
	default:
	}
}

func (s *Session) handle(ctx context.Context, ev models.ImportEvent) {
	if s.engine == nil {
		return
	}
	s.logger.Debug("import event",
		zap.String("kind", ev.Kind.String()), zap.String("uid", ev.UID),
		zap.String("level", string(ev.Level)), zap.Bool("failed", ev.Failed))
	switch ev.Kind {
	case models.InstanceImported:
		if !ev.Failed {
			s.engine.OnInstanceImported(ev.UID)
		}
	case models.InstanceDeleted:
		s.engine.OnInstanceDeleted(ev.UID, ev.Level, ev.Failed)
	case models.StoreCleared:
		s.coalescer.Cancel()
		s.reconcileMu.Lock()
		defer s.reconcileMu.Unlock()
		rep := s.engine.OnStoreCleared(ctx, s.activeLocalResult())
		if rep.Cleared {
			s.logger.Info("local store cleared, result table emptied")
		}
	}
}

func (s *Session) onQuiet(ctx context.Context) {
	s.mu.Lock()
	resync := s.resync
	s.mu.Unlock()
	if resync && s.resyncLocal(ctx) {
		s.mu.Lock()
		s.resync = false
		s.mu.Unlock()
	}
	s.reconcileActive(ctx)
}

// activeLocalResult returns the active result if the active group is the local datastore.
func (s *Session) activeLocalResult() *results.SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.IsLocal() {
		return nil
	}
	return s.cache[s.active.ID]
}

// reconcileActive applies pending changes when the local datastore is active;
// otherwise they stay pending until it is selected.
func (s *Session) reconcileActive(ctx context.Context) {
	if s.engine == nil {
		return
	}
	target := s.activeLocalResult()
	if target == nil {
		return
	}
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()
	if !s.engine.HasPending() {
		return
	}
	rep := s.engine.Reconcile(ctx, target)
	if rep.Err != nil {
		target.MarkStale()
		if s.cfg.ResyncOnFailure {
			s.mu.Lock()
			s.resync = true
			s.mu.Unlock()
			s.coalescer.Publish()
		}
	}
}

// resyncLocal re-runs the local group's last search after a dropped incremental update.
// A failed attempt is retried on the next quiet period.
func (s *Session) resyncLocal(ctx context.Context) bool {
	target := s.activeLocalResult()
	if target == nil {
		return false
	}
	if !target.TryBeginQuery() {
		s.logger.Debug("local resync deferred, search running")
		return false
	}
	defer target.EndQuery()
	s.mu.Lock()
	params := s.lastParams[target.Group.ID]
	s.mu.Unlock()
	outcome := s.aggregator.Query(ctx, target.Group, params)
	if len(outcome.Failures) > 0 {
		s.logger.Error("local resync failed", zap.Error(outcome.Failures[0].Err))
		return false
	}
	target.Replace(outcome.Items)
	s.logger.Info("local result resynchronized", zap.Int("rows", len(outcome.Items)))
	return true
}

// Search runs paramSets against every source of the active group and replaces the
// active table. Failed sources are reported together in Report.Failure and do not
// abort the search. A second search on a group whose table is still being searched
// returns ErrSearchInProgress.
func (s *Session) Search(ctx context.Context, paramSets []*models.QueryParameters, opts SearchOptions) (*Report, error) {
	s.mu.Lock()
	group := s.active
	s.mu.Unlock()
	if group == nil || len(group.Sources) == 0 {
		return nil, models.NewConfigurationError("no source group selected")
	}
	for _, src := range group.Sources {
		if err := s.executor.Validate(src); err != nil {
			return nil, err
		}
	}
	if !group.IsLocal() && search.AllOpen(paramSets) && !opts.ConfirmOpenSearch {
		return nil, models.ErrOpenSearchNotConfirmed
	}

	s.mu.Lock()
	result := s.resultFor(group)
	s.mu.Unlock()
	if !result.TryBeginQuery() {
		s.logger.Debug("search skipped, already running", zap.String("group", group.Title()))
		return nil, models.ErrSearchInProgress
	}
	defer result.EndQuery()

	outcome := s.aggregator.Query(ctx, group, paramSets)

	s.mu.Lock()
	s.lastParams[group.ID] = cloneSets(paramSets)
	s.mu.Unlock()

	result.Replace(outcome.Items)

	var failure error
	for _, f := range outcome.Failures {
		failure = multierr.Append(failure, f.Err)
	}
	if failure != nil {
		s.logger.Warn("search completed with failures",
			zap.String("group", group.Title()), zap.Error(failure))
	}
	s.logger.Info("search completed",
		zap.String("group", group.Title()),
		zap.Int("rows", result.Len()),
		zap.Int("failures", len(outcome.Failures)),
		zap.Duration("elapsed", outcome.Elapsed))

	return &Report{Group: group, Result: result, Outcome: outcome, Failure: failure}, nil
}

// Refresh re-runs the active group's last search. Open searches were already confirmed.
func (s *Session) Refresh(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	var params []*models.QueryParameters
	if s.active != nil {
		params = cloneSets(s.lastParams[s.active.ID])
	}
	s.mu.Unlock()
	return s.Search(ctx, params, SearchOptions{ConfirmOpenSearch: true})
}

// ChangeSourceGroup selects the named sources in order. The group's cached table is
// reused if it was selected before. Changes that arrived while another group was
// active are applied when the local datastore becomes active again.
func (s *Session) ChangeSourceGroup(ctx context.Context, names []string) (*results.SearchResult, error) {
	group, err := s.resolve(names)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.active = group
	result := s.resultFor(group)
	listeners := append([]GroupListener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info("source group changed", zap.String("group", group.Title()), zap.String("id", group.ID))
	if group.IsLocal() {
		s.reconcileActive(ctx)
	}
	for _, l := range listeners {
		l(group, result)
	}
	return result, nil
}

// OnGroupChanged registers a selection listener.
func (s *Session) OnGroupChanged(l GroupListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// ActiveGroup returns the selected group, or nil.
func (s *Session) ActiveGroup() *models.SourceGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Result returns the active group's table, or nil.
func (s *Session) Result() *results.SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.cache[s.active.ID]
}

// Sources returns the configured sources in configuration order.
func (s *Session) Sources() []models.Source {
	return append([]models.Source(nil), s.cfg.Sources...)
}

// LocalSource returns the local datastore source, if configured.
func (s *Session) LocalSource() (models.Source, bool) {
	if s.local == nil {
		return models.Source{}, false
	}
	return *s.local, true
}

// Pending returns the arrived and deleted UIDs awaiting reconciliation.
func (s *Session) Pending() (arrived, deleted int) {
	if s.engine == nil {
		return 0, 0
	}
	return s.engine.Pending()
}

// Close stops the debounce timer and the event loop. Pending changes are discarded.
func (s *Session) Close() error {
	s.closed.Do(func() {
		s.coalescer.Stop()
		close(s.done)
	})
	s.loopWG.Wait()
	return nil
}

func (s *Session) resolve(names []string) (*models.SourceGroup, error) {
	if len(names) == 0 {
		return nil, models.NewConfigurationError("empty source selection")
	}
	srcs := make([]models.Source, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		src, ok := s.sources[n]
		if !ok {
			return nil, models.NewConfigurationError("unknown source %q", n)
		}
		if seen[n] {
			return nil, models.NewConfigurationError("source %q selected twice", n)
		}
		seen[n] = true
		srcs = append(srcs, src)
	}
	return models.NewSourceGroup(srcs...), nil
}

// resultFor returns the cached table for group, creating it on first use. Caller holds s.mu.
func (s *Session) resultFor(group *models.SourceGroup) *results.SearchResult {
	if r, ok := s.cache[group.ID]; ok {
		return r
	}
	r := results.New(group, s.cfg.FilterDuplicates)
	s.cache[group.ID] = r
	return r
}

func cloneSets(sets []*models.QueryParameters) []*models.QueryParameters {
	if sets == nil {
		return nil
	}
	out := make([]*models.QueryParameters, len(sets))
	for i, p := range sets {
		out[i] = p.Clone()
	}
	return out
}

// String describes the session for logs.
func (s *Session) String() string {
	g := s.ActiveGroup()
	if g == nil {
		return "session(no group)"
	}
	return fmt.Sprintf("session(%s)", g.Title())
}
