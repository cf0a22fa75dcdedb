// Package query executes one logical query against one source, local or remote.
package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/studyfed/internal/models"
	"go.uber.org/zap"
)

// DefaultLocalProvider is the provider key the local datastore registers under.
const DefaultLocalProvider = "studies"

// LocalProvider answers queries against the local datastore.
type LocalProvider interface {
	Find(ctx context.Context, params *models.QueryParameters) ([]*models.Study, error)
}

// PagedProvider is a LocalProvider that can return a window of rows.
type PagedProvider interface {
	LocalProvider
	FindPage(ctx context.Context, params *models.QueryParameters, firstRow, maxRows int) ([]*models.Study, error)
}

// RemoteProvider answers queries against a remote archive endpoint.
type RemoteProvider interface {
	Find(ctx context.Context, params *models.QueryParameters, endpoint models.Endpoint) ([]*models.Study, error)
}

// Executor runs one query against one source. Parameters are normalized against a
// base template so every required field is present; collaborator failures, panics
// included, come back as *models.SourceError and never escape.
type Executor struct {
	mu          sync.RWMutex
	locals      map[string]LocalProvider
	providerKey string
	remote      RemoteProvider
	template    *models.QueryParameters
	logger      *zap.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithProviderKey selects the local provider key (default DefaultLocalProvider).
func WithProviderKey(key string) ExecutorOption {
	return func(e *Executor) {
		if key != "" {
			e.providerKey = key
		}
	}
}

// WithRequiredFields replaces the base template keys.
func WithRequiredFields(fields []string) ExecutorOption {
	return func(e *Executor) {
		if len(fields) > 0 {
			e.template = models.Template(fields)
		}
	}
}

// NewExecutor creates an executor. remote may be nil when only the local datastore is used.
func NewExecutor(remote RemoteProvider, opts ...ExecutorOption) *Executor {
	e := &Executor{
		locals:      make(map[string]LocalProvider),
		providerKey: DefaultLocalProvider,
		remote:      remote,
		template:    models.Template(models.DefaultRequiredFields),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterLocal registers a local provider under key.
func (e *Executor) RegisterLocal(key string, p LocalProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals[key] = p
}

// Local returns the provider registered under the executor's provider key.
func (e *Executor) Local() (LocalProvider, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.locals[e.providerKey]
	return p, ok
}

// ProviderKey returns the local provider key in use.
func (e *Executor) ProviderKey() string { return e.providerKey }

// Normalize merges params over the base template: caller values win, the template fills gaps.
func (e *Executor) Normalize(params *models.QueryParameters) *models.QueryParameters {
	return params.MergeOver(e.template)
}

// Validate reports configuration problems that would make src unqueryable.
func (e *Executor) Validate(src models.Source) error {
	if src.Local {
		if _, ok := e.Local(); !ok {
			return models.NewConfigurationError("no local provider registered under %q", e.providerKey)
		}
		return nil
	}
	if e.remote == nil {
		return models.NewConfigurationError("source %q is remote but no remote provider is configured", src.Name)
	}
	if src.Host == "" {
		return models.NewConfigurationError("source %q has no host", src.Name)
	}
	return nil
}

// Execute runs params against src and stamps each returned study with the source name.
func (e *Executor) Execute(ctx context.Context, src models.Source, params *models.QueryParameters) (items []*models.Study, err error) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = &models.SourceError{Source: src.Name, Err: fmt.Errorf("provider panic: %v", r)}
		}
		if err != nil {
			e.logger.Warn("source query failed", zap.String("source", src.Name), zap.Error(err))
		}
	}()

	normalized := e.Normalize(params)
	e.logger.Debug("executing source query",
		zap.String("source", src.Name), zap.Bool("local", src.Local), zap.String("params", normalized.String()))

	var found []*models.Study
	if src.Local {
		p, ok := e.Local()
		if !ok {
			return nil, &models.SourceError{Source: src.Name, Err: fmt.Errorf("no local provider %q", e.providerKey)}
		}
		found, err = p.Find(ctx, normalized)
	} else {
		if e.remote == nil {
			return nil, &models.SourceError{Source: src.Name, Err: fmt.Errorf("no remote provider")}
		}
		found, err = e.remote.Find(ctx, normalized, src.Endpoint())
	}
	if err != nil {
		return nil, &models.SourceError{Source: src.Name, Err: err}
	}
	for _, s := range found {
		if s != nil {
			s.Source = src.Name
		}
	}
	return found, nil
}

// Page runs a windowed query against the local datastore.
func (e *Executor) Page(ctx context.Context, params *models.QueryParameters, firstRow, maxRows int) ([]*models.Study, error) {
	p, ok := e.Local()
	if !ok {
		return nil, models.NewConfigurationError("no local provider registered under %q", e.providerKey)
	}
	paged, ok := p.(PagedProvider)
	if !ok {
		return nil, models.NewConfigurationError("local provider %q does not support paging", e.providerKey)
	}
	return paged.FindPage(ctx, e.Normalize(params), firstRow, maxRows)
}
