// Package local answers queries against the local datastore.
package local

import (
	"context"
	"fmt"

	"github.com/hyperjump/studyfed/internal/keyword"
	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/storage"
)

// Provider matches predicates in the study index and loads the records from storage.
type Provider struct {
	store storage.Storage
	index keyword.StudyIndex
}

// NewProvider creates a local provider.
func NewProvider(store storage.Storage, index keyword.StudyIndex) *Provider {
	return &Provider{store: store, index: index}
}

// Find returns every study matching params.
func (p *Provider) Find(ctx context.Context, params *models.QueryParameters) ([]*models.Study, error) {
	return p.FindPage(ctx, params, 0, 0)
}

// FindPage returns at most maxRows matching studies starting at firstRow; maxRows <= 0 means all.
func (p *Provider) FindPage(ctx context.Context, params *models.QueryParameters, firstRow, maxRows int) ([]*models.Study, error) {
	res, err := p.index.Match(ctx, params, firstRow, maxRows)
	if err != nil {
		return nil, fmt.Errorf("index match: %w", err)
	}
	studies, err := p.store.GetStudies(ctx, res.UIDs)
	if err != nil {
		return nil, fmt.Errorf("load studies: %w", err)
	}
	return studies, nil
}
