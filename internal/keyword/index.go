// Package keyword provides predicate matching over indexed study attributes.
package keyword

import (
	"context"

	"github.com/hyperjump/studyfed/internal/models"
)

// StudyIndex defines study attribute indexing and predicate matching.
type StudyIndex interface {
	Index(ctx context.Context, study *models.Study) error
	// Match returns the UIDs of studies satisfying every predicate in params, newest
	// StudyDate first. size <= 0 returns every match from from onward.
	Match(ctx context.Context, params *models.QueryParameters, from, size int) (*MatchResult, error)
	Delete(ctx context.Context, uid string) error
	// Clear removes every study from the index.
	Clear(ctx context.Context) error
	// DocCount returns the total number of studies in the index.
	DocCount() (uint64, error)
	Close() error
}

// MatchResult is one window of matching study UIDs.
type MatchResult struct {
	UIDs  []string
	Total uint64
}
