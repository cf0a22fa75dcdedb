// Package storage defines the persistence interface for studies and instances.
package storage

import (
	"context"

	"github.com/hyperjump/studyfed/internal/models"
)

// Storage defines study and instance persistence operations.
type Storage interface {
	// Study operations
	UpsertStudy(ctx context.Context, study *models.Study) error
	GetStudy(ctx context.Context, uid string) (*models.Study, error)
	GetStudies(ctx context.Context, uids []string) ([]*models.Study, error)
	DeleteStudy(ctx context.Context, uid string) error
	ListStudies(ctx context.Context, offset, limit int) ([]*models.Study, error)

	// Instance operations
	AddInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	InstanceByPath(ctx context.Context, path string) (*models.Instance, error)
	DeleteInstance(ctx context.Context, id string) (studyUID string, remaining int, err error)
	StudyStats(ctx context.Context, uid string) (models.StudyStats, error)

	// Clear removes every study and instance.
	Clear(ctx context.Context) error

	// Stats
	CountStudies(ctx context.Context) (int64, error)
	CountInstances(ctx context.Context) (int64, error)

	Close() error
}
