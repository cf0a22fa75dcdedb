// Package importer loads instance descriptors into the local datastore and announces the changes.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hyperjump/studyfed/internal/fileid"
	"github.com/hyperjump/studyfed/internal/keyword"
	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EventSink receives import notifications.
type EventSink interface {
	Post(ev models.ImportEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(models.ImportEvent)

// Post calls f(ev).
func (f SinkFunc) Post(ev models.ImportEvent) { f(ev) }

type discardSink struct{}

func (discardSink) Post(models.ImportEvent) {}

// Importer writes instances to storage and the study index.
type Importer struct {
	storage    storage.Storage
	index      keyword.StudyIndex
	sink       EventSink
	extensions []string
	logger     *zap.Logger

	// serializes read-modify-write of study records
	mu sync.Mutex
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets a logger for debug output (file imported, instance removed, etc.).
func WithLogger(l *zap.Logger) Option {
	return func(imp *Importer) { imp.logger = l }
}

// WithSink sets the event sink; events are discarded by default.
func WithSink(s EventSink) Option {
	return func(imp *Importer) {
		if s != nil {
			imp.sink = s
		}
	}
}

// WithExtensions restricts importable files to the given extensions.
func WithExtensions(exts []string) Option {
	return func(imp *Importer) {
		if len(exts) > 0 {
			imp.extensions = exts
		}
	}
}

// New creates an importer.
func New(store storage.Storage, index keyword.StudyIndex, opts ...Option) *Importer {
	imp := &Importer{
		storage:    store,
		index:      index,
		sink:       discardSink{},
		extensions: DefaultExtensions,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(imp)
	}
	return imp
}

// Extensions returns the importable file extensions.
func (imp *Importer) Extensions() []string {
	return append([]string(nil), imp.extensions...)
}

// ImportFile imports the descriptor at path. The instance ID is derived from the absolute
// path so re-importing updates the same instance. Unchanged files (same mtime and size) are skipped.
func (imp *Importer) ImportFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if !ExtensionAllowed(ext, imp.extensions) {
		return fmt.Errorf("extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", absPath)
	}

	id := fileid.InstanceID(absPath)
	imp.mu.Lock()
	defer imp.mu.Unlock()

	existing, err := imp.storage.GetInstance(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("lookup instance: %w", err)
	}
	if existing != nil && existing.Size == info.Size() && existing.ModTime.Equal(info.ModTime()) {
		// keep the index populated if it was recreated empty
		if study, getErr := imp.storage.GetStudy(ctx, existing.StudyUID); getErr == nil {
			_ = imp.index.Index(ctx, study)
		}
		imp.logger.Debug("importer skipping unchanged file", zap.String("path", absPath))
		return nil
	}

	desc, err := ParseDescriptor(absPath)
	if err != nil {
		imp.sink.Post(models.ImportEvent{Kind: models.InstanceImported, Level: models.LevelInstance, Failed: true})
		return err
	}
	if existing != nil && existing.StudyUID != desc.StudyUID {
		// the file now describes another study; detach it from the old one first
		if err := imp.removeLocked(ctx, existing); err != nil {
			return err
		}
	}

	inst := &models.Instance{
		ID:        id,
		StudyUID:  desc.StudyUID,
		SeriesUID: desc.SeriesUID,
		SOPUID:    desc.SOPUID,
		Modality:  desc.Modality,
		Path:      absPath,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
	}
	if err := imp.storage.AddInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to store instance: %w", err)
	}
	study, err := imp.refreshStudy(ctx, desc.StudyUID, desc.StudyFields)
	if err != nil {
		return err
	}
	imp.logger.Debug("importer file imported",
		zap.String("path", absPath), zap.String("study", study.UID), zap.String("instance", id))
	imp.sink.Post(models.ImportEvent{Kind: models.InstanceImported, UID: study.UID, Level: models.LevelInstance})
	return nil
}

// refreshStudy merges fields into the stored study, recomputes the derived counts, and reindexes it.
func (imp *Importer) refreshStudy(ctx context.Context, uid string, fields map[string]string) (*models.Study, error) {
	study, err := imp.storage.GetStudy(ctx, uid)
	if errors.Is(err, models.ErrNotFound) {
		study, err = models.NewStudy(uid, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load study: %w", err)
	}
	for k, v := range fields {
		if v != "" {
			study.Fields[k] = v
		}
	}
	stats, err := imp.storage.StudyStats(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("study stats: %w", err)
	}
	study.Fields[models.FieldNumberOfInstances] = strconv.Itoa(stats.Instances)
	study.Fields[models.FieldNumberOfSeries] = strconv.Itoa(stats.Series)
	study.Fields[models.FieldModalitiesInStudy] = models.JoinValues(stats.Modalities)

	if err := imp.storage.UpsertStudy(ctx, study); err != nil {
		return nil, fmt.Errorf("failed to store study: %w", err)
	}
	if err := imp.index.Index(ctx, study); err != nil {
		return nil, fmt.Errorf("failed to index study: %w", err)
	}
	return study, nil
}

// RemoveFile removes the instance imported from path. When it was the study's last
// instance the study is deleted too and a study-level deletion is announced.
func (imp *Importer) RemoveFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	imp.mu.Lock()
	defer imp.mu.Unlock()
	inst, err := imp.storage.GetInstance(ctx, fileid.InstanceID(absPath))
	if err != nil {
		return err
	}
	return imp.removeLocked(ctx, inst)
}

func (imp *Importer) removeLocked(ctx context.Context, inst *models.Instance) error {
	studyUID, remaining, err := imp.storage.DeleteInstance(ctx, inst.ID)
	if err != nil {
		imp.sink.Post(models.ImportEvent{Kind: models.InstanceDeleted, UID: inst.StudyUID, Level: models.LevelInstance, Failed: true})
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	if remaining > 0 {
		if _, err := imp.refreshStudy(ctx, studyUID, nil); err != nil {
			return err
		}
		imp.logger.Debug("importer instance removed", zap.String("study", studyUID), zap.Int("remaining", remaining))
		imp.sink.Post(models.ImportEvent{Kind: models.InstanceDeleted, UID: studyUID, Level: models.LevelInstance})
		return nil
	}

	if err := imp.DeleteStudy(ctx, studyUID); err != nil {
		imp.sink.Post(models.ImportEvent{Kind: models.InstanceDeleted, UID: studyUID, Level: models.LevelStudy, Failed: true})
		return err
	}
	imp.logger.Debug("importer study removed", zap.String("study", studyUID))
	imp.sink.Post(models.ImportEvent{Kind: models.InstanceDeleted, UID: studyUID, Level: models.LevelStudy})
	return nil
}

// DeleteStudy removes a study from the index and storage without announcing it.
func (imp *Importer) DeleteStudy(ctx context.Context, uid string) error {
	if err := imp.index.Delete(ctx, uid); err != nil {
		return fmt.Errorf("failed to delete from study index: %w", err)
	}
	if err := imp.storage.DeleteStudy(ctx, uid); err != nil {
		return fmt.Errorf("failed to delete study: %w", err)
	}
	return nil
}

// Clear wipes storage and the index and announces the cleared store.
func (imp *Importer) Clear(ctx context.Context) error {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if err := imp.storage.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}
	if err := imp.index.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear study index: %w", err)
	}
	imp.logger.Info("local datastore cleared")
	imp.sink.Post(models.ImportEvent{Kind: models.StoreCleared})
	return nil
}

// ImportDirectory walks dir recursively and imports every descriptor with an allowed
// extension. A bad file does not stop the walk; all failures are returned combined.
func (imp *Importer) ImportDirectory(ctx context.Context, dir string) (n int, err error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	var failures error
	walkErr := filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !ExtensionAllowed(filepath.Ext(path), imp.extensions) {
			return nil
		}
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		if importErr := imp.ImportFile(ctx, path); importErr != nil {
			failures = multierr.Append(failures, fmt.Errorf("%s: %w", path, importErr))
			return nil
		}
		n++
		return nil
	})
	return n, multierr.Append(walkErr, failures)
}

// ExtensionAllowed reports whether ext is in allowed (case-insensitive, dot optional).
func ExtensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	if extNorm == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
