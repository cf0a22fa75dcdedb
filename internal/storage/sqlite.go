// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/studyfed/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS studies (
		uid TEXT PRIMARY KEY,
		fields TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_studies_updated_at ON studies(updated_at);

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		study_uid TEXT NOT NULL,
		series_uid TEXT NOT NULL,
		sop_uid TEXT NOT NULL,
		modality TEXT,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_instances_study_uid ON instances(study_uid);
	CREATE INDEX IF NOT EXISTS idx_instances_path ON instances(path);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertStudy inserts a study or replaces the fields of an existing one.
func (s *SQLiteStorage) UpsertStudy(ctx context.Context, study *models.Study) error {
	fieldsJSON, err := json.Marshal(study.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	now := time.Now()
	study.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO studies (uid, fields, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
		study.UID, string(fieldsJSON), now, now,
	)
	return err
}

func scanStudy(scan func(dest ...any) error) (*models.Study, error) {
	var (
		study      models.Study
		fieldsJSON string
	)
	if err := scan(&study.UID, &fieldsJSON, &study.UpdatedAt); err != nil {
		return nil, err
	}
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &study.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields of %s: %w", study.UID, err)
		}
	}
	if study.Fields == nil {
		study.Fields = make(map[string]string)
	}
	study.Fields[models.FieldStudyInstanceUID] = study.UID
	return &study, nil
}

// GetStudy returns a study by UID.
func (s *SQLiteStorage) GetStudy(ctx context.Context, uid string) (*models.Study, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uid, fields, updated_at FROM studies WHERE uid = ?`, uid)
	study, err := scanStudy(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("study %s: %w", uid, models.ErrNotFound)
	}
	return study, err
}

// getStudiesBatch bounds the UIDs bound per statement; SQLite caps host parameters.
const getStudiesBatch = 500

// GetStudies returns the studies for uids in the order given; unknown UIDs are skipped.
// Rows are loaded in batches of getStudiesBatch UIDs.
func (s *SQLiteStorage) GetStudies(ctx context.Context, uids []string) ([]*models.Study, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	byUID := make(map[string]*models.Study, len(uids))
	for start := 0; start < len(uids); start += getStudiesBatch {
		end := start + getStudiesBatch
		if end > len(uids) {
			end = len(uids)
		}
		if err := s.loadStudies(ctx, uids[start:end], byUID); err != nil {
			return nil, err
		}
	}
	out := make([]*models.Study, 0, len(byUID))
	for _, u := range uids {
		if study, ok := byUID[u]; ok {
			out = append(out, study)
		}
	}
	return out, nil
}

func (s *SQLiteStorage) loadStudies(ctx context.Context, uids []string, into map[string]*models.Study) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(uids)), ",")
	args := make([]any, len(uids))
	for i, u := range uids {
		args[i] = u
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, fields, updated_at FROM studies WHERE uid IN (`+placeholders+`)`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		study, err := scanStudy(rows.Scan)
		if err != nil {
			return err
		}
		into[study.UID] = study
	}
	return rows.Err()
}

// DeleteStudy removes a study and its instances.
func (s *SQLiteStorage) DeleteStudy(ctx context.Context, uid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE study_uid = ?`, uid); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM studies WHERE uid = ?`, uid); err != nil {
		return err
	}
	return tx.Commit()
}

// ListStudies returns studies with offset and limit, most recently updated first.
func (s *SQLiteStorage) ListStudies(ctx context.Context, offset, limit int) ([]*models.Study, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, fields, updated_at FROM studies ORDER BY updated_at DESC, uid LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var studies []*models.Study
	for rows.Next() {
		study, err := scanStudy(rows.Scan)
		if err != nil {
			return nil, err
		}
		studies = append(studies, study)
	}
	return studies, rows.Err()
}

// AddInstance inserts an instance or replaces the one with the same ID.
func (s *SQLiteStorage) AddInstance(ctx context.Context, inst *models.Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, study_uid, series_uid, sop_uid, modality, path, size, mod_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET study_uid = excluded.study_uid, series_uid = excluded.series_uid,
		   sop_uid = excluded.sop_uid, modality = excluded.modality, path = excluded.path,
		   size = excluded.size, mod_time = excluded.mod_time`,
		inst.ID, inst.StudyUID, inst.SeriesUID, inst.SOPUID, inst.Modality, inst.Path, inst.Size, inst.ModTime, inst.CreatedAt,
	)
	return err
}

const instanceColumns = `id, study_uid, series_uid, sop_uid, modality, path, size, mod_time, created_at`

func scanInstance(scan func(dest ...any) error) (*models.Instance, error) {
	var (
		inst     models.Instance
		modality sql.NullString
		modTime  sql.NullTime
	)
	if err := scan(&inst.ID, &inst.StudyUID, &inst.SeriesUID, &inst.SOPUID, &modality, &inst.Path, &inst.Size, &modTime, &inst.CreatedAt); err != nil {
		return nil, err
	}
	inst.Modality = modality.String
	inst.ModTime = modTime.Time
	return &inst, nil
}

// GetInstance returns an instance by ID.
func (s *SQLiteStorage) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	return inst, err
}

// InstanceByPath returns the instance imported from path.
func (s *SQLiteStorage) InstanceByPath(ctx context.Context, path string) (*models.Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE path = ? LIMIT 1`, path).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance at %s: %w", path, models.ErrNotFound)
	}
	return inst, err
}

// DeleteInstance removes an instance and reports its study and how many instances the study has left.
func (s *SQLiteStorage) DeleteInstance(ctx context.Context, id string) (string, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	defer tx.Rollback()

	var studyUID string
	err = tx.QueryRowContext(ctx, `SELECT study_uid FROM instances WHERE id = ?`, id).Scan(&studyUID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return "", 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return "", 0, err
	}
	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE study_uid = ?`, studyUID).Scan(&remaining); err != nil {
		return "", 0, err
	}
	return studyUID, remaining, tx.Commit()
}

// StudyStats counts the series and instances of a study and lists its modalities.
func (s *SQLiteStorage) StudyStats(ctx context.Context, uid string) (models.StudyStats, error) {
	var stats models.StudyStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT series_uid) FROM instances WHERE study_uid = ?`, uid,
	).Scan(&stats.Instances, &stats.Series)
	if err != nil {
		return stats, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT modality FROM instances WHERE study_uid = ? AND modality IS NOT NULL AND modality != ''`, uid)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return stats, err
		}
		stats.Modalities = append(stats.Modalities, m)
	}
	sort.Strings(stats.Modalities)
	return stats, rows.Err()
}

// Clear removes all studies and instances.
func (s *SQLiteStorage) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM studies`); err != nil {
		return err
	}
	return tx.Commit()
}

// CountStudies returns the total number of studies.
func (s *SQLiteStorage) CountStudies(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM studies`).Scan(&count)
	return count, err
}

// CountInstances returns the total number of instances.
func (s *SQLiteStorage) CountInstances(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
