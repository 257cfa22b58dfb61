// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/featcache/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

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
	CREATE TABLE IF NOT EXISTS scores (
		model TEXT NOT NULL,
		image_key TEXT NOT NULL,
		extractor TEXT NOT NULL,
		raw REAL NOT NULL,
		normalized REAL NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (model, image_key)
	);

	CREATE INDEX IF NOT EXISTS idx_scores_model_normalized ON scores(model, normalized);
	`
	_, err := db.Exec(schema)
	return err
}

// SaveScore inserts or replaces a score.
func (s *SQLiteStorage) SaveScore(ctx context.Context, rec *models.ScoreRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scores (model, image_key, extractor, raw, normalized, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model, image_key) DO UPDATE SET
		   extractor = excluded.extractor,
		   raw = excluded.raw,
		   normalized = excluded.normalized,
		   created_at = excluded.created_at`,
		rec.Model, rec.ImageKey, rec.Extractor, rec.Raw, rec.Normalized, rec.CreatedAt,
	)
	return err
}

// GetScore returns the score of key under model.
func (s *SQLiteStorage) GetScore(ctx context.Context, model, key string) (*models.ScoreRecord, error) {
	var rec models.ScoreRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT model, image_key, extractor, raw, normalized, created_at
		 FROM scores WHERE model = ? AND image_key = ?`, model, key,
	).Scan(&rec.Model, &rec.ImageKey, &rec.Extractor, &rec.Raw, &rec.Normalized, &rec.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, model, key)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListScores returns scores ordered by descending normalized score.
func (s *SQLiteStorage) ListScores(ctx context.Context, opts ListOptions) ([]*models.ScoreRecord, error) {
	var (
		where []string
		args  []any
	)
	if opts.Model != "" {
		where = append(where, "model = ?")
		args = append(args, opts.Model)
	}
	if opts.MinScore != nil {
		where = append(where, "normalized >= ?")
		args = append(args, *opts.MinScore)
	}
	query := `SELECT model, image_key, extractor, raw, normalized, created_at FROM scores`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY normalized DESC, image_key LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ScoreRecord
	for rows.Next() {
		var rec models.ScoreRecord
		if err := rows.Scan(&rec.Model, &rec.ImageKey, &rec.Extractor, &rec.Raw, &rec.Normalized, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteScores removes every score of model.
func (s *SQLiteStorage) DeleteScores(ctx context.Context, model string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scores WHERE model = ?`, model)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AverageScore returns the running average of normalized scores of model.
func (s *SQLiteStorage) AverageScore(ctx context.Context, model string) (*models.ScoreSummary, error) {
	sum := &models.ScoreSummary{Model: model}
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(normalized) FROM scores WHERE model = ?`, model,
	).Scan(&sum.Count, &avg)
	if err != nil {
		return nil, err
	}
	sum.Average = avg.Float64
	return sum, nil
}

// Summaries returns one summary per model, ordered by model name.
func (s *SQLiteStorage) Summaries(ctx context.Context) ([]*models.ScoreSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), AVG(normalized) FROM scores GROUP BY model ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ScoreSummary
	for rows.Next() {
		var sum models.ScoreSummary
		if err := rows.Scan(&sum.Model, &sum.Count, &sum.Average); err != nil {
			return nil, err
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
