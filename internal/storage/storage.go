// Package storage defines the persistence interface for image scores.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/featcache/internal/models"
)

// ErrNotFound is returned when a score does not exist.
var ErrNotFound = errors.New("score not found")

// ListOptions filters ListScores.
type ListOptions struct {
	Model    string
	MinScore *float64
	Offset   int
	Limit    int
}

// Storage defines score persistence operations.
type Storage interface {
	// SaveScore inserts or replaces the score of (model, image key).
	SaveScore(ctx context.Context, rec *models.ScoreRecord) error
	GetScore(ctx context.Context, model, key string) (*models.ScoreRecord, error)
	ListScores(ctx context.Context, opts ListOptions) ([]*models.ScoreRecord, error)
	DeleteScores(ctx context.Context, model string) (int64, error)

	// Stats
	AverageScore(ctx context.Context, model string) (*models.ScoreSummary, error)
	Summaries(ctx context.Context) ([]*models.ScoreSummary, error)

	Close() error
}
