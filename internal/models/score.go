package models

import "time"

// ScoreRecord is a persisted aesthetic score for one image under one score model.
type ScoreRecord struct {
	ImageKey   string    `json:"image_key" db:"image_key"`
	Model      string    `json:"model" db:"model"`
	Extractor  string    `json:"extractor" db:"extractor"`
	Raw        float64   `json:"raw" db:"raw"`
	Normalized float64   `json:"normalized" db:"normalized"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ScoreSummary is the running average of normalized scores for a model.
type ScoreSummary struct {
	Model   string  `json:"model"`
	Count   int64   `json:"count"`
	Average float64 `json:"average"`
}
