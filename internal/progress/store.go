// Package progress keeps the latest progress snapshot of each import run.
package progress

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("progress not found or expired")

// Snapshot is the progress of one import run at a point in time.
type Snapshot struct {
	RunID      string    `json:"runId"`
	SchemaID   string    `json:"schema"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Percentage int       `json:"percentage"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists snapshots for a limited time.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, runID string) (Snapshot, error)
	Ping(ctx context.Context) error
}
