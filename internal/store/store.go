// Package store persists what the pipeline had to give up on: the
// dead-letter journal of batches dropped by the shipper.
package store

import (
	"context"
	"time"

	"github.com/halcyon-data/weather-relay/internal/model"
)

// DroppedBatch is one journal row: a batch the shipper abandoned, with
// its records preserved for replay or inspection.
type DroppedBatch struct {
	ID        string                    `json:"id"`
	BatchID   string                    `json:"batch_id"`
	Cycle     uint64                    `json:"cycle"`
	Records   []model.ObservationRecord `json:"records"`
	Reason    string                    `json:"reason"` // "retries_exhausted", "permanent", "too_large", or "abandoned"
	Attempts  int                       `json:"attempts"`
	LastError string                    `json:"last_error,omitempty"`
	DroppedAt time.Time                 `json:"dropped_at"`
}

// DropFilter specifies criteria for listing journal rows.
type DropFilter struct {
	Reason string `json:"reason,omitempty"` // exact match, or "" for all
	Limit  int    `json:"limit,omitempty"`
}

// Journal is the persistence interface for dropped batches.
type Journal interface {
	RecordDrop(ctx context.Context, batch model.ShipBatch, reason string) error
	ListDrops(ctx context.Context, filter DropFilter) ([]DroppedBatch, error)
	GetDrop(ctx context.Context, id string) (*DroppedBatch, error)
	CountDrops(ctx context.Context) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
