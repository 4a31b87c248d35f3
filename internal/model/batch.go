package model

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState tracks a batch through the shipper.
type DeliveryState string

const (
	DeliveryPending  DeliveryState = "pending"  // enqueued, not yet attempted
	DeliverySending  DeliveryState = "sending"  // attempt in flight
	DeliveryAcked    DeliveryState = "acked"    // sink confirmed receipt
	DeliveryRetrying DeliveryState = "retrying" // transient failure, waiting for backoff
	DeliveryDropped  DeliveryState = "dropped"  // permanent failure or retry budget exhausted
)

// Terminal reports whether the state admits no further transitions.
func (s DeliveryState) Terminal() bool {
	return s == DeliveryAcked || s == DeliveryDropped
}

// ShipBatch is the unit of delivery: a set of records that are acked,
// retried, and dropped together.
type ShipBatch struct {
	ID        string              `json:"id"`
	Cycle     uint64              `json:"cycle"`
	Records   []ObservationRecord `json:"records"`
	State     DeliveryState       `json:"state"`
	Attempts  int                 `json:"attempts"`
	CreatedAt time.Time           `json:"created_at"`
	NextTryAt time.Time           `json:"next_try_at,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

// NewShipBatch wraps one cycle's records into a pending batch with a fresh ID.
func NewShipBatch(cycle uint64, records []ObservationRecord) *ShipBatch {
	return &ShipBatch{
		ID:        uuid.New().String(),
		Cycle:     cycle,
		Records:   records,
		State:     DeliveryPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Split divides the batch into two halves, each a new pending batch with
// a zero attempt count. Used when the sink rejects a payload as too large;
// the halves are new delivery units, not continuations of the original.
func (b *ShipBatch) Split() (*ShipBatch, *ShipBatch) {
	mid := len(b.Records) / 2
	left, right := NewShipBatch(b.Cycle, b.Records[:mid]), NewShipBatch(b.Cycle, b.Records[mid:])
	return left, right
}
