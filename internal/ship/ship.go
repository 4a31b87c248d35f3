// Package ship delivers observation batches to the sink. It owns the
// delivery queue, the retry state machine, and the decision to drop:
// the sink client below it never retries on its own.
package ship

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-data/weather-relay/internal/model"
	"github.com/halcyon-data/weather-relay/internal/resilience"
	"github.com/halcyon-data/weather-relay/pkg/logzio"
)

const (
	// DefaultMaxRetries bounds delivery attempts per batch.
	DefaultMaxRetries = 5

	// DefaultQueueSize bounds how many batches may wait for delivery.
	DefaultQueueSize = 64

	journalWriteTimeout = 5 * time.Second
)

// Journal receives batches the shipper gives up on.
type Journal interface {
	RecordDrop(ctx context.Context, batch model.ShipBatch, reason string) error
}

// Options tunes a Shipper.
type Options struct {
	// MaxRetries bounds attempts per batch. Zero means DefaultMaxRetries.
	MaxRetries int

	// QueueSize bounds batches waiting for delivery. Zero means
	// DefaultQueueSize.
	QueueSize int

	// Backoff computes retry delays. The zero value uses the resilience
	// package defaults without jitter; pass resilience.DefaultBackoff()
	// for jittered production behavior.
	Backoff resilience.Backoff
}

// Stats is a point-in-time snapshot of shipper counters.
type Stats struct {
	Enqueued       uint64 `json:"enqueued"`
	AckedBatches   uint64 `json:"acked_batches"`
	AckedRecords   uint64 `json:"acked_records"`
	Retries        uint64 `json:"retries"`
	DroppedBatches uint64 `json:"dropped_batches"`
	DroppedRecords uint64 `json:"dropped_records"`
	QueueDepth     int    `json:"queue_depth"`
	Fatal          bool   `json:"fatal"`
}

// Shipper runs a background worker that delivers batches in FIFO order.
// Delivery across batches is best-effort FIFO only: a split batch is
// resent ahead of younger batches.
type Shipper struct {
	client  logzio.Client
	journal Journal
	opts    Options

	queue  chan *model.ShipBatch
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	fatal   atomic.Bool
	fatalCh chan error

	enqueued       atomic.Uint64
	ackedBatches   atomic.Uint64
	ackedRecords   atomic.Uint64
	retries        atomic.Uint64
	droppedBatches atomic.Uint64
	droppedRecords atomic.Uint64
}

// NewShipper builds a Shipper over the given sink client and journal.
// Call Start to launch the delivery worker.
func NewShipper(client logzio.Client, journal Journal, opts Options) *Shipper {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Shipper{
		client:  client,
		journal: journal,
		opts:    opts,
		queue:   make(chan *model.ShipBatch, opts.QueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		fatalCh: make(chan error, 1),
	}
}

// Start launches the delivery worker. Call it once.
func (s *Shipper) Start() {
	go func() {
		defer close(s.done)
		for batch := range s.queue {
			s.deliver(s.ctx, batch)
		}
	}()
}

// Enqueue hands a batch to the delivery worker without blocking. When the
// queue is full or the shipper is closed the batch goes straight to the
// journal and an error is returned.
func (s *Shipper) Enqueue(batch *model.ShipBatch) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.drop(batch, DropAbandoned, eris.New("ship: shipper closed"))
		return eris.New("ship: shipper closed")
	}

	select {
	case s.queue <- batch:
		s.mu.Unlock()
		s.enqueued.Add(1)
		return nil
	default:
		s.mu.Unlock()
		s.drop(batch, DropAbandoned, eris.New("ship: queue full"))
		return eris.Errorf("ship: queue full (%d batches waiting)", cap(s.queue))
	}
}

// Fatal signals an unrecoverable sink rejection, delivered at most once.
// After it fires, every remaining batch is journaled instead of sent.
func (s *Shipper) Fatal() <-chan error {
	return s.fatalCh
}

// Stats returns a snapshot of the shipper counters.
func (s *Shipper) Stats() Stats {
	return Stats{
		Enqueued:       s.enqueued.Load(),
		AckedBatches:   s.ackedBatches.Load(),
		AckedRecords:   s.ackedRecords.Load(),
		Retries:        s.retries.Load(),
		DroppedBatches: s.droppedBatches.Load(),
		DroppedRecords: s.droppedRecords.Load(),
		QueueDepth:     len(s.queue),
		Fatal:          s.fatal.Load(),
	}
}

// Close stops intake and drains the queue. In-flight retry sequences run
// to their own max-retry bound; when ctx expires first, whatever remains
// is force-abandoned to the journal.
func (s *Shipper) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return eris.Wrap(ctx.Err(), "ship: drain grace expired")
	}
}

// deliver runs one batch through the state machine until it reaches a
// terminal state. Split halves are delivered recursively as fresh units.
func (s *Shipper) deliver(ctx context.Context, batch *model.ShipBatch) {
	if s.fatal.Load() {
		s.drop(batch, DropPermanent, eris.New("ship: sink rejected credentials"))
		return
	}

	docs, err := encodeNDJSON(batch.Records)
	if err != nil {
		s.drop(batch, DropPermanent, err)
		return
	}

	for {
		if ctx.Err() != nil {
			s.drop(batch, DropAbandoned, ctx.Err())
			return
		}

		batch.State = model.DeliverySending
		batch.Attempts++
		err := s.client.Send(ctx, docs)

		state, reason := nextState(batch.Attempts, s.opts.MaxRetries, len(batch.Records), err)
		switch state {
		case model.DeliveryAcked:
			batch.State = model.DeliveryAcked
			s.ackedBatches.Add(1)
			s.ackedRecords.Add(uint64(len(batch.Records)))
			zap.L().Info("batch shipped",
				zap.Uint64("cycle", batch.Cycle),
				zap.String("batch_id", batch.ID),
				zap.Int("records", len(batch.Records)),
				zap.Int("attempts", batch.Attempts),
			)
			return

		case model.DeliveryPending:
			left, right := batch.Split()
			zap.L().Warn("payload too large, splitting batch",
				zap.Uint64("cycle", batch.Cycle),
				zap.String("batch_id", batch.ID),
				zap.Int("records", len(batch.Records)),
			)
			s.deliver(ctx, left)
			s.deliver(ctx, right)
			return

		case model.DeliveryRetrying:
			batch.State = model.DeliveryRetrying
			batch.LastError = err.Error()
			delay := retryDelay(s.opts.Backoff, batch.Attempts, err)
			batch.NextTryAt = time.Now().UTC().Add(delay)
			s.retries.Add(1)
			zap.L().Warn("delivery failed, backing off",
				zap.Uint64("cycle", batch.Cycle),
				zap.String("batch_id", batch.ID),
				zap.Int("attempt", batch.Attempts),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if !s.wait(ctx, delay) {
				s.drop(batch, DropAbandoned, ctx.Err())
				return
			}

		case model.DeliveryDropped:
			var sendErr *logzio.SendError
			if eris.As(err, &sendErr) && sendErr.AuthRejected() {
				s.failFatal(err)
			}
			s.drop(batch, reason, err)
			return
		}
	}
}

func (s *Shipper) drop(batch *model.ShipBatch, reason string, cause error) {
	batch.State = model.DeliveryDropped
	if cause != nil {
		batch.LastError = cause.Error()
	}
	s.droppedBatches.Add(1)
	s.droppedRecords.Add(uint64(len(batch.Records)))

	zap.L().Error("batch dropped, data lost",
		zap.Uint64("cycle", batch.Cycle),
		zap.String("batch_id", batch.ID),
		zap.Int("records", len(batch.Records)),
		zap.Int("attempts", batch.Attempts),
		zap.String("reason", reason),
		zap.Error(cause),
	)

	// The run context may already be dead during a force-drain; the
	// journal write gets its own deadline.
	jctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := s.journal.RecordDrop(jctx, *batch, reason); err != nil {
		zap.L().Error("journal write failed, drop is unrecorded",
			zap.String("batch_id", batch.ID),
			zap.Error(err),
		)
	}
}

func (s *Shipper) failFatal(err error) {
	if s.fatal.CompareAndSwap(false, true) {
		zap.L().Error("sink rejected credentials, shipping cannot recover", zap.Error(err))
		select {
		case s.fatalCh <- err:
		default:
		}
	}
}

func (s *Shipper) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
