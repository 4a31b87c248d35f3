// Package poll drives the pipeline: a strictly sequential cycle loop
// that fetches, partitions, and hands batches to the shipper.
package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-data/weather-relay/internal/model"
)

// Runner is the fetch side of a cycle.
type Runner interface {
	Tasks(cities []string) []model.FetchTask
	Run(ctx context.Context, tasks []model.FetchTask) []model.FetchOutcome
}

// Enqueuer is the ship side of a cycle.
type Enqueuer interface {
	Enqueue(batch *model.ShipBatch) error
}

// Options tunes a Poller.
type Options struct {
	// Interval is the target spacing between cycle starts. Must be positive.
	Interval time.Duration

	// Cities is the fixed observation target list. Must be non-empty.
	Cities []string
}

// CycleStats describes one completed cycle.
type CycleStats struct {
	Cycle     uint64
	StartedAt time.Time
	Elapsed   time.Duration
	Tasks     int
	Records   int
	Failures  map[model.FailureKind]int
	Enqueued  bool
	Overran   bool
}

// Poller owns the cycle lifecycle. Cycles never overlap: when a cycle
// outruns the interval, the next one starts immediately instead.
type Poller struct {
	fetcher Runner
	shipper Enqueuer
	opts    Options

	cycle   atomic.Uint64
	polling atomic.Bool

	mu   sync.Mutex
	last *CycleStats
}

// New builds a Poller.
func New(fetcher Runner, shipper Enqueuer, opts Options) (*Poller, error) {
	if opts.Interval <= 0 {
		return nil, eris.Errorf("poll: interval must be positive, got %s", opts.Interval)
	}
	if len(opts.Cities) == 0 {
		return nil, eris.New("poll: no cities configured")
	}
	return &Poller{fetcher: fetcher, shipper: shipper, opts: opts}, nil
}

// Run starts the cycle loop. It blocks until ctx is cancelled; an
// in-flight cycle always finishes, including its batch handoff.
func (p *Poller) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "poll"))
	log.Info("starting poller",
		zap.Duration("interval", p.opts.Interval),
		zap.Int("cities", len(p.opts.Cities)),
	)

	for {
		select {
		case <-ctx.Done():
			log.Info("poller stopped")
			return
		default:
		}

		start := time.Now()
		p.runCycle(ctx, log)
		elapsed := time.Since(start)

		wait := p.opts.Interval - elapsed
		if wait <= 0 {
			// Interval anchored at cycle start: an overrun means the
			// next cycle is already due.
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("poller stopped")
			return
		case <-t.C:
		}
	}
}

// Cycle returns the number of cycles started so far.
func (p *Poller) Cycle() uint64 {
	return p.cycle.Load()
}

// Polling reports whether a cycle is in flight.
func (p *Poller) Polling() bool {
	return p.polling.Load()
}

// Last returns a copy of the most recently completed cycle's stats,
// or nil before the first cycle completes.
func (p *Poller) Last() *CycleStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	cp := *p.last
	cp.Failures = make(map[model.FailureKind]int, len(p.last.Failures))
	for k, v := range p.last.Failures {
		cp.Failures[k] = v
	}
	return &cp
}

func (p *Poller) runCycle(ctx context.Context, log *zap.Logger) {
	cycle := p.cycle.Add(1)
	p.polling.Store(true)
	defer p.polling.Store(false)

	start := time.Now()
	tasks := p.fetcher.Tasks(p.opts.Cities)
	outcomes := p.fetcher.Run(ctx, tasks)
	records, failures := model.Partition(outcomes)

	byKind := make(map[model.FailureKind]int)
	for _, f := range failures {
		byKind[f.Kind]++
	}

	enqueued := false
	if len(records) > 0 {
		if err := p.shipper.Enqueue(model.NewShipBatch(cycle, records)); err != nil {
			log.Error("batch handoff failed",
				zap.Uint64("cycle", cycle),
				zap.Int("records", len(records)),
				zap.Error(err),
			)
		} else {
			enqueued = true
		}
	}

	elapsed := time.Since(start)
	fields := []zap.Field{
		zap.Uint64("cycle", cycle),
		zap.Int("tasks", len(tasks)),
		zap.Int("records", len(records)),
		zap.Int("failures", len(failures)),
		zap.Duration("elapsed", elapsed),
	}
	for kind, n := range byKind {
		fields = append(fields, zap.Int("failed_"+string(kind), n))
	}
	log.Info("cycle complete", fields...)

	p.mu.Lock()
	p.last = &CycleStats{
		Cycle:     cycle,
		StartedAt: start.UTC(),
		Elapsed:   elapsed,
		Tasks:     len(tasks),
		Records:   len(records),
		Failures:  byKind,
		Enqueued:  enqueued,
		Overran:   elapsed >= p.opts.Interval,
	}
	p.mu.Unlock()
}
