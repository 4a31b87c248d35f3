// Package fetch fans a cycle's tasks out to source adapters with bounded
// concurrency and collects exactly one outcome per task.
package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-data/weather-relay/internal/model"
	"github.com/halcyon-data/weather-relay/internal/source"
)

// DefaultTaskTimeout caps a single adapter call.
const DefaultTaskTimeout = 15 * time.Second

// Options tunes a Fetcher.
type Options struct {
	// Concurrency bounds simultaneous adapter calls across all sources.
	// Must be positive.
	Concurrency int

	// TaskTimeout is the per-task deadline. Zero means DefaultTaskTimeout.
	TaskTimeout time.Duration
}

// Fetcher runs fetch tasks against a fixed set of source adapters.
type Fetcher struct {
	adapters []source.Adapter
	byKind   map[model.SourceKind]source.Adapter
	opts     Options

	mu        sync.Mutex
	inFlight  int
	highWater int
}

// New builds a Fetcher over the given adapters.
func New(adapters []source.Adapter, opts Options) (*Fetcher, error) {
	if opts.Concurrency <= 0 {
		return nil, eris.Errorf("fetch: concurrency must be positive, got %d", opts.Concurrency)
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	byKind := make(map[model.SourceKind]source.Adapter, len(adapters))
	for _, a := range adapters {
		if _, dup := byKind[a.Kind()]; dup {
			return nil, eris.Errorf("fetch: duplicate adapter for source %s", a.Kind())
		}
		byKind[a.Kind()] = a
	}
	return &Fetcher{adapters: adapters, byKind: byKind, opts: opts}, nil
}

// Tasks builds the task matrix for one cycle: every adapter crossed with
// every city, in the order both were configured.
func (f *Fetcher) Tasks(cities []string) []model.FetchTask {
	tasks := make([]model.FetchTask, 0, len(f.adapters)*len(cities))
	for _, a := range f.adapters {
		for _, city := range cities {
			tasks = append(tasks, model.FetchTask{
				ID:     uuid.New().String(),
				Source: a.Kind(),
				City:   city,
			})
		}
	}
	return tasks
}

// Run executes tasks and returns one outcome per task, in completion order.
// A failing task never cancels or delays its siblings; cancelling ctx makes
// the remaining tasks fail fast with timeout outcomes rather than vanish.
func (f *Fetcher) Run(ctx context.Context, tasks []model.FetchTask) []model.FetchOutcome {
	outcomes := make([]model.FetchOutcome, 0, len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}

	start := time.Now()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)

	for _, task := range tasks {
		g.Go(func() error {
			f.enter()
			defer f.leave()

			outcome := f.runTask(gctx, task)

			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			return nil // don't abort the cycle on individual failure
		})
	}
	_ = g.Wait()

	records := 0
	for _, o := range outcomes {
		if o.OK() {
			records++
		}
	}
	zap.L().Debug("fetch cycle complete",
		zap.Int("tasks", len(tasks)),
		zap.Int("records", records),
		zap.Int("failures", len(tasks)-records),
		zap.Duration("elapsed", time.Since(start)),
	)
	return outcomes
}

func (f *Fetcher) runTask(ctx context.Context, task model.FetchTask) (out model.FetchOutcome) {
	out = model.FetchOutcome{Task: task}

	adapter, ok := f.byKind[task.Source]
	if !ok {
		out.Failure = model.NewFetchFailure(task, model.FailureUnavailable,
			eris.Errorf("no adapter for source %s", task.Source))
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("adapter panicked",
				zap.String("source", string(task.Source)),
				zap.String("city", task.City),
				zap.Any("panic", r),
			)
			out.Record = nil
			out.Failure = model.NewFetchFailure(task, model.FailureUnavailable,
				eris.Errorf("adapter panic: %v", r))
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, f.opts.TaskTimeout)
	defer cancel()

	rec, err := adapter.Fetch(taskCtx, task.City)
	if err != nil {
		var failure *model.FetchFailure
		if !errors.As(err, &failure) {
			failure = model.NewFetchFailure(task, model.FailureUnavailable, err)
		}
		failure.Task = task
		zap.L().Warn("fetch failed",
			zap.String("source", string(task.Source)),
			zap.String("city", task.City),
			zap.String("kind", string(failure.Kind)),
			zap.Error(failure),
		)
		out.Failure = failure
		return out
	}

	out.Record = &rec
	return out
}

// InFlight reports the number of adapter calls currently executing.
func (f *Fetcher) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// HighWater reports the most adapter calls ever observed executing at once.
func (f *Fetcher) HighWater() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.highWater
}

func (f *Fetcher) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.highWater {
		f.highWater = f.inFlight
	}
	f.mu.Unlock()
}

func (f *Fetcher) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}
