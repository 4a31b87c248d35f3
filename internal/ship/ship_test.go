package ship

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-data/weather-relay/internal/model"
	"github.com/halcyon-data/weather-relay/internal/resilience"
	"github.com/halcyon-data/weather-relay/pkg/logzio"
)

type journalDrop struct {
	batch  model.ShipBatch
	reason string
}

type stubJournal struct {
	mu    sync.Mutex
	drops []journalDrop
}

func (j *stubJournal) RecordDrop(_ context.Context, batch model.ShipBatch, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.drops = append(j.drops, journalDrop{batch: batch, reason: reason})
	return nil
}

func (j *stubJournal) snapshot() []journalDrop {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journalDrop(nil), j.drops...)
}

func fastBackoff() resilience.Backoff {
	return resilience.Backoff{
		Initial:    5 * time.Millisecond,
		Max:        40 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func newTestShipper(t *testing.T, handler http.Handler, opts Options) (*Shipper, *stubJournal) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	journal := &stubJournal{}
	client := logzio.NewClient("test-token", "ignored", logzio.WithBaseURL(srv.URL))
	s := NewShipper(client, journal, opts)
	s.Start()
	return s, journal
}

func cityBatch(cycle uint64, cities ...string) *model.ShipBatch {
	records := make([]model.ObservationRecord, 0, len(cities))
	for _, city := range cities {
		records = append(records, model.ObservationRecord{
			City:         city,
			Source:       model.SourceOpenWeather,
			TemperatureC: 10,
			ObservedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		})
	}
	return model.NewShipBatch(cycle, records)
}

func TestShipper_DeliversInOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	s, journal := newTestShipper(t, handler, Options{Backoff: fastBackoff()})

	first := cityBatch(1, "Berlin", "Sydney")
	second := cityBatch(2, "Lima")
	require.NoError(t, s.Enqueue(first))
	require.NoError(t, s.Enqueue(second))
	require.NoError(t, s.Close(context.Background()))

	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], `"city":"Berlin"`)
	assert.Contains(t, bodies[0], `"city":"Sydney"`)
	assert.True(t, strings.HasSuffix(bodies[0], "\n"))
	assert.Contains(t, bodies[1], `"city":"Lima"`)

	assert.Equal(t, model.DeliveryAcked, first.State)
	assert.Equal(t, 1, first.Attempts)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Enqueued)
	assert.Equal(t, uint64(2), stats.AckedBatches)
	assert.Equal(t, uint64(3), stats.AckedRecords)
	assert.Zero(t, stats.Retries)
	assert.Empty(t, journal.snapshot())
}

func TestShipper_RetriesTransientThenAcks(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	s, journal := newTestShipper(t, handler, Options{Backoff: fastBackoff()})

	batch := cityBatch(1, "Berlin")
	require.NoError(t, s.Enqueue(batch))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, model.DeliveryAcked, batch.State)
	assert.Equal(t, 3, batch.Attempts)
	assert.Equal(t, uint64(2), s.Stats().Retries)
	assert.Empty(t, journal.snapshot())
}

func TestShipper_MaxRetriesDropsToJournal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	s, journal := newTestShipper(t, handler, Options{
		MaxRetries: 4,
		Backoff:    fastBackoff(),
	})

	batch := cityBatch(9, "Berlin", "Sydney")
	start := time.Now()
	require.NoError(t, s.Enqueue(batch))
	require.NoError(t, s.Close(context.Background()))

	// Three backoff waits between four attempts: 5 + 10 + 20 ms.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, model.DeliveryDropped, batch.State)

	drops := journal.snapshot()
	require.Len(t, drops, 1)
	assert.Equal(t, DropRetriesExhausted, drops[0].reason)
	assert.Equal(t, uint64(9), drops[0].batch.Cycle)
	assert.Equal(t, 4, drops[0].batch.Attempts)
	assert.Contains(t, drops[0].batch.LastError, "503")

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.DroppedBatches)
	assert.Equal(t, uint64(2), stats.DroppedRecords)
	assert.Zero(t, stats.AckedBatches)
}

func TestShipper_PermanentDropsWithoutRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	s, journal := newTestShipper(t, handler, Options{Backoff: fastBackoff()})

	batch := cityBatch(1, "Berlin")
	require.NoError(t, s.Enqueue(batch))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, int32(1), hits.Load())
	assert.Zero(t, s.Stats().Retries)

	drops := journal.snapshot()
	require.Len(t, drops, 1)
	assert.Equal(t, DropPermanent, drops[0].reason)
}

func TestShipper_AuthRejectionIsFatal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	s, journal := newTestShipper(t, handler, Options{Backoff: fastBackoff()})

	require.NoError(t, s.Enqueue(cityBatch(1, "Berlin")))

	select {
	case err := <-s.Fatal():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal signal never fired")
	}

	// Once fatal, later batches go straight to the journal.
	require.NoError(t, s.Enqueue(cityBatch(2, "Sydney")))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, s.Stats().Fatal)

	drops := journal.snapshot()
	require.Len(t, drops, 2)
	assert.Equal(t, DropPermanent, drops[0].reason)
	assert.Equal(t, DropPermanent, drops[1].reason)
}

func TestShipper_SplitsOversizeBatch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var mu sync.Mutex
	var singles []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		lines := bytes.Count(bytes.TrimSuffix(body, []byte("\n")), []byte("\n")) + 1
		if lines > 1 {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		mu.Lock()
		singles = append(singles, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	s, journal := newTestShipper(t, handler, Options{Backoff: fastBackoff()})

	batch := cityBatch(1, "Berlin", "Sydney", "Lima", "Oslo")
	require.NoError(t, s.Enqueue(batch))
	require.NoError(t, s.Close(context.Background()))

	// 1 four-record post, 2 two-record posts, 4 single-record posts.
	assert.Equal(t, int32(7), hits.Load())
	assert.Empty(t, journal.snapshot())

	stats := s.Stats()
	assert.Equal(t, uint64(4), stats.AckedBatches)
	assert.Equal(t, uint64(4), stats.AckedRecords)

	require.Len(t, singles, 4)
	joined := strings.Join(singles, "")
	for _, city := range []string{"Berlin", "Sydney", "Lima", "Oslo"} {
		assert.Contains(t, joined, `"city":"`+city+`"`)
	}
}

func TestShipper_SingleRecordOversizeDrops(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	})

	s, journal := newTestShipper(t, handler, Options{Backoff: fastBackoff()})

	require.NoError(t, s.Enqueue(cityBatch(1, "Berlin")))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, int32(1), hits.Load())
	drops := journal.snapshot()
	require.Len(t, drops, 1)
	assert.Equal(t, DropTooLarge, drops[0].reason)
}

func TestShipper_GraceExpiryForceAbandons(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	s, journal := newTestShipper(t, handler, Options{
		Backoff: resilience.Backoff{Initial: 10 * time.Second, Multiplier: 2.0},
	})

	require.NoError(t, s.Enqueue(cityBatch(1, "Berlin")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Close(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	drops := journal.snapshot()
	require.Len(t, drops, 1)
	assert.Equal(t, DropAbandoned, drops[0].reason)
}

func TestShipper_QueueFullAbandons(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		w.WriteHeader(http.StatusOK)
	})

	s, journal := newTestShipper(t, handler, Options{
		QueueSize: 1,
		Backoff:   fastBackoff(),
	})

	require.NoError(t, s.Enqueue(cityBatch(1, "Berlin")))
	<-entered // first batch is in flight, queue is empty

	require.NoError(t, s.Enqueue(cityBatch(2, "Sydney")))

	err := s.Enqueue(cityBatch(3, "Lima"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")

	close(gate)
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, uint64(2), s.Stats().AckedBatches)
	drops := journal.snapshot()
	require.Len(t, drops, 1)
	assert.Equal(t, DropAbandoned, drops[0].reason)
	assert.Equal(t, "Lima", drops[0].batch.Records[0].City)
}

func TestShipper_EnqueueAfterClose(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s, journal := newTestShipper(t, handler, Options{Backoff: fastBackoff()})
	require.NoError(t, s.Close(context.Background()))

	err := s.Enqueue(cityBatch(1, "Berlin"))
	require.Error(t, err)

	drops := journal.snapshot()
	require.Len(t, drops, 1)
	assert.Equal(t, DropAbandoned, drops[0].reason)
}
