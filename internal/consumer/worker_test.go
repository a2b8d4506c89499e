package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsignal/marketstream/internal/deadletter"
	"github.com/gridsignal/marketstream/internal/dedup"
	"github.com/gridsignal/marketstream/internal/retry"
	"github.com/gridsignal/marketstream/internal/validate"
	"github.com/gridsignal/marketstream/pkg/model"
)

// --- Fakes ---

type fakeCache struct {
	mu     sync.Mutex
	puts   []model.PriceEvent
	stats  []model.ZoneStats
	failN  int // fail the first N puts
	failed int
}

func (f *fakeCache) Put(_ context.Context, ev model.PriceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed < f.failN {
		f.failed++
		return errors.New("cache unavailable")
	}
	f.puts = append(f.puts, ev)
	return nil
}

func (f *fakeCache) PutStats(_ context.Context, st model.ZoneStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, st)
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []model.PriceEvent
}

func (f *fakeHub) Broadcast(_ string, ev model.PriceEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

type fakeSink struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (f *fakeSink) Publish(_ context.Context, rec deadletter.Record) error {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Close() error { return nil }

type fakeSource struct {
	subject string
	batches [][]InboundMessage
}

func (f *fakeSource) Subject() string { return f.subject }

func (f *fakeSource) Fetch(int, time.Duration) ([]InboundMessage, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSource) Close() error { return nil }

type ackTracker struct {
	mu    sync.Mutex
	acked []string
}

func (a *ackTracker) msg(subject, payload string) InboundMessage {
	return InboundMessage{
		Subject: subject,
		Data:    []byte(payload),
		ack: func() error {
			a.mu.Lock()
			a.acked = append(a.acked, payload)
			a.mu.Unlock()
			return nil
		},
	}
}

func rawPrice(zone, location, ts, price string) string {
	return fmt.Sprintf(`{"timestamp":%q,"zone":%q,"price_type":"real_time","location":%q,"price":%s}`,
		ts, zone, location, price)
}

func newTestWorker(sources []Source, cache *fakeCache, hub *fakeHub, dlq deadletter.Sink) *Worker {
	return NewWorker(
		"w0",
		sources,
		validate.New(),
		dedup.New(10, 100, 0.01),
		cache,
		hub,
		nil,
		dlq,
		retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Options{BatchSize: 16, PollTimeout: time.Millisecond, PublishTimeout: 100 * time.Millisecond},
		nil,
	)
}

// --- Tests ---

func TestWorker_AcceptedEventFlowsDownstream(t *testing.T) {
	cache := &fakeCache{}
	hub := &fakeHub{}
	acks := &ackTracker{}
	src := &fakeSource{subject: "md.prices.v1.pjm"}
	w := newTestWorker([]Source{src}, cache, hub, &fakeSink{})

	raw := rawPrice("pjm", "HUB", "2025-06-01T12:00:00Z", "42.5")
	src.batches = [][]InboundMessage{{acks.msg("md.prices.v1.pjm", raw)}}

	w.pollOnce(context.Background(), src)

	require.Len(t, cache.puts, 1)
	require.Len(t, hub.events, 1)
	assert.Equal(t, "pjm", hub.events[0].Zone)
	assert.Equal(t, []string{raw}, acks.acked)

	// The touched zone's aggregates were snapshotted after the batch.
	require.Len(t, cache.stats, 1)
	assert.Equal(t, "pjm", cache.stats[0].Zone)
	assert.Equal(t, 1, cache.stats[0].Count)
}

func TestWorker_InvalidMessageAckedNotForwarded(t *testing.T) {
	cache := &fakeCache{}
	hub := &fakeHub{}
	acks := &ackTracker{}
	src := &fakeSource{subject: "md.prices.v1.pjm"}
	w := newTestWorker([]Source{src}, cache, hub, &fakeSink{})

	src.batches = [][]InboundMessage{{acks.msg("md.prices.v1.pjm", `{"broken":`)}}

	w.pollOnce(context.Background(), src)

	assert.Empty(t, cache.puts)
	assert.Empty(t, hub.events)
	assert.Len(t, acks.acked, 1, "invalid messages are acked, never retried")
}

func TestWorker_DuplicateDroppedBeforeFanout(t *testing.T) {
	cache := &fakeCache{}
	hub := &fakeHub{}
	acks := &ackTracker{}
	src := &fakeSource{subject: "md.prices.v1.pjm"}
	w := newTestWorker([]Source{src}, cache, hub, &fakeSink{})

	// Same timestamp/location, prices within epsilon: redelivery dup.
	first := rawPrice("pjm", "HUB", "2025-06-01T12:00:00Z", "10.00")
	second := rawPrice("pjm", "HUB", "2025-06-01T12:00:00Z", "10.005")
	src.batches = [][]InboundMessage{{
		acks.msg("md.prices.v1.pjm", first),
		acks.msg("md.prices.v1.pjm", second),
	}}

	w.pollOnce(context.Background(), src)

	assert.Len(t, cache.puts, 1, "only the first of a duplicate pair is forwarded")
	assert.Len(t, hub.events, 1)
	assert.Len(t, acks.acked, 2, "duplicates are still committed")
}

func TestWorker_DownstreamFailureDeadLettersAndCommits(t *testing.T) {
	cache := &fakeCache{failN: 100} // fail every attempt
	hub := &fakeHub{}
	sink := &fakeSink{}
	acks := &ackTracker{}
	src := &fakeSource{subject: "md.prices.v1.caiso"}
	w := newTestWorker([]Source{src}, cache, hub, sink)

	raw := rawPrice("caiso", "NP15", "2025-06-01T12:00:00Z", "33.0")
	src.batches = [][]InboundMessage{{acks.msg("md.prices.v1.caiso", raw)}}

	w.pollOnce(context.Background(), src)

	require.Len(t, sink.records, 1)
	assert.Equal(t, "cache_unavailable", sink.records[0].Reason)
	assert.Equal(t, []byte(raw), sink.records[0].Payload)
	assert.Empty(t, hub.events, "a dead-lettered event is not broadcast")
	assert.Len(t, acks.acked, 1, "poison messages commit so the partition keeps moving")
}

func TestWorker_TransientFailureRecoversWithinRetryBudget(t *testing.T) {
	cache := &fakeCache{failN: 1} // first attempt fails, retry succeeds
	hub := &fakeHub{}
	sink := &fakeSink{}
	acks := &ackTracker{}
	src := &fakeSource{subject: "md.prices.v1.caiso"}
	w := newTestWorker([]Source{src}, cache, hub, sink)

	raw := rawPrice("caiso", "NP15", "2025-06-01T12:00:00Z", "33.0")
	src.batches = [][]InboundMessage{{acks.msg("md.prices.v1.caiso", raw)}}

	w.pollOnce(context.Background(), src)

	assert.Empty(t, sink.records)
	assert.Len(t, cache.puts, 1)
	assert.Len(t, hub.events, 1)
}

func TestWorker_PerZoneOrderingPreserved(t *testing.T) {
	cache := &fakeCache{}
	hub := &fakeHub{}
	acks := &ackTracker{}
	src := &fakeSource{subject: "md.prices.v1.pjm"}
	w := newTestWorker([]Source{src}, cache, hub, &fakeSink{})

	var batch []InboundMessage
	for i := 0; i < 10; i++ {
		ts := fmt.Sprintf("2025-06-01T12:00:%02dZ", i)
		batch = append(batch, acks.msg("md.prices.v1.pjm", rawPrice("pjm", "HUB", ts, fmt.Sprintf("%d", 10+i))))
	}
	src.batches = [][]InboundMessage{batch}

	w.pollOnce(context.Background(), src)

	require.Len(t, hub.events, 10)
	for i := 1; i < 10; i++ {
		assert.True(t, hub.events[i-1].Timestamp.Before(hub.events[i].Timestamp),
			"broadcast order must match acceptance order")
	}
}

type failingSource struct {
	subject string
	calls   int
}

func (f *failingSource) Subject() string { return f.subject }

func (f *failingSource) Fetch(int, time.Duration) ([]InboundMessage, error) {
	f.calls++
	return nil, errors.New("connection closed")
}

func (f *failingSource) Close() error { return nil }

func TestWorker_RunReturnsOnBrokerFailure(t *testing.T) {
	src := &failingSource{subject: "md.prices.v1.pjm"}
	w := newTestWorker([]Source{src}, &fakeCache{}, &fakeHub{}, &fakeSink{})

	require.Error(t, w.pollOnce(context.Background(), src))

	// A dead source ends the run instead of being re-polled in a tight
	// loop; the supervisor owns the restart backoff.
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept polling a failed source")
	}
	assert.Equal(t, 2, src.calls, "the direct poll plus the single poll inside Run")
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	src := &fakeSource{subject: "md.prices.v1.pjm"}
	w := newTestWorker([]Source{src}, &fakeCache{}, &fakeHub{}, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestSplitZones(t *testing.T) {
	zones := []string{"a", "b", "c", "d", "e"}

	sets := SplitZones(zones, 2)
	require.Len(t, sets, 2)
	assert.Equal(t, []string{"a", "c", "e"}, sets[0])
	assert.Equal(t, []string{"b", "d"}, sets[1])

	// More workers than zones collapses to one zone per worker.
	sets = SplitZones(zones, 10)
	assert.Len(t, sets, 5)

	seen := map[string]bool{}
	for _, set := range sets {
		for _, z := range set {
			assert.False(t, seen[z], "zone %s assigned twice", z)
			seen[z] = true
		}
	}
	assert.Len(t, seen, 5)
}
