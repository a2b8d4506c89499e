package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gridsignal/marketstream/internal/deadletter"
	"github.com/gridsignal/marketstream/internal/dedup"
	"github.com/gridsignal/marketstream/internal/metrics"
	"github.com/gridsignal/marketstream/internal/retry"
	"github.com/gridsignal/marketstream/internal/validate"
	"github.com/gridsignal/marketstream/pkg/model"
)

// CacheWriter is the latest-value cache write path.
type CacheWriter interface {
	Put(ctx context.Context, ev model.PriceEvent) error
	PutStats(ctx context.Context, stats model.ZoneStats) error
}

// Broadcaster fans an accepted event out to live subscribers. Delivery
// failures are isolated per connection inside the broadcaster and never
// surface here.
type Broadcaster interface {
	Broadcast(zone string, ev model.PriceEvent)
}

// ProcessedPublisher emits accepted events to the outbound audit topic.
type ProcessedPublisher interface {
	PublishProcessed(ctx context.Context, ev model.PriceEvent) error
}

// Options carries the per-worker tunables.
type Options struct {
	BatchSize      int
	PollTimeout    time.Duration
	PublishTimeout time.Duration
}

// Worker owns a disjoint set of zone sources and processes their messages
// sequentially: validate, dedup, cache write, fan-out, audit publish. The
// dedup state is worker-local and needs no locks. Messages are acked only
// once forwarded or deliberately dropped; a poison message is dead-lettered
// after the retry budget so it cannot stall its partition.
type Worker struct {
	id        string
	sources   []Source
	validator *validate.Validator
	dedup     *dedup.Deduplicator
	cache     CacheWriter
	hub       Broadcaster
	processed ProcessedPublisher // nil disables the audit path
	dlq       deadletter.Sink
	policy    retry.Policy
	opts      Options
	logger    *zap.Logger
}

// NewWorker assembles a worker over its partition set.
func NewWorker(
	id string,
	sources []Source,
	validator *validate.Validator,
	ded *dedup.Deduplicator,
	cache CacheWriter,
	hub Broadcaster,
	processed ProcessedPublisher,
	dlq deadletter.Sink,
	policy retry.Policy,
	opts Options,
	logger *zap.Logger,
) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 3 * time.Second
	}
	if dlq == nil {
		dlq = deadletter.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		sources:   sources,
		validator: validator,
		dedup:     ded,
		cache:     cache,
		hub:       hub,
		processed: processed,
		dlq:       dlq,
		policy:    policy,
		opts:      opts,
		logger:    logger.With(zap.String("worker", id)),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run polls each owned source in turn until ctx is cancelled or a source
// fails. The in-flight batch is always finished before returning, so
// cancellation drains cleanly. A fetch error ends the run: broker trouble is
// fatal to the worker, and the supervisor restarts it after backoff with the
// durable consumer resuming from the last ack.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("consumer.worker_started", zap.Int("sources", len(w.sources)))

	for {
		if ctx.Err() != nil {
			w.logger.Info("consumer.worker_stopped")
			return
		}
		for _, src := range w.sources {
			if ctx.Err() != nil {
				w.logger.Info("consumer.worker_stopped")
				return
			}
			if err := w.pollOnce(ctx, src); err != nil {
				metrics.IncError("consumer", "fetch_failed")
				w.logger.Error("consumer.source_failed",
					zap.String("subject", src.Subject()), zap.Error(err))
				return
			}
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context, src Source) error {
	batch, err := src.Fetch(w.opts.BatchSize, w.opts.PollTimeout)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		metrics.SetLastPoll(w.id, time.Now())
		return nil
	}

	touched := make(map[string]struct{})
	for _, msg := range batch {
		if zone := w.processMessage(ctx, msg); zone != "" {
			touched[zone] = struct{}{}
		}
	}

	// Snapshot aggregates for the zones this batch advanced. Best effort:
	// the next batch rewrites them anyway.
	for zone := range touched {
		statsCtx, cancel := context.WithTimeout(ctx, w.opts.PublishTimeout)
		if err := w.cache.PutStats(statsCtx, w.dedup.Stats(zone)); err != nil {
			metrics.IncError("consumer", "stats_write_failed")
		}
		cancel()
	}

	metrics.SetLastPoll(w.id, time.Now())
	return nil
}

// processMessage runs one message through the pipeline and acks it once the
// outcome is decided. Returns the zone on acceptance, "" otherwise.
func (w *Worker) processMessage(ctx context.Context, msg InboundMessage) string {
	start := time.Now()

	ev, err := w.validator.Normalize(msg.Data, msg.Subject)
	if err != nil {
		// Malformed input is never retried.
		metrics.IncMessage(zoneLabel(ev.Zone), "invalid")
		w.logger.Debug("consumer.invalid_message",
			zap.String("subject", msg.Subject), zap.Error(err))
		w.ack(msg)
		return ""
	}

	if w.dedup.Accept(ev) {
		metrics.IncMessage(ev.Zone, "duplicate")
		w.ack(msg)
		return ""
	}

	putCtx, cancel := context.WithTimeout(ctx, w.opts.PublishTimeout)
	err = w.policy.Do(putCtx, func() error {
		return w.cache.Put(putCtx, ev)
	})
	cancel()
	if err != nil {
		w.deadLetter(ctx, msg, "cache_unavailable", err)
		return ""
	}

	w.hub.Broadcast(ev.Zone, ev)

	// Audit path is best effort; a failure never dead-letters an event that
	// live subscribers already received.
	if w.processed != nil {
		pubCtx, cancel := context.WithTimeout(ctx, w.opts.PublishTimeout)
		if err := w.policy.Do(pubCtx, func() error {
			return w.processed.PublishProcessed(pubCtx, ev)
		}); err != nil {
			metrics.IncError("consumer", "processed_publish_failed")
			w.logger.Warn("consumer.processed_publish_failed",
				zap.String("zone", ev.Zone), zap.Error(err))
		}
		cancel()
	}

	w.ack(msg)
	metrics.IncMessage(ev.Zone, "accepted")
	metrics.ObserveDuration(metrics.ProcessDuration, start, ev.Zone)
	return ev.Zone
}

// deadLetter routes a poison message to the terminal queue and still acks,
// so one bad message cannot stall the partition indefinitely.
func (w *Worker) deadLetter(ctx context.Context, msg InboundMessage, reason string, cause error) {
	w.logger.Error("consumer.dead_letter",
		zap.String("subject", msg.Subject),
		zap.String("reason", reason),
		zap.Error(cause))

	dlqCtx, cancel := context.WithTimeout(ctx, w.opts.PublishTimeout)
	defer cancel()
	if err := w.dlq.Publish(dlqCtx, deadletter.Record{
		Subject:   msg.Subject,
		Payload:   msg.Data,
		Reason:    reason,
		Attempts:  w.policy.MaxAttempts,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		metrics.IncError("consumer", "deadletter_failed")
	}

	metrics.IncMessage(zoneLabel(""), "deadletter")
	w.ack(msg)
}

func (w *Worker) ack(msg InboundMessage) {
	if err := msg.Ack(); err != nil {
		metrics.IncError("consumer", "ack_failed")
		w.logger.Warn("consumer.ack_failed", zap.Error(err))
	}
}

func zoneLabel(zone string) string {
	if zone == "" {
		return "unknown"
	}
	return zone
}
