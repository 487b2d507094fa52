package outbox

import (
	"context"
	"log/slog"
	"time"

	"clinicore/internal/platform/kafka/producer"
)

// DefaultTopic carries audit entries to compliance tooling.
const DefaultTopic = "clinicore.audit.entries"

// Publisher delivers one message synchronously.
type Publisher interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// Worker polls the outbox table and publishes audit entries to Kafka.
type Worker struct {
	store        Store
	publisher    Publisher
	topic        string
	batchSize    int
	pollInterval time.Duration
	drainTimeout time.Duration
	metrics      *Metrics
	logger       *slog.Logger
}

// Option configures the Worker.
type Option func(*Worker)

func WithTopic(topic string) Option {
	return func(w *Worker) {
		if topic != "" {
			w.topic = topic
		}
	}
}

func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func NewWorker(store Store, publisher Publisher, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		publisher:    publisher,
		topic:        DefaultTopic,
		batchSize:    100,
		pollInterval: 500 * time.Millisecond,
		drainTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled, then drains what is left.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll publishes one batch and returns how many entries were published.
func (w *Worker) Poll(ctx context.Context) int {
	start := time.Now()

	entries, err := w.store.FetchUnprocessed(ctx, w.batchSize)
	if err != nil {
		w.logError(ctx, "failed to fetch outbox entries", "error", err)
		w.incFailures()
		return 0
	}
	w.updatePending(ctx)
	if len(entries) == 0 {
		return 0
	}
	if w.metrics != nil {
		w.metrics.BatchSize.Observe(float64(len(entries)))
	}

	published := w.publishBatch(ctx, entries)

	if w.metrics != nil {
		w.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}
	return published
}

func (w *Worker) publishBatch(ctx context.Context, entries []*Entry) int {
	published := 0
	for _, entry := range entries {
		if err := w.publishEntry(ctx, entry); err != nil {
			w.logError(ctx, "failed to publish outbox entry",
				"id", entry.ID,
				"aggregate_type", entry.AggregateType,
				"error", err,
			)
			w.incFailures()
			// retried on the next poll
			continue
		}
		if err := w.store.MarkProcessed(ctx, entry.ID, time.Now()); err != nil {
			// published but not marked: consumers deduplicate on the audit id key
			w.logError(ctx, "failed to mark entry as processed", "id", entry.ID, "error", err)
			continue
		}
		published++
		if w.metrics != nil {
			w.metrics.PublishedTotal.Inc()
		}
	}
	return published
}

func (w *Worker) publishEntry(ctx context.Context, entry *Entry) error {
	start := time.Now()
	msg := &producer.Message{
		Topic: w.topic,
		Key:   []byte(entry.AuditID()),
		Value: entry.Payload,
		Headers: map[string]string{
			"aggregate_type": entry.AggregateType,
			"aggregate_id":   entry.AggregateID,
			"event_type":     entry.EventType,
		},
	}
	if err := w.publisher.Produce(ctx, msg); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (w *Worker) drain() {
	if w.logger != nil {
		w.logger.Info("draining outbox worker")
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()

	for ctx.Err() == nil {
		entries, err := w.store.FetchUnprocessed(ctx, w.batchSize)
		if err != nil {
			w.logError(ctx, "failed to fetch entries during drain", "error", err)
			return
		}
		if len(entries) == 0 {
			return
		}
		if w.publishBatch(ctx, entries) == 0 {
			// nothing moved; avoid spinning on a broker outage
			return
		}
	}
}

func (w *Worker) updatePending(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	count, err := w.store.CountPending(ctx)
	if err != nil {
		return
	}
	w.metrics.PendingDepth.Set(float64(count))
}

func (w *Worker) incFailures() {
	if w.metrics != nil {
		w.metrics.PublishFailures.Inc()
	}
}

func (w *Worker) logError(ctx context.Context, msg string, args ...any) {
	if w.logger != nil {
		w.logger.ErrorContext(ctx, msg, args...)
	}
}
