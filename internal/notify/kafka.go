package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"veil/internal/logging"
)

// KafkaBus is a Coordinator backed by a Kafka topic, for deployments where
// producers and workers run in separate processes. The record payload is
// empty: the message only means "re-query the queue", so coalesced or lost
// messages cost nothing beyond a poll interval of latency.
type KafkaBus struct {
	broker string
	topic  string
	writer *kafka.Writer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewKafkaBus constructs a bus publishing to topic on broker.
func NewKafkaBus(broker, topic string, logger *slog.Logger) *KafkaBus {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		broker: broker,
		topic:  topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(broker),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
		},
		logger: logging.NewComponentLogger(logger, "notify-kafka"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Notify publishes a wake record. Failures are logged and dropped; the
// polling backstop covers the gap.
func (b *KafkaBus) Notify(ctx context.Context) {
	err := b.writer.WriteMessages(ctx, kafka.Message{Value: []byte{}})
	if err != nil && ctx.Err() == nil {
		b.logger.Warn("wake publish failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notify_publish_failed"),
		)
	}
}

// Subscribe starts a reader with a unique consumer group so every worker
// sees every wake record. The returned cancel stops the reader.
func (b *KafkaBus) Subscribe() (<-chan struct{}, func()) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{b.broker},
		Topic:    b.topic,
		GroupID:  "veil-worker-" + uuid.NewString(),
		MaxBytes: 1 << 20,
	})

	ch := make(chan struct{}, 1)
	subCtx, subCancel := context.WithCancel(b.ctx)
	go func() {
		defer reader.Close()
		for {
			if _, err := reader.ReadMessage(subCtx); err != nil {
				if subCtx.Err() != nil {
					return
				}
				b.logger.Warn("wake read failed", logging.Error(err))
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	return ch, subCancel
}

// Close stops all subscriptions and flushes the writer.
func (b *KafkaBus) Close() error {
	b.cancel()
	return b.writer.Close()
}

var _ Coordinator = (*KafkaBus)(nil)
