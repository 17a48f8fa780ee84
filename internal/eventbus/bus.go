// Package eventbus routes domain events over Kafka with AMQP-like semantics:
// a routing key selects a topic under the exchange, a named queue is a
// consumer group, and a handler failure that survives the retry budget is
// parked on the exchange's dead-letter topic.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/events"
	"github.com/your-org/tileflow/pkg/kafka"
	"github.com/your-org/tileflow/pkg/metrics"
	"github.com/your-org/tileflow/pkg/tracing"
)

var (
	ErrBrokerUnavailable = errors.New("event broker unavailable")
	ErrNoBinding         = errors.New("binding matches no known routing key")
)

// Dead-letter headers.
const (
	HeaderQueue      = "x-queue"
	HeaderRoutingKey = "x-routing-key"
	HeaderError      = "x-error"
	HeaderAttempts   = "x-attempts"

	headerEventID = "x-event-id"
)

// Permanent marks a handler error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Reader is satisfied by *kafkago.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// ReaderFactory opens one channel for a consumer group over topics.
type ReaderFactory func(group string, topics []string) Reader

// KafkaReaders builds readers with prefetch 1 and manual commits.
func KafkaReaders(brokers []string) ReaderFactory {
	return func(group string, topics []string) Reader {
		return kafka.NewConsumer(kafka.ConsumerConfig{Brokers: brokers, GroupID: group, Topics: topics})
	}
}

// Delivery is one decoded message handed to a handler. Final is set when a
// retryable error from this attempt would dead-letter the message.
type Delivery struct {
	Event   events.Event
	Payload events.Payload
	Attempt int
	Final   bool
}

type Handler func(ctx context.Context, d Delivery) error

type Options struct {
	Exchange     string
	Channels     int
	Attempts     uint
	RetryInitial time.Duration
	RetryMax     time.Duration
	// MaxElapsed stops new attempts once a message has been retried this long.
	// Zero leaves Attempts as the only bound.
	MaxElapsed time.Duration
}

type Bus struct {
	producer Publisher
	readers  ReaderFactory
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

func New(producer Publisher, readers ReaderFactory, opts Options, logger *zap.Logger) *Bus {
	if opts.Channels < 1 {
		opts.Channels = 1
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryInitial {
		opts.RetryMax = opts.RetryInitial
	}
	return &Bus{
		producer: producer,
		readers:  readers,
		opts:     opts,
		logger:   logger.Named("eventbus"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Topic maps a routing key to its Kafka topic.
func (b *Bus) Topic(routingKey string) string {
	return b.opts.Exchange + "." + routingKey
}

func (b *Bus) deadLetterTopic() string {
	return b.opts.Exchange + ".dlx"
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	key     string
	headers map[string]string
}

// WithKey sets the partition key. Events sharing a key keep their order.
func WithKey(key string) PublishOption {
	return func(o *publishOptions) { o.key = key }
}

func WithHeaders(headers map[string]string) PublishOption {
	return func(o *publishOptions) {
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// Publish writes ev to the topic for routingKey and returns once the broker
// has acknowledged it.
func (b *Bus) Publish(ctx context.Context, routingKey string, ev events.Event, opts ...PublishOption) (err error) {
	if b == nil || b.producer == nil {
		return ErrBrokerUnavailable
	}
	if routingKey == "" {
		return fmt.Errorf("publish: empty routing key")
	}
	po := publishOptions{key: ev.ID.String(), headers: map[string]string{}}
	for _, opt := range opts {
		opt(&po)
	}

	ctx, span := tracing.Start(ctx, "eventbus.publish",
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", b.Topic(routingKey)),
		attribute.String("messaging.message_id", ev.ID.String()),
	)
	defer func() { tracing.End(span, err) }()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	po.headers[headerEventID] = ev.ID.String()
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(po.headers))

	if err := b.producer.Publish(ctx, b.Topic(routingKey), []byte(po.key), body, po.headers); err != nil {
		if errors.Is(err, kafka.ErrNotInitialized) {
			return ErrBrokerUnavailable
		}
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	metrics.IncPublished(routingKey)
	return nil
}

// PublishPayload wraps p in a fresh envelope and routes it by its event name.
func (b *Bus) PublishPayload(ctx context.Context, p events.Payload, opts ...PublishOption) error {
	ev, err := events.New(p, b.now())
	if err != nil {
		return err
	}
	return b.Publish(ctx, ev.Name, ev, opts...)
}

// Subscribe consumes the queue bound to binding until ctx is cancelled. Each
// of the configured channels fetches one message, runs h to completion and
// only then commits.
func (b *Bus) Subscribe(ctx context.Context, queue, binding string, h Handler) error {
	topics := b.resolve(binding)
	if len(topics) == 0 {
		return fmt.Errorf("%w: %q", ErrNoBinding, binding)
	}
	b.logger.Info("subscribing",
		zap.String("queue", queue),
		zap.String("binding", binding),
		zap.Strings("topics", topics),
		zap.Int("channels", b.opts.Channels),
	)

	var wg sync.WaitGroup
	for i := 0; i < b.opts.Channels; i++ {
		reader := b.readers(queue, topics)
		wg.Add(1)
		go func(channel int) {
			defer wg.Done()
			b.consume(ctx, queue, reader, h, b.logger.With(zap.String("queue", queue), zap.Int("channel", channel)))
		}(i)
	}
	wg.Wait()
	return nil
}

func (b *Bus) resolve(binding string) []string {
	var topics []string
	for _, name := range events.Names() {
		if Match(binding, name) {
			topics = append(topics, b.Topic(name))
		}
	}
	return topics
}

func (b *Bus) consume(ctx context.Context, queue string, reader Reader, h Handler, logger *zap.Logger) {
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("close reader", zap.Error(err))
		}
	}()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.RetryInitial):
			}
			continue
		}
		b.deliver(ctx, queue, reader, msg, h, logger)
	}
}

func (b *Bus) deliver(ctx context.Context, queue string, reader Reader, msg kafkago.Message, h Handler, logger *zap.Logger) {
	start := time.Now()
	defer func() { metrics.ObserveHandler(queue, time.Since(start)) }()

	ev, err := events.Unmarshal(msg.Value)
	var payload events.Payload
	if err == nil {
		payload, err = events.Decode(ev)
	}
	if err != nil {
		logger.Warn("poison message", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		b.deadLetter(ctx, queue, reader, msg, routingKeyOf(msg, b.opts.Exchange), err, 0, "poison", logger)
		return
	}

	carrier := propagation.MapCarrier{}
	for _, hdr := range msg.Headers {
		carrier[hdr.Key] = string(hdr.Value)
	}
	hctx := otel.GetTextMapPropagator().Extract(ctx, carrier)
	hctx, span := tracing.Start(hctx, "eventbus.consume",
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.String("messaging.consumer_group", queue),
		attribute.String("messaging.message_id", ev.ID.String()),
	)

	attempts := 0
	_, err = backoff.Retry(hctx, func() (struct{}, error) {
		attempts++
		final := b.lastAttempt(attempts, time.Since(start))
		herr := h(hctx, Delivery{
			Event:   ev,
			Payload: payload,
			Attempt: attempts,
			Final:   final,
		})
		switch {
		case herr == nil || isPermanent(herr):
		case final:
			// the handler was told no retry follows; hold the bus to that
			herr = backoff.Permanent(herr)
		default:
			logger.Warn("handler failed, retrying",
				zap.String("event", ev.Name),
				zap.String("event_id", ev.ID.String()),
				zap.Int("attempt", attempts),
				zap.Error(herr),
			)
		}
		return struct{}{}, herr
	},
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxTries(b.opts.Attempts),
		// attempts and MaxElapsed are enforced through lastAttempt
		backoff.WithMaxElapsedTime(0),
	)
	tracing.End(span, err)

	if err == nil {
		b.commit(ctx, queue, reader, msg, "ack", logger)
		return
	}
	if ctx.Err() != nil {
		// shutting down mid-handler; leave the offset for redelivery
		logger.Info("handler interrupted", zap.String("event_id", ev.ID.String()), zap.Error(err))
		metrics.IncMessage(queue, "interrupted")
		return
	}
	logger.Error("handler failed, dead-lettering",
		zap.String("event", ev.Name),
		zap.String("event_id", ev.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	b.deadLetter(ctx, queue, reader, msg, ev.Name, err, attempts, "dead_letter", logger)
}

// lastAttempt reports whether a failure of attempt ends the retries, either
// because the attempt budget is used up or MaxElapsed had passed when it began.
func (b *Bus) lastAttempt(attempt int, elapsed time.Duration) bool {
	if uint(attempt) >= b.opts.Attempts {
		return true
	}
	return b.opts.MaxElapsed > 0 && elapsed >= b.opts.MaxElapsed
}

func (b *Bus) deadLetter(ctx context.Context, queue string, reader Reader, msg kafkago.Message, routingKey string, cause error, attempts int, outcome string, logger *zap.Logger) {
	headers := make(map[string]string, len(msg.Headers)+4)
	for _, hdr := range msg.Headers {
		headers[hdr.Key] = string(hdr.Value)
	}
	headers[HeaderQueue] = queue
	headers[HeaderRoutingKey] = routingKey
	headers[HeaderError] = cause.Error()
	headers[HeaderAttempts] = strconv.Itoa(attempts)

	// Committing past a message that never reached the dead-letter topic would
	// lose it, so the write is retried until it lands or the consumer stops.
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.producer.Publish(ctx, b.deadLetterTopic(), msg.Key, msg.Value, headers)
	},
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("dead-letter write failed, retrying", zap.Int64("offset", msg.Offset), zap.Duration("next", next), zap.Error(err))
			metrics.IncMessage(queue, "dead_letter_failed")
		}),
	)
	if err != nil {
		logger.Error("dead-letter write abandoned, offset left uncommitted", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	b.commit(ctx, queue, reader, msg, outcome, logger)
}

func (b *Bus) commit(ctx context.Context, queue string, reader Reader, msg kafkago.Message, outcome string, logger *zap.Logger) {
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logger.Error("commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		metrics.IncMessage(queue, "commit_failed")
		return
	}
	metrics.IncMessage(queue, outcome)
}

func (b *Bus) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.opts.RetryInitial
	eb.MaxInterval = b.opts.RetryMax
	return eb
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

func routingKeyOf(msg kafkago.Message, exchange string) string {
	prefix := exchange + "."
	if len(msg.Topic) > len(prefix) && msg.Topic[:len(prefix)] == prefix {
		return msg.Topic[len(prefix):]
	}
	return msg.Topic
}
