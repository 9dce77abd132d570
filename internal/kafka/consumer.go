package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-product-catalog/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrSkip tells the subscriber to acknowledge a message without handling it.
// Handlers return it for payloads that can never succeed.
var ErrSkip = errors.New("skip message")

// Handler must return nil only when the message is done with and its offset
// may be committed. Any error other than ErrSkip is retried.
type Handler func(ctx context.Context, env Envelope) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscriber binds handlers to routing key patterns on the events topic.
// Every subscription joins a fresh consumer group that starts at the end of
// the log, so a subscription only sees events published after it started.
type Subscriber struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	newReader  func(groupID string) messageReader
	newBackOff func() backoff.BackOff
}

type SubscriberOption func(*Subscriber)

func WithSubscriberMetrics(m *metrics.Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

func NewSubscriber(cfg Config, log *zap.Logger, opts ...SubscriberOption) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "catalog-subscriber"
	}
	s := &Subscriber{
		cfg: cfg,
		log: log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // until the handler succeeds or the context ends
			return b
		},
	}
	s.newReader = func(groupID string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        groupID,
			Topic:          cfg.Topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			CommitInterval: 0, // manual commit
			Dialer:         cfg.dialer(),
		})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe consumes the events topic and calls h for every event whose
// routing key matches pattern. Messages are handled one at a time and
// committed after h returns. It blocks until ctx is done (returning nil) or
// the reader fails.
func (s *Subscriber) Subscribe(ctx context.Context, pattern string, h Handler) error {
	group := fmt.Sprintf("%s-%s", s.cfg.GroupPrefix, uuid.NewString())
	r := s.newReader(group)
	defer r.Close()

	log := s.log.With(zap.String("pattern", pattern), zap.String("group", group))
	log.Info("subscription started", zap.String("topic", s.cfg.Topic))

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("subscription stopped")
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", s.cfg.Topic, err)
		}

		if err := s.process(ctx, log, pattern, m, h); err != nil {
			if ctx.Err() != nil {
				log.Info("subscription stopped")
				return nil
			}
			return err
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				log.Info("subscription stopped")
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", m.Offset, err)
		}
	}
}

func (s *Subscriber) process(ctx context.Context, log *zap.Logger, pattern string, m kafka.Message, h Handler) error {
	log = log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	env, err := UnmarshalEnvelope(m.Value)
	if err != nil {
		log.Warn("dropping malformed message", zap.Error(err))
		s.count(pattern, "skipped")
		return nil
	}
	routingKey := header(m, HeaderRoutingKey)
	if routingKey == "" {
		routingKey = env.Event
	}
	if !MatchRoutingKey(pattern, routingKey) {
		s.count(pattern, "filtered")
		return nil
	}
	log = log.With(zap.String("event", env.Event), zap.String("event_id", env.ID))

	op := func() error {
		err := s.safeHandle(ctx, h, env)
		if errors.Is(err, ErrSkip) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.count(pattern, "retried")
		log.Warn("handler failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}

	err = backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify)
	switch {
	case errors.Is(err, ErrSkip):
		s.count(pattern, "skipped")
		log.Warn("handler skipped message", zap.Error(err))
		return nil
	case err != nil:
		return err
	}
	s.count(pattern, "handled")
	return nil
}

func (s *Subscriber) safeHandle(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", ErrSkip, r)
		}
	}()
	return h(ctx, env)
}

func (s *Subscriber) count(pattern, outcome string) {
	if s.metrics != nil {
		s.metrics.MessagesSeen.WithLabelValues(pattern, outcome).Inc()
	}
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
