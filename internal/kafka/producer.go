package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrEventPublish wraps every failure to hand an event to the bus.
var ErrEventPublish = errors.New("event publish failed")

type Config struct {
	Brokers           []string
	Topic             string
	Partitions        int
	ReplicationFactor int
	User              string
	Password          string
	// Producer is stamped on every envelope.
	Producer    string
	Timeout     time.Duration
	GroupPrefix string
}

func (c Config) mechanism() sasl.Mechanism {
	if c.User == "" {
		return nil
	}
	return plain.Mechanism{Username: c.User, Password: c.Password}
}

func (c Config) dialer() *kafka.Dialer {
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: c.mechanism(),
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes domain events to the events topic, which plays the role
// of a durable topic exchange: the routing key travels in a header and the
// message key keeps events of one resource on one partition.
type Publisher struct {
	cfg     Config
	w       messageWriter
	declare func(ctx context.Context) error
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	declared bool
}

func NewPublisher(cfg Config, log *zap.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll, // persistent: every in-sync replica has it
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.Timeout,
	}
	if m := cfg.mechanism(); m != nil {
		w.Transport = &kafka.Transport{SASL: m}
	}
	p := newPublisher(cfg, w, log)
	p.declare = p.declareTopic
	return p
}

func newPublisher(cfg Config, w messageWriter, log *zap.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		cfg:     cfg,
		w:       w,
		declare: func(context.Context) error { return nil },
		log:     log,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "publisher:" + cfg.Topic,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("publisher circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return p
}

// Publish wraps payload in an envelope and writes it synchronously with
// routing key event. The topic is declared on first use.
func (p *Publisher) Publish(ctx context.Context, event string, key []byte, payload any) error {
	at := p.now()
	id := p.newID()
	value, err := MarshalEnvelope(id, event, p.cfg.Producer, payload, at)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEventPublish, err)
	}
	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  at,
		Headers: []kafka.Header{
			{Key: HeaderRoutingKey, Value: []byte(event)},
			{Key: HeaderEventID, Value: []byte(id)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	_, err = p.cb.Execute(func() (interface{}, error) {
		if err := p.ensureTopic(ctx); err != nil {
			return nil, fmt.Errorf("declare topic %s: %w", p.cfg.Topic, err)
		}
		return nil, p.w.WriteMessages(ctx, msg)
	})
	if err != nil {
		p.log.Error("failed to publish event",
			zap.String("event", event),
			zap.String("event_id", id),
			zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrEventPublish, event, err)
	}

	p.log.Debug("published event",
		zap.String("event", event),
		zap.String("event_id", id),
		zap.ByteString("key", key))
	return nil
}

// ensureTopic declares the topic once. A failed declaration is retried on
// the next publish.
func (p *Publisher) ensureTopic(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared {
		return nil
	}
	if err := p.declare(ctx); err != nil {
		return err
	}
	p.declared = true
	return nil
}

func (p *Publisher) declareTopic(ctx context.Context) error {
	if len(p.cfg.Brokers) == 0 {
		return errors.New("no brokers configured")
	}
	d := p.cfg.dialer()
	conn, err := d.DialContext(ctx, "tcp", p.cfg.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	cc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             p.cfg.Topic,
		NumPartitions:     p.cfg.Partitions,
		ReplicationFactor: p.cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	p.log.Info("events topic ready",
		zap.String("topic", p.cfg.Topic),
		zap.Int("partitions", p.cfg.Partitions))
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.w.Close() }
