package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-product-catalog/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader hands out queued messages and blocks once they run out.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	for i := range msgs {
		msgs[i].Offset = int64(i)
	}
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func eventMessage(t *testing.T, event string, payload any) kafka.Message {
	t.Helper()
	b, err := MarshalEnvelope("id-"+event, event, "test", payload, time.Now())
	require.NoError(t, err)
	return kafka.Message{
		Value:   b,
		Headers: []kafka.Header{{Key: HeaderRoutingKey, Value: []byte(event)}},
	}
}

func testSubscriber(r *fakeReader, m *metrics.Metrics) (*Subscriber, *[]string) {
	var groups []string
	s := NewSubscriber(Config{Topic: "catalog.events", GroupPrefix: "test"}, nil, WithSubscriberMetrics(m))
	s.newReader = func(groupID string) messageReader {
		groups = append(groups, groupID)
		return r
	}
	s.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return s, &groups
}

// runUntilDrained subscribes and cancels once every queued message has been
// fetched and the reader is waiting for more.
func runUntilDrained(t *testing.T, s *Subscriber, r *fakeReader, pattern string, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Subscribe(ctx, pattern, h) }()

	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not drain the queue")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestSubscriber_RoutesByPatternAndCommits(t *testing.T) {
	r := newFakeReader(
		eventMessage(t, "product.created", map[string]int{"id": 1}),
		eventMessage(t, "category.created", map[string]int{"id": 2}),
		eventMessage(t, "product.deleted", map[string]int{"id": 3}),
	)
	m := metrics.New()
	s, groups := testSubscriber(r, m)

	var seen []string
	runUntilDrained(t, s, r, "product.*", func(_ context.Context, env Envelope) error {
		seen = append(seen, env.Event)
		return nil
	})

	assert.Equal(t, []string{"product.created", "product.deleted"}, seen)
	assert.Equal(t, []int64{0, 1, 2}, r.commits(), "filtered messages are acknowledged too")
	assert.True(t, r.closed)
	require.Len(t, *groups, 1)
	assert.Regexp(t, `^test-[0-9a-f-]{36}$`, (*groups)[0])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSeen.WithLabelValues("product.*", "handled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSeen.WithLabelValues("product.*", "filtered")))
}

func TestSubscriber_FallsBackToEnvelopeEvent(t *testing.T) {
	msg := eventMessage(t, "category.created", map[string]int{"id": 1})
	msg.Headers = nil
	r := newFakeReader(msg)
	s, _ := testSubscriber(r, nil)

	calls := 0
	runUntilDrained(t, s, r, "category.*", func(context.Context, Envelope) error {
		calls++
		return nil
	})
	assert.Equal(t, 1, calls)
}

func TestSubscriber_MalformedMessageIsSkipped(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Value: []byte("not json")},
		eventMessage(t, "product.updated", map[string]int{"id": 1}),
	)
	m := metrics.New()
	s, _ := testSubscriber(r, m)

	calls := 0
	runUntilDrained(t, s, r, "product.*", func(context.Context, Envelope) error {
		calls++
		return nil
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, []int64{0, 1}, r.commits())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSeen.WithLabelValues("product.*", "skipped")))
}

func TestSubscriber_RetriesUntilSuccess(t *testing.T) {
	r := newFakeReader(eventMessage(t, "product.updated", map[string]int{"id": 1}))
	m := metrics.New()
	s, _ := testSubscriber(r, m)

	attempts := 0
	runUntilDrained(t, s, r, "product.*", func(context.Context, Envelope) error {
		attempts++
		if attempts < 3 {
			return errors.New("cache down")
		}
		return nil
	})

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int64{0}, r.commits())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSeen.WithLabelValues("product.*", "retried")))
}

func TestSubscriber_SkipAndPanicAreAcknowledged(t *testing.T) {
	r := newFakeReader(
		eventMessage(t, "product.created", map[string]int{"id": 1}),
		eventMessage(t, "product.updated", map[string]int{"id": 2}),
		eventMessage(t, "product.deleted", map[string]int{"id": 3}),
	)
	s, _ := testSubscriber(r, nil)

	var handled []string
	runUntilDrained(t, s, r, "product.*", func(_ context.Context, env Envelope) error {
		switch env.Event {
		case "product.created":
			return ErrSkip
		case "product.updated":
			panic("bad payload")
		}
		handled = append(handled, env.Event)
		return nil
	})

	assert.Equal(t, []string{"product.deleted"}, handled)
	assert.Equal(t, []int64{0, 1, 2}, r.commits())
}

func TestSubscriber_CancelDuringRetryLeavesMessageUncommitted(t *testing.T) {
	r := newFakeReader(eventMessage(t, "product.updated", map[string]int{"id": 1}))
	s, _ := testSubscriber(r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	failing := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Subscribe(ctx, "product.*", func(context.Context, Envelope) error {
			select {
			case failing <- struct{}{}:
			default:
			}
			return errors.New("cache down")
		})
	}()

	<-failing
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.commits())
}
