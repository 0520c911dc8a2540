package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/diary-callbacks/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("FanOutAcrossGroups", func(t *testing.T) {
		testFanOutAcrossGroups(t, factory)
	})
	t.Run("PerKeyOrdering", func(t *testing.T) {
		testPerKeyOrdering(t, factory)
	})
	t.Run("HandlerErrorIsAcknowledged", func(t *testing.T) {
		testHandlerErrorIsAcknowledged(t, factory)
	})
	t.Run("GroupResumesAfterRestart", func(t *testing.T) {
		testGroupResumesAfterRestart(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
}

// collector records messages received by one subscription, ignoring probes.
type collector struct {
	mu     sync.Mutex
	msgs   []broker.MessageEnvelope
	probed chan struct{}
	once   sync.Once
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{probed: make(chan struct{}), notify: make(chan struct{}, 1)}
}

func (c *collector) handle(_ context.Context, env broker.MessageEnvelope) error {
	if env.Key == probeKey {
		c.once.Do(func() { close(c.probed) })
		return nil
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, env)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *collector) snapshot() []broker.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.msgs...)
}

func (c *collector) waitFor(t *testing.T, n int) []broker.MessageEnvelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(c.snapshot()))
		}
	}
}

const probeKey = "__probe__"

// subscribe starts a subscription and waits until it is observing the topic,
// so messages published afterwards are guaranteed to reach its group.
func subscribe(t *testing.T, ctx context.Context, b broker.Broker, topic, group string, handler broker.MessageHandler, c *collector) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, topic, group, handler) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := b.Publish(ctx, topic, probeKey, []byte("probe")); err != nil {
			t.Fatalf("publish probe: %v", err)
		}
		select {
		case <-c.probed:
			return done
		case err := <-done:
			t.Fatalf("subscription ended early: %v", err)
		case <-deadline:
			t.Fatal("subscription never became ready")
		case <-tick.C:
		}
	}
}

func uniqueTopic(name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic("publish")
	c := newCollector()
	subscribe(t, ctx, b, topic, "instance-a", c.handle, c)

	id, err := b.Publish(ctx, topic, "d1", []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty event id")
	}

	got := c.waitFor(t, 1)
	if got[0].ID != id || got[0].Key != "d1" || string(got[0].Data) != `{"hello":"world"}` {
		t.Fatalf("unexpected envelope: %+v", got[0])
	}
}

func testFanOutAcrossGroups(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic("fanout")
	a, bb := newCollector(), newCollector()
	subscribe(t, ctx, b, topic, "instance-a", a.handle, a)
	subscribe(t, ctx, b, topic, "instance-b", bb.handle, bb)

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, topic, "d"+strconv.Itoa(i), []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if got := a.waitFor(t, 3); len(got) != 3 {
		t.Fatalf("instance-a got %d messages", len(got))
	}
	if got := bb.waitFor(t, 3); len(got) != 3 {
		t.Fatalf("instance-b got %d messages", len(got))
	}
}

func testPerKeyOrdering(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic("ordering")
	c := newCollector()
	slow := func(ctx context.Context, env broker.MessageEnvelope) error {
		if env.Key == "slow" {
			time.Sleep(2 * time.Millisecond)
		}
		return c.handle(ctx, env)
	}
	subscribe(t, ctx, b, topic, "instance-a", slow, c)

	keys := []string{"slow", "fast", "other"}
	const perKey = 10
	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			if _, err := b.Publish(ctx, topic, k, []byte(strconv.Itoa(i))); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
	}

	got := c.waitFor(t, perKey*len(keys))
	next := map[string]int{}
	for _, env := range got {
		n, _ := strconv.Atoi(string(env.Data))
		if n != next[env.Key] {
			t.Fatalf("key %s: expected %d, got %d", env.Key, next[env.Key], n)
		}
		next[env.Key]++
	}
}

func testHandlerErrorIsAcknowledged(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	topic := uniqueTopic("handler-error")
	c := newCollector()
	var mu sync.Mutex
	attempts := map[string]int{}
	failing := func(ctx context.Context, env broker.MessageEnvelope) error {
		if env.Key == probeKey {
			return c.handle(ctx, env)
		}
		mu.Lock()
		attempts[string(env.Data)]++
		mu.Unlock()
		_ = c.handle(ctx, env)
		if string(env.Data) == "bad" {
			return errors.New("handler failed")
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := subscribe(t, ctx, b, topic, "instance-a", failing, c)
	for _, body := range []string{"bad", "good"} {
		if _, err := b.Publish(ctx, topic, "d1", []byte(body)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	c.waitFor(t, 2)
	cancel()
	<-done

	// A fresh subscription in the same group must not see the failed message again.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	c2 := newCollector()
	subscribe(t, ctx2, b, topic, "instance-a", c2.handle, c2)
	if _, err := b.Publish(ctx2, topic, "d1", []byte("after")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c2.waitFor(t, 1)
	for _, env := range got {
		if string(env.Data) == "bad" {
			t.Fatal("failed message was redelivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts["bad"] != 1 {
		t.Fatalf("failed message handled %d times", attempts["bad"])
	}
}

func testGroupResumesAfterRestart(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	topic := uniqueTopic("resume")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c := newCollector()
	done := subscribe(t, ctx, b, topic, "instance-a", c.handle, c)
	cancel()
	<-done

	bg, cancelBG := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelBG()
	if _, err := b.Publish(bg, topic, "d1", []byte("while-down")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c2 := newCollector()
	subscribe(t, bg, b, topic, "instance-a", c2.handle, c2)
	got := c2.waitFor(t, 1)
	if string(got[0].Data) != "while-down" {
		t.Fatalf("expected message published while down, got %q", got[0].Data)
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t1, t2 := uniqueTopic("iso-1"), uniqueTopic("iso-2")
	c1, c2 := newCollector(), newCollector()
	subscribe(t, ctx, b, t1, "instance-a", c1.handle, c1)
	subscribe(t, ctx, b, t2, "instance-a", c2.handle, c2)

	if _, err := b.Publish(ctx, t1, "d1", []byte("one")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, t2, "d1", []byte("two")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := c1.waitFor(t, 1); string(got[0].Data) != "one" {
		t.Fatalf("topic 1 got %q", got[0].Data)
	}
	if got := c2.waitFor(t, 1); string(got[0].Data) != "two" {
		t.Fatalf("topic 2 got %q", got[0].Data)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(c1.snapshot()); n != 1 {
		t.Fatalf("topic 1 received %d messages", n)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	c := newCollector()
	done := subscribe(t, ctx, b, uniqueTopic("cancel"), "instance-a", c.handle, c)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func cleanupBroker(t *testing.T, b broker.Broker) {
	t.Helper()
	if err := b.Close(); err != nil {
		t.Errorf("close broker: %v", err)
	}
}
