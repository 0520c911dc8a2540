package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/diary-callbacks/broker"
	"github.com/ggoodman/diary-callbacks/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.Publish(context.Background(), "t", "k", []byte("x")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseStopsSubscribers(t *testing.T) {
	b := New()
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(context.Background(), "t", "g", func(context.Context, broker.MessageEnvelope) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	_ = b.Close()
	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop on close")
	}
}

func TestTrimSkipsLaggingGroup(t *testing.T) {
	b := New(WithMaxLen(2))
	ctx := context.Background()

	// Register the group before anything is published.
	b.mu.Lock()
	tp := b.topicLocked("t")
	cursor := 0
	tp.groups["slow"] = &cursor
	b.mu.Unlock()

	for _, body := range []string{"1", "2", "3", "4"} {
		if _, err := b.Publish(ctx, "t", "k", []byte(body)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var mu sync.Mutex
	var got []string
	go b.Subscribe(ctx, "t", "slow", func(_ context.Context, env broker.MessageEnvelope) error {
		mu.Lock()
		got = append(got, string(env.Data))
		n := len(got)
		mu.Unlock()
		if n == 2 {
			cancel()
		}
		return nil
	})
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "3" || got[1] != "4" {
		t.Fatalf("expected only retained messages, got %v", got)
	}
}
