package anchor

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"AssuredChain/internal/config"
)

func TestMemoryQueueConsume(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			return nil
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only consumed %d jobs", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	sort.Strings(got)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected consumed ids %v", got)
	}
}

func TestMemoryQueueRejectsPublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), "a"); err == nil {
		t.Fatal("expected error after close")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenQueue(t *testing.T) {
	q, err := OpenQueue(config.AnchorQueueConfig{Driver: "memory", Buffer: 4})
	if err != nil {
		t.Fatalf("open memory queue: %v", err)
	}
	defer q.Close()
	if _, ok := q.(*MemoryQueue); !ok {
		t.Fatalf("expected *MemoryQueue, got %T", q)
	}
	if _, err := OpenQueue(config.AnchorQueueConfig{Driver: "kafka"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := OpenQueue(config.AnchorQueueConfig{Driver: "redis"}); err == nil {
		t.Fatal("expected error for redis without address")
	}
	if _, err := OpenQueue(config.AnchorQueueConfig{Driver: "rabbitmq"}); err == nil {
		t.Fatal("expected error for rabbitmq without url")
	}
}
