package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	return &RedisQueue{
		client:        redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		readyKey:      "pipeline:ready",
		inflightKey:   "pipeline:inflight",
		scheduledKey:  "pipeline:scheduled",
		visibilityTTL: 30 * time.Second,
		dlqKey:        "pipeline:dlq",
	}
}

func TestEnqueueImmediateAndDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "item-1|ingest", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task != "item-1|ingest" {
		t.Fatalf("unexpected task %q", task)
	}

	// Leased tasks are not visible to other workers.
	task, err = q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if task != "" {
		t.Fatalf("expected empty queue, got %q", task)
	}

	if err := q.Ack(ctx, "item-1|ingest"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reaped, err := q.ReapExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("acked task still inflight: %v", reaped)
	}
}

func TestDelayedEnqueuePromotes(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(time.Minute)
	if err := q.Enqueue(ctx, "item-2|textgen", runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task != "" {
		t.Fatalf("delayed task visible before due: %q", task)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d tasks before due time", n)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote after due: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}
	task, err = q.DequeueWithLease(ctx)
	if err != nil || task != "item-2|textgen" {
		t.Fatalf("expected promoted task, got %q err=%v", task, err)
	}
}

func TestReapExpiredReturnsLostLeases(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "item-3|imagegen", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	reaped, err := q.ReapExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("lease reaped before expiry: %v", reaped)
	}

	reaped, err = q.ReapExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("reap after expiry: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != "item-3|imagegen" {
		t.Fatalf("unexpected reaped tasks: %v", reaped)
	}

	// Reaped tasks do not reappear in the ready queue on their own.
	task, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task != "" {
		t.Fatalf("reaped task re-entered ready queue: %q", task)
	}
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "item-4|videogen", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.ExtendLease(ctx, "item-4|videogen", time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}

	reaped, err := q.ReapExpired(ctx, time.Now().Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("extended lease reaped early: %v", reaped)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.DLQPush(ctx, "item-5|publish"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != "item-5|publish" {
		t.Fatalf("unexpected dlq contents: %v", items)
	}
}
