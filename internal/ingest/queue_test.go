package ingest

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueSubmitAndClose(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	if err := q.Submit(ctx, Batch{Records: []Record{{Status: "failed", Count: 1}}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued batch, got %d", q.Len())
	}

	q.Close()
	q.Close()

	if err := q.Submit(ctx, Batch{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}

	batch, ok := <-q.Batches()
	if !ok || len(batch.Records) != 1 {
		t.Fatalf("queued batch must survive Close, got %+v ok=%v", batch, ok)
	}
	if _, ok := <-q.Batches(); ok {
		t.Fatalf("expected closed channel after drain")
	}
}

func TestQueueSubmitHonoursContext(t *testing.T) {
	q := NewQueue(1)
	if err := q.Submit(context.Background(), Batch{}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Submit(ctx, Batch{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full queue, got %v", err)
	}
}
