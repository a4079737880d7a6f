package batch

import (
	"context"
	"testing"
	"time"

	"github.com/jonwraymond/toolpool/client"
)

func benchExecutor(ctx context.Context, calls []Call) ([]client.Result, error) {
	results := make([]client.Result, len(calls))
	for i := range calls {
		results[i] = client.Result{Content: []client.Content{{Type: "text", Text: "ok"}}}
	}
	return results, nil
}

// BenchmarkInsert_UniformPriority measures queue insertion when every
// call shares one priority (append fast path).
func BenchmarkInsert_UniformPriority(b *testing.B) {
	queue := make([]*queued, 0, b.N)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		queue = insert(queue, &queued{call: Call{Name: "search"}, seq: uint64(i)})
	}
}

// BenchmarkInsert_MixedPriority measures insertion with alternating
// priorities forcing mid-queue placement.
func BenchmarkInsert_MixedPriority(b *testing.B) {
	queue := make([]*queued, 0, b.N)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		queue = insert(queue, &queued{call: Call{Name: "search"}, priority: i % 8, seq: uint64(i)})
	}
}

// BenchmarkBatcher_EnqueueFlush measures a full enqueue/flush/wait
// round trip at batch size 10.
func BenchmarkBatcher_EnqueueFlush(b *testing.B) {
	batcher, _ := New(Config{
		Executor:     benchExecutor,
		MaxBatchSize: 10,
		MaxWait:      time.Hour,
	})
	defer batcher.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pending := make([]*Pending, 10)
		for j := range pending {
			pending[j], _ = batcher.Enqueue("search", nil, 0)
		}
		batcher.Flush(ctx)
		for _, p := range pending {
			_, _ = p.Wait(ctx)
		}
	}
}

// BenchmarkBatcher_CallImmediate measures the queue bypass path.
func BenchmarkBatcher_CallImmediate(b *testing.B) {
	batcher, _ := New(Config{
		Executor: benchExecutor,
		MaxWait:  time.Hour,
	})
	defer batcher.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = batcher.CallImmediate(ctx, "search", nil)
	}
}
