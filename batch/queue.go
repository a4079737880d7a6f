package batch

import (
	"sort"
	"time"
)

// Call is one name/arguments pair handed to the executor.
type Call struct {
	Name string
	Args map[string]any
}

// queued is one caller's entry in the batch queue. seq breaks priority
// ties so equal-priority calls flush in enqueue order.
type queued struct {
	call     Call
	priority int
	seq      uint64
	enqueued time.Time
	pending  *Pending
}

// insert places q into the slice keeping it sorted by priority
// descending, then seq ascending. Equal priorities land after existing
// entries, which preserves FIFO within a priority.
func insert(queue []*queued, q *queued) []*queued {
	i := sort.Search(len(queue), func(i int) bool {
		return queue[i].priority < q.priority
	})
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = q
	return queue
}
