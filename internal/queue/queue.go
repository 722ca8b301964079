// Package queue implements the bounded priority queue that serializes access
// to the inference worker. Lower priority number = higher importance (0 is
// VIP). With starvation prevention enabled, items age toward priority 0 the
// longer they wait.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned by Enqueue when the queue is at max_size.
var ErrQueueFull = errors.New("queue full")

// Config controls queue capacity and aging behavior.
type Config struct {
	MaxSize              int
	StarvationPrevention bool
	AgingInterval        time.Duration
	DefaultPriority      int
}

// Item is one queued inference job. EffectivePriority is adjusted by aging;
// OriginalPriority never changes after enqueue.
type Item struct {
	EffectivePriority int
	OriginalPriority  int
	EntryTime         time.Time
	RequestID         string
	Payload           any

	index int // heap bookkeeping
}

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	Depth       int
	MinPriority int
	MaxPriority int
	OldestWait  time.Duration
}

// itemHeap orders by (EffectivePriority asc, EntryTime asc).
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].EffectivePriority != h[j].EffectivePriority {
		return h[i].EffectivePriority < h[j].EffectivePriority
	}
	return h[i].EntryTime.Before(h[j].EntryTime)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a bounded min-priority queue safe for concurrent use. All
// mutations run under a single mutex; dequeuers block on a wakeup channel and
// re-check after every wake, so spurious wakes are harmless.
type Queue struct {
	mu     sync.Mutex
	heap   itemHeap
	wakeup chan struct{}
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.AgingInterval <= 0 {
		cfg.AgingInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		wakeup: make(chan struct{}, 1),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue adds an item. A nil priority uses the configured default. Returns
// ErrQueueFull when depth equals max_size; depth is unchanged in that case.
func (q *Queue) Enqueue(requestID string, payload any, priority *int) error {
	q.mu.Lock()
	if len(q.heap) >= q.cfg.MaxSize {
		q.mu.Unlock()
		q.logger.Info("queue full", "max_size", q.cfg.MaxSize, "request_id", requestID)
		return ErrQueueFull
	}

	prio := q.cfg.DefaultPriority
	if priority != nil {
		prio = *priority
	}
	item := &Item{
		EffectivePriority: prio,
		OriginalPriority:  prio,
		EntryTime:         q.now(),
		RequestID:         requestID,
		Payload:           payload,
	}
	heap.Push(&q.heap, item)
	depth := len(q.heap)
	q.mu.Unlock()

	// Wake one waiter. Buffer of one coalesces signals; waiters re-check.
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	q.logger.Info("enqueued", "request_id", requestID, "priority", prio, "depth", depth)
	return nil
}

// Dequeue blocks until an item is available or ctx is canceled, then returns
// the minimum by (effective_priority, entry_time). When starvation prevention
// is on, an aging pass runs before the pop.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			if q.cfg.StarvationPrevention {
				q.agingPass()
			}
			item := heap.Pop(&q.heap).(*Item)
			remaining := len(q.heap)
			q.mu.Unlock()
			if remaining > 0 {
				// More work behind us; keep the next waiter awake.
				select {
				case q.wakeup <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		}
	}
}

// agingPass boosts effective priority of waiting items by one step per full
// aging interval waited, floored at 0 and never above the original priority.
// O(N), but runs only on dequeue so amortized cost is bounded by throughput.
// Caller holds q.mu.
func (q *Queue) agingPass() {
	now := q.now()
	modified := false
	for _, item := range q.heap {
		wait := now.Sub(item.EntryTime)
		if wait < q.cfg.AgingInterval {
			continue
		}
		boost := int(wait / q.cfg.AgingInterval)
		newPrio := item.OriginalPriority - boost
		if newPrio < 0 {
			newPrio = 0
		}
		if newPrio != item.EffectivePriority {
			item.EffectivePriority = newPrio
			modified = true
		}
	}
	if modified {
		heap.Init(&q.heap)
	}
}

// Stats returns a snapshot of current queue health.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Depth: len(q.heap)}
	if len(q.heap) == 0 {
		return s
	}
	now := q.now()
	s.MinPriority = q.heap[0].EffectivePriority
	s.MaxPriority = q.heap[0].EffectivePriority
	for _, item := range q.heap {
		if item.EffectivePriority < s.MinPriority {
			s.MinPriority = item.EffectivePriority
		}
		if item.EffectivePriority > s.MaxPriority {
			s.MaxPriority = item.EffectivePriority
		}
		if wait := now.Sub(item.EntryTime); wait > s.OldestWait {
			s.OldestWait = wait
		}
	}
	return s
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
