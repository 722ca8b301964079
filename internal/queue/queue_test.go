package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

// fakeClock lets tests advance queue time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func withClock(q *Queue, c *fakeClock) *Queue { q.now = c.now; return q }

func TestPriorityOvertakesFIFO(t *testing.T) {
	q := New(Config{MaxSize: 10, DefaultPriority: 10, AgingInterval: time.Minute}, nil)

	if err := q.Enqueue("A", nil, intPtr(10)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("B", nil, intPtr(1)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	first, _ := q.Dequeue(ctx)
	second, _ := q.Dequeue(ctx)
	if first.RequestID != "B" || second.RequestID != "A" {
		t.Errorf("dequeue order = %s, %s; want B, A", first.RequestID, second.RequestID)
	}
}

func TestFIFOWithinEqualPriority(t *testing.T) {
	clock := newFakeClock()
	q := withClock(New(Config{MaxSize: 10, DefaultPriority: 5, AgingInterval: time.Minute}, nil), clock)

	for _, id := range []string{"first", "second", "third"} {
		if err := q.Enqueue(id, nil, nil); err != nil {
			t.Fatal(err)
		}
		clock.advance(time.Millisecond)
	}

	ctx := context.Background()
	for _, want := range []string{"first", "second", "third"} {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if item.RequestID != want {
			t.Errorf("got %s, want %s", item.RequestID, want)
		}
	}
}

func TestAgingBoostsOldItems(t *testing.T) {
	clock := newFakeClock()
	q := withClock(New(Config{
		MaxSize:              10,
		StarvationPrevention: true,
		AgingInterval:        time.Second,
		DefaultPriority:      10,
	}, nil), clock)

	if err := q.Enqueue("old", nil, intPtr(10)); err != nil {
		t.Fatal(err)
	}
	clock.advance(1100 * time.Millisecond)
	if err := q.Enqueue("new", nil, intPtr(9)); err != nil {
		t.Fatal(err)
	}

	// old has waited >1 interval: effective 9, tie broken by entry time.
	item, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if item.RequestID != "old" {
		t.Errorf("got %s, want old", item.RequestID)
	}
	if item.EffectivePriority != 9 {
		t.Errorf("effective priority = %d, want 9", item.EffectivePriority)
	}
	if item.OriginalPriority != 10 {
		t.Errorf("original priority = %d, want 10", item.OriginalPriority)
	}
}

func TestAgingBoostsAtExactInterval(t *testing.T) {
	clock := newFakeClock()
	q := withClock(New(Config{
		MaxSize:              10,
		StarvationPrevention: true,
		AgingInterval:        time.Second,
		DefaultPriority:      10,
	}, nil), clock)

	if err := q.Enqueue("old", nil, intPtr(10)); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Second)
	if err := q.Enqueue("new", nil, intPtr(9)); err != nil {
		t.Fatal(err)
	}

	// Exactly one interval waited: floor(wait/interval) = 1, effective 9.
	item, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if item.RequestID != "old" {
		t.Errorf("got %s, want old", item.RequestID)
	}
	if item.EffectivePriority != 9 {
		t.Errorf("effective priority = %d, want 9", item.EffectivePriority)
	}
}

func TestAgingNeverGoesBelowZero(t *testing.T) {
	clock := newFakeClock()
	q := withClock(New(Config{
		MaxSize:              10,
		StarvationPrevention: true,
		AgingInterval:        time.Second,
		DefaultPriority:      10,
	}, nil), clock)

	if err := q.Enqueue("ancient", nil, intPtr(3)); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Hour)

	item, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if item.EffectivePriority != 0 {
		t.Errorf("effective priority = %d, want 0", item.EffectivePriority)
	}
}

func TestAgingDisabledLeavesPriorities(t *testing.T) {
	clock := newFakeClock()
	q := withClock(New(Config{
		MaxSize:         10,
		AgingInterval:   time.Second,
		DefaultPriority: 10,
	}, nil), clock)

	if err := q.Enqueue("old", nil, intPtr(10)); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Minute)
	if err := q.Enqueue("new", nil, intPtr(5)); err != nil {
		t.Fatal(err)
	}

	item, _ := q.Dequeue(context.Background())
	if item.RequestID != "new" {
		t.Errorf("got %s, want new (no aging)", item.RequestID)
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	q := New(Config{MaxSize: 1, DefaultPriority: 10, AgingInterval: time.Minute}, nil)

	if err := q.Enqueue("x", nil, intPtr(5)); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue("y", nil, intPtr(1))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if q.Len() != 1 {
		t.Errorf("depth = %d, want 1 (unchanged)", q.Len())
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(Config{MaxSize: 10, DefaultPriority: 10, AgingInterval: time.Minute}, nil)

	got := make(chan *Item, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			return
		}
		got <- item
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before enqueue")
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.Enqueue("late", nil, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case item := <-got:
		if item.RequestID != "late" {
			t.Errorf("got %s", item.RequestID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue not woken within bound")
	}
}

func TestDequeueRespectsContextCancel(t *testing.T) {
	q := New(Config{MaxSize: 10, DefaultPriority: 10, AgingInterval: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestStatsSnapshot(t *testing.T) {
	clock := newFakeClock()
	q := withClock(New(Config{MaxSize: 10, DefaultPriority: 10, AgingInterval: time.Minute}, nil), clock)

	if s := q.Stats(); s.Depth != 0 || s.OldestWait != 0 {
		t.Errorf("empty stats = %+v", s)
	}

	q.Enqueue("a", nil, intPtr(3))
	clock.advance(2 * time.Second)
	q.Enqueue("b", nil, intPtr(8))

	s := q.Stats()
	if s.Depth != 2 {
		t.Errorf("depth = %d", s.Depth)
	}
	if s.MinPriority != 3 || s.MaxPriority != 8 {
		t.Errorf("priorities = %d..%d, want 3..8", s.MinPriority, s.MaxPriority)
	}
	if s.OldestWait != 2*time.Second {
		t.Errorf("oldest wait = %v, want 2s", s.OldestWait)
	}
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	q := New(Config{MaxSize: 1000, DefaultPriority: 10, AgingInterval: time.Minute}, nil)

	const n = 200
	for i := 0; i < 4; i++ {
		go func(worker int) {
			for j := 0; j < n/4; j++ {
				_ = q.Enqueue("req", nil, nil)
			}
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
	}
	if q.Len() != 0 {
		t.Errorf("depth = %d, want 0", q.Len())
	}
}
