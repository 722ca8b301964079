package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halgate/halgate/internal/inferlog"
	"github.com/halgate/halgate/internal/queue"
)

// fakeRuntime replays scripted chunks, or fails, or panics.
type fakeRuntime struct {
	chunks   [][]string // one script per call, consumed in order
	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
	fail     error
	panicMsg string
	delay    time.Duration
}

func (f *fakeRuntime) Stream(ctx context.Context, req StreamRequest, onChunk func(string) error) error {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	call := int(f.calls.Add(1)) - 1
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.fail != nil {
		return f.fail
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if call >= len(f.chunks) {
		return nil
	}
	for _, c := range f.chunks[call] {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRuntime) CountTokens(text string) int { return len(text) / 4 }

func newTestWorker(rt Runtime, maxQueue int) *Worker {
	q := queue.New(queue.Config{MaxSize: maxQueue, DefaultPriority: 10, AgingInterval: time.Minute}, nil)
	return NewWorker(q, rt, Config{
		Model:    "base-model",
		Adapters: map[string]string{"tutor": "base-model:tutor"},
	}, nil)
}

func drain(t *testing.T, sink *Sink) (string, error) {
	t.Helper()
	var b strings.Builder
	var genErr error
	sawEnd := false
	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-timeout:
			t.Fatal("sink did not terminate")
		case ev, ok := <-sink.Events():
			if !ok {
				if !sawEnd {
					t.Fatal("channel closed without EndOfStream")
				}
				return b.String(), genErr
			}
			switch ev.Kind {
			case EventChunk:
				b.WriteString(ev.Chunk)
			case EventError:
				genErr = ev.Err
			case EventEnd:
				sawEnd = true
			}
		}
	}
}

func TestGenerateCollectsStream(t *testing.T) {
	rt := &fakeRuntime{chunks: [][]string{{"Hello", ", ", "world"}}}
	w := newTestWorker(rt, 10)
	defer w.Stop()

	text, tokens, dur, err := w.Generate(context.Background(), Request{RequestID: "r1", Prompt: "hi", Kind: "oneshot"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hello, world" {
		t.Errorf("text = %q", text)
	}
	if tokens != len(text)/4 {
		t.Errorf("tokens = %d", tokens)
	}
	if dur <= 0 {
		t.Errorf("duration = %v", dur)
	}
}

func TestSnapshotChunksReplace(t *testing.T) {
	// Runtime emits growing snapshots; the sink must see clean deltas.
	rt := &fakeRuntime{chunks: [][]string{{"The", "The quick", "The quick fox"}}}
	w := newTestWorker(rt, 10)
	defer w.Stop()

	sink, err := w.Submit(context.Background(), Request{RequestID: "r1", Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	text, genErr := drain(t, sink)
	if genErr != nil {
		t.Fatal(genErr)
	}
	if text != "The quick fox" {
		t.Errorf("text = %q, want deduplicated snapshot", text)
	}
}

func TestDedupChunk(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
		deltas []string
	}{
		{"delta mode", []string{"a", "b", "c"}, "abc", []string{"a", "b", "c"}},
		{"snapshot mode", []string{"a", "ab", "abc"}, "abc", []string{"a", "b", "c"}},
		{"mixed", []string{"ab", "abcd", "ef"}, "abcdef", []string{"ab", "cd", "ef"}},
		{"identical snapshot", []string{"ab", "ab"}, "ab", []string{"ab", ""}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var acc strings.Builder
			for i, c := range tc.chunks {
				if got := dedupChunk(&acc, c); got != tc.deltas[i] {
					t.Errorf("chunk %d delta = %q, want %q", i, got, tc.deltas[i])
				}
			}
			if acc.String() != tc.want {
				t.Errorf("accumulated = %q, want %q", acc.String(), tc.want)
			}
		})
	}
}

func TestGenerationErrorDoesNotKillWorker(t *testing.T) {
	rt := &fakeRuntime{fail: errors.New("model server down")}
	w := newTestWorker(rt, 10)
	defer w.Stop()

	sink, err := w.Submit(context.Background(), Request{RequestID: "r1", Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if _, genErr := drain(t, sink); genErr == nil {
		t.Fatal("expected generation error")
	}

	// Worker must still serve the next job.
	rt.fail = nil
	rt.chunks = [][]string{{}, {"ok"}}
	text, _, _, err := w.Generate(context.Background(), Request{RequestID: "r2", Prompt: "p"})
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
}

func TestPanicRecoveredPerJob(t *testing.T) {
	rt := &fakeRuntime{panicMsg: "boom"}
	w := newTestWorker(rt, 10)
	defer w.Stop()

	sink, err := w.Submit(context.Background(), Request{RequestID: "r1", Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	_, genErr := drain(t, sink)
	if genErr == nil || !strings.Contains(genErr.Error(), "panic") {
		t.Fatalf("genErr = %v", genErr)
	}

	rt.panicMsg = ""
	rt.chunks = [][]string{{}, {"alive"}}
	text, _, _, err := w.Generate(context.Background(), Request{RequestID: "r2", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate after panic: %v", err)
	}
	if text != "alive" {
		t.Errorf("text = %q", text)
	}
}

func TestAnalyticsTokenStats(t *testing.T) {
	analytics, err := inferlog.Open(filepath.Join(t.TempDir(), "inference.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer analytics.Close()

	rt := &fakeRuntime{chunks: [][]string{{"a dozen chars or so"}}}
	w := newTestWorker(rt, 10).WithAnalytics(analytics)
	defer w.Stop()

	prompt := "tell me about heat pumps"
	text, _, _, err := w.Generate(context.Background(), Request{RequestID: "r1", Prompt: prompt, Kind: "oneshot"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// The analytics write is async; poll for the row.
	var got inferlog.Entry
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := analytics.Recent(context.Background(), 1)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(entries) == 1 {
			got = entries[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("analytics entry never written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got.TokensOut != len(text)/4 {
		t.Errorf("tokens_out = %d, want %d", got.TokensOut, len(text)/4)
	}
	if got.TokensIn != len(prompt)/4 {
		t.Errorf("tokens_in = %d, want %d", got.TokensIn, len(prompt)/4)
	}
	if got.TokensPerSec <= 0 {
		t.Errorf("tokens_per_sec = %v, want > 0", got.TokensPerSec)
	}
}

func TestDroppedSinkDoesNotStallWorker(t *testing.T) {
	// More chunks than the sink buffers, and nobody draining: the worker must
	// discard the stream once the sink is dropped and move on to the next job.
	long := make([]string, sinkBuffer+50)
	for i := range long {
		long[i] = fmt.Sprintf("c%d ", i)
	}
	rt := &fakeRuntime{chunks: [][]string{long, {"next"}}}
	w := newTestWorker(rt, 10)
	defer w.Stop()

	abandoned, err := w.Submit(context.Background(), Request{RequestID: "abandoned", Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	// Give the worker time to fill the buffer and block on the full channel.
	time.Sleep(50 * time.Millisecond)
	abandoned.Drop()

	done := make(chan string, 1)
	go func() {
		text, _, _, _ := w.Generate(context.Background(), Request{RequestID: "healthy", Prompt: "p"})
		done <- text
	}()
	select {
	case text := <-done:
		if text != "next" {
			t.Errorf("text = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker stalled behind an abandoned sink")
	}
}

func TestGenerationsNeverOverlap(t *testing.T) {
	rt := &fakeRuntime{delay: 20 * time.Millisecond}
	w := newTestWorker(rt, 100)
	defer w.Stop()

	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			_, _, _, _ = w.Generate(context.Background(), Request{RequestID: fmt.Sprintf("r%d", n), Prompt: "p"})
		}(i)
	}
	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("generations did not finish")
		}
	}
	if rt.overlap.Load() {
		t.Fatal("two generations held the GPU at once")
	}
}

func TestSubmitQueueFull(t *testing.T) {
	rt := &fakeRuntime{delay: 500 * time.Millisecond}
	q := queue.New(queue.Config{MaxSize: 1, DefaultPriority: 10, AgingInterval: time.Minute}, nil)
	w := NewWorker(q, rt, Config{Model: "m"}, nil)
	defer w.Stop()

	// First job occupies the GPU; wait for the worker to pull it off the queue.
	if _, err := w.Submit(context.Background(), Request{RequestID: "running"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never dequeued first job")
		}
		time.Sleep(time.Millisecond)
	}

	// Second job fills the queue; third must be rejected.
	if _, err := w.Submit(context.Background(), Request{RequestID: "queued"}); err != nil {
		t.Fatal(err)
	}
	_, err := w.Submit(context.Background(), Request{RequestID: "rejected"})
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestLoadAdapter(t *testing.T) {
	w := newTestWorker(&fakeRuntime{}, 10)

	if got := w.CurrentAdapter(); got != "base" {
		t.Errorf("initial adapter = %q", got)
	}

	if err := w.LoadAdapter("missing"); !errors.Is(err, ErrAdapterNotFound) {
		t.Fatalf("err = %v, want ErrAdapterNotFound", err)
	}

	if err := w.LoadAdapter("tutor"); err != nil {
		t.Fatalf("LoadAdapter: %v", err)
	}
	if got := w.CurrentAdapter(); got != "tutor" {
		t.Errorf("adapter = %q", got)
	}
	model, adapter := w.activeModel()
	if model != "base-model:tutor" || adapter != "tutor" {
		t.Errorf("active model = %q/%q", model, adapter)
	}

	// No-op reload, then revert.
	if err := w.LoadAdapter("tutor"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, revert := range []string{"base", "none", ""} {
		if err := w.LoadAdapter("tutor"); err != nil {
			t.Fatal(err)
		}
		if err := w.LoadAdapter(revert); err != nil {
			t.Fatalf("revert %q: %v", revert, err)
		}
		if got := w.CurrentAdapter(); got != "base" {
			t.Errorf("after revert %q adapter = %q", revert, got)
		}
	}
}
