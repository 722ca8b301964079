package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/halgate/halgate/internal/hardware"
	"github.com/halgate/halgate/internal/inferlog"
	"github.com/halgate/halgate/internal/otel"
	"github.com/halgate/halgate/internal/queue"
)

const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second

	sinkBuffer = 256
)

// errSinkDropped aborts a stream whose consumer disconnected. Never surfaced
// to callers.
var errSinkDropped = errors.New("sink dropped")

// Request is one generation job.
type Request struct {
	RequestID    string
	SessionID    string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Priority     *int
	Kind         string // probe, final, summary, oneshot
}

// EventKind discriminates sink events.
type EventKind int

const (
	EventChunk EventKind = iota
	EventError
	EventEnd
)

// Event is one item on a generation sink. The stream is zero or more chunks,
// at most one error, then exactly one end.
type Event struct {
	Kind  EventKind
	Chunk string
	Err   error
}

// Sink receives one generation's stream. The channel closes after EventEnd.
type Sink struct {
	events   chan Event
	once     sync.Once
	dropOnce sync.Once
	drop     chan struct{}
}

func NewSink() *Sink {
	return &Sink{
		events: make(chan Event, sinkBuffer),
		drop:   make(chan struct{}),
	}
}

func (s *Sink) Events() <-chan Event { return s.events }

// Drop marks the consumer gone. Pending and future writes are discarded; the
// worker keeps running. Safe to call at any point, including after Finish.
func (s *Sink) Drop() {
	s.dropOnce.Do(func() { close(s.drop) })
}

// Dropped reports whether the consumer abandoned the stream.
func (s *Sink) Dropped() bool {
	select {
	case <-s.drop:
		return true
	default:
		return false
	}
}

func (s *Sink) Emit(ctx context.Context, chunk string) {
	select {
	case s.events <- Event{Kind: EventChunk, Chunk: chunk}:
	case <-s.drop:
	case <-ctx.Done():
	}
}

// Finish emits the terminal events exactly once, error (if any) before end.
func (s *Sink) Finish(ctx context.Context, err error) {
	s.once.Do(func() {
		if err != nil {
			select {
			case s.events <- Event{Kind: EventError, Err: err}:
			case <-s.drop:
			case <-ctx.Done():
			}
		}
		select {
		case s.events <- Event{Kind: EventEnd}:
		case <-s.drop:
		case <-ctx.Done():
		}
		close(s.events)
	})
}

type job struct {
	req  Request
	sink *Sink
}

// HardwareSampler is the monitor's read side.
type HardwareSampler interface {
	Snapshot() hardware.Snapshot
}

// Config for the worker.
type Config struct {
	Model       string
	Adapters    map[string]string
	Temperature float64
}

// Worker is the process-wide inference loop. Exactly one generation runs at a
// time; probes and summaries take the same GPU lock as chat turns.
type Worker struct {
	queue   *queue.Queue
	runtime Runtime
	cfg     Config
	logger  *slog.Logger

	analytics *inferlog.Store // optional
	hw        HardwareSampler // optional
	metrics   *otel.Metrics   // optional
	tracer    trace.Tracer    // optional

	gpuMu sync.Mutex

	adapterMu      sync.RWMutex
	currentAdapter string

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWorker(q *queue.Queue, rt Runtime, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   q,
		runtime: rt,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// WithAnalytics attaches the inference log store.
func (w *Worker) WithAnalytics(s *inferlog.Store) *Worker { w.analytics = s; return w }

// WithHardware attaches the hardware monitor for per-chunk GPU peaks.
func (w *Worker) WithHardware(hw HardwareSampler) *Worker { w.hw = hw; return w }

// WithMetrics attaches otel instruments.
func (w *Worker) WithMetrics(m *otel.Metrics) *Worker { w.metrics = m; return w }

// WithTracer attaches a tracer for per-generation spans.
func (w *Worker) WithTracer(t trace.Tracer) *Worker { w.tracer = t; return w }

// Start launches the supervised loop. Idempotent; Submit calls it lazily.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		go w.supervise(ctx)
		go w.monitorQueue(ctx)
	})
}

// Stop cancels the loop and waits for it to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// supervise restarts the loop after a crash with exponential backoff. A loop
// that survived a while resets the delay.
func (w *Worker) supervise(ctx context.Context) {
	defer close(w.done)

	delay := retryBaseDelay
	for {
		started := time.Now()
		err := w.runLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			delay = retryBaseDelay
		}
		w.logger.Error("inference loop crashed, restarting", "error", err, "delay", delay.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

func (w *Worker) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inference loop panic: %v", r)
		}
	}()
	for {
		item, derr := w.queue.Dequeue(ctx)
		if derr != nil {
			return nil
		}
		j, ok := item.Payload.(*job)
		if !ok {
			w.logger.Error("dropping queue item with unexpected payload", "request_id", item.RequestID)
			continue
		}
		w.process(ctx, item, j)
	}
}

// process runs one generation end to end. A panic or generation error fails
// this job only; the loop keeps draining.
func (w *Worker) process(ctx context.Context, item *queue.Item, j *job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("generation panic", "request_id", j.req.RequestID, "panic", r)
			j.sink.Finish(ctx, fmt.Errorf("generation panic: %v", r))
		}
	}()

	w.gpuMu.Lock()
	defer w.gpuMu.Unlock()

	start := time.Now()
	queueWait := start.Sub(item.EntryTime)
	model, adapter := w.activeModel()

	if w.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, w.tracer, "llm.generate",
			otel.AttrRequestID.String(j.req.RequestID),
			otel.AttrSessionID.String(j.req.SessionID),
			otel.AttrModel.String(model),
			otel.AttrAdapter.String(adapter),
			otel.AttrPriority.Int(item.EffectivePriority),
		)
		defer span.End()
	}

	if w.metrics != nil {
		w.metrics.QueueDepth.Add(ctx, -1)
	}
	w.logger.Info("generation start",
		"request_id", j.req.RequestID, "kind", j.req.Kind,
		"model", model, "adapter", adapter,
		"queue_wait_ms", queueWait.Milliseconds(), "priority", item.EffectivePriority)

	var (
		accumulated strings.Builder
		chunks      int
		peaks       hardware.Snapshot
	)

	temperature := j.req.Temperature
	if temperature == 0 {
		temperature = w.cfg.Temperature
	}

	err := w.runtime.Stream(ctx, StreamRequest{
		Model:        model,
		SystemPrompt: j.req.SystemPrompt,
		Prompt:       j.req.Prompt,
		MaxTokens:    j.req.MaxTokens,
		Temperature:  temperature,
	}, func(chunk string) error {
		chunks++
		delta := dedupChunk(&accumulated, chunk)
		if w.hw != nil {
			peaks = maxPeaks(peaks, w.hw.Snapshot())
		}
		if delta != "" {
			j.sink.Emit(ctx, delta)
			if w.metrics != nil {
				w.metrics.TokensStreamed.Add(ctx, 1)
			}
		}
		if j.sink.Dropped() {
			return errSinkDropped
		}
		return ctx.Err()
	})

	duration := time.Since(start)
	if errors.Is(err, errSinkDropped) {
		// The consumer went away; nothing left to deliver to.
		w.logger.Info("consumer gone, generation abandoned", "request_id", j.req.RequestID)
		err = nil
	}
	if err != nil {
		w.logger.Error("generation failed", "request_id", j.req.RequestID, "error", err)
		trace.SpanFromContext(ctx).RecordError(err)
	}
	j.sink.Finish(ctx, err)

	if w.metrics != nil {
		w.metrics.InferenceDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(otel.AttrModel.String(model)))
	}
	w.recordAnalytics(j.req, model, adapter, accumulated.String(), chunks, duration, queueWait, err, peaks)

	w.logger.Info("generation done",
		"request_id", j.req.RequestID, "chunks", chunks,
		"chars", accumulated.Len(), "duration_ms", duration.Milliseconds())
}

// dedupChunk folds one runtime chunk into the accumulated text and returns the
// genuinely new suffix. Some runtimes emit growing snapshots of the whole
// response rather than deltas; a chunk that starts with everything seen so far
// is treated as a snapshot and replaces it.
func dedupChunk(accumulated *strings.Builder, chunk string) string {
	cur := accumulated.String()
	if cur != "" && strings.HasPrefix(chunk, cur) {
		delta := chunk[len(cur):]
		accumulated.Reset()
		accumulated.WriteString(chunk)
		return delta
	}
	accumulated.WriteString(chunk)
	return chunk
}

func maxPeaks(a, b hardware.Snapshot) hardware.Snapshot {
	if b.GPUUsage > a.GPUUsage {
		a.GPUUsage = b.GPUUsage
	}
	if b.GPUTemp > a.GPUTemp {
		a.GPUTemp = b.GPUTemp
	}
	if b.GPUPowerW > a.GPUPowerW {
		a.GPUPowerW = b.GPUPowerW
	}
	if b.CPUUsage > a.CPUUsage {
		a.CPUUsage = b.CPUUsage
	}
	if b.RAMUsage > a.RAMUsage {
		a.RAMUsage = b.RAMUsage
	}
	return a
}

func (w *Worker) recordAnalytics(req Request, model, adapter, output string, chunks int, duration, queueWait time.Duration, genErr error, peaks hardware.Snapshot) {
	if w.analytics == nil {
		return
	}
	tokensOut := w.runtime.CountTokens(output)
	tokensPerSec := 0.0
	if secs := duration.Seconds(); secs > 0 {
		tokensPerSec = float64(tokensOut) / secs
	}
	entry := inferlog.Entry{
		RequestID:    req.RequestID,
		SessionID:    req.SessionID,
		Model:        model,
		Adapter:      adapter,
		Kind:         req.Kind,
		PromptChars:  len(req.SystemPrompt) + len(req.Prompt),
		OutputChars:  len(output),
		TokensIn:     w.runtime.CountTokens(req.SystemPrompt + req.Prompt),
		TokensOut:    tokensOut,
		TokensPerSec: tokensPerSec,
		Chunks:       chunks,
		DurationMS:   duration.Milliseconds(),
		QueueWaitMS:  queueWait.Milliseconds(),
	}
	if genErr != nil {
		entry.ErrorMessage = genErr.Error()
	}
	entry.GPUPeakPct = peaks.GPUUsage
	entry.GPUPeakTemp = peaks.GPUTemp
	entry.GPUPeakPowerW = peaks.GPUPowerW
	if w.hw != nil {
		final := w.hw.Snapshot()
		entry.CPUPct = final.CPUUsage
		entry.RAMPct = final.RAMUsage
	}
	w.analytics.Record(entry)
}

// Submit enqueues a generation and returns its sink. Fails fast with
// queue.ErrQueueFull when the queue is at capacity.
func (w *Worker) Submit(ctx context.Context, req Request) (*Sink, error) {
	w.Start(context.WithoutCancel(ctx))

	sink := NewSink()
	if err := w.queue.Enqueue(req.RequestID, &job{req: req, sink: sink}, req.Priority); err != nil {
		if w.metrics != nil {
			w.metrics.QueueRejects.Add(ctx, 1)
		}
		return nil, err
	}
	if w.metrics != nil {
		w.metrics.QueueDepth.Add(ctx, 1,
			metric.WithAttributes(attribute.Int("priority", derefPriority(req.Priority))))
	}
	return sink, nil
}

func derefPriority(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// Generate submits and drains the whole stream. Returns the full text, an
// estimated token count, and wall time.
func (w *Worker) Generate(ctx context.Context, req Request) (string, int, time.Duration, error) {
	start := time.Now()
	sink, err := w.Submit(ctx, req)
	if err != nil {
		return "", 0, 0, err
	}

	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			sink.Drop()
			return b.String(), w.runtime.CountTokens(b.String()), time.Since(start), ctx.Err()
		case ev, ok := <-sink.Events():
			if !ok {
				return b.String(), w.runtime.CountTokens(b.String()), time.Since(start), nil
			}
			switch ev.Kind {
			case EventChunk:
				b.WriteString(ev.Chunk)
			case EventError:
				return b.String(), w.runtime.CountTokens(b.String()), time.Since(start), ev.Err
			case EventEnd:
				return b.String(), w.runtime.CountTokens(b.String()), time.Since(start), nil
			}
		}
	}
}

// LoadAdapter switches the active adapter. "base", "none" and "" revert to
// the base model. Loading the already-active adapter is a no-op. The swap
// waits for any in-flight generation.
func (w *Worker) LoadAdapter(name string) error {
	if name == "base" || name == "none" || name == "" {
		w.gpuMu.Lock()
		defer w.gpuMu.Unlock()
		w.adapterMu.Lock()
		w.currentAdapter = ""
		w.adapterMu.Unlock()
		w.logger.Info("adapter reverted to base model", "model", w.cfg.Model)
		return nil
	}

	if _, ok := w.cfg.Adapters[name]; !ok {
		return fmt.Errorf("%w: %q", ErrAdapterNotFound, name)
	}

	w.adapterMu.RLock()
	already := w.currentAdapter == name
	w.adapterMu.RUnlock()
	if already {
		return nil
	}

	w.gpuMu.Lock()
	defer w.gpuMu.Unlock()
	w.adapterMu.Lock()
	w.currentAdapter = name
	w.adapterMu.Unlock()
	w.logger.Info("adapter loaded", "adapter", name, "model", w.cfg.Adapters[name])
	return nil
}

// CurrentAdapter returns the active adapter name, or "base".
func (w *Worker) CurrentAdapter() string {
	w.adapterMu.RLock()
	defer w.adapterMu.RUnlock()
	if w.currentAdapter == "" {
		return "base"
	}
	return w.currentAdapter
}

func (w *Worker) activeModel() (model, adapter string) {
	w.adapterMu.RLock()
	defer w.adapterMu.RUnlock()
	if w.currentAdapter != "" {
		return w.cfg.Adapters[w.currentAdapter], w.currentAdapter
	}
	return w.cfg.Model, ""
}

// monitorQueue logs queue health while there is anything to report.
func (w *Worker) monitorQueue(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastDepth := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := w.queue.Stats()
			if stats.Depth == 0 && lastDepth == 0 {
				continue
			}
			w.logger.Info("queue status",
				"depth", stats.Depth,
				"min_priority", stats.MinPriority,
				"max_priority", stats.MaxPriority,
				"oldest_wait_ms", stats.OldestWait.Milliseconds())
			lastDepth = stats.Depth
		}
	}
}
