package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lingoswitch/internal/observe"
	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// PreviousEngineMode selects what happens to the engine that loses the audio
// stream on a switch.
type PreviousEngineMode string

const (
	// PreviousFinish lets the previous engine process every frame already
	// queued to it and then flushes it, so the interrupted utterance is
	// finalised.
	PreviousFinish PreviousEngineMode = "finish"
	// PreviousHardCut discards the previous engine's queue and resets it.
	PreviousHardCut PreviousEngineMode = "hard-cut"
)

// job is one frame queued to a worker, with the language its transcripts are
// attributed to.
type job struct {
	frame audio.AudioFrame
	label string
}

// releaseReq tells a worker it lost the stream as of activation generation gen.
type releaseReq struct {
	mode PreviousEngineMode
	gen  uint64
}

// worker owns one engine. Frames reach it only through its bounded queue, so
// the engine sees them in arrival order and is never called concurrently.
type worker struct {
	name    string
	engine  stt.Engine
	queue   chan job
	release chan releaseReq
	quit    chan struct{}
	done    chan struct{}

	emit    func(Event)
	metrics *observe.Metrics

	// gen counts activations. The frame goroutine bumps it before the first
	// frame of each activation is queued.
	gen atomic.Uint64

	// Touched only by the worker goroutine.
	label string
	dirty bool
}

func newWorker(h EngineHandle, size int, emit func(Event), m *observe.Metrics) *worker {
	return &worker{
		name:    h.Name(),
		engine:  h.Engine(),
		label:   h.Label(),
		queue:   make(chan job, size),
		release: make(chan releaseReq, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		emit:    emit,
		metrics: m,
	}
}

// enqueue hands j to the worker without blocking. When the queue is full the
// oldest job is evicted; dropped reports whether that happened. Only the
// orchestrator frame goroutine calls enqueue.
func (w *worker) enqueue(j job) (dropped bool) {
	return offer(w.queue, j)
}

// offer sends v on ch without blocking. When ch is full the oldest element is
// evicted to make room; dropped reports whether an element was lost.
func offer[T any](ch chan T, v T) (dropped bool) {
	select {
	case ch <- v:
		return false
	default:
	}
	select {
	case <-ch:
		dropped = true
	default:
	}
	select {
	case ch <- v:
	default:
		dropped = true
	}
	return dropped
}

// activate marks the start of a new stretch of frames for this worker. A
// release issued before it no longer applies.
func (w *worker) activate() {
	w.gen.Add(1)
}

// releaseEngine tells the worker it no longer receives the stream. In hard-cut
// mode the pending queue is discarded here, on the producer side, so frames
// enqueued after a later re-activation are never lost. It returns the number
// of discarded frames. Only the frame goroutine calls it.
func (w *worker) releaseEngine(mode PreviousEngineMode) (discarded int) {
	if mode == PreviousHardCut {
	drain:
		for {
			select {
			case <-w.queue:
				discarded++
			default:
				break drain
			}
		}
	}
	// Replace a pending release: it belongs to an older activation.
	select {
	case <-w.release:
	default:
	}
	w.release <- releaseReq{mode: mode, gen: w.gen.Load()}
	return discarded
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case j := <-w.queue:
			w.process(ctx, j)
		case r := <-w.release:
			w.settle(ctx, r)
		case <-w.quit:
			w.drain(ctx)
			w.flush(ctx)
			return
		}
	}
}

// superseded reports whether the worker was activated again after r.
func (w *worker) superseded(r releaseReq) bool {
	return w.gen.Load() != r.gen
}

// settle finishes or resets the engine after it lost the stream. A release
// overtaken by a re-activation is ignored so the utterance the engine is
// receiving again is not cut short.
func (w *worker) settle(ctx context.Context, r releaseReq) {
	if w.superseded(r) {
		return
	}
	if r.mode == PreviousHardCut {
		if r, ok := w.engine.(stt.Resetter); ok {
			if err := r.Reset(); err != nil {
				slog.Warn("routing: engine reset failed", "engine", w.name, "err", err)
			}
		}
		w.dirty = false
		return
	}
	w.drain(ctx)
	// A job received during drain may already be from the next activation.
	if w.superseded(r) {
		return
	}
	w.flush(ctx)
}

// drain processes every job currently queued.
func (w *worker) drain(ctx context.Context) {
	for {
		select {
		case j := <-w.queue:
			w.process(ctx, j)
		default:
			return
		}
	}
}

func (w *worker) flush(ctx context.Context) {
	if !w.dirty {
		return
	}
	w.dirty = false
	f, ok := w.engine.(stt.Flusher)
	if !ok {
		return
	}
	results, err := f.Flush(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.fail(ctx, 0, err)
		}
		return
	}
	w.deliver(ctx, results)
}

func (w *worker) process(ctx context.Context, j job) {
	w.label = j.label
	w.dirty = true

	start := time.Now()
	results, err := w.engine.Accept(ctx, j.frame)
	w.metrics.RecordTranscriptionDuration(ctx, w.label, time.Since(start))
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		w.fail(ctx, j.frame.Index, err)
		return
	}
	w.deliver(ctx, results)
}

func (w *worker) fail(ctx context.Context, index uint64, err error) {
	engErr := &EngineError{Language: w.label, FrameIndex: index, Err: err}
	slog.Warn("routing: transcription failed", "engine", w.name, "language", w.label, "frame", index, "err", err)
	w.metrics.RecordEngineError(ctx, w.label)
	w.emit(Event{Kind: EventEngineError, Language: w.label, Err: engErr})
}

func (w *worker) deliver(ctx context.Context, results []stt.Transcript) {
	for i := range results {
		tr := results[i]
		if tr.Language == "" {
			tr.Language = w.label
		}
		w.metrics.RecordTranscript(ctx, tr.Language, tr.IsFinal)
		w.emit(Event{Kind: EventTranscript, Language: tr.Language, Transcript: &tr})
	}
}
