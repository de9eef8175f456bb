package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	sttmock "github.com/MrWong99/lingoswitch/pkg/provider/stt/mock"
)

func newTestWorker(t *testing.T, e stt.Engine, size int) (*worker, *recordingSink) {
	t.Helper()
	m, _ := newTestMetrics(t)
	sink := &recordingSink{}
	w := newWorker(EngineHandle{Language: "en", engine: e}, size, sink.Emit, m)
	return w, sink
}

func startWorker(t *testing.T, w *worker) {
	t.Helper()
	go w.run(context.Background())
	t.Cleanup(func() {
		select {
		case <-w.quit:
		default:
			close(w.quit)
		}
		<-w.done
	})
}

func TestWorker_EnqueueDropsOldest(t *testing.T) {
	w, _ := newTestWorker(t, &sttmock.Engine{}, 2)

	for i := range 3 {
		dropped := w.enqueue(job{frame: frameOf(uint64(i), 250*time.Millisecond), label: "en"})
		if want := i == 2; dropped != want {
			t.Errorf("enqueue %d: dropped = %v, want %v", i, dropped, want)
		}
	}
	first, second := <-w.queue, <-w.queue
	if first.frame.Index != 1 || second.frame.Index != 2 {
		t.Errorf("queue holds %d,%d; want 1,2", first.frame.Index, second.frame.Index)
	}
}

func TestWorker_FinishProcessesQueueThenFlushes(t *testing.T) {
	e := &sttmock.Engine{FlushResults: []stt.Transcript{{Text: "tail", IsFinal: true}}}
	w, sink := newTestWorker(t, e, 8)

	for i := range 3 {
		w.enqueue(job{frame: frameOf(uint64(i), 250*time.Millisecond), label: "en"})
	}
	if n := w.releaseEngine(PreviousFinish); n != 0 {
		t.Fatalf("finish mode discarded %d frames", n)
	}
	startWorker(t, w)

	waitFor(t, "flush", func() bool {
		_, flush, _, _ := e.Calls()
		return flush == 1
	})
	if got := e.AcceptCallCount(); got != 3 {
		t.Errorf("Accept calls = %d, want 3 before flush", got)
	}
	evs := sink.ofKind(EventTranscript)
	if len(evs) != 1 || evs[0].Transcript.Text != "tail" || evs[0].Language != "en" {
		t.Fatalf("transcript events = %+v", evs)
	}
}

func TestWorker_HardCutDiscardsAndResets(t *testing.T) {
	e := &sttmock.Engine{}
	w, _ := newTestWorker(t, e, 8)

	for i := range 3 {
		w.enqueue(job{frame: frameOf(uint64(i), 250*time.Millisecond), label: "en"})
	}
	if n := w.releaseEngine(PreviousHardCut); n != 3 {
		t.Fatalf("discarded = %d, want 3", n)
	}
	startWorker(t, w)

	waitFor(t, "reset", func() bool {
		_, _, reset, _ := e.Calls()
		return reset == 1
	})
	if got := e.AcceptCallCount(); got != 0 {
		t.Errorf("Accept calls = %d, want 0", got)
	}
}

func TestWorker_EngineErrorEmitsEvent(t *testing.T) {
	e := &sttmock.Engine{AcceptErr: errors.New("decoder crashed")}
	w, sink := newTestWorker(t, e, 8)
	startWorker(t, w)

	w.enqueue(job{frame: frameOf(7, 250*time.Millisecond), label: "en"})
	w.enqueue(job{frame: frameOf(8, 250*time.Millisecond), label: "en"})

	waitFor(t, "engine errors", func() bool { return len(sink.ofKind(EventEngineError)) == 2 })
	var engErr *EngineError
	if !errors.As(sink.ofKind(EventEngineError)[0].Err, &engErr) {
		t.Fatal("event error is not an EngineError")
	}
	if engErr.FrameIndex != 7 || engErr.Language != "en" {
		t.Errorf("EngineError = %+v", engErr)
	}
}

func TestWorker_QuitDrainsAndFlushes(t *testing.T) {
	e := &sttmock.Engine{Results: []stt.Transcript{{Text: "hi"}}}
	w, sink := newTestWorker(t, e, 8)
	for i := range 4 {
		w.enqueue(job{frame: frameOf(uint64(i), 250*time.Millisecond), label: "en"})
	}
	close(w.quit)
	w.run(context.Background())

	if got := e.AcceptedIndices(); len(got) != 4 || got[3] != 3 {
		t.Errorf("accepted = %v, want 0..3", got)
	}
	if _, flush, _, _ := e.Calls(); flush != 1 {
		t.Errorf("flush calls = %d, want 1", flush)
	}
	if n := len(sink.ofKind(EventTranscript)); n != 4 {
		t.Errorf("transcripts = %d, want 4", n)
	}
}

func TestWorker_ReactivationSupersedesPendingRelease(t *testing.T) {
	tests := []struct {
		name       string
		mode       PreviousEngineMode
		wantAccept int
	}{
		{"finish", PreviousFinish, 4},
		{"hard-cut", PreviousHardCut, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &sttmock.Engine{}
			w, _ := newTestWorker(t, e, 8)
			settled := func() int {
				_, flush, reset, _ := e.Calls()
				return flush + reset
			}

			w.activate()
			w.enqueue(job{frame: frameOf(0, 250*time.Millisecond), label: "en"})
			w.enqueue(job{frame: frameOf(1, 250*time.Millisecond), label: "en"})
			w.releaseEngine(tt.mode)

			// Switched back before the worker saw the release.
			w.activate()
			w.enqueue(job{frame: frameOf(2, 250*time.Millisecond), label: "en"})
			w.enqueue(job{frame: frameOf(3, 250*time.Millisecond), label: "en"})
			startWorker(t, w)

			waitFor(t, "frames accepted", func() bool { return e.AcceptCallCount() == tt.wantAccept })
			if n := settled(); n != 0 {
				t.Fatalf("stale release flushed or reset the engine %d times", n)
			}

			// A release for the current activation still applies.
			w.releaseEngine(tt.mode)
			waitFor(t, "settle", func() bool { return settled() == 1 })
		})
	}
}
