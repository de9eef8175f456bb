package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/lingoswitch/internal/observe"
	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
)

// SoundConfig tunes the optional sound-event classifier.
type SoundConfig struct {
	// Window is the audio length classified at once. Windows do not overlap.
	Window time.Duration

	// ConfidenceThreshold is the minimum class score reported as an event.
	ConfidenceThreshold float64

	// QueueSize is the capacity of the classifier frame queue.
	QueueSize int

	// Timeout bounds one classification. Zero means no timeout.
	Timeout time.Duration
}

// DefaultSoundConfig returns the default classifier settings.
func DefaultSoundConfig() SoundConfig {
	return SoundConfig{
		Window:              time.Second,
		ConfidenceThreshold: 0.3,
		QueueSize:           100,
		Timeout:             5 * time.Second,
	}
}

// Validate reports every invalid field.
func (c SoundConfig) Validate() error {
	var errs []error
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("sound window %v must be positive", c.Window))
	}
	if !validThreshold(c.ConfidenceThreshold) {
		errs = append(errs, fmt.Errorf("sound confidence_threshold %v must be in (0, 1]", c.ConfidenceThreshold))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("sound queue_size %d must be positive", c.QueueSize))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("sound timeout %v must not be negative", c.Timeout))
	}
	return errors.Join(errs...)
}

// WithSoundClassifier runs c over a copy of the stream and emits an
// [EventSound] for every window whose top class reaches the threshold. The
// caller keeps ownership of c and closes it after Stop.
func WithSoundClassifier(c sound.Classifier, cfg SoundConfig) Option {
	return func(o *Orchestrator) {
		o.soundClassifier = c
		o.soundCfg = cfg
	}
}

// soundMonitor feeds the classifier from its own goroutine, so a slow model
// costs classifier frames and never transcription frames.
type soundMonitor struct {
	classifier sound.Classifier
	cfg        SoundConfig
	frames     chan audio.AudioFrame
	quit       chan struct{}
	emit       func(Event)
	metrics    *observe.Metrics

	// Touched only by the monitor goroutine.
	buf   []byte
	rate  int
	start time.Duration
	have  time.Duration
}

func newSoundMonitor(c sound.Classifier, cfg SoundConfig, emit func(Event), m *observe.Metrics) *soundMonitor {
	return &soundMonitor{
		classifier: c,
		cfg:        cfg,
		frames:     make(chan audio.AudioFrame, cfg.QueueSize),
		quit:       make(chan struct{}),
		emit:       emit,
		metrics:    m,
	}
}

// offer queues f without blocking. Only the frame goroutine calls it.
func (m *soundMonitor) offer(f audio.AudioFrame) {
	if offer(m.frames, f) {
		m.metrics.RecordFrameDropped(context.Background(), observe.StageSound)
	}
}

// run classifies until quit is closed, then handles the frames still queued.
// A trailing partial window is discarded.
func (m *soundMonitor) run(ctx context.Context) {
	for {
		select {
		case f := <-m.frames:
			m.push(ctx, f)
		case <-m.quit:
			for {
				select {
				case f := <-m.frames:
					m.push(ctx, f)
				default:
					return
				}
			}
		}
	}
}

func (m *soundMonitor) push(ctx context.Context, f audio.AudioFrame) {
	if len(f.Data) == 0 || f.SampleRate <= 0 {
		return
	}
	if m.rate != f.SampleRate {
		m.buf, m.have = m.buf[:0], 0
		m.rate = f.SampleRate
	}
	if m.have == 0 {
		m.start = f.Timestamp
	}
	m.buf = append(m.buf, audio.DownmixToMono(f.Data, f.Channels)...)
	m.have += f.Duration()
	if m.have < m.cfg.Window {
		return
	}
	m.classify(ctx, m.buf, m.start)
	m.buf, m.have = m.buf[:0], 0
}

func (m *soundMonitor) classify(ctx context.Context, pcm []byte, start time.Duration) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	ev, err := m.classifier.Classify(ctx, pcm, m.rate)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		m.metrics.RecordSoundClassification(ctx, "error")
		slog.Warn("routing: sound classification failed", "offset", start, "err", err)
		return
	}
	if ev.Confidence < m.cfg.ConfidenceThreshold {
		m.metrics.RecordSoundClassification(ctx, "below_threshold")
		slog.Debug("routing: sound below threshold", "label", ev.Label, "confidence", ev.Confidence)
		return
	}
	ev.Offset = start
	m.metrics.RecordSoundClassification(ctx, "event")
	slog.Debug("routing: sound event", "label", ev.Label, "confidence", ev.Confidence, "offset", start)
	e := Event{Kind: EventSound, Sound: &ev}
	if !ev.Time.IsZero() {
		e.Time = ev.Time
	}
	m.emit(e)
}
