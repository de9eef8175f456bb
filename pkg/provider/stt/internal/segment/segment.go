// Package segment groups a continuous frame stream into utterances for batch
// recognizers (whisper.cpp, the OpenAI transcription API) using an
// energy-based silence detector and a noise gate.
package segment

import (
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
)

const (
	// DefaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible
	// value for 16-bit audio is 32 767; 300 corresponds to near-silence.
	DefaultRMSThreshold = 300.0

	// DefaultNoiseThreshold is the mean absolute amplitude (normalised to
	// [0, 1]) below which a whole utterance is treated as background noise.
	DefaultNoiseThreshold = 0.01

	DefaultSilenceThreshold  = 500 * time.Millisecond
	DefaultMaxBufferDuration = 10 * time.Second
)

// Utterance is a completed speech segment ready for inference.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Start      time.Duration
	Duration   time.Duration
}

// Segmenter is not safe for concurrent use; engines confine it to the
// goroutine calling Accept. The threshold fields may be set before first use.
type Segmenter struct {
	SilenceThreshold time.Duration
	MaxBuffer        time.Duration
	RMSThreshold     float64
	NoiseThreshold   float64

	buffer     []byte
	sampleRate int
	buffered   time.Duration
	start      time.Duration
	hadSpeech  bool
	silence    time.Duration
}

// New returns a Segmenter with default thresholds.
func New() *Segmenter {
	return &Segmenter{
		SilenceThreshold: DefaultSilenceThreshold,
		MaxBuffer:        DefaultMaxBufferDuration,
		RMSThreshold:     DefaultRMSThreshold,
		NoiseThreshold:   DefaultNoiseThreshold,
	}
}

// Push adds frame to the current utterance. It returns a completed utterance
// when enough trailing silence has accumulated after speech or the buffer
// reached its maximum duration.
func (s *Segmenter) Push(frame audio.AudioFrame) (Utterance, bool) {
	d := frame.Duration()
	if audio.RMS(frame.Data) < s.RMSThreshold {
		// Leading silence before any speech is discarded.
		if !s.hadSpeech {
			return Utterance{}, false
		}
		s.silence += d
		s.append(frame, d)
		if s.silence >= s.SilenceThreshold {
			return s.cut()
		}
		return Utterance{}, false
	}

	if !s.hadSpeech {
		s.start = frame.Timestamp
	}
	s.hadSpeech = true
	s.silence = 0
	s.append(frame, d)
	if s.MaxBuffer > 0 && s.buffered >= s.MaxBuffer {
		return s.cut()
	}
	return Utterance{}, false
}

// Drain returns whatever speech is buffered, regardless of trailing silence.
func (s *Segmenter) Drain() (Utterance, bool) {
	return s.cut()
}

// Reset discards buffered audio.
func (s *Segmenter) Reset() {
	s.buffer = nil
	s.buffered = 0
	s.hadSpeech = false
	s.silence = 0
}

// IsNoise reports whether pcm is too quiet to be worth recognizing.
func (s *Segmenter) IsNoise(pcm []byte) bool {
	return len(pcm) == 0 || audio.MeanAbsAmplitude(pcm) < s.NoiseThreshold
}

func (s *Segmenter) append(frame audio.AudioFrame, d time.Duration) {
	s.buffer = append(s.buffer, frame.Data...)
	s.sampleRate = frame.SampleRate
	s.buffered += d
}

func (s *Segmenter) cut() (Utterance, bool) {
	u := Utterance{PCM: s.buffer, SampleRate: s.sampleRate, Start: s.start, Duration: s.buffered}
	hadSpeech := s.hadSpeech
	s.Reset()
	if !hadSpeech || s.IsNoise(u.PCM) {
		return Utterance{}, false
	}
	return u, true
}
