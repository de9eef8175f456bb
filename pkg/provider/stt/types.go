package stt

import "time"

// Transcript is one partial or final recognition result.
type Transcript struct {
	Text string

	// IsFinal is false for interim hypotheses that a later result replaces.
	IsFinal bool

	// Confidence in [0, 1]; zero when the engine does not score results.
	Confidence float64

	// Words is nil unless the engine reports word timings.
	Words []Word

	// Language is the ISO 639-1 code the text was recognised in, if known.
	Language string

	// Timestamp and Duration locate the utterance relative to stream start.
	Timestamp time.Duration
	Duration  time.Duration
}

// Word is a single recognised word with its timing.
type Word struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// LanguageEstimate is the outcome of one [Detector.DetectLanguage] call.
type LanguageEstimate struct {
	// Language is an ISO 639-1 code such as "en" or "ja".
	Language string

	// Confidence is the probability of Language in [0, 1].
	Confidence float64

	// Timestamp is when the estimate was produced.
	Timestamp time.Time
}
