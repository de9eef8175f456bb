package routing

import (
	"slices"

	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// Reason explains a routing decision.
type Reason string

const (
	// ReasonLowConfidence: the estimate was below the confidence threshold.
	ReasonLowConfidence Reason = "low_confidence"
	// ReasonAlreadyActive: the detected language is already being served.
	ReasonAlreadyActive Reason = "already_active"
	// ReasonSupported: a direct transcriber exists for the detected language.
	ReasonSupported Reason = "supported"
	// ReasonUnsupported: no direct transcriber exists, so the universal engine
	// takes over, tagged with the detected language.
	ReasonUnsupported Reason = "unsupported"
	// ReasonManual: an operator override through SwitchService.
	ReasonManual Reason = "manual"
	// ReasonStartup: the initial switch to the default language.
	ReasonStartup Reason = "startup"
)

// Policy holds the tunables of the switching decision.
type Policy struct {
	// ConfidenceThreshold is the minimum estimate confidence that may cause a
	// switch, in (0, 1].
	ConfidenceThreshold float64
}

// Target names the engine a switch should route to.
type Target struct {
	// Language is the direct transcriber language. Ignored when Universal.
	Language string
	// Universal selects the universal engine.
	Universal bool
	// Tag is the detected language the universal engine is serving.
	Tag string
}

// UniversalTarget returns a Target for the universal engine tagged with tag.
func UniversalTarget(tag string) Target {
	return Target{Universal: true, Tag: tag}
}

// LanguageTarget returns a Target for the direct transcriber of language.
func LanguageTarget(language string) Target {
	return Target{Language: language}
}

// ParseTarget maps "universal" (or "") to the untagged universal engine and
// anything else to a direct transcriber.
func ParseTarget(s string) Target {
	if s == "" || s == UniversalLanguage {
		return UniversalTarget("")
	}
	return LanguageTarget(s)
}

// String returns the language, or "universal" / "universal[tag]".
func (t Target) String() string {
	if !t.Universal {
		return t.Language
	}
	if t.Tag == "" {
		return UniversalLanguage
	}
	return UniversalLanguage + "[" + t.Tag + "]"
}

// Decision is the outcome of [Decide].
type Decision struct {
	Switch   bool
	Target   Target
	Reason   Reason
	Estimate stt.LanguageEstimate
}

// Decide applies the switching rules to one estimate. It is a pure function
// of its arguments; available must list the loaded direct transcribers.
//
// Rules, first match wins:
//  1. confidence below threshold: stay.
//  2. detected language equals the active language: stay.
//  3. detected language has a direct transcriber: switch to it.
//  4. otherwise switch to the universal engine tagged with the language,
//     unless it is already active with that tag.
func Decide(est stt.LanguageEstimate, state RoutingState, p Policy, available []string) Decision {
	d := Decision{Estimate: est}

	if est.Confidence < p.ConfidenceThreshold {
		d.Reason = ReasonLowConfidence
		return d
	}
	if est.Language == state.ActiveLanguage {
		d.Reason = ReasonAlreadyActive
		return d
	}
	if slices.Contains(available, est.Language) {
		d.Switch = true
		d.Target = LanguageTarget(est.Language)
		d.Reason = ReasonSupported
		return d
	}
	if state.Active.Universal && state.Active.Tag == est.Language {
		d.Reason = ReasonAlreadyActive
		return d
	}
	d.Switch = true
	d.Target = UniversalTarget(est.Language)
	d.Reason = ReasonUnsupported
	return d
}
