package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	// RestartRequired lists top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldT := old.Routing.Routing().ConfidenceThreshold
	newT := new.Routing.Routing().ConfidenceThreshold
	if oldT != newT {
		d.ThresholdChanged = true
		d.NewThreshold = newT
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !equalProvider(old.Audio.Source, new.Audio.Source) ||
		old.Audio.SampleRate != new.Audio.SampleRate || old.Audio.FrameMS != new.Audio.FrameMS {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	oldR, newR := old.Routing, new.Routing
	oldR.ConfidenceThreshold, newR.ConfidenceThreshold = 0, 0
	if oldR != newR {
		d.RestartRequired = append(d.RestartRequired, "routing")
	}
	if !equalEngines(old.Engines, new.Engines) {
		d.RestartRequired = append(d.RestartRequired, "engines")
	}
	if !equalSinks(old.Sink, new.Sink) {
		d.RestartRequired = append(d.RestartRequired, "sink")
	}
	if !equalSound(old.Sound, new.Sound) {
		d.RestartRequired = append(d.RestartRequired, "sound")
	}
	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// equalProvider compares entries by their scalar fields; Options maps are
// compared by key set and formatted value.
func equalProvider(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || formatOption(v) != formatOption(w) {
			return false
		}
	}
	return true
}

func equalEngines(a, b EnginesConfig) bool {
	if !equalProvider(a.Universal, b.Universal) {
		return false
	}
	if !slices.EqualFunc(a.UniversalFallbacks, b.UniversalFallbacks, equalProvider) {
		return false
	}
	return slices.EqualFunc(a.Languages, b.Languages, func(x, y LanguageEntry) bool {
		return x.Language == y.Language && equalProvider(x.ProviderEntry, y.ProviderEntry)
	})
}

func equalSound(a, b *SoundConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return equalProvider(a.ProviderEntry, b.ProviderEntry) &&
		a.Window == b.Window && a.ConfidenceThreshold == b.ConfidenceThreshold &&
		a.QueueSize == b.QueueSize && a.Timeout == b.Timeout
}

func equalSinks(a, b SinkConfig) bool {
	if a.Log != b.Log {
		return false
	}
	if (a.UDP == nil) != (b.UDP == nil) || (a.UDP != nil && *a.UDP != *b.UDP) {
		return false
	}
	if (a.Redis == nil) != (b.Redis == nil) || (a.Redis != nil && *a.Redis != *b.Redis) {
		return false
	}
	return true
}
