package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/lingoswitch/pkg/audio/source"
	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TranscriberFactory builds a direct engine for entry.Language.
type TranscriberFactory func(entry LanguageEntry, audio AudioConfig) (stt.Engine, error)

// UniversalFactory builds a multilingual engine.
type UniversalFactory func(entry ProviderEntry, audio AudioConfig) (stt.Universal, error)

// SourceFactory opens an audio source.
type SourceFactory func(audio AudioConfig) (source.Source, error)

// SoundFactory builds a sound-event classifier.
type SoundFactory func(cfg SoundConfig) (sound.Classifier, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transcriber map[string]TranscriberFactory
	universal   map[string]UniversalFactory
	source      map[string]SourceFactory
	sound       map[string]SoundFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcriber: make(map[string]TranscriberFactory),
		universal:   make(map[string]UniversalFactory),
		source:      make(map[string]SourceFactory),
		sound:       make(map[string]SoundFactory),
	}
}

// RegisterTranscriber registers a direct engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[name] = factory
}

// RegisterUniversal registers a universal engine factory under name.
func (r *Registry) RegisterUniversal(name string, factory UniversalFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.universal[name] = factory
}

// RegisterSource registers an audio source factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[name] = factory
}

// RegisterSound registers a sound classifier factory under name.
func (r *Registry) RegisterSound(name string, factory SoundFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sound[name] = factory
}

// CreateTranscriber instantiates a direct engine using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateTranscriber(entry LanguageEntry, audio AudioConfig) (stt.Engine, error) {
	r.mu.RLock()
	factory, ok := r.transcriber[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcriber/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, audio)
}

// CreateUniversal instantiates a universal engine using the factory registered under entry.Name.
func (r *Registry) CreateUniversal(entry ProviderEntry, audio AudioConfig) (stt.Universal, error) {
	r.mu.RLock()
	factory, ok := r.universal[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: universal/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, audio)
}

// CreateSource opens the audio source registered under audio.Source.Name.
func (r *Registry) CreateSource(audio AudioConfig) (source.Source, error) {
	r.mu.RLock()
	factory, ok := r.source[audio.Source.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, audio.Source.Name)
	}
	return factory(audio)
}

// CreateSound instantiates the classifier registered under cfg.Name.
func (r *Registry) CreateSound(cfg SoundConfig) (sound.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.sound[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sound/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Names returns the sorted registered names for kind ("transcriber",
// "universal", "source" or "sound").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "transcriber":
		for n := range r.transcriber {
			names = append(names, n)
		}
	case "universal":
		for n := range r.universal {
			names = append(names, n)
		}
	case "source":
		for n := range r.source {
			names = append(names, n)
		}
	case "sound":
		for n := range r.sound {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
