package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voicetyper/internal/inject"
	"github.com/MrWong99/voicetyper/pkg/audio"
	"github.com/MrWong99/voicetyper/pkg/provider/stt"
	"github.com/MrWong99/voicetyper/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stt    map[string]func(TranscriptionConfig) (stt.Provider, error)
	vad    map[string]func(VADConfig) (vad.Engine, error)
	typers map[string]func(name string) (inject.Typer, error)
	source map[string]func(AudioConfig) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:    make(map[string]func(TranscriptionConfig) (stt.Provider, error)),
		vad:    make(map[string]func(VADConfig) (vad.Engine, error)),
		typers: make(map[string]func(string) (inject.Typer, error)),
		source: make(map[string]func(AudioConfig) (audio.Source, error)),
	}
}

// RegisterSTT registers a transcription provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(TranscriptionConfig) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterTyper registers a typing backend factory under name. The factory
// receives the name it was registered under.
func (r *Registry) RegisterTyper(name string, factory func(name string) (inject.Typer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typers[name] = factory
}

// RegisterSource registers an audio source factory under name.
func (r *Registry) RegisterSource(name string, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[name] = factory
}

// CreateSTT instantiates the transcription provider named by cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateSTT(cfg TranscriptionConfig) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateVAD instantiates the VAD engine named by cfg.Name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateTyper instantiates the typing backend registered under name.
func (r *Registry) CreateTyper(name string) (inject.Typer, error) {
	r.mu.RLock()
	factory, ok := r.typers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: typer/%q", ErrProviderNotRegistered, name)
	}
	return factory(name)
}

// CreateSource instantiates the audio source named by cfg.Source.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.source[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, cfg.Source)
	}
	return factory(cfg)
}
