package config

import (
	"sync/atomic"
	"time"
)

// Defaults for the hot-reloadable engine settings.
const (
	DefaultMaxActivationsInFlight  = 16
	DefaultActivationRetryInterval = 10 * time.Second
)

// Settings are the hot-reloadable knobs of the background activator. The
// engine re-reads them on every drain pass, so an update takes effect without
// restarting anything.
type Settings struct {
	// MaxInFlight caps concurrent background activations and epoch-store
	// writes issued by the engine.
	MaxInFlight int
	// RetryInterval is the default delay before retrying after a transient
	// failure.
	RetryInterval time.Duration
	// UseNewStorageSetFormat is passed through to the nodeset reconciler.
	UseNewStorageSetFormat bool
}

// DefaultSettings returns the built-in settings values.
func DefaultSettings() Settings {
	return Settings{
		MaxInFlight:   DefaultMaxActivationsInFlight,
		RetryInterval: DefaultActivationRetryInterval,
	}
}

// SettingsHolder publishes the current Settings to any number of readers.
type SettingsHolder struct {
	current atomic.Pointer[Settings]
}

// NewSettingsHolder creates a holder seeded with s.
func NewSettingsHolder(s Settings) *SettingsHolder {
	h := &SettingsHolder{}
	h.current.Store(&s)
	return h
}

// Get returns the current settings snapshot.
func (h *SettingsHolder) Get() Settings {
	return *h.current.Load()
}

// Update replaces the settings snapshot.
func (h *SettingsHolder) Update(s Settings) {
	h.current.Store(&s)
}
