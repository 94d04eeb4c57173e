// Package settings persists operator preferences that can be changed while
// the agent runs.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds operator preferences that persist across restarts.
type Settings struct {
	CrashReporting bool `json:"crashReporting"` // opt-in Sentry reporting
	// PrewarmChallenge fetches the security module challenge for the next
	// transaction as soon as the previous one finishes.
	PrewarmChallenge bool `json:"prewarmChallenge"`
	// JournalRetentionDays bounds how long finished transactions are kept.
	// Zero keeps everything.
	JournalRetentionDays int `json:"journalRetentionDays"`
}

var (
	current  *Settings
	mu       sync.RWMutex
	pathOver string
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting:       false,
		PrewarmChallenge:     true,
		JournalRetentionDays: 90,
	}
}

// SetPath stores settings at path instead of the user config directory and
// forgets what was loaded.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOver = path
	current = nil
}

func settingsPath() (string, error) {
	if pathOver != "" {
		return pathOver, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "calypso-agent", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if the file doesn't
// exist.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	current = DefaultSettings()
	path, err := settingsPath()
	if err != nil {
		return current, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return current, nil
	}
	if err != nil {
		return current, err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return current, err
	}
	current = s
	return current, nil
}

func save() error {
	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return *current
	}
	mu.RUnlock()

	s, _ := Load()
	return *s
}

// Update applies fn to the current settings and saves them. An unreadable
// settings file leaves the defaults in place.
func Update(fn func(*Settings)) (Settings, error) {
	mu.RLock()
	loaded := current != nil
	mu.RUnlock()
	if !loaded {
		_, _ = Load()
	}

	mu.Lock()
	defer mu.Unlock()
	fn(current)
	if current.JournalRetentionDays < 0 {
		current.JournalRetentionDays = 0
	}
	return *current, save()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	_, err := Update(func(s *Settings) { s.CrashReporting = enabled })
	return err
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}
