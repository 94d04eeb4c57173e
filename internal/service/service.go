// Package service installs the agent as a per-user background service.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const appName = "calypso-agent"

var (
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrNotInstalled     = errors.New("service not installed")
	ErrUnsupported      = errors.New("service install not supported on this platform")
)

// Service manages the agent's auto-start registration.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// Options locates the service files. Zero fields use the current user's
// home directory and executable.
type Options struct {
	Home       string
	ConfigHome string // XDG config directory, defaults to $XDG_CONFIG_HOME or Home/.config
	Executable string
	ConfigPath string // passed to "serve --config" when set

	// Run executes service manager commands; tests replace it.
	Run func(name string, args ...string) ([]byte, error)
}

func (o Options) withDefaults() (Options, error) {
	if o.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return o, fmt.Errorf("failed to get home directory: %w", err)
		}
		o.Home = home
		if o.ConfigHome == "" {
			o.ConfigHome = os.Getenv("XDG_CONFIG_HOME")
		}
	}
	if o.ConfigHome == "" {
		o.ConfigHome = filepath.Join(o.Home, ".config")
	}
	if o.Executable == "" {
		execPath, err := os.Executable()
		if err != nil {
			return o, fmt.Errorf("failed to get executable path: %w", err)
		}
		// Resolve symlinks
		if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
			return o, fmt.Errorf("failed to resolve executable path: %w", err)
		}
		o.Executable = execPath
	}
	if o.Run == nil {
		o.Run = func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		}
	}
	return o, nil
}

// unitData is what the platform templates render.
type unitData struct {
	Label          string
	ExecutablePath string
	ConfigPath     string
	LogPath        string
	WorkingDir     string
}

// writeTemplate renders text into path, creating its directory.
func writeTemplate(path, name, text string, data unitData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", name, err)
	}
	defer f.Close()
	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write %s file: %w", name, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
