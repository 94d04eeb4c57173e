//go:build darwin

package service

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	launchAgentLabel = "com.simplyprint.calypso-agent"
	plistTemplate    = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>serve</string>{{if .ConfigPath}}
        <string>--config</string>
        <string>{{.ConfigPath}}</string>{{end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/calypso-agent.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/calypso-agent.err</string>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
</dict>
</plist>
`
)

type darwinService struct {
	opts Options
	err  error
}

// New creates a new platform-specific service manager
func New(opts Options) Service {
	opts, err := opts.withDefaults()
	return &darwinService{opts: opts, err: err}
}

func (s *darwinService) plistPath() string {
	return filepath.Join(s.opts.Home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) logPath() string {
	return filepath.Join(s.opts.Home, "Library", "Logs", "Calypso-Agent")
}

func (s *darwinService) Install() error {
	if s.err != nil {
		return s.err
	}
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	if err := os.MkdirAll(s.logPath(), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	data := unitData{
		Label:          launchAgentLabel,
		ExecutablePath: s.opts.Executable,
		ConfigPath:     s.opts.ConfigPath,
		LogPath:        s.logPath(),
		WorkingDir:     filepath.Dir(s.opts.Executable),
	}
	if err := writeTemplate(s.plistPath(), "plist", plistTemplate, data); err != nil {
		return err
	}

	// Load the launch agent
	if output, err := s.opts.Run("launchctl", "load", "-w", s.plistPath()); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", string(output), err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if s.err != nil {
		return s.err
	}
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Ignore errors if not loaded
	_, _ = s.opts.Run("launchctl", "unload", "-w", s.plistPath())

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	return exists(s.plistPath())
}

func (s *darwinService) Status() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if !s.IsInstalled() {
		return "not installed", nil
	}
	output, err := s.opts.Run("launchctl", "list", launchAgentLabel)
	if err != nil {
		return "installed but not running", nil
	}
	if len(output) > 0 {
		return "running", nil
	}
	return "installed", nil
}
