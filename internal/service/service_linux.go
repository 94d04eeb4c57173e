//go:build linux

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// systemd user unit; the agent is headless so no graphical session is needed
const unitTemplate = `[Unit]
Description=Calypso Agent - secure session transaction service
After=pcscd.service

[Service]
Type=simple
ExecStart={{.ExecutablePath}} serve{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type linuxService struct {
	opts Options
	err  error
}

// New creates a new platform-specific service manager
func New(opts Options) Service {
	opts, err := opts.withDefaults()
	return &linuxService{opts: opts, err: err}
}

func (s *linuxService) unitPath() string {
	return filepath.Join(s.opts.ConfigHome, "systemd", "user", appName+".service")
}

func (s *linuxService) systemctl(args ...string) error {
	out, err := s.opts.Run("systemctl", append([]string{"--user"}, args...)...)
	if err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (s *linuxService) Install() error {
	if s.err != nil {
		return s.err
	}
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	data := unitData{ExecutablePath: s.opts.Executable, ConfigPath: s.opts.ConfigPath}
	if err := writeTemplate(s.unitPath(), "unit", unitTemplate, data); err != nil {
		return err
	}
	if err := s.systemctl("daemon-reload"); err != nil {
		return err
	}
	return s.systemctl("enable", "--now", appName+".service")
}

func (s *linuxService) Uninstall() error {
	if s.err != nil {
		return s.err
	}
	if !s.IsInstalled() {
		return ErrNotInstalled
	}
	// Ignore errors if not running
	_ = s.systemctl("disable", "--now", appName+".service")
	if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	return s.systemctl("daemon-reload")
}

func (s *linuxService) IsInstalled() bool {
	return exists(s.unitPath())
}

func (s *linuxService) Status() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if !s.IsInstalled() {
		return "not installed", nil
	}
	out, _ := s.opts.Run("systemctl", "--user", "is-active", appName+".service")
	state := strings.TrimSpace(string(out))
	if state == "active" {
		return "running", nil
	}
	if state == "" {
		state = "unknown"
	}
	return fmt.Sprintf("installed but not running (%s)", state), nil
}
