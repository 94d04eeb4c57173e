//go:build !linux && !darwin

package service

type unsupported struct{}

// New creates a new platform-specific service manager
func New(Options) Service { return unsupported{} }

func (unsupported) Install() error          { return ErrUnsupported }
func (unsupported) Uninstall() error        { return ErrUnsupported }
func (unsupported) IsInstalled() bool       { return false }
func (unsupported) Status() (string, error) { return "", ErrUnsupported }
