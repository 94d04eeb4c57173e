package sam

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

// BreakerConfig tunes the circuit breaker of a Guard.
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// DefaultBreakerConfig trips after five consecutive module errors and probes
// again after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Guard wraps a security module in a circuit breaker so that a module that
// keeps failing is reported as unreachable instead of being hammered.
type Guard struct {
	inner   calypso.SecurityModule
	breaker *gobreaker.CircuitBreaker
}

// NewGuard wraps inner under name.
func NewGuard(name string, inner calypso.SecurityModule, cfg BreakerConfig) *Guard {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn(logging.CatSAM, "Security module breaker state changed", map[string]any{
				"module": name,
				"from":   from.String(),
				"to":     to.String(),
			})
		},
	}
	return &Guard{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker state name.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

func (g *Guard) run(fn func() (any, error)) (any, error) {
	v, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &calypso.SecurityError{Reason: calypso.ReasonModuleUnreachable, Err: err}
	}
	return v, err
}

func (g *Guard) GetChallenge() ([]byte, error) {
	v, err := g.run(func() (any, error) { return g.inner.GetChallenge() })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (g *Guard) DigestInit(params calypso.DigestParams) error {
	_, err := g.run(func() (any, error) { return nil, g.inner.DigestInit(params) })
	return err
}

func (g *Guard) DigestUpdate(cmd, resp []byte) error {
	_, err := g.run(func() (any, error) { return nil, g.inner.DigestUpdate(cmd, resp) })
	return err
}

func (g *Guard) DigestClose() ([]byte, error) {
	v, err := g.run(func() (any, error) { return g.inner.DigestClose() })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// DigestAuthenticate counts only module errors against the breaker. A
// mismatching card MAC is a card problem.
func (g *Guard) DigestAuthenticate(cardMAC []byte) (bool, error) {
	v, err := g.run(func() (any, error) { return g.inner.DigestAuthenticate(cardMAC) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// CanSignSv reports whether the wrapped module signs SV commands.
func (g *Guard) CanSignSv() bool {
	_, ok := g.inner.(calypso.SvSigner)
	return ok
}

// SignSv forwards to the wrapped module when it can sign.
func (g *Guard) SignSv(serial []byte, level calypso.AccessLevel, cmd []byte) ([]byte, error) {
	signer, ok := g.inner.(calypso.SvSigner)
	if !ok {
		return nil, &calypso.SecurityError{Reason: calypso.ReasonSvSignatureUnavailable}
	}
	v, err := g.run(func() (any, error) { return signer.SignSv(serial, level, cmd) })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
