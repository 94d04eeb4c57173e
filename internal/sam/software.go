package sam

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
)

var (
	// ErrNoSession is returned when a digest call comes before DigestInit.
	ErrNoSession = errors.New("no digest in progress")
	// ErrNoKey is returned when no master key is loaded for a level.
	ErrNoKey = errors.New("no key for access level")
)

// Keys maps each access level to its master key.
type Keys map[calypso.AccessLevel][]byte

// Software is a security module computing session codes in process.
type Software struct {
	mu   sync.Mutex
	name string
	keys Keys
	rand io.Reader

	sessionKey []byte
	transcript *Transcript
	digest     []byte

	challenges      int
	authentications int
}

// SoftwareOption configures a Software module.
type SoftwareOption func(*Software)

// WithRandom sets the challenge source. Tests use a deterministic reader.
func WithRandom(r io.Reader) SoftwareOption {
	return func(s *Software) { s.rand = r }
}

// NewSoftware returns a software module holding keys.
func NewSoftware(name string, keys Keys, opts ...SoftwareOption) *Software {
	s := &Software{name: name, keys: keys, rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the module in logs and pools.
func (s *Software) Name() string { return s.name }

func (s *Software) cardKey(level calypso.AccessLevel, serial []byte) ([]byte, error) {
	master, ok := s.keys[level]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoKey, level)
	}
	return DiversifyKey(master, serial), nil
}

func (s *Software) GetChallenge() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(s.rand, c); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	s.challenges++
	return c, nil
}

func (s *Software) DigestInit(params calypso.DigestParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(params.OpenResponse) < 4 {
		return fmt.Errorf("open response too short: %d bytes", len(params.OpenResponse))
	}
	key, err := s.cardKey(params.Level, params.Serial)
	if err != nil {
		return err
	}
	s.sessionKey = SessionKey(key, params.SamChallenge, params.OpenResponse[:4])
	s.transcript = NewTranscript(params.OpenResponse)
	s.digest = nil
	return nil
}

func (s *Software) DigestUpdate(cmd, resp []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		return ErrNoSession
	}
	s.transcript.Add(cmd, resp)
	return nil
}

func (s *Software) DigestClose() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		return nil, ErrNoSession
	}
	s.digest = s.transcript.Sum()
	s.transcript = nil
	return TerminalMAC(s.sessionKey, s.digest), nil
}

func (s *Software) DigestAuthenticate(cardMAC []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digest == nil {
		return false, ErrNoSession
	}
	expected := CardMAC(s.sessionKey, s.digest)
	s.sessionKey, s.digest = nil, nil
	s.authentications++
	return hmac.Equal(expected, cardMAC), nil
}

// SignSv signs a stored-value command for use outside a secure session.
func (s *Software) SignSv(serial []byte, level calypso.AccessLevel, cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.cardKey(level, serial)
	if err != nil {
		return nil, err
	}
	return SvSignature(key, cmd), nil
}

// Stats reports how many challenges and card authentications were served.
func (s *Software) Stats() (challenges, authentications int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenges, s.authentications
}
