package calypso

import (
	"context"
	"crypto/sha256"
	"errors"
	"hash"
	"time"

	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

type challengeResult struct {
	challenge []byte
	err       error
}

// securityContext owns the security module handle for the duration of a
// transaction and chains every data exchange into one transcript hash, so
// that a transaction split into sub-sessions hashes the same as a single
// continuous dialogue.
type securityContext struct {
	module  SecurityModule
	pool    ResourcePool
	profile string
	timeout time.Duration
	pooled  bool

	prefetch chan challengeResult

	active      bool
	subSessions int
	chain       hash.Hash
	digest      []byte
}

func newSecurityContext(module SecurityModule, pool ResourcePool, profile string, timeout time.Duration) *securityContext {
	return &securityContext{
		module:  module,
		pool:    pool,
		profile: profile,
		timeout: timeout,
	}
}

// acquire makes sure a module handle is held, taking one from the pool when
// none was injected.
func (s *securityContext) acquire(ctx context.Context) error {
	if s.module != nil {
		return nil
	}
	if s.pool == nil {
		return &ResourceUnavailableError{Profile: s.profile, Err: errors.New("no security module configured")}
	}
	module, err := s.pool.Acquire(ctx, s.profile, s.timeout)
	if err != nil {
		var rue *ResourceUnavailableError
		if errors.As(err, &rue) {
			return err
		}
		return &ResourceUnavailableError{Profile: s.profile, Err: err}
	}
	s.module = module
	s.pooled = true
	logging.Debug(logging.CatSAM, "Security module acquired", map[string]any{
		"profile": s.profile,
	})
	return nil
}

// release hands a pooled module back. Injected modules are kept.
func (s *securityContext) release() {
	s.awaitPrefetch()
	if !s.pooled || s.module == nil {
		return
	}
	s.pool.Release(s.module)
	s.module = nil
	s.pooled = false
	logging.Debug(logging.CatSAM, "Security module released", map[string]any{
		"profile": s.profile,
	})
}

// prewarm fetches the next challenge in the background.
func (s *securityContext) prewarm() {
	if s.prefetch != nil || s.module == nil {
		return
	}
	ch := make(chan challengeResult, 1)
	s.prefetch = ch
	module := s.module
	go func() {
		c, err := module.GetChallenge()
		ch <- challengeResult{challenge: c, err: err}
	}()
}

func (s *securityContext) awaitPrefetch() {
	if s.prefetch != nil {
		<-s.prefetch
		s.prefetch = nil
	}
}

// challenge returns the prefetched challenge if there is one, otherwise asks
// the module.
func (s *securityContext) challenge() ([]byte, error) {
	var (
		c   []byte
		err error
	)
	if s.prefetch != nil {
		r := <-s.prefetch
		s.prefetch = nil
		c, err = r.challenge, r.err
	} else {
		c, err = s.module.GetChallenge()
	}
	if err != nil {
		return nil, securityError(ReasonModuleUnreachable, err)
	}
	return c, nil
}

// startTransaction resets the chained transcript.
func (s *securityContext) startTransaction() {
	s.chain = sha256.New()
	s.digest = nil
	s.subSessions = 0
}

func (s *securityContext) begin(params DigestParams) error {
	if err := s.module.DigestInit(params); err != nil {
		return securityError(ReasonModuleFailure, err)
	}
	s.active = true
	s.subSessions++
	return nil
}

func (s *securityContext) update(cmd, resp []byte) error {
	if s.chain != nil {
		s.chain.Write(cmd)
		s.chain.Write(resp)
	}
	if !s.active {
		return nil
	}
	if err := s.module.DigestUpdate(cmd, resp); err != nil {
		return securityError(ReasonModuleFailure, err)
	}
	return nil
}

func (s *securityContext) terminalMAC() ([]byte, error) {
	mac, err := s.module.DigestClose()
	if err != nil {
		return nil, securityError(ReasonModuleFailure, err)
	}
	return mac, nil
}

func (s *securityContext) authenticate(cardMAC []byte) error {
	s.active = false
	ok, err := s.module.DigestAuthenticate(cardMAC)
	if err != nil {
		return securityError(ReasonModuleFailure, err)
	}
	if !ok {
		return &SecurityError{Reason: ReasonCardAuthentication}
	}
	return nil
}

// discard drops the digest of the current sub-session without a MAC.
func (s *securityContext) discard() {
	s.active = false
}

// finishTransaction freezes the chained transcript hash.
func (s *securityContext) finishTransaction() {
	s.active = false
	if s.chain != nil {
		s.digest = s.chain.Sum(nil)
		s.chain = nil
	}
}

// signer returns the module as an SvSigner when it can sign.
func (s *securityContext) signer() (SvSigner, bool) {
	if s.module == nil {
		return nil, false
	}
	signer, ok := s.module.(SvSigner)
	if c, wraps := s.module.(SvCapability); ok && wraps && !c.CanSignSv() {
		return nil, false
	}
	return signer, ok
}

// securityError wraps a module error unless the module already classified it.
func securityError(reason Reason, err error) error {
	var se *SecurityError
	if errors.As(err, &se) {
		return err
	}
	return &SecurityError{Reason: reason, Err: err}
}
