package sam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

var (
	// ErrUnknownProfile is returned for a profile no module was added under.
	ErrUnknownProfile = errors.New("unknown security module profile")
	// ErrAcquireTimeout is returned when no module freed up in time.
	ErrAcquireTimeout = errors.New("timed out waiting for a security module")
)

// Pool shares security modules between managers. Modules are grouped by
// profile and handed out one at a time.
type Pool struct {
	mu       sync.Mutex
	profiles map[string]chan calypso.SecurityModule
	owners   map[calypso.SecurityModule]string
	inUse    map[string]int
	sizes    map[string]int
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{
		profiles: make(map[string]chan calypso.SecurityModule),
		owners:   make(map[calypso.SecurityModule]string),
		inUse:    make(map[string]int),
		sizes:    make(map[string]int),
	}
}

// Add registers modules under profile. The profile capacity is fixed by the
// first call.
func (p *Pool) Add(profile string, modules ...calypso.SecurityModule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.profiles[profile]
	if !ok {
		ch = make(chan calypso.SecurityModule, len(modules))
		p.profiles[profile] = ch
	}
	for _, m := range modules {
		if p.sizes[profile] == cap(ch) {
			logging.Warn(logging.CatSAM, "Security module profile is full", map[string]any{
				"profile": profile,
				"size":    cap(ch),
			})
			return
		}
		p.owners[m] = profile
		p.sizes[profile]++
		ch <- m
	}
}

// Acquire blocks until a module of profile is free, ctx is done or timeout
// elapses. A zero timeout waits on ctx only.
func (p *Pool) Acquire(ctx context.Context, profile string, timeout time.Duration) (calypso.SecurityModule, error) {
	p.mu.Lock()
	ch, ok := p.profiles[profile]
	p.mu.Unlock()
	if !ok {
		return nil, &calypso.ResourceUnavailableError{Profile: profile, Err: ErrUnknownProfile}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case m := <-ch:
		p.mu.Lock()
		p.inUse[profile]++
		p.mu.Unlock()
		return m, nil
	case <-expired:
		logging.Warn(logging.CatSAM, "Security module pool exhausted", map[string]any{
			"profile": profile,
			"timeout": timeout.String(),
		})
		return nil, &calypso.ResourceUnavailableError{Profile: profile, Err: ErrAcquireTimeout}
	case <-ctx.Done():
		return nil, &calypso.ResourceUnavailableError{Profile: profile, Err: ctx.Err()}
	}
}

// Release returns a module to its profile. Unknown modules are ignored.
func (p *Pool) Release(m calypso.SecurityModule) {
	p.mu.Lock()
	profile, ok := p.owners[m]
	if ok && p.inUse[profile] > 0 {
		p.inUse[profile]--
	} else {
		ok = false
	}
	ch := p.profiles[profile]
	p.mu.Unlock()
	if !ok {
		logging.Warn(logging.CatSAM, "Release of a module not held from the pool", map[string]any{
			"module": fmt.Sprintf("%T", m),
		})
		return
	}
	ch <- m
}

// ProfileStats is the occupancy of one profile.
type ProfileStats struct {
	Profile   string `json:"profile"`
	Size      int    `json:"size"`
	Available int    `json:"available"`
}

// Stats reports the occupancy of every profile.
func (p *Pool) Stats() []ProfileStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProfileStats, 0, len(p.profiles))
	for name, ch := range p.profiles {
		out = append(out, ProfileStats{Profile: name, Size: cap(ch), Available: len(ch)})
	}
	return out
}

// Available returns how many modules of profile are free.
func (p *Pool) Available(profile string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.profiles[profile]; ok {
		return len(ch)
	}
	return 0
}
