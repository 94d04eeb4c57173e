package stubcard

import (
	"sync"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/sam"
)

// SAM answers the SAM command set on behalf of a software module, so that
// sam.CardModule can be driven without hardware.
type SAM struct {
	mu          sync.Mutex
	module      *sam.Software
	present     bool
	channelOpen bool
	pending     []byte
	failures    map[byte][]byte
}

// NewSAM puts module in a simulated slot.
func NewSAM(module *sam.Software) *SAM {
	return &SAM{module: module, present: true, failures: make(map[byte][]byte)}
}

// Remove takes the SAM out of its slot.
func (s *SAM) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = false
	s.channelOpen = false
}

// FailNext makes the next command with ins answer sw.
func (s *SAM) FailNext(ins byte, sw calypso.StatusWord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[ins] = status(sw)
}

func (s *SAM) IsCardPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

func (s *SAM) OpenChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return ErrCardRemoved
	}
	s.channelOpen = true
	return nil
}

func (s *SAM) CloseChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelOpen = false
	return nil
}

func (s *SAM) Transmit(cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return nil, ErrCardRemoved
	}
	if !s.channelOpen {
		return nil, ErrChannelClosed
	}
	a, valid := parseAPDU(cmd)
	if !valid {
		return status(calypso.SWWrongLength), nil
	}
	if a.cla != sam.CLA {
		return status(calypso.SWClassNotSupported), nil
	}
	if sw, ok := s.failures[a.ins]; ok {
		delete(s.failures, a.ins)
		return sw, nil
	}
	return s.handle(a), nil
}

func (s *SAM) handle(a apdu) []byte {
	switch a.ins {
	case sam.InsGetChallenge:
		c, err := s.module.GetChallenge()
		if err != nil {
			return status(calypso.SWConditionsNotMet)
		}
		return ok(c)

	case sam.InsDigestInit:
		params, valid := digestParams(a)
		if !valid {
			return status(calypso.SWWrongLength)
		}
		if err := s.module.DigestInit(params); err != nil {
			return status(calypso.SWSecurityNotSatisfied)
		}
		return ok(nil)

	case sam.InsDigestUpdate:
		if a.p1 == sam.DigestPartCommand {
			s.pending = append([]byte(nil), a.data...)
			return ok(nil)
		}
		if s.pending == nil {
			return status(calypso.SWConditionsNotMet)
		}
		cmd := s.pending
		s.pending = nil
		if err := s.module.DigestUpdate(cmd, a.data); err != nil {
			return status(calypso.SWConditionsNotMet)
		}
		return ok(nil)

	case sam.InsDigestClose:
		mac, err := s.module.DigestClose()
		if err != nil {
			return status(calypso.SWConditionsNotMet)
		}
		return ok(mac)

	case sam.InsDigestAuth:
		valid, err := s.module.DigestAuthenticate(a.data)
		if err != nil {
			return status(calypso.SWConditionsNotMet)
		}
		if !valid {
			return status(calypso.SWIncorrectMAC)
		}
		return ok(nil)

	case sam.InsSvSign:
		if len(a.data) < 1 || len(a.data) < 1+int(a.data[0]) {
			return status(calypso.SWWrongLength)
		}
		n := int(a.data[0])
		sig, err := s.module.SignSv(a.data[1:1+n], calypso.AccessLevel(a.p2), a.data[1+n:])
		if err != nil {
			return status(calypso.SWSecurityNotSatisfied)
		}
		return ok(sig)
	}
	return status(calypso.SWInsNotSupported)
}

// digestParams decodes serialLen | serial | challengeLen | challenge | open response.
func digestParams(a apdu) (calypso.DigestParams, bool) {
	data := a.data
	if len(data) < 1 || len(data) < 1+int(data[0])+1 {
		return calypso.DigestParams{}, false
	}
	serial := data[1 : 1+int(data[0])]
	data = data[1+int(data[0]):]
	if len(data) < 1+int(data[0]) {
		return calypso.DigestParams{}, false
	}
	challenge := data[1 : 1+int(data[0])]
	return calypso.DigestParams{
		Level:        calypso.AccessLevel(a.p2),
		KeyIndex:     a.p2,
		Serial:       serial,
		SamChallenge: challenge,
		OpenResponse: data[1+int(data[0]):],
	}, true
}
