// Package sam provides security modules for Calypso secure sessions: a
// software module, a module hosted on a reader slot, a shared pool and a
// circuit-breaking guard.
package sam

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

// MACSize is the length of session and stored-value authentication codes.
const MACSize = 8

// ChallengeSize is the length of the terminal challenge.
const ChallengeSize = 8

func mac(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// DiversifyKey derives the card key from a master key and the card serial.
func DiversifyKey(master, serial []byte) []byte {
	return mac(master, []byte("diversify"), serial)
}

// SessionKey derives the session key from the card key and both challenges.
func SessionKey(cardKey, samChallenge, cardChallenge []byte) []byte {
	return mac(cardKey, []byte("session"), samChallenge, cardChallenge)
}

// TerminalMAC is the code the terminal sends at session close.
func TerminalMAC(sessionKey, digest []byte) []byte {
	return mac(sessionKey, []byte("terminal"), digest)[:MACSize]
}

// CardMAC is the code the card returns at session close.
func CardMAC(sessionKey, digest []byte) []byte {
	return mac(sessionKey, []byte("card"), digest)[:MACSize]
}

// SvSignature authenticates a stored-value command sent outside a session.
func SvSignature(cardKey, cmd []byte) []byte {
	return mac(cardKey, []byte("sv"), cmd)[:MACSize]
}

// Transcript is the running session digest. Both sides feed it the open
// session response followed by every command and response of the session.
type Transcript struct {
	h hash.Hash
}

// NewTranscript starts a digest from the open session response data.
func NewTranscript(openResponse []byte) *Transcript {
	t := &Transcript{h: sha256.New()}
	t.Add(openResponse)
	return t
}

// Add appends length-prefixed parts to the digest.
func (t *Transcript) Add(parts ...[]byte) {
	var n [2]byte
	for _, p := range parts {
		binary.BigEndian.PutUint16(n[:], uint16(len(p)))
		t.h.Write(n[:])
		t.h.Write(p)
	}
}

// Sum returns the digest so far.
func (t *Transcript) Sum() []byte {
	return t.h.Sum(nil)
}
