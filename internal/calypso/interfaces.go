package calypso

import (
	"context"
	"time"
)

// Transport exchanges raw APDUs with one card.
type Transport interface {
	Transmit(cmd []byte) ([]byte, error)
	IsCardPresent() bool
	OpenChannel() error
	CloseChannel() error
}

// DigestParams carries what the security module needs to start a session
// digest.
type DigestParams struct {
	Level        AccessLevel
	KeyIndex     byte
	Serial       []byte
	SamChallenge []byte
	OpenResponse []byte
}

// SecurityModule computes and verifies the session authentication codes.
type SecurityModule interface {
	GetChallenge() ([]byte, error)
	DigestInit(params DigestParams) error
	DigestUpdate(cmd, resp []byte) error
	DigestClose() ([]byte, error)
	DigestAuthenticate(cardMAC []byte) (bool, error)
}

// SvSigner is implemented by security modules able to sign stored-value
// commands sent outside a secure session.
type SvSigner interface {
	SignSv(serial []byte, level AccessLevel, cmd []byte) ([]byte, error)
}

// SvCapability is implemented by modules that satisfy SvSigner only on behalf
// of another module. CanSignSv reports whether signing can succeed.
type SvCapability interface {
	CanSignSv() bool
}

// ResourcePool hands out shared security modules.
type ResourcePool interface {
	Acquire(ctx context.Context, profile string, timeout time.Duration) (SecurityModule, error)
	Release(module SecurityModule)
}

// Recorder receives one record per finished transaction.
type Recorder interface {
	Record(rec TransactionRecord)
}
