package calypso

import "encoding/hex"

// ProductFamily identifies the card generation, which fixes the APDU class
// byte and how the modification buffer is accounted.
type ProductFamily int

const (
	// FamilyRev3 cards use CLA 00 and count the modification buffer in bytes.
	FamilyRev3 ProductFamily = iota
	// FamilyRev1 legacy cards use CLA 94 and count modifications per command.
	FamilyRev1
)

func (f ProductFamily) String() string {
	switch f {
	case FamilyRev3:
		return "rev3"
	case FamilyRev1:
		return "rev1"
	default:
		return "unknown"
	}
}

const (
	// DefaultBufferBytes is assumed when a rev3 card does not report its
	// modification buffer size.
	DefaultBufferBytes = 430
	// DefaultBufferOperations is assumed for rev1 cards.
	DefaultBufferOperations = 6
)

// Application type bits from the startup information.
const (
	AppTypePIN              byte = 0x01
	AppTypeStoredValue      byte = 0x02
	AppTypeRatification     byte = 0x04
	AppTypeSvOutsideSession byte = 0x08
)

// CardProfile is the card identity produced by application selection.
type CardProfile struct {
	Serial           []byte
	Family           ProductFamily
	BufferSize       int
	PIN              bool
	StoredValue      bool
	SvOutsideSession bool
	StartupInfo      []byte
}

// SerialHex returns the serial number as lowercase hex.
func (p CardProfile) SerialHex() string {
	return hex.EncodeToString(p.Serial)
}

// bufferCapacity returns the reported buffer size or the family default.
func (p CardProfile) bufferCapacity() int {
	if p.BufferSize > 0 {
		return p.BufferSize
	}
	if p.Family == FamilyRev1 {
		return DefaultBufferOperations
	}
	return DefaultBufferBytes
}

// ParseStartupInfo builds a profile from a serial number and the startup
// information returned at selection:
//
//	[0..1] modification buffer size, [2] platform, [3] application type,
//	[4] application subtype, [5] software issuer, [6] software version.
//
// Platform 0x00 denotes a rev1 card.
func ParseStartupInfo(serial, info []byte) (CardProfile, error) {
	if len(info) < 7 {
		return CardProfile{}, &InvalidOperationError{
			Reason: ReasonInvalidArgument,
			Detail: "startup information must be 7 bytes",
		}
	}
	p := CardProfile{
		Serial:      append([]byte(nil), serial...),
		BufferSize:  Uint16(info[0:2]),
		StartupInfo: append([]byte(nil), info...),
	}
	if info[2] == 0x00 {
		p.Family = FamilyRev1
	}
	appType := info[3]
	p.PIN = appType&AppTypePIN != 0
	p.StoredValue = appType&AppTypeStoredValue != 0
	p.SvOutsideSession = p.Family == FamilyRev3 && appType&AppTypeSvOutsideSession != 0
	return p, nil
}
