package calypso

import (
	"encoding/hex"
	"fmt"
)

// StatusWord is the trailing SW1 SW2 pair of an APDU response.
type StatusWord uint16

const (
	SWSuccess               StatusWord = 0x9000
	SWPinTriesPrefix        StatusWord = 0x63C0
	SWModificationsExceeded StatusWord = 0x6400
	SWWrongLength           StatusWord = 0x6700
	SWSecurityNotSatisfied  StatusWord = 0x6982
	SWPinBlocked            StatusWord = 0x6983
	SWConditionsNotMet      StatusWord = 0x6985
	SWIncorrectMAC          StatusWord = 0x6988
	SWFileNotFound          StatusWord = 0x6A82
	SWRecordNotFound        StatusWord = 0x6A83
	SWIncorrectP1P2         StatusWord = 0x6B00
	SWInsNotSupported       StatusWord = 0x6D00
	SWClassNotSupported     StatusWord = 0x6E00
)

func (sw StatusWord) String() string {
	return fmt.Sprintf("%04X", uint16(sw))
}

// PinAttempts decodes a 63Cx status into the number of remaining PIN
// presentations. ok is false for any other status.
func (sw StatusWord) PinAttempts() (remaining int, ok bool) {
	if sw&0xFFF0 != SWPinTriesPrefix {
		return 0, false
	}
	return int(sw & 0x000F), true
}

// Calypso instruction bytes.
const (
	insReadRecords  byte = 0xB2
	insUpdateRecord byte = 0xDC
	insAppendRecord byte = 0xE2
	insIncrease     byte = 0x32
	insDecrease     byte = 0x30
	insOpenSession  byte = 0x8A
	insCloseSession byte = 0x8E
	insVerifyPin    byte = 0x20
	insChangePin    byte = 0xD8
	insSvGet        byte = 0x7C
	insSvReload     byte = 0xB8
	insSvDebit      byte = 0xBA
	insSvUndebit    byte = 0xBC
)

// Response is a parsed APDU response.
type Response struct {
	Raw    []byte
	Data   []byte
	Status StatusWord
}

// OK reports whether the card answered 90 00.
func (r Response) OK() bool {
	return r.Status == SWSuccess
}

// ParseResponse splits a raw response into data and status word.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, fmt.Errorf("invalid response length: %d", len(raw))
	}
	sw1 := raw[len(raw)-2]
	sw2 := raw[len(raw)-1]
	return Response{
		Raw:    raw,
		Data:   raw[:len(raw)-2],
		Status: StatusWord(uint16(sw1)<<8 | uint16(sw2)),
	}, nil
}

// buildAPDU assembles CLA INS P1 P2 [Lc data] [Le].
func buildAPDU(cla, ins, p1, p2 byte, data []byte, withLe bool) []byte {
	apdu := []byte{cla, ins, p1, p2}
	if len(data) > 0 {
		apdu = append(apdu, byte(len(data)))
		apdu = append(apdu, data...)
	}
	if withLe {
		apdu = append(apdu, 0x00)
	}
	return apdu
}

// Exchange is one command/response pair as sent on the wire.
type Exchange struct {
	Command  []byte `json:"command"`
	Response []byte `json:"response"`
}

func (e Exchange) String() string {
	return hex.EncodeToString(e.Command) + " -> " + hex.EncodeToString(e.Response)
}

// PutInt24 writes v as a big-endian signed 24-bit value.
func PutInt24(b []byte, v int) {
	u := uint32(int32(v)) & 0xFFFFFF
	b[0] = byte(u >> 16)
	b[1] = byte(u >> 8)
	b[2] = byte(u)
}

// Int24 reads a big-endian signed 24-bit value.
func Int24(b []byte) int {
	u := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	if u&0x800000 != 0 {
		return int(int32(u | 0xFF000000))
	}
	return int(u)
}

// Uint24 reads a big-endian unsigned 24-bit value.
func Uint24(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

// PutUint16 writes v as big-endian.
func PutUint16(b []byte, v int) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// Uint16 reads a big-endian 16-bit value.
func Uint16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}
