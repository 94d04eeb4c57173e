package calypso

import "fmt"

// CardProtocolOps is the per-family command set: APDU encoding and
// modification buffer accounting.
type CardProtocolOps interface {
	Family() ProductFamily
	EncodeOpen(level AccessLevel, samChallenge []byte) []byte
	EncodeClose(terminalMAC []byte) []byte
	EncodeAbort() []byte
	// Encode builds the APDU for a data command. signature is appended to
	// stored-value commands sent outside a secure session.
	Encode(cmd Command, signature []byte) ([]byte, error)
	// WriteCost is the modification buffer consumption of cmd.
	WriteCost(cmd Command) int
}

// ProtocolFor returns the command set for a card family.
func ProtocolFor(family ProductFamily) CardProtocolOps {
	if family == FamilyRev1 {
		return rev1Ops{}
	}
	return rev3Ops{}
}

type rev3Ops struct{}

func (rev3Ops) Family() ProductFamily { return FamilyRev3 }

func (rev3Ops) EncodeOpen(level AccessLevel, samChallenge []byte) []byte {
	return encodeOpen(0x00, level, samChallenge)
}

func (rev3Ops) EncodeClose(terminalMAC []byte) []byte {
	return buildAPDU(0x00, insCloseSession, 0x00, 0x00, terminalMAC, true)
}

func (rev3Ops) EncodeAbort() []byte {
	return buildAPDU(0x00, insCloseSession, 0x00, 0x00, nil, false)
}

func (rev3Ops) Encode(cmd Command, signature []byte) ([]byte, error) {
	return encodeCommand(0x00, cmd, signature)
}

func (rev3Ops) WriteCost(cmd Command) int {
	switch c := cmd.(type) {
	case *UpdateRecord:
		return recordWriteOverhead + len(c.Data)
	case *AppendRecord:
		return recordWriteOverhead + len(c.Data)
	case *IncreaseCounter, *DecreaseCounter:
		return counterWriteCost
	}
	return 0
}

// rev1Ops covers legacy cards: CLA 94 and one buffer unit per write.
type rev1Ops struct{}

func (rev1Ops) Family() ProductFamily { return FamilyRev1 }

func (rev1Ops) EncodeOpen(level AccessLevel, samChallenge []byte) []byte {
	return encodeOpen(0x94, level, samChallenge)
}

func (rev1Ops) EncodeClose(terminalMAC []byte) []byte {
	return buildAPDU(0x94, insCloseSession, 0x00, 0x00, terminalMAC, true)
}

func (rev1Ops) EncodeAbort() []byte {
	return buildAPDU(0x94, insCloseSession, 0x00, 0x00, nil, false)
}

func (rev1Ops) Encode(cmd Command, signature []byte) ([]byte, error) {
	return encodeCommand(0x94, cmd, signature)
}

func (rev1Ops) WriteCost(cmd Command) int {
	if cmd.Kind().isWrite() {
		return 1
	}
	return 0
}

func encodeOpen(cla byte, level AccessLevel, samChallenge []byte) []byte {
	return buildAPDU(cla, insOpenSession, level.KeyIndex(), 0x00, samChallenge, true)
}

func sfiP2(sfi byte, mode byte) byte {
	return sfi<<3 | mode
}

func encodeCommand(cla byte, cmd Command, signature []byte) ([]byte, error) {
	switch c := cmd.(type) {
	case *ReadRecords:
		return buildAPDU(cla, insReadRecords, byte(c.Record), sfiP2(c.SFI, 0x05), []byte{byte(c.Count)}, true), nil
	case *UpdateRecord:
		return buildAPDU(cla, insUpdateRecord, byte(c.Record), sfiP2(c.SFI, 0x04), c.Data, false), nil
	case *AppendRecord:
		return buildAPDU(cla, insAppendRecord, 0x00, sfiP2(c.SFI, 0x00), c.Data, false), nil
	case *IncreaseCounter:
		data := make([]byte, 3)
		PutInt24(data, c.Delta)
		return buildAPDU(cla, insIncrease, byte(c.Counter), sfiP2(c.SFI, 0x00), data, true), nil
	case *DecreaseCounter:
		data := make([]byte, 3)
		PutInt24(data, c.Delta)
		return buildAPDU(cla, insDecrease, byte(c.Counter), sfiP2(c.SFI, 0x00), data, true), nil
	case *SvGet:
		p2 := byte(0x09)
		if c.Operation == SvOpReload {
			p2 = 0x07
		}
		return buildAPDU(cla, insSvGet, 0x00, p2, nil, true), nil
	case *SvReload:
		data := make([]byte, 3, 3+len(signature))
		PutInt24(data, c.Amount)
		return buildAPDU(cla, insSvReload, 0x00, 0x00, append(data, signature...), false), nil
	case *SvDebit:
		data := make([]byte, 2, 2+len(signature))
		PutUint16(data, c.Amount)
		return buildAPDU(cla, insSvDebit, 0x00, 0x00, append(data, signature...), false), nil
	case *SvUndebit:
		data := make([]byte, 2, 2+len(signature))
		PutUint16(data, c.Amount)
		return buildAPDU(cla, insSvUndebit, 0x00, 0x00, append(data, signature...), false), nil
	case *VerifyPin:
		return buildAPDU(cla, insVerifyPin, 0x00, 0x00, c.PIN, false), nil
	case *ChangePin:
		data := append(append([]byte(nil), c.Old...), c.New...)
		return buildAPDU(cla, insChangePin, 0x00, 0xFF, data, false), nil
	}
	return nil, fmt.Errorf("no encoding for %s", cmd.Kind())
}

// recordTuples decodes a ReadRecords response: repeated [record, length, data].
func recordTuples(data []byte) (map[int][]byte, error) {
	out := make(map[int][]byte)
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("truncated record header")
		}
		rec, n := int(data[0]), int(data[1])
		if len(data) < 2+n {
			return nil, fmt.Errorf("record %d truncated: want %d bytes, have %d", rec, n, len(data)-2)
		}
		out[rec] = append([]byte(nil), data[2:2+n]...)
		data = data[2+n:]
	}
	return out, nil
}
