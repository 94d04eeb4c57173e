package reader

import (
	"errors"
	"fmt"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

// DefaultAID is the Calypso ticketing application identifier "1TIC.ICA".
var DefaultAID = []byte{0x31, 0x54, 0x49, 0x43, 0x2E, 0x49, 0x43, 0x41}

// FCI tags carrying the card identity.
const (
	tagFCI             = 0x6F
	tagFCIProprietary  = 0xA5
	tagDiscretionary   = 0xBF0C
	tagSerialNumber    = 0xC7
	tagStartupInfo     = 0x53
	tagDFName          = 0x84
	selectP1ByName     = 0x04
	insSelect          = 0xA4
	startupInfoMinSize = 7
)

// ErrNotCalypso is returned when the selected application carries no
// Calypso identity.
var ErrNotCalypso = errors.New("application is not a Calypso application")

// Select selects the application aid on an open transport and builds the
// card profile from its FCI.
func Select(t calypso.Transport, aid []byte) (calypso.CardProfile, error) {
	if len(aid) == 0 {
		aid = DefaultAID
	}
	cmd := []byte{0x00, insSelect, selectP1ByName, 0x00, byte(len(aid))}
	cmd = append(cmd, aid...)
	cmd = append(cmd, 0x00)

	raw, err := t.Transmit(cmd)
	if err != nil {
		return calypso.CardProfile{}, fmt.Errorf("failed to transmit select: %w", err)
	}
	resp, err := calypso.ParseResponse(raw)
	if err != nil {
		return calypso.CardProfile{}, fmt.Errorf("select: %w", err)
	}
	if !resp.OK() {
		return calypso.CardProfile{}, &calypso.CardRejectedError{Status: resp.Status}
	}

	serial, info, err := ParseFCI(resp.Data)
	if err != nil {
		return calypso.CardProfile{}, err
	}
	profile, err := calypso.ParseStartupInfo(serial, info)
	if err != nil {
		return calypso.CardProfile{}, err
	}
	logging.Info(logging.CatCard, "Calypso application selected", map[string]any{
		"serial":     profile.SerialHex(),
		"family":     profile.Family.String(),
		"bufferSize": profile.BufferSize,
	})
	return profile, nil
}

// ParseFCI extracts the serial number and startup information from a
// select response.
func ParseFCI(fci []byte) (serial, startupInfo []byte, err error) {
	fields := make(map[int][]byte)
	if err := walkTLV(fci, fields); err != nil {
		return nil, nil, fmt.Errorf("malformed FCI: %w", err)
	}
	serial, ok := fields[tagSerialNumber]
	if !ok {
		return nil, nil, ErrNotCalypso
	}
	startupInfo, ok = fields[tagStartupInfo]
	if !ok || len(startupInfo) < startupInfoMinSize {
		return nil, nil, ErrNotCalypso
	}
	return serial, startupInfo, nil
}

func constructed(tag int) bool {
	first := tag
	for first > 0xFF {
		first >>= 8
	}
	return first&0x20 != 0
}

// walkTLV records every primitive BER-TLV field of data, descending into
// constructed ones.
func walkTLV(data []byte, out map[int][]byte) error {
	for len(data) > 0 {
		if data[0] == 0x00 || data[0] == 0xFF {
			data = data[1:]
			continue
		}
		tag := int(data[0])
		i := 1
		if data[0]&0x1F == 0x1F {
			for {
				if i >= len(data) {
					return errors.New("truncated tag")
				}
				tag = tag<<8 | int(data[i])
				i++
				if data[i-1]&0x80 == 0 {
					break
				}
			}
		}
		if i >= len(data) {
			return errors.New("truncated length")
		}
		length := int(data[i])
		i++
		if length&0x80 != 0 {
			n := length & 0x7F
			if n == 0 || n > 2 || i+n > len(data) {
				return fmt.Errorf("unsupported length encoding %02X", length)
			}
			length = 0
			for _, b := range data[i : i+n] {
				length = length<<8 | int(b)
			}
			i += n
		}
		if i+length > len(data) {
			return fmt.Errorf("tag %X overruns by %d bytes", tag, i+length-len(data))
		}
		value := data[i : i+length]
		if constructed(tag) {
			if err := walkTLV(value, out); err != nil {
				return err
			}
		} else {
			out[tag] = value
		}
		data = data[i+length:]
	}
	return nil
}
