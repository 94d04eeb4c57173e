package journal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
)

// CBOR encoding/decoding modes
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Canonical so that equal transcripts encode to equal bytes
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// wireExchange is one APDU round trip as stored in the journal.
type wireExchange struct {
	Command  []byte `cbor:"1,keyasint"`
	Response []byte `cbor:"2,keyasint"`
}

type wireTranscript struct {
	Version   int            `cbor:"0,keyasint"`
	Exchanges []wireExchange `cbor:"1,keyasint"`
}

const transcriptVersion = 1

// EncodeTranscript encodes exchanges as canonical CBOR.
func EncodeTranscript(exchanges []calypso.Exchange) ([]byte, error) {
	t := wireTranscript{Version: transcriptVersion, Exchanges: make([]wireExchange, len(exchanges))}
	for i, ex := range exchanges {
		t.Exchanges[i] = wireExchange{Command: ex.Command, Response: ex.Response}
	}
	data, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}
	return data, nil
}

// DecodeTranscript decodes a transcript written by EncodeTranscript.
func DecodeTranscript(data []byte) ([]calypso.Exchange, error) {
	var t wireTranscript
	if err := decMode.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	if t.Version != transcriptVersion {
		return nil, fmt.Errorf("unsupported transcript version %d", t.Version)
	}
	out := make([]calypso.Exchange, len(t.Exchanges))
	for i, ex := range t.Exchanges {
		out[i] = calypso.Exchange{Command: ex.Command, Response: ex.Response}
	}
	return out, nil
}
