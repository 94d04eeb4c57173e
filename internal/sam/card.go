package sam

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

// SAM command set, class 80.
const (
	CLA                byte = 0x80
	InsGetChallenge    byte = 0x84
	InsDigestInit      byte = 0x8A
	InsDigestUpdate    byte = 0x8C
	InsDigestClose     byte = 0x8E
	InsDigestAuth      byte = 0x82
	InsSvSign          byte = 0x54
	DigestPartCommand  byte = 0x00
	DigestPartResponse byte = 0x01
)

// CardModule is a security module reached through a reader slot.
type CardModule struct {
	mu        sync.Mutex
	transport calypso.Transport
	name      string
}

// NewCardModule wraps the transport of a SAM slot.
func NewCardModule(name string, transport calypso.Transport) *CardModule {
	return &CardModule{name: name, transport: transport}
}

// Name identifies the module in logs and pools.
func (c *CardModule) Name() string { return c.name }

// Open opens the SAM channel.
func (c *CardModule) Open() error {
	if !c.transport.IsCardPresent() {
		return fmt.Errorf("no SAM in slot %s", c.name)
	}
	return c.transport.OpenChannel()
}

// Close closes the SAM channel.
func (c *CardModule) Close() error {
	return c.transport.CloseChannel()
}

func samAPDU(ins, p1, p2 byte, data []byte, le int) []byte {
	apdu := []byte{CLA, ins, p1, p2}
	if len(data) > 0 {
		apdu = append(apdu, byte(len(data)))
		apdu = append(apdu, data...)
	}
	if le >= 0 {
		apdu = append(apdu, byte(le))
	}
	return apdu
}

// exchange sends apdu and returns the data of a 9000 response.
func (c *CardModule) exchange(name string, apdu []byte) (calypso.Response, error) {
	raw, err := c.transport.Transmit(apdu)
	if err != nil {
		return calypso.Response{}, fmt.Errorf("failed to transmit %s: %w", name, err)
	}
	resp, err := calypso.ParseResponse(raw)
	if err != nil {
		return calypso.Response{}, fmt.Errorf("%s: %w", name, err)
	}
	logging.Debug(logging.CatSAM, "SAM exchange", map[string]any{
		"sam":     c.name,
		"command": name,
		"apdu":    hex.EncodeToString(apdu),
		"status":  resp.Status.String(),
	})
	return resp, nil
}

func (c *CardModule) expectOK(name string, apdu []byte) ([]byte, error) {
	resp, err := c.exchange(name, apdu)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%s failed with status %s", name, resp.Status)
	}
	return resp.Data, nil
}

func (c *CardModule) GetChallenge() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.expectOK("get challenge", samAPDU(InsGetChallenge, 0, 0, nil, ChallengeSize))
	if err != nil {
		return nil, err
	}
	if len(data) != ChallengeSize {
		return nil, fmt.Errorf("challenge of %d bytes", len(data))
	}
	return data, nil
}

// DigestInit sends serial length, serial, terminal challenge and the open
// session response, with the key index in P2.
func (c *CardModule) DigestInit(params calypso.DigestParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := []byte{byte(len(params.Serial))}
	data = append(data, params.Serial...)
	data = append(data, byte(len(params.SamChallenge)))
	data = append(data, params.SamChallenge...)
	data = append(data, params.OpenResponse...)
	_, err := c.expectOK("digest init", samAPDU(InsDigestInit, 0, params.KeyIndex, data, -1))
	return err
}

// DigestUpdate sends the command and the response as two separate parts.
func (c *CardModule) DigestUpdate(cmd, resp []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.expectOK("digest update", samAPDU(InsDigestUpdate, DigestPartCommand, 0, cmd, -1)); err != nil {
		return err
	}
	_, err := c.expectOK("digest update", samAPDU(InsDigestUpdate, DigestPartResponse, 0, resp, -1))
	return err
}

func (c *CardModule) DigestClose() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.expectOK("digest close", samAPDU(InsDigestClose, 0, 0, nil, MACSize))
	if err != nil {
		return nil, err
	}
	if len(data) != MACSize {
		return nil, fmt.Errorf("terminal MAC of %d bytes", len(data))
	}
	return data, nil
}

func (c *CardModule) DigestAuthenticate(cardMAC []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.exchange("digest authenticate", samAPDU(InsDigestAuth, 0, 0, cardMAC, -1))
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case calypso.SWSuccess:
		return true, nil
	case calypso.SWIncorrectMAC, calypso.SWSecurityNotSatisfied:
		return false, nil
	}
	return false, fmt.Errorf("digest authenticate failed with status %s", resp.Status)
}

// SignSv asks the SAM to sign a stored-value command.
func (c *CardModule) SignSv(serial []byte, level calypso.AccessLevel, cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := []byte{byte(len(serial))}
	data = append(data, serial...)
	data = append(data, cmd...)
	sig, err := c.expectOK("sv sign", samAPDU(InsSvSign, 0, level.KeyIndex(), data, MACSize))
	if err != nil {
		return nil, err
	}
	if len(sig) != MACSize {
		return nil, fmt.Errorf("signature of %d bytes", len(sig))
	}
	return sig, nil
}
