// Package reader connects Calypso cards and SAMs through PC/SC readers.
package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

// ErrNoCard is returned when a reader has no card in its field.
var ErrNoCard = errors.New("no card present")

// Reader describes a PC/SC reader slot.
type Reader struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // "card" or "sam"
}

// Service lists readers and opens channels on them.
type Service struct {
	factory ContextFactory
}

// NewService returns a service over factory. A nil factory uses PC/SC.
func NewService(factory ContextFactory) *Service {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	return &Service{factory: factory}
}

// slotType guesses from the reader name whether the slot holds a SAM.
func slotType(name string) string {
	if strings.Contains(strings.ToUpper(name), "SAM") {
		return "sam"
	}
	return "card"
}

// ListReaders returns the readers known to PC/SC.
func (s *Service) ListReaders() ([]Reader, error) {
	ctx, err := s.factory.EstablishContext()
	if err != nil {
		return nil, err
	}
	defer ctx.Release()

	names, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	readers := make([]Reader, 0, len(names))
	for i, name := range names {
		readers = append(readers, Reader{
			ID:   fmt.Sprintf("%d", i),
			Name: name,
			Type: slotType(name),
		})
	}
	return readers, nil
}

// WaitForCard blocks until a card is present on readerName, ctx is done or
// timeout elapses. A negative timeout waits forever.
func (s *Service) WaitForCard(ctx context.Context, readerName string, timeout time.Duration) error {
	pc, err := s.factory.EstablishContext()
	if err != nil {
		return err
	}
	defer pc.Release()

	deadline := time.Now().Add(timeout)
	state := StateUnaware
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// poll in short slices so ctx is honoured
		wait := 250 * time.Millisecond
		if timeout >= 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrNoCard
			}
			wait = min(wait, left)
		}
		rs := []ReaderState{{Reader: readerName, CurrentState: state}}
		if err := pc.GetStatusChange(rs, wait); err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("failed to get status change: %w", err)
		}
		if rs[0].EventState&StatePresent != 0 {
			logging.Debug(logging.CatCard, "Card detected", map[string]any{
				"reader": readerName,
			})
			return nil
		}
		state = rs[0].EventState &^ StateChanged
	}
}

// Channel is a card connection on one reader. It implements the transport
// used by secure sessions and SAM modules.
type Channel struct {
	mu      sync.Mutex
	factory ContextFactory
	reader  string
	ctx     SmartCardContext
	card    SmartCard
}

// Channel returns an unopened channel on readerName.
func (s *Service) Channel(readerName string) *Channel {
	return &Channel{factory: s.factory, reader: readerName}
}

// Transport returns a channel on readerName as a calypso.Transport.
func (s *Service) Transport(readerName string) calypso.Transport {
	return s.Channel(readerName)
}

// Reader returns the reader name.
func (c *Channel) Reader() string { return c.reader }

// IsCardPresent checks the connected card, or polls the reader when not
// connected.
func (c *Channel) IsCardPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card != nil {
		_, err := c.card.Status()
		return err == nil
	}
	pc, err := c.factory.EstablishContext()
	if err != nil {
		return false
	}
	defer pc.Release()
	rs := []ReaderState{{Reader: c.reader, CurrentState: StateUnaware}}
	if err := pc.GetStatusChange(rs, 0); err != nil {
		return false
	}
	return rs[0].EventState&StatePresent != 0
}

// OpenChannel connects to the card in shared mode.
func (c *Channel) OpenChannel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card != nil {
		return nil
	}
	pc, err := c.factory.EstablishContext()
	if err != nil {
		return err
	}
	card, err := pc.Connect(c.reader, ShareShared, ProtocolAny)
	if err != nil {
		pc.Release()
		return fmt.Errorf("failed to connect to reader: %w", err)
	}
	c.ctx, c.card = pc, card
	logging.Debug(logging.CatCard, "Channel opened", map[string]any{
		"reader": c.reader,
	})
	return nil
}

// CloseChannel disconnects, leaving the card powered.
func (c *Channel) CloseChannel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card == nil {
		return nil
	}
	errs := []error{c.card.Disconnect(LeaveCard), c.ctx.Release()}
	c.card, c.ctx = nil, nil
	return errors.Join(errs...)
}

// Transmit sends cmd, fetching chained response data (61xx) and repeating
// the command with the exact length the card asks for (6Cxx).
func (c *Channel) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card == nil {
		return nil, errors.New("channel not open")
	}
	rsp, err := c.card.Transmit(cmd)
	if err != nil {
		return nil, err
	}
	if len(rsp) == 2 && rsp[0] == 0x6C && len(cmd) >= 5 {
		retry := append(append([]byte(nil), cmd[:len(cmd)-1]...), rsp[1])
		if rsp, err = c.card.Transmit(retry); err != nil {
			return nil, err
		}
	}
	var data []byte
	for len(rsp) >= 2 && rsp[len(rsp)-2] == 0x61 {
		data = append(data, rsp[:len(rsp)-2]...)
		getResponse := []byte{cmd[0], 0xC0, 0x00, 0x00, rsp[len(rsp)-1]}
		if rsp, err = c.card.Transmit(getResponse); err != nil {
			return nil, fmt.Errorf("failed to get response: %w", err)
		}
	}
	if data != nil {
		return append(data, rsp...), nil
	}
	return rsp, nil
}

// ATR returns the answer to reset of the connected card.
func (c *Channel) ATR() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card == nil {
		return nil, errors.New("channel not open")
	}
	st, err := c.card.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get card status: %w", err)
	}
	return st.Atr, nil
}
