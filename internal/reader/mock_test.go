package reader

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/SimplyPrint/calypso-agent/internal/stubcard"
)

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	arrivals    map[string]int // reader -> status queries before the card shows up
	shouldError bool
	errorMsg    string
	releases    int
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	backend      *stubcard.Card
	responses    map[string][]byte // command hex -> response
	sent         [][]byte
	shouldError  bool
	errorMsg     string
	disconnected bool
	disposition  uint32
}

// NewMockContext creates a new mock context with a card reader and a SAM slot
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR1252 Dual Reader PICC",
			"ACS ACR1252 Dual Reader SAM",
		},
		cards:    make(map[string]*MockSmartCard),
		arrivals: make(map[string]int),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithArrival makes the card on readerName appear only after the given
// number of status change queries.
func (m *MockSmartCardContext) WithArrival(readerName string, queries int) *MockSmartCardContext {
	m.arrivals[readerName] = queries
	return m
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

// Factory returns a ContextFactory handing out this context.
func (m *MockSmartCardContext) Factory() ContextFactory {
	return mockFactory{ctx: m}
}

func (m *MockSmartCardContext) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	card, ok := m.cards[reader]
	if !ok || !card.present() {
		return nil, ErrNoCard
	}
	if card.backend != nil {
		if err := card.backend.OpenChannel(); err != nil {
			return nil, err
		}
	}
	card.mu.Lock()
	card.disconnected = false
	card.mu.Unlock()
	return card, nil
}

func (m *MockSmartCardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return errors.New(m.errorMsg)
	}
	changed := false
	for i := range states {
		card, ok := m.cards[states[i].Reader]
		present := ok && card.present()
		if n := m.arrivals[states[i].Reader]; n > 0 {
			m.arrivals[states[i].Reader] = n - 1
			present = false
		}
		event := StateChanged
		if present {
			event |= StatePresent
			states[i].Atr = card.atr
		}
		if event&^StateChanged != states[i].CurrentState {
			changed = true
		}
		states[i].EventState = event
	}
	if !changed && timeout != 0 {
		return ErrWaitTimeout
	}
	return nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

type mockFactory struct {
	ctx *MockSmartCardContext
}

func (f mockFactory) EstablishContext() (SmartCardContext, error) {
	return f.ctx, nil
}

// NewMockCard creates a mock card answering from a responses table
func NewMockCard() *MockSmartCard {
	card := &MockSmartCard{
		responses: make(map[string][]byte),
	}
	card.atr, _ = hex.DecodeString("3b8880010000000000718100f9")
	return card
}

// NewStubBackedCard creates a mock card forwarding commands to a simulated
// Calypso card.
func NewStubBackedCard(backend *stubcard.Card) *MockSmartCard {
	card := NewMockCard()
	card.backend = backend
	return card
}

// WithResponse sets the response for an exact command
func (m *MockSmartCard) WithResponse(cmdHex string, resp []byte) *MockSmartCard {
	m.responses[cmdHex] = resp
	return m
}

// WithError makes the card return errors
func (m *MockSmartCard) WithError(msg string) *MockSmartCard {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

func (m *MockSmartCard) present() bool {
	return m.backend == nil || m.backend.IsCardPresent()
}

// Sent returns the commands that reached the card.
func (m *MockSmartCard) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	if m.disconnected {
		return nil, errors.New("card disconnected")
	}
	m.sent = append(m.sent, append([]byte(nil), cmd...))

	if resp, ok := m.responses[hex.EncodeToString(cmd)]; ok {
		return resp, nil
	}
	if m.backend != nil {
		return m.backend.Transmit(cmd)
	}
	// Default: instruction not supported
	return []byte{0x6D, 0x00}, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return SmartCardStatus{}, errors.New(m.errorMsg)
	}
	if !m.present() {
		return SmartCardStatus{}, errors.New("card removed")
	}
	return SmartCardStatus{
		Reader:         "Mock Reader",
		State:          StatePresent,
		ActiveProtocol: 2,
		Atr:            m.atr,
	}, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	m.disposition = disposition
	if m.backend != nil {
		return m.backend.CloseChannel()
	}
	return nil
}
