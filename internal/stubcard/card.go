// Package stubcard simulates a Calypso card and a SAM slot behind the
// calypso.Transport interface, for tests and the demo command.
package stubcard

import (
	"bytes"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/sam"
)

var (
	ErrCardRemoved   = errors.New("card removed")
	ErrChannelClosed = errors.New("channel not open")
)

const insSelect byte = 0xA4

// DefaultSerial is the serial number of a card built without WithSerial.
var DefaultSerial = []byte{0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78}

// cardState is what the card persists. A secure session works on a copy
// that replaces it on a successful close.
type cardState struct {
	records  map[calypso.RecordKey][]byte
	counters map[calypso.CounterKey]int
	balance  int
	tnum     int
	loadLog  calypso.SvLogEntry
	debitLog calypso.SvLogEntry
}

func (s *cardState) clone() *cardState {
	c := &cardState{
		records:  make(map[calypso.RecordKey][]byte, len(s.records)),
		counters: maps.Clone(s.counters),
		balance:  s.balance,
		tnum:     s.tnum,
		loadLog:  s.loadLog,
		debitLog: s.debitLog,
	}
	for k, v := range s.records {
		c.records[k] = slices.Clone(v)
	}
	return c
}

type session struct {
	level      calypso.AccessLevel
	key        []byte
	transcript *sam.Transcript
	working    *cardState
	used       int
	svDone     bool
}

// Card is a simulated Calypso card. It is safe for concurrent use.
type Card struct {
	mu sync.Mutex

	serial     []byte
	family     calypso.ProductFamily
	bufferSize int
	pinEnabled bool
	svEnabled  bool
	svOutside  bool
	keys       map[calypso.AccessLevel][]byte

	present     bool
	channelOpen bool
	state       *cardState
	session     *session
	pin         []byte
	pinAttempts int
	challenges  byte

	responses  map[string][]byte // command hex -> canned response
	failures   map[byte][]byte   // ins -> one-shot status
	badCardMAC bool
	exchanges  []calypso.Exchange
	opens      int
	commits    int
}

// Option configures a Card.
type Option func(*Card)

// WithSerial sets the card serial number.
func WithSerial(serial []byte) Option {
	return func(c *Card) { c.serial = slices.Clone(serial) }
}

// WithFamily makes the card a rev1 or rev3 card.
func WithFamily(f calypso.ProductFamily) Option {
	return func(c *Card) { c.family = f }
}

// WithBufferSize sets the modification buffer size, in bytes for rev3 and
// in operations for rev1.
func WithBufferSize(n int) Option {
	return func(c *Card) { c.bufferSize = n }
}

// WithPIN enables the PIN with the given value.
func WithPIN(pin []byte) Option {
	return func(c *Card) {
		c.pinEnabled = true
		c.pin = slices.Clone(pin)
	}
}

// WithStoredValue enables the SV purse with an initial balance. outside
// allows SV operations outside a secure session.
func WithStoredValue(balance int, outside bool) Option {
	return func(c *Card) {
		c.svEnabled = true
		c.svOutside = outside
		c.state.balance = balance
	}
}

// WithRecord preloads a record.
func WithRecord(sfi byte, record int, data []byte) Option {
	return func(c *Card) {
		c.state.records[calypso.RecordKey{SFI: sfi, Record: record}] = slices.Clone(data)
	}
}

// WithCounter preloads a counter.
func WithCounter(sfi byte, counter, value int) Option {
	return func(c *Card) {
		c.state.counters[calypso.CounterKey{SFI: sfi, Counter: counter}] = value
	}
}

// WithMasterKeys sets the master keys the card keys are diversified from.
func WithMasterKeys(keys sam.Keys) Option {
	return func(c *Card) {
		for level, master := range keys {
			c.keys[level] = master
		}
	}
}

// WithResponse makes the card answer cmdHex with a canned response.
func WithResponse(cmdHex string, resp []byte) Option {
	return func(c *Card) { c.responses[cmdHex] = resp }
}

// New returns a present card.
func New(opts ...Option) *Card {
	c := &Card{
		serial:      slices.Clone(DefaultSerial),
		family:      calypso.FamilyRev3,
		keys:        make(map[calypso.AccessLevel][]byte),
		present:     true,
		pinAttempts: calypso.PinMaxAttempts,
		state: &cardState{
			records:  make(map[calypso.RecordKey][]byte),
			counters: make(map[calypso.CounterKey]int),
		},
		responses: make(map[string][]byte),
		failures:  make(map[byte][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	diversified := make(map[calypso.AccessLevel][]byte, len(c.keys))
	for level, master := range c.keys {
		diversified[level] = sam.DiversifyKey(master, c.serial)
	}
	c.keys = diversified
	return c
}

// Remove takes the card off the reader.
func (c *Card) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = false
	c.channelOpen = false
	c.session = nil
}

// Insert puts the card back.
func (c *Card) Insert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = true
}

// FailNext makes the next command with ins answer sw instead of executing.
func (c *Card) FailNext(ins byte, sw calypso.StatusWord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ins] = []byte{byte(sw >> 8), byte(sw)}
}

// CorruptCardMAC makes the card return a wrong MAC at the next close.
func (c *Card) CorruptCardMAC() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.badCardMAC = true
}

// Exchanges returns every command and response the card has seen.
func (c *Card) Exchanges() []calypso.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.exchanges)
}

// ResetExchanges clears the exchange log.
func (c *Card) ResetExchanges() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = nil
}

// Sessions returns how many sessions were opened and how many committed.
func (c *Card) Sessions() (opened, committed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.commits
}

// InSession reports whether a secure session is open on the card.
func (c *Card) InSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Record returns a committed record.
func (c *Card) Record(sfi byte, record int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.state.records[calypso.RecordKey{SFI: sfi, Record: record}]
	return slices.Clone(data), ok
}

// Counter returns a committed counter value.
func (c *Card) Counter(sfi byte, counter int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state.counters[calypso.CounterKey{SFI: sfi, Counter: counter}]
	return v, ok
}

// Balance returns the committed SV balance.
func (c *Card) Balance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.balance
}

// PinAttempts returns the remaining PIN presentations.
func (c *Card) PinAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinAttempts
}

// StartupInfo is the 7-byte startup information returned at selection.
func (c *Card) StartupInfo() []byte {
	info := make([]byte, 7)
	size := c.bufferSize
	if size == 0 {
		size = calypso.DefaultBufferBytes
		if c.family == calypso.FamilyRev1 {
			size = calypso.DefaultBufferOperations
		}
	}
	calypso.PutUint16(info[0:2], size)
	info[2] = 0x3C
	if c.family == calypso.FamilyRev1 {
		info[2] = 0x00
	}
	if c.pinEnabled {
		info[3] |= calypso.AppTypePIN
	}
	if c.svEnabled {
		info[3] |= calypso.AppTypeStoredValue
	}
	if c.svOutside {
		info[3] |= calypso.AppTypeSvOutsideSession
	}
	info[4], info[5], info[6] = 0x01, 0x0C, 0x2E
	return info
}

// Profile is what card selection reports for this card.
func (c *Card) Profile() calypso.CardProfile {
	p, _ := calypso.ParseStartupInfo(c.serial, c.StartupInfo())
	return p
}

func (c *Card) IsCardPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}

func (c *Card) OpenChannel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present {
		return ErrCardRemoved
	}
	c.channelOpen = true
	return nil
}

// CloseChannel drops any open session, as a card reset would.
func (c *Card) CloseChannel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelOpen = false
	c.session = nil
	return nil
}

func (c *Card) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present {
		return nil, ErrCardRemoved
	}
	if !c.channelOpen {
		return nil, ErrChannelClosed
	}
	resp := c.handle(cmd)
	c.exchanges = append(c.exchanges, calypso.Exchange{Command: slices.Clone(cmd), Response: slices.Clone(resp)})
	return resp, nil
}

func status(sw calypso.StatusWord) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

func ok(data []byte) []byte {
	return append(slices.Clone(data), 0x90, 0x00)
}

// apdu is a decoded command.
type apdu struct {
	cla, ins, p1, p2 byte
	data             []byte
}

// parseAPDU decodes CLA INS P1 P2 [Lc data] [Le].
func parseAPDU(cmd []byte) (apdu, bool) {
	if len(cmd) < 4 {
		return apdu{}, false
	}
	a := apdu{cla: cmd[0], ins: cmd[1], p1: cmd[2], p2: cmd[3]}
	if len(cmd) <= 5 {
		return a, true
	}
	lc := int(cmd[4])
	if len(cmd) != 5+lc && len(cmd) != 6+lc {
		return apdu{}, false
	}
	a.data = cmd[5 : 5+lc]
	return a, true
}

func (c *Card) cla() byte {
	if c.family == calypso.FamilyRev1 {
		return 0x94
	}
	return 0x00
}

func (c *Card) handle(cmd []byte) []byte {
	if resp, ok := c.responses[hex.EncodeToString(cmd)]; ok {
		return slices.Clone(resp)
	}
	a, valid := parseAPDU(cmd)
	if !valid {
		return status(calypso.SWWrongLength)
	}
	if a.ins == insSelect {
		return c.selectApplication()
	}
	if a.cla != c.cla() {
		return status(calypso.SWClassNotSupported)
	}
	if sw, ok := c.failures[a.ins]; ok {
		delete(c.failures, a.ins)
		c.digest(a.ins, cmd, sw)
		return sw
	}

	var resp []byte
	switch a.ins {
	case 0x8A:
		return c.openSession(a)
	case 0x8E:
		return c.closeSession(a)
	case 0xB2:
		resp = c.readRecords(a)
	case 0xDC, 0xE2:
		resp = c.writeRecord(a)
	case 0x32, 0x30:
		resp = c.counter(a)
	case 0x7C:
		resp = c.svGet(a)
	case 0xB8, 0xBA, 0xBC:
		resp = c.svModify(a)
	case 0x20:
		resp = c.verifyPin(a)
	case 0xD8:
		resp = c.changePin(a)
	default:
		resp = status(calypso.SWInsNotSupported)
	}
	c.digest(a.ins, cmd, resp)
	return resp
}

func (c *Card) digest(ins byte, cmd, resp []byte) {
	if c.session != nil && ins != 0x8A && ins != 0x8E {
		c.session.transcript.Add(cmd, resp)
	}
}

func (c *Card) current() *cardState {
	if c.session != nil {
		return c.session.working
	}
	return c.state
}

// calypsoAID is "1TIC.ICA".
var calypsoAID = []byte{0x31, 0x54, 0x49, 0x43, 0x2E, 0x49, 0x43, 0x41}

func tlv(tag []byte, value ...[]byte) []byte {
	v := slices.Concat(value...)
	return slices.Concat(tag, []byte{byte(len(v))}, v)
}

// selectApplication answers with an FCI holding the serial number and the
// startup information in its discretionary data.
func (c *Card) selectApplication() []byte {
	discretionary := tlv([]byte{0xBF, 0x0C},
		tlv([]byte{0xC7}, c.serial),
		tlv([]byte{0x53}, c.StartupInfo()),
	)
	fci := tlv([]byte{0x6F},
		tlv([]byte{0x84}, calypsoAID),
		tlv([]byte{0xA5}, discretionary),
	)
	return ok(fci)
}

func (c *Card) openSession(a apdu) []byte {
	level := calypso.AccessLevel(a.p1)
	key, found := c.keys[level]
	if !found {
		return status(calypso.SWSecurityNotSatisfied)
	}
	c.challenges++
	cardChallenge := []byte{0xC0, 0xDE, 0x00, c.challenges}
	data := append(slices.Clone(cardChallenge), 0x01, byte(level))
	c.session = &session{
		level:      level,
		key:        sam.SessionKey(key, a.data, cardChallenge),
		transcript: sam.NewTranscript(data),
		working:    c.state.clone(),
	}
	c.opens++
	return ok(data)
}

func (c *Card) closeSession(a apdu) []byte {
	s := c.session
	if s == nil {
		return status(calypso.SWConditionsNotMet)
	}
	c.session = nil
	if len(a.data) == 0 {
		return ok(nil)
	}
	digest := s.transcript.Sum()
	if !hmac.Equal(a.data, sam.TerminalMAC(s.key, digest)) {
		return status(calypso.SWIncorrectMAC)
	}
	c.state = s.working
	c.commits++
	cardMAC := sam.CardMAC(s.key, digest)
	if c.badCardMAC {
		c.badCardMAC = false
		cardMAC = bytes.Repeat([]byte{0xEE}, sam.MACSize)
	}
	return ok(cardMAC)
}

func (c *Card) readRecords(a apdu) []byte {
	if len(a.data) != 1 {
		return status(calypso.SWWrongLength)
	}
	sfi := a.p2 >> 3
	first, count := int(a.p1), int(a.data[0])
	var out []byte
	for rec := first; rec < first+count; rec++ {
		data, found := c.current().records[calypso.RecordKey{SFI: sfi, Record: rec}]
		if !found {
			continue
		}
		out = append(out, byte(rec), byte(len(data)))
		out = append(out, data...)
	}
	if out == nil {
		return status(calypso.SWRecordNotFound)
	}
	return ok(out)
}

// charge consumes modification buffer for a write inside a session.
func (c *Card) charge(cost int) bool {
	if c.session == nil {
		return true
	}
	size := c.bufferSize
	if size == 0 {
		size = calypso.DefaultBufferBytes
		if c.family == calypso.FamilyRev1 {
			size = calypso.DefaultBufferOperations
		}
	}
	if c.family == calypso.FamilyRev1 {
		cost = 1
	}
	if c.session.used+cost > size {
		return false
	}
	c.session.used += cost
	return true
}

func (c *Card) writeRecord(a apdu) []byte {
	if len(a.data) == 0 {
		return status(calypso.SWWrongLength)
	}
	if !c.charge(6 + len(a.data)) {
		return status(calypso.SWModificationsExceeded)
	}
	sfi := a.p2 >> 3
	st := c.current()
	if a.ins == 0xDC {
		st.records[calypso.RecordKey{SFI: sfi, Record: int(a.p1)}] = slices.Clone(a.data)
		return ok(nil)
	}
	var recs []int
	for k := range st.records {
		if k.SFI == sfi {
			recs = append(recs, k.Record)
		}
	}
	slices.Sort(recs)
	for i := len(recs) - 1; i >= 0; i-- {
		from := calypso.RecordKey{SFI: sfi, Record: recs[i]}
		st.records[calypso.RecordKey{SFI: sfi, Record: recs[i] + 1}] = st.records[from]
		delete(st.records, from)
	}
	st.records[calypso.RecordKey{SFI: sfi, Record: 1}] = slices.Clone(a.data)
	return ok(nil)
}

func (c *Card) counter(a apdu) []byte {
	if len(a.data) != 3 {
		return status(calypso.SWWrongLength)
	}
	if !c.charge(9) {
		return status(calypso.SWModificationsExceeded)
	}
	key := calypso.CounterKey{SFI: a.p2 >> 3, Counter: int(a.p1)}
	st := c.current()
	delta := calypso.Uint24(a.data)
	v := st.counters[key]
	if a.ins == 0x32 {
		v += delta
	} else {
		v -= delta
	}
	if v < 0 || v > 0xFFFFFF {
		return status(calypso.SWConditionsNotMet)
	}
	st.counters[key] = v
	out := make([]byte, 3)
	calypso.PutInt24(out, v)
	return ok(out)
}

func (c *Card) svGet(a apdu) []byte {
	if !c.svEnabled {
		return status(calypso.SWInsNotSupported)
	}
	st := c.current()
	entry := st.debitLog
	if a.p2 == 0x07 {
		entry = st.loadLog
	}
	out := make([]byte, 10)
	calypso.PutInt24(out[0:3], st.balance)
	calypso.PutUint16(out[3:5], st.tnum)
	calypso.PutInt24(out[5:8], entry.Amount)
	calypso.PutUint16(out[8:10], entry.TransactionNumber)
	return ok(out)
}

func (c *Card) svModify(a apdu) []byte {
	if !c.svEnabled {
		return status(calypso.SWInsNotSupported)
	}
	required := calypso.LevelDebit
	if a.ins == 0xB8 {
		required = calypso.LevelLoad
	}
	data := a.data
	if c.session != nil {
		if c.session.level != required || c.session.svDone {
			return status(calypso.SWSecurityNotSatisfied)
		}
	} else {
		if !c.svOutside || c.family == calypso.FamilyRev1 {
			return status(calypso.SWConditionsNotMet)
		}
		if len(data) <= sam.MACSize {
			return status(calypso.SWWrongLength)
		}
		sig := data[len(data)-sam.MACSize:]
		data = data[:len(data)-sam.MACSize]
		base := append([]byte{a.cla, a.ins, a.p1, a.p2, byte(len(data))}, data...)
		key, found := c.keys[required]
		if !found || !hmac.Equal(sig, sam.SvSignature(key, base)) {
			return status(calypso.SWIncorrectMAC)
		}
	}

	st := c.current()
	var delta int
	switch a.ins {
	case 0xB8:
		if len(data) != 3 {
			return status(calypso.SWWrongLength)
		}
		delta = calypso.Int24(data)
	case 0xBA:
		if len(data) != 2 {
			return status(calypso.SWWrongLength)
		}
		delta = -calypso.Uint16(data)
	case 0xBC:
		if len(data) != 2 {
			return status(calypso.SWWrongLength)
		}
		delta = calypso.Uint16(data)
	}
	next := st.balance + delta
	if next < 0 || next > calypso.SvMaxBalance {
		return status(calypso.SWConditionsNotMet)
	}
	st.balance = next
	st.tnum++
	entry := calypso.SvLogEntry{Amount: delta, TransactionNumber: st.tnum}
	if a.ins == 0xB8 {
		st.loadLog = entry
		st.records[calypso.RecordKey{SFI: calypso.SfiSvLoadLog, Record: 1}] = logRecord(entry, next)
	} else {
		st.debitLog = entry
		c.appendLog(st, logRecord(entry, next))
	}
	if c.session != nil {
		c.session.svDone = true
	}
	return ok(nil)
}

// appendLog keeps the last three debit log records.
func (c *Card) appendLog(st *cardState, rec []byte) {
	for i := 3; i > 1; i-- {
		if prev, found := st.records[calypso.RecordKey{SFI: calypso.SfiSvDebitLog, Record: i - 1}]; found {
			st.records[calypso.RecordKey{SFI: calypso.SfiSvDebitLog, Record: i}] = prev
		}
	}
	st.records[calypso.RecordKey{SFI: calypso.SfiSvDebitLog, Record: 1}] = rec
}

func logRecord(entry calypso.SvLogEntry, balance int) []byte {
	rec := make([]byte, 8)
	calypso.PutInt24(rec[0:3], entry.Amount)
	calypso.PutUint16(rec[3:5], entry.TransactionNumber)
	calypso.PutInt24(rec[5:8], balance)
	return rec
}

func (c *Card) presentPin(pin []byte) []byte {
	if c.pinAttempts == 0 {
		return status(calypso.SWPinBlocked)
	}
	if !bytes.Equal(pin, c.pin) {
		c.pinAttempts--
		return status(calypso.SWPinTriesPrefix | calypso.StatusWord(c.pinAttempts))
	}
	c.pinAttempts = calypso.PinMaxAttempts
	return nil
}

func (c *Card) verifyPin(a apdu) []byte {
	if !c.pinEnabled {
		return status(calypso.SWInsNotSupported)
	}
	if len(a.data) != 4 {
		return status(calypso.SWWrongLength)
	}
	if fail := c.presentPin(a.data); fail != nil {
		return fail
	}
	return ok(nil)
}

func (c *Card) changePin(a apdu) []byte {
	if !c.pinEnabled {
		return status(calypso.SWInsNotSupported)
	}
	if c.session != nil {
		return status(calypso.SWConditionsNotMet)
	}
	if len(a.data) != 8 {
		return status(calypso.SWWrongLength)
	}
	if fail := c.presentPin(a.data[:4]); fail != nil {
		return fail
	}
	c.pin = slices.Clone(a.data[4:])
	return ok(nil)
}
