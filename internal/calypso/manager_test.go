package calypso_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/sam"
	"github.com/SimplyPrint/calypso-agent/internal/stubcard"
)

var masterKeys = sam.Keys{
	calypso.LevelPersonalization: []byte("perso-master-key"),
	calypso.LevelLoad:            []byte("load-master-key"),
	calypso.LevelDebit:           []byte("debit-master-key"),
}

// countingModule counts the calls that matter to the session tests.
type countingModule struct {
	*sam.Software
	mu     sync.Mutex
	closes int
	auths  int
}

func newCountingModule(seed byte) *countingModule {
	return &countingModule{Software: sam.NewSoftware("test", masterKeys, sam.WithRandom(stubcard.NewSequence(seed)))}
}

func (c *countingModule) DigestClose() ([]byte, error) {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.Software.DigestClose()
}

func (c *countingModule) DigestAuthenticate(mac []byte) (bool, error) {
	c.mu.Lock()
	c.auths++
	c.mu.Unlock()
	return c.Software.DigestAuthenticate(mac)
}

func (c *countingModule) counts() (closes, auths int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes, c.auths
}

// memRecorder keeps finished transactions in memory.
type memRecorder struct {
	mu      sync.Mutex
	records []calypso.TransactionRecord
}

func (r *memRecorder) Record(rec calypso.TransactionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *memRecorder) all() []calypso.TransactionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]calypso.TransactionRecord(nil), r.records...)
}

type fixture struct {
	card     *stubcard.Card
	module   *countingModule
	recorder *memRecorder
	mgr      *calypso.Manager
}

func newFixture(t *testing.T, cardOpts []stubcard.Option, opts ...calypso.Option) *fixture {
	t.Helper()
	module := newCountingModule(1)
	return buildFixture(t, module, cardOpts, append([]calypso.Option{calypso.WithSecurityModule(module)}, opts...)...)
}

// newPooledFixture builds a manager that takes its module from pool.
func newPooledFixture(t *testing.T, pool calypso.ResourcePool, timeout time.Duration) *fixture {
	t.Helper()
	return buildFixture(t, nil, nil, calypso.WithResourcePool(pool, "transit", timeout))
}

func buildFixture(t *testing.T, module *countingModule, cardOpts []stubcard.Option, opts ...calypso.Option) *fixture {
	t.Helper()
	card := stubcard.New(append([]stubcard.Option{stubcard.WithMasterKeys(masterKeys)}, cardOpts...)...)
	f := &fixture{
		card:     card,
		module:   module,
		recorder: &memRecorder{},
	}
	opts = append(opts, calypso.WithRecorder(f.recorder))
	f.mgr = calypso.NewManager(card, card.Profile(), opts...)
	t.Cleanup(func() { _ = f.mgr.Close() })
	return f
}

func (f *fixture) process(t *testing.T, disposition calypso.ChannelDisposition) error {
	t.Helper()
	return f.mgr.ProcessCommands(context.Background(), disposition)
}

func TestDebitSessionEndToEnd(t *testing.T) {
	contract := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	event := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	f := newFixture(t, []stubcard.Option{stubcard.WithRecord(0x07, 1, contract)})

	f.mgr.PrepareOpenSession(calypso.LevelDebit).
		PrepareReadRecords(0x07, 1, 1).
		PrepareAppendRecord(0x08, event).
		PrepareCloseSession()
	if err := f.mgr.Err(); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := f.process(t, calypso.ChannelClose); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}

	model := f.mgr.Model()
	if got, _ := model.Record(0x07, 1); !bytes.Equal(got, contract) {
		t.Errorf("model record 07/1 = %X, want %X", got, contract)
	}
	if got, _ := model.Record(0x08, 1); !bytes.Equal(got, event) {
		t.Errorf("model record 08/1 = %X, want %X", got, event)
	}
	if got, _ := f.card.Record(0x08, 1); !bytes.Equal(got, event) {
		t.Errorf("card record 08/1 = %X, want %X", got, event)
	}
	if _, auths := f.module.counts(); auths != 1 {
		t.Errorf("DigestAuthenticate called %d times, want 1", auths)
	}
	if f.mgr.State() != calypso.StateClosed {
		t.Errorf("state = %s, want closed", f.mgr.State())
	}

	records := f.recorder.all()
	if len(records) != 1 {
		t.Fatalf("recorded %d transactions, want 1", len(records))
	}
	rec := records[0]
	if rec.Outcome != calypso.OutcomeCommitted || rec.SubSessions != 1 || rec.Level != "debit" {
		t.Errorf("record = %+v", rec)
	}

	var transcript bytes.Buffer
	for _, ex := range rec.Exchanges {
		fmt.Fprintf(&transcript, "> %X\n< %X\n", ex.Command, ex.Response)
	}
	fmt.Fprintf(&transcript, "digest %x\n", rec.TranscriptDigest)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "debit_session", transcript.Bytes())

	if len(f.card.Exchanges()) != len(rec.Exchanges) {
		t.Errorf("card saw %d exchanges, record holds %d", len(f.card.Exchanges()), len(rec.Exchanges))
	}
}

func TestCommandsReachCardInOrder(t *testing.T) {
	f := newFixture(t, []stubcard.Option{
		stubcard.WithRecord(0x07, 1, []byte{1}),
		stubcard.WithRecord(0x08, 1, []byte{2}),
		stubcard.WithRecord(0x09, 1, []byte{3}),
	})

	f.mgr.PrepareReadRecords(0x09, 1, 1).
		PrepareReadRecords(0x07, 1, 1).
		PrepareOpenSession(calypso.LevelLoad).
		PrepareUpdateRecord(0x08, 1, []byte{9}).
		PrepareIncreaseCounter(0x19, 1, 5).
		PrepareCloseSession()
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}

	want := []struct{ ins, p2 byte }{
		{0xB2, 0x09<<3 | 5},
		{0xB2, 0x07<<3 | 5},
		{0x8A, 0x00},
		{0xDC, 0x08<<3 | 4},
		{0x32, 0x19 << 3},
		{0x8E, 0x00},
	}
	got := f.card.Exchanges()
	if len(got) != len(want) {
		t.Fatalf("card saw %d commands, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Command[1] != w.ins || got[i].Command[3] != w.p2 {
			t.Errorf("command %d = %X, want INS %02X P2 %02X", i, got[i].Command, w.ins, w.p2)
		}
	}
	if v, _ := f.card.Counter(0x19, 1); v != 5 {
		t.Errorf("card counter = %d, want 5", v)
	}
	if v, _ := f.mgr.Model().Counter(0x19, 1); v != 5 {
		t.Errorf("model counter = %d, want 5", v)
	}
}

func TestDoubleOpenIsRejectedWithoutIO(t *testing.T) {
	f := newFixture(t, nil)

	f.mgr.PrepareOpenSession(calypso.LevelDebit).PrepareOpenSession(calypso.LevelDebit)
	if !calypso.IsIllegalState(f.mgr.Err(), calypso.ReasonSessionAlreadyOpen) {
		t.Fatalf("Err() = %v, want SessionAlreadyOpen", f.mgr.Err())
	}
	err := f.process(t, calypso.ChannelKeepOpen)
	if !calypso.IsIllegalState(err, calypso.ReasonSessionAlreadyOpen) {
		t.Fatalf("ProcessCommands() = %v, want SessionAlreadyOpen", err)
	}
	if n := len(f.card.Exchanges()); n != 0 {
		t.Errorf("card saw %d commands, want none", n)
	}

	// later prepares are ignored until Reset
	f.mgr.PrepareReadRecords(0x07, 1, 1)
	if f.mgr.Pending() != 1 {
		t.Errorf("Pending() = %d, want the single queued open", f.mgr.Pending())
	}
	f.mgr.Reset()
	if f.mgr.Err() != nil || f.mgr.Pending() != 0 {
		t.Errorf("after Reset: Err() = %v, Pending() = %d", f.mgr.Err(), f.mgr.Pending())
	}
}

func TestCloseWithoutOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.PrepareCloseSession()
	if !calypso.IsIllegalState(f.mgr.Err(), calypso.ReasonNoSessionOpen) {
		t.Fatalf("Err() = %v, want NoSessionOpen", f.mgr.Err())
	}
}

func TestPrepareArgumentValidation(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(m *calypso.Manager)
	}{
		{"sfi zero", func(m *calypso.Manager) { m.PrepareReadRecords(0, 1, 1) }},
		{"sfi above 30", func(m *calypso.Manager) { m.PrepareReadRecords(31, 1, 1) }},
		{"record zero", func(m *calypso.Manager) { m.PrepareUpdateRecord(0x07, 0, []byte{1}) }},
		{"empty data", func(m *calypso.Manager) { m.PrepareAppendRecord(0x08, nil) }},
		{"read past record 250", func(m *calypso.Manager) { m.PrepareReadRecords(0x07, 250, 2) }},
		{"counter zero", func(m *calypso.Manager) { m.PrepareIncreaseCounter(0x19, 0, 1) }},
		{"delta zero", func(m *calypso.Manager) { m.PrepareDecreaseCounter(0x19, 1, 0) }},
		{"delta too large", func(m *calypso.Manager) { m.PrepareIncreaseCounter(0x19, 1, 0x1000000) }},
		{"unknown level", func(m *calypso.Manager) { m.PrepareOpenSession(calypso.AccessLevel(9)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tt.prepare(f.mgr)
			if !calypso.IsInvalidOperation(f.mgr.Err(), calypso.ReasonInvalidArgument) {
				t.Errorf("Err() = %v, want InvalidArgument", f.mgr.Err())
			}
		})
	}
}

func prepareUpdates(m *calypso.Manager, n, size int) {
	for i := 1; i <= n; i++ {
		m.PrepareUpdateRecord(0x09, i, bytes.Repeat([]byte{byte(i)}, size))
	}
}

func TestOverflowWithoutMultipleSession(t *testing.T) {
	f := newFixture(t, nil)

	f.mgr.PrepareOpenSession(calypso.LevelLoad)
	prepareUpdates(f.mgr, 2, 250)
	if !calypso.IsBufferOverflow(f.mgr.Err()) {
		t.Fatalf("Err() = %v, want BufferOverflowError", f.mgr.Err())
	}
	if err := f.process(t, calypso.ChannelKeepOpen); !calypso.IsBufferOverflow(err) {
		t.Fatalf("ProcessCommands() = %v, want BufferOverflowError", err)
	}
	if n := len(f.card.Exchanges()); n != 0 {
		t.Errorf("card saw %d commands, want none", n)
	}
}

func TestOverflowSplitsIntoSubSessions(t *testing.T) {
	// nine writes of 106 bytes against 430: four fit per sub-session
	split := newFixture(t, nil, calypso.WithMultipleSession(true))
	split.mgr.PrepareOpenSession(calypso.LevelLoad)
	prepareUpdates(split.mgr, 9, 100)
	split.mgr.PrepareCloseSession()
	if err := split.mgr.Err(); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := split.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}
	if got := split.mgr.SubSessions(); got != 3 {
		t.Errorf("SubSessions() = %d, want 3", got)
	}
	opened, committed := split.card.Sessions()
	if opened != 3 || committed != 3 {
		t.Errorf("card sessions opened %d committed %d, want 3 and 3", opened, committed)
	}
	for i := 1; i <= 9; i++ {
		if got, ok := split.card.Record(0x09, i); !ok || got[0] != byte(i) {
			t.Errorf("card record 09/%d = %X", i, got)
		}
	}
	if _, auths := split.module.counts(); auths != 3 {
		t.Errorf("DigestAuthenticate called %d times, want 3", auths)
	}
	if n := len(split.recorder.all()); n != 1 {
		t.Errorf("recorded %d transactions, want one for the whole split", n)
	}

	single := newFixture(t, []stubcard.Option{stubcard.WithBufferSize(2000)})
	single.mgr.PrepareOpenSession(calypso.LevelLoad)
	prepareUpdates(single.mgr, 9, 100)
	single.mgr.PrepareCloseSession()
	if err := single.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("single session ProcessCommands() returned error: %v", err)
	}
	if got := single.mgr.SubSessions(); got != 1 {
		t.Errorf("single SubSessions() = %d, want 1", got)
	}
	if !bytes.Equal(split.mgr.TranscriptDigest(), single.mgr.TranscriptDigest()) {
		t.Errorf("split digest %x differs from single session digest %x",
			split.mgr.TranscriptDigest(), single.mgr.TranscriptDigest())
	}
}

func TestOversizedWriteCannotBeSplit(t *testing.T) {
	f := newFixture(t, []stubcard.Option{stubcard.WithBufferSize(100)}, calypso.WithMultipleSession(true))
	f.mgr.PrepareOpenSession(calypso.LevelLoad).PrepareUpdateRecord(0x09, 1, bytes.Repeat([]byte{1}, 100))
	if !calypso.IsBufferOverflow(f.mgr.Err()) {
		t.Fatalf("Err() = %v, want BufferOverflowError", f.mgr.Err())
	}
}

func TestCancelDropsPlannedWrites(t *testing.T) {
	f := newFixture(t, nil)

	f.mgr.PrepareOpenSession(calypso.LevelDebit).
		PrepareAppendRecord(0x08, []byte{1, 2, 3}).
		PrepareCancelSession()
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}

	if _, ok := f.card.Record(0x08, 1); ok {
		t.Error("append reached the card")
	}
	if _, ok := f.mgr.Model().Record(0x08, 1); ok {
		t.Error("append reached the model")
	}
	if closes, _ := f.module.counts(); closes != 0 {
		t.Errorf("DigestClose called %d times, want 0", closes)
	}
	for _, ex := range f.card.Exchanges() {
		if ex.Command[1] == 0xE2 {
			t.Errorf("append transmitted: %X", ex.Command)
		}
	}
	if f.card.InSession() {
		t.Error("card session still open")
	}
	records := f.recorder.all()
	if len(records) != 1 || records[0].Outcome != calypso.OutcomeCancelled {
		t.Errorf("records = %+v, want one cancelled", records)
	}
}

func TestCancelRollsBackTransmittedWrites(t *testing.T) {
	f := newFixture(t, nil)

	f.mgr.PrepareOpenSession(calypso.LevelDebit).PrepareAppendRecord(0x08, []byte{1, 2, 3})
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}
	if _, ok := f.mgr.Model().Record(0x08, 1); !ok {
		t.Fatal("append missing from the model while the session is open")
	}

	f.mgr.PrepareCancelSession()
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("cancel ProcessCommands() returned error: %v", err)
	}
	if _, ok := f.mgr.Model().Record(0x08, 1); ok {
		t.Error("model kept the cancelled append")
	}
	if _, ok := f.card.Record(0x08, 1); ok {
		t.Error("card kept the cancelled append")
	}
	if closes, _ := f.module.counts(); closes != 0 {
		t.Errorf("DigestClose called %d times, want 0", closes)
	}
}

func TestCancelWithdrawsQueuedClose(t *testing.T) {
	f := newFixture(t, nil)

	f.mgr.PrepareOpenSession(calypso.LevelDebit).PrepareAppendRecord(0x08, []byte{1, 2, 3})
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}

	f.mgr.PrepareCloseSession().PrepareCancelSession()
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("cancel ProcessCommands() returned error: %v", err)
	}
	if _, ok := f.card.Record(0x08, 1); ok {
		t.Error("card committed the cancelled append")
	}
	if _, committed := f.card.Sessions(); committed != 0 {
		t.Errorf("committed %d sessions, want 0", committed)
	}
	if closes, _ := f.module.counts(); closes != 0 {
		t.Errorf("DigestClose called %d times, want 0", closes)
	}
	if f.mgr.State() != calypso.StateClosed || f.card.InSession() {
		t.Errorf("State() = %s, card in session = %v", f.mgr.State(), f.card.InSession())
	}
	records := f.recorder.all()
	if len(records) != 1 || records[0].Outcome != calypso.OutcomeCancelled {
		t.Errorf("records = %+v, want one cancelled", records)
	}
}

func TestCancelAfterPlannedClose(t *testing.T) {
	f := newFixture(t, nil)

	f.mgr.PrepareOpenSession(calypso.LevelLoad).
		PrepareUpdateRecord(0x09, 1, []byte{7}).
		PrepareCloseSession().
		PrepareCancelSession()
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}
	if _, ok := f.card.Record(0x09, 1); ok {
		t.Error("update reached the card")
	}
	if closes, _ := f.module.counts(); closes != 0 {
		t.Errorf("DigestClose called %d times, want 0", closes)
	}
}

func TestCancelWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	f.mgr.PrepareReadRecords(0x07, 1, 1).PrepareCancelSession()
	if n := f.mgr.Pending(); n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}
}

func TestCancelOnlyAfterFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.card.FailNext(0xDC, calypso.SWFileNotFound)

	f.mgr.PrepareOpenSession(calypso.LevelLoad).
		PrepareUpdateRecord(0x09, 1, []byte{1}).
		PrepareUpdateRecord(0x09, 2, []byte{2}).
		PrepareCloseSession()
	err := f.process(t, calypso.ChannelKeepOpen)
	sw, ok := calypso.IsCardRejected(err)
	if !ok || sw != calypso.SWFileNotFound {
		t.Fatalf("ProcessCommands() = %v, want card rejection 6A82", err)
	}
	if !f.mgr.CancelOnly() || f.mgr.State() != calypso.StateOpen {
		t.Fatalf("CancelOnly() = %v, State() = %s", f.mgr.CancelOnly(), f.mgr.State())
	}

	f.mgr.PrepareReadRecords(0x09, 1, 1)
	if !calypso.IsIllegalState(f.mgr.Err(), calypso.ReasonCancelOnly) {
		t.Fatalf("Err() = %v, want CancelOnly", f.mgr.Err())
	}

	f.mgr.PrepareCancelSession()
	if f.mgr.Err() != nil {
		t.Fatalf("Err() after cancel = %v", f.mgr.Err())
	}
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("cancel ProcessCommands() returned error: %v", err)
	}
	if f.mgr.CancelOnly() || f.mgr.State() != calypso.StateClosed || f.card.InSession() {
		t.Errorf("after cancel: CancelOnly() = %v, State() = %s, card in session = %v",
			f.mgr.CancelOnly(), f.mgr.State(), f.card.InSession())
	}
	if _, ok := f.card.Record(0x09, 2); ok {
		t.Error("write after the failure reached the card")
	}

	// the manager is usable again
	f.mgr.PrepareOpenSession(calypso.LevelLoad).PrepareUpdateRecord(0x09, 1, []byte{7}).PrepareCloseSession()
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("next transaction failed: %v", err)
	}
	if got, _ := f.card.Record(0x09, 1); !bytes.Equal(got, []byte{7}) {
		t.Errorf("card record 09/1 = %X, want 07", got)
	}
}

func TestRejectedCardMACRestoresModel(t *testing.T) {
	f := newFixture(t, nil)
	f.card.CorruptCardMAC()

	f.mgr.PrepareOpenSession(calypso.LevelLoad).PrepareUpdateRecord(0x09, 1, []byte{1}).PrepareCloseSession()
	err := f.process(t, calypso.ChannelKeepOpen)
	if !calypso.IsSecurity(err, calypso.ReasonCardAuthentication) {
		t.Fatalf("ProcessCommands() = %v, want CardAuthenticationFailed", err)
	}
	if f.mgr.State() != calypso.StateClosed || f.mgr.CancelOnly() {
		t.Errorf("State() = %s, CancelOnly() = %v", f.mgr.State(), f.mgr.CancelOnly())
	}
	if _, ok := f.mgr.Model().Record(0x09, 1); ok {
		t.Error("model kept the write of an unauthenticated session")
	}
	records := f.recorder.all()
	if len(records) != 1 || records[0].Outcome != calypso.OutcomeFailed {
		t.Errorf("records = %+v, want one failed", records)
	}
}

func TestTerminalMACRejectedByCard(t *testing.T) {
	f := newFixture(t, nil)
	f.card.FailNext(0x8E, calypso.SWIncorrectMAC)

	f.mgr.PrepareOpenSession(calypso.LevelDebit).PrepareCloseSession()
	err := f.process(t, calypso.ChannelKeepOpen)
	if !calypso.IsSecurity(err, calypso.ReasonMACRejected) {
		t.Fatalf("ProcessCommands() = %v, want MACRejected", err)
	}
	if sw, ok := calypso.IsCardRejected(err); !ok || sw != calypso.SWIncorrectMAC {
		t.Errorf("wrapped status = %v, %v", sw, ok)
	}
	if f.mgr.State() != calypso.StateClosed {
		t.Errorf("State() = %s, want closed", f.mgr.State())
	}
}

func TestPinAttemptsRunOut(t *testing.T) {
	pin := []byte("1234")
	f := newFixture(t, []stubcard.Option{stubcard.WithPIN(pin)})

	for attempt := 1; attempt <= calypso.PinMaxAttempts; attempt++ {
		f.mgr.PrepareVerifyPin([]byte("0000"))
		err := f.process(t, calypso.ChannelKeepOpen)
		if _, ok := calypso.IsCardRejected(err); !ok {
			t.Fatalf("attempt %d: ProcessCommands() = %v, want card rejection", attempt, err)
		}
		if got, want := f.mgr.Model().PIN.RemainingAttempts, calypso.PinMaxAttempts-attempt; got != want {
			t.Errorf("attempt %d: remaining = %d, want %d", attempt, got, want)
		}
	}
	if !f.mgr.Model().PIN.Blocked() {
		t.Fatal("PIN not reported blocked")
	}

	f.mgr.PrepareVerifyPin(pin)
	err := f.process(t, calypso.ChannelKeepOpen)
	if sw, ok := calypso.IsCardRejected(err); !ok || sw != calypso.SWPinBlocked {
		t.Fatalf("correct PIN after blocking = %v, want 6983", err)
	}
	if f.mgr.Model().PIN.Verified {
		t.Error("PIN reported verified")
	}
}

func TestVerifyAndChangePin(t *testing.T) {
	f := newFixture(t, []stubcard.Option{stubcard.WithPIN([]byte("1234"))})

	f.mgr.PrepareVerifyPin([]byte("123"))
	if !calypso.IsInvalidOperation(f.mgr.Err(), calypso.ReasonMalformedPin) {
		t.Fatalf("Err() = %v, want MalformedPin", f.mgr.Err())
	}
	f.mgr.Reset()

	f.mgr.PrepareChangePin([]byte("1234"), []byte("4321")).PrepareVerifyPin([]byte("4321"))
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}
	if pin := f.mgr.Model().PIN; !pin.Verified || pin.RemainingAttempts != calypso.PinMaxAttempts {
		t.Errorf("PIN state = %+v", pin)
	}

	f.mgr.PrepareOpenSession(calypso.LevelDebit).PrepareChangePin([]byte("4321"), []byte("1111"))
	if !calypso.IsIllegalState(f.mgr.Err(), calypso.ReasonCommandNotAllowed) {
		t.Errorf("Err() = %v, want CommandNotAllowed", f.mgr.Err())
	}
}

func TestPinUnsupportedByCard(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.PrepareVerifyPin([]byte("1234"))
	if !calypso.IsInvalidOperation(f.mgr.Err(), calypso.ReasonUnsupportedByCard) {
		t.Errorf("Err() = %v, want UnsupportedByCard", f.mgr.Err())
	}
}

func TestChannelCloseWithOpenSession(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.PrepareOpenSession(calypso.LevelDebit)
	err := f.process(t, calypso.ChannelClose)
	if !calypso.IsIllegalState(err, calypso.ReasonSessionOpen) {
		t.Fatalf("ProcessCommands() = %v, want SessionOpen", err)
	}
	if n := len(f.card.Exchanges()); n != 0 {
		t.Errorf("card saw %d commands, want none", n)
	}
}

func TestCardNotPresent(t *testing.T) {
	f := newFixture(t, nil)
	f.card.Remove()
	f.mgr.PrepareReadRecords(0x07, 1, 1)
	if err := f.process(t, calypso.ChannelKeepOpen); !calypso.IsIllegalState(err, calypso.ReasonCardNotPresent) {
		t.Fatalf("ProcessCommands() = %v, want CardNotPresent", err)
	}
}

func TestContextCancelledBetweenCommands(t *testing.T) {
	f := newFixture(t, []stubcard.Option{stubcard.WithRecord(0x07, 1, []byte{1})})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.mgr.PrepareReadRecords(0x07, 1, 1)
	if err := f.mgr.ProcessCommands(ctx, calypso.ChannelKeepOpen); err != context.Canceled {
		t.Fatalf("ProcessCommands() = %v, want context.Canceled", err)
	}
	if n := len(f.card.Exchanges()); n != 0 {
		t.Errorf("card saw %d commands, want none", n)
	}
}

func TestPoolExhaustedIsResourceUnavailable(t *testing.T) {
	pool := sam.NewPool()
	pool.Add("transit", newCountingModule(1))

	first := newPooledFixture(t, pool, time.Second)
	first.mgr.PrepareOpenSession(calypso.LevelDebit)
	if err := first.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("first ProcessCommands() returned error: %v", err)
	}
	if pool.Available("transit") != 0 {
		t.Fatal("module not held by the open session")
	}

	second := newPooledFixture(t, pool, 20*time.Millisecond)
	second.mgr.PrepareOpenSession(calypso.LevelDebit)
	err := second.process(t, calypso.ChannelKeepOpen)
	if !calypso.IsResourceUnavailable(err) {
		t.Fatalf("second ProcessCommands() = %v, want ResourceUnavailableError", err)
	}
	if n := len(second.card.Exchanges()); n != 0 {
		t.Errorf("second card saw %d commands, want none", n)
	}

	first.mgr.PrepareCloseSession()
	if err := first.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("first close returned error: %v", err)
	}
	if pool.Available("transit") != 1 {
		t.Fatal("module not released at close")
	}

	second.mgr.PrepareOpenSession(calypso.LevelDebit).PrepareCloseSession()
	if err := second.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("second retry returned error: %v", err)
	}
	if pool.Available("transit") != 1 {
		t.Error("module not released after the retry")
	}
}

func TestModuleReleasedOnFailure(t *testing.T) {
	pool := sam.NewPool()
	pool.Add("transit", newCountingModule(1))
	f := newPooledFixture(t, pool, time.Second)
	f.card.FailNext(0x8A, calypso.SWSecurityNotSatisfied)

	f.mgr.PrepareOpenSession(calypso.LevelDebit)
	if _, ok := calypso.IsCardRejected(f.process(t, calypso.ChannelKeepOpen)); !ok {
		t.Fatal("expected open to be rejected")
	}
	if pool.Available("transit") != 1 {
		t.Error("module not released after a failed open")
	}
}

func TestPrefetchedChallenge(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.mgr.InitCryptoContextForNextTransaction(context.Background()); err != nil {
		t.Fatalf("InitCryptoContextForNextTransaction() returned error: %v", err)
	}
	f.mgr.PrepareOpenSession(calypso.LevelDebit).PrepareCloseSession()
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}
	if challenges, _ := f.module.Stats(); challenges != 1 {
		t.Errorf("module served %d challenges, want 1", challenges)
	}
	open := f.card.Exchanges()[0].Command
	if !bytes.Equal(open[5:13], []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("open carried challenge %X", open[5:13])
	}
}

func TestLegacyCardCountsOperations(t *testing.T) {
	f := newFixture(t, []stubcard.Option{stubcard.WithFamily(calypso.FamilyRev1)})
	if f.mgr.Profile().Family != calypso.FamilyRev1 {
		t.Fatalf("family = %s", f.mgr.Profile().Family)
	}

	f.mgr.PrepareOpenSession(calypso.LevelLoad)
	for i := 1; i <= calypso.DefaultBufferOperations; i++ {
		f.mgr.PrepareUpdateRecord(0x09, i, []byte{byte(i)})
	}
	if f.mgr.Err() != nil || f.mgr.BufferRemaining() != 0 {
		t.Fatalf("Err() = %v, BufferRemaining() = %d", f.mgr.Err(), f.mgr.BufferRemaining())
	}
	f.mgr.PrepareCloseSession()
	if err := f.process(t, calypso.ChannelKeepOpen); err != nil {
		t.Fatalf("ProcessCommands() returned error: %v", err)
	}
	for _, ex := range f.card.Exchanges() {
		if ex.Command[0] != 0x94 {
			t.Errorf("command %X not sent with class 94", ex.Command)
		}
	}

	f.mgr.PrepareOpenSession(calypso.LevelLoad)
	for i := 1; i <= calypso.DefaultBufferOperations+1; i++ {
		f.mgr.PrepareUpdateRecord(0x09, i, []byte{byte(i)})
	}
	if !calypso.IsBufferOverflow(f.mgr.Err()) {
		t.Errorf("Err() = %v, want BufferOverflowError", f.mgr.Err())
	}
}
