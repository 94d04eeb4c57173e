package calypso

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

// ChannelDisposition tells ProcessCommands what to do with the logical
// channel once the queue has been drained.
type ChannelDisposition int

const (
	ChannelKeepOpen ChannelDisposition = iota
	ChannelClose
)

// DefaultAcquireTimeout bounds how long a session open waits for a pooled
// security module.
const DefaultAcquireTimeout = 5 * time.Second

type options struct {
	module     SecurityModule
	pool       ResourcePool
	samProfile string
	timeout    time.Duration
	multiple   bool
	recorder   Recorder
	signer     SvSigner
	ops        CardProtocolOps
}

// Option configures a Manager.
type Option func(*options)

// WithSecurityModule gives the manager a dedicated security module.
func WithSecurityModule(module SecurityModule) Option {
	return func(o *options) { o.module = module }
}

// WithResourcePool makes the manager acquire its security module from pool
// under profile for each transaction.
func WithResourcePool(pool ResourcePool, profile string, timeout time.Duration) Option {
	return func(o *options) {
		o.pool = pool
		o.samProfile = profile
		o.timeout = timeout
	}
}

// WithMultipleSession enables splitting a transaction into consecutive
// sub-sessions when the modification buffer would overflow.
func WithMultipleSession(enabled bool) Option {
	return func(o *options) { o.multiple = enabled }
}

// WithRecorder registers a sink for finished transactions.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithSvSigner sets the signer used for stored-value commands sent outside
// a secure session. Without it the security module signs when it can.
func WithSvSigner(s SvSigner) Option {
	return func(o *options) { o.signer = s }
}

// WithProtocol overrides the command set chosen from the card family.
func WithProtocol(ops CardProtocolOps) Option {
	return func(o *options) { o.ops = ops }
}

// Manager drives secure transactions against one card. Commands are
// prepared into a queue and only reach the card in ProcessCommands.
//
// A Manager is not safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	transport Transport
	profile   CardProfile
	ops       CardProtocolOps
	multiple  bool
	recorder  Recorder
	signer    SvSigner
	sec       *securityContext

	queue  commandQueue
	plan   sessionPlan
	buffer bufferAccountant
	sv     svValidator

	model       *CardModel
	snapshot    *CardModel
	state       SessionState
	level       AccessLevel
	spent       int
	svGetDone   SvOperation
	err         error
	cancelOnly  bool
	channelOpen bool
	txn         *txnLog
}

// NewManager returns a manager for the card described by profile, reached
// through transport.
func NewManager(transport Transport, profile CardProfile, opts ...Option) *Manager {
	o := options{timeout: DefaultAcquireTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ops == nil {
		o.ops = ProtocolFor(profile.Family)
	}
	return &Manager{
		transport: transport,
		profile:   profile,
		ops:       o.ops,
		multiple:  o.multiple,
		recorder:  o.recorder,
		signer:    o.signer,
		sec:       newSecurityContext(o.module, o.pool, o.samProfile, o.timeout),
		buffer:    newBufferAccountant(profile.bufferCapacity()),
		model:     NewCardModel(profile.Serial),
	}
}

// Err returns the sticky prepare error, if any.
func (m *Manager) Err() error { return m.err }

// State returns the card-side session state.
func (m *Manager) State() SessionState { return m.state }

// Level returns the access level of the open session.
func (m *Manager) Level() AccessLevel { return m.level }

// CancelOnly reports whether a failure left a session that can only be
// cancelled.
func (m *Manager) CancelOnly() bool { return m.cancelOnly }

// Profile returns the card profile the manager was built for.
func (m *Manager) Profile() CardProfile { return m.profile }

// Pending returns the number of queued commands.
func (m *Manager) Pending() int { return m.queue.len() }

// Model returns a snapshot of the card model.
func (m *Manager) Model() *CardModel { return m.model.Snapshot() }

// SubSessions returns how many secure sessions the current or last
// transaction opened.
func (m *Manager) SubSessions() int { return m.sec.subSessions }

// TranscriptDigest returns the chained hash over the data exchanges of the
// last finished transaction.
func (m *Manager) TranscriptDigest() []byte {
	return append([]byte(nil), m.sec.digest...)
}

// BufferRemaining returns the modification buffer left in the planned
// sub-session.
func (m *Manager) BufferRemaining() int { return m.buffer.remaining() }

func (m *Manager) prepare(kind CommandKind, fn func() error) *Manager {
	if m.err != nil {
		return m
	}
	if m.cancelOnly {
		m.err = &IllegalStateError{Reason: ReasonCancelOnly, Command: kind, Detail: "only a session cancel is accepted"}
		return m
	}
	if err := fn(); err != nil {
		m.err = err
		logging.Debug(logging.CatSession, "Prepare rejected", map[string]any{
			"command": kind.String(),
			"error":   err.Error(),
		})
	}
	return m
}

func invalidArgument(kind CommandKind, format string, args ...any) error {
	return &InvalidOperationError{Reason: ReasonInvalidArgument, Command: kind, Detail: fmt.Sprintf(format, args...)}
}

func checkSFI(kind CommandKind, sfi byte) error {
	if sfi < 1 || sfi > 30 {
		return invalidArgument(kind, "SFI %d outside 1..30", sfi)
	}
	return nil
}

func checkRecord(kind CommandKind, record int) error {
	if record < 1 || record > 250 {
		return invalidArgument(kind, "record %d outside 1..250", record)
	}
	return nil
}

func checkData(kind CommandKind, data []byte) error {
	if len(data) < 1 || len(data) > 250 {
		return invalidArgument(kind, "data length %d outside 1..250", len(data))
	}
	return nil
}

func checkCounter(kind CommandKind, counter, delta int) error {
	if counter < 1 || counter > 83 {
		return invalidArgument(kind, "counter %d outside 1..83", counter)
	}
	if delta < 1 || delta > 0xFFFFFF {
		return invalidArgument(kind, "delta %d outside 1..%d", delta, 0xFFFFFF)
	}
	return nil
}

// account charges a write against the modification buffer of the planned
// session, inserting a sub-session boundary when multiple-session mode
// allows it.
func (m *Manager) account(cmd Command) error {
	if m.plan.state != StateOpen {
		return nil
	}
	cost := m.ops.WriteCost(cmd)
	if cost > m.buffer.capacity {
		return &BufferOverflowError{Command: cmd.Kind(), Required: cost, Capacity: m.buffer.capacity}
	}
	if !m.buffer.fits(cost) {
		if !m.multiple {
			return &BufferOverflowError{Command: cmd.Kind(), Required: m.buffer.used + cost, Capacity: m.buffer.capacity}
		}
		m.queue.push(&CloseSession{Split: true})
		m.queue.push(&OpenSession{Level: m.plan.level, Split: true})
		logging.Debug(logging.CatSession, "Sub-session boundary planned", map[string]any{
			"command":  cmd.Kind().String(),
			"used":     m.buffer.used,
			"cost":     cost,
			"capacity": m.buffer.capacity,
		})
		m.buffer.reset()
	}
	m.buffer.add(cost)
	return nil
}

// PrepareOpenSession queues the opening of a secure session at level.
func (m *Manager) PrepareOpenSession(level AccessLevel) *Manager {
	return m.prepare(KindOpenSession, func() error {
		if !level.Valid() {
			return invalidArgument(KindOpenSession, "unknown access level %d", int(level))
		}
		if err := m.plan.checkAllowed(KindOpenSession, m.profile); err != nil {
			return err
		}
		m.queue.push(&OpenSession{Level: level})
		m.plan.open(level)
		m.buffer.reset()
		return nil
	})
}

// PrepareReadRecords queues a read of count records of file sfi starting at
// record first.
func (m *Manager) PrepareReadRecords(sfi byte, first, count int) *Manager {
	return m.prepare(KindReadRecords, func() error {
		if err := checkSFI(KindReadRecords, sfi); err != nil {
			return err
		}
		if err := checkRecord(KindReadRecords, first); err != nil {
			return err
		}
		if count < 1 || first+count-1 > 250 {
			return invalidArgument(KindReadRecords, "count %d from record %d exceeds record 250", count, first)
		}
		m.queue.push(&ReadRecords{SFI: sfi, Record: first, Count: count})
		return nil
	})
}

// PrepareUpdateRecord queues the replacement of a record.
func (m *Manager) PrepareUpdateRecord(sfi byte, record int, data []byte) *Manager {
	return m.prepare(KindUpdateRecord, func() error {
		if err := checkSFI(KindUpdateRecord, sfi); err != nil {
			return err
		}
		if err := checkRecord(KindUpdateRecord, record); err != nil {
			return err
		}
		if err := checkData(KindUpdateRecord, data); err != nil {
			return err
		}
		cmd := &UpdateRecord{SFI: sfi, Record: record, Data: append([]byte(nil), data...)}
		if err := m.account(cmd); err != nil {
			return err
		}
		m.queue.push(cmd)
		return nil
	})
}

// PrepareAppendRecord queues a record append to a cyclic file.
func (m *Manager) PrepareAppendRecord(sfi byte, data []byte) *Manager {
	return m.prepare(KindAppendRecord, func() error {
		if err := checkSFI(KindAppendRecord, sfi); err != nil {
			return err
		}
		if err := checkData(KindAppendRecord, data); err != nil {
			return err
		}
		cmd := &AppendRecord{SFI: sfi, Data: append([]byte(nil), data...)}
		if err := m.account(cmd); err != nil {
			return err
		}
		m.queue.push(cmd)
		return nil
	})
}

// PrepareIncreaseCounter queues an increase of a counter by delta.
func (m *Manager) PrepareIncreaseCounter(sfi byte, counter, delta int) *Manager {
	return m.prepare(KindIncreaseCounter, func() error {
		if err := checkSFI(KindIncreaseCounter, sfi); err != nil {
			return err
		}
		if err := checkCounter(KindIncreaseCounter, counter, delta); err != nil {
			return err
		}
		cmd := &IncreaseCounter{SFI: sfi, Counter: counter, Delta: delta}
		if err := m.account(cmd); err != nil {
			return err
		}
		m.queue.push(cmd)
		return nil
	})
}

// PrepareDecreaseCounter queues a decrease of a counter by delta.
func (m *Manager) PrepareDecreaseCounter(sfi byte, counter, delta int) *Manager {
	return m.prepare(KindDecreaseCounter, func() error {
		if err := checkSFI(KindDecreaseCounter, sfi); err != nil {
			return err
		}
		if err := checkCounter(KindDecreaseCounter, counter, delta); err != nil {
			return err
		}
		cmd := &DecreaseCounter{SFI: sfi, Counter: counter, Delta: delta}
		if err := m.account(cmd); err != nil {
			return err
		}
		m.queue.push(cmd)
		return nil
	})
}

// PrepareSvGet queues the retrieval of the SV purse ahead of op.
func (m *Manager) PrepareSvGet(op SvOperation) *Manager {
	return m.prepare(KindSvGet, func() error {
		if op != SvOpReload && op != SvOpDebit {
			return invalidArgument(KindSvGet, "unknown SV operation %d", int(op))
		}
		if err := m.plan.checkAllowed(KindSvGet, m.profile); err != nil {
			return err
		}
		m.sv.onGet(op)
		m.queue.push(&SvGet{Operation: op})
		return nil
	})
}

// PrepareSvReload queues a reload of amount, which may be negative.
func (m *Manager) PrepareSvReload(amount int) *Manager {
	return m.prepareSv(&SvReload{Amount: amount}, amount)
}

// PrepareSvDebit queues a debit of amount.
func (m *Manager) PrepareSvDebit(amount int) *Manager {
	return m.prepareSv(&SvDebit{Amount: amount}, amount)
}

// PrepareSvUndebit queues the cancellation of a debit of amount.
func (m *Manager) PrepareSvUndebit(amount int) *Manager {
	return m.prepareSv(&SvUndebit{Amount: amount}, amount)
}

func (m *Manager) prepareSv(cmd Command, amount int) *Manager {
	kind := cmd.Kind()
	return m.prepare(kind, func() error {
		if err := m.plan.checkAllowed(kind, m.profile); err != nil {
			return err
		}
		if m.plan.state != StateOpen && !m.canSignSv() {
			return &IllegalStateError{Reason: ReasonSvSignatureUnavailable, Command: kind}
		}
		if err := m.sv.admit(kind, amount, m.model.SV); err != nil {
			return err
		}
		if m.plan.state == StateOpen {
			m.plan.svModified = true
		}
		m.queue.push(cmd)
		return nil
	})
}

// canSignSv reports whether an out-of-session SV command can be signed. A
// pooled module is only known once acquired, so a pool counts as able.
func (m *Manager) canSignSv() bool {
	if m.signer != nil || m.sec.pool != nil {
		return true
	}
	_, ok := m.sec.signer()
	return ok
}

// PrepareSvReadLogs queues reads of the SV load and debit logs.
func (m *Manager) PrepareSvReadLogs() *Manager {
	return m.prepare(KindReadRecords, func() error {
		if !m.profile.StoredValue {
			return &InvalidOperationError{Reason: ReasonUnsupportedByCard, Command: KindReadRecords, Detail: "card has no stored-value application"}
		}
		m.queue.push(&ReadRecords{SFI: SfiSvLoadLog, Record: 1, Count: svLoadLogRecords})
		m.queue.push(&ReadRecords{SFI: SfiSvDebitLog, Record: 1, Count: svDebitLogRecords})
		return nil
	})
}

// PrepareVerifyPin queues a PIN presentation.
func (m *Manager) PrepareVerifyPin(pin []byte) *Manager {
	return m.prepare(KindVerifyPin, func() error {
		if len(pin) != 4 {
			return &InvalidOperationError{Reason: ReasonMalformedPin, Command: KindVerifyPin, Detail: fmt.Sprintf("PIN must be 4 bytes, got %d", len(pin))}
		}
		if err := m.plan.checkAllowed(KindVerifyPin, m.profile); err != nil {
			return err
		}
		m.queue.push(&VerifyPin{PIN: append([]byte(nil), pin...)})
		return nil
	})
}

// PrepareChangePin queues a PIN change. Only legal outside a session.
func (m *Manager) PrepareChangePin(oldPin, newPin []byte) *Manager {
	return m.prepare(KindChangePin, func() error {
		if len(oldPin) != 4 || len(newPin) != 4 {
			return &InvalidOperationError{Reason: ReasonMalformedPin, Command: KindChangePin, Detail: "PINs must be 4 bytes"}
		}
		if err := m.plan.checkAllowed(KindChangePin, m.profile); err != nil {
			return err
		}
		m.queue.push(&ChangePin{Old: append([]byte(nil), oldPin...), New: append([]byte(nil), newPin...)})
		return nil
	})
}

// PrepareCloseSession queues the authenticated close of the session.
func (m *Manager) PrepareCloseSession() *Manager {
	return m.prepare(KindCloseSession, func() error {
		if err := m.plan.checkAllowed(KindCloseSession, m.profile); err != nil {
			return err
		}
		m.queue.push(&CloseSession{})
		m.plan.close()
		m.buffer.reset()
		return nil
	})
}

// PrepareCancelSession discards the writes and SV operations planned for the
// open session and queues an abort. A close already queued for that session
// is withdrawn. It is accepted after any failure and clears the sticky
// prepare error.
func (m *Manager) PrepareCancelSession() *Manager {
	m.err = nil
	if m.plan.state != StateOpen && !m.queue.reopenPlannedSession() {
		return m
	}
	dropped := m.queue.discardPlannedSession()
	m.queue.push(&CancelSession{})
	m.plan.close()
	m.buffer.reset()
	m.sv.replan(m.queue.cmds, m.svGetDone)
	logging.Debug(logging.CatSession, "Session cancel planned", map[string]any{
		"dropped": dropped,
	})
	return m
}

// Reset clears the sticky error and the queue, realigning the plan with the
// card-side state.
func (m *Manager) Reset() {
	m.err = nil
	m.queue.reset()
	m.resync()
}

// resync realigns planning state with what the card has actually seen.
func (m *Manager) resync() {
	m.sv.replan(nil, m.svGetDone)
	m.buffer.reset()
	if m.state == StateOpen {
		m.plan.state = StateOpen
		m.plan.level = m.level
		m.buffer.add(m.spent)
	} else {
		m.plan.close()
	}
}

// ProcessCommands sends every queued command to the card in order and
// applies the responses to the card model.
func (m *Manager) ProcessCommands(ctx context.Context, disposition ChannelDisposition) error {
	if !m.mu.TryLock() {
		return &IllegalStateError{Reason: ReasonProcessInProgress}
	}
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	if disposition == ChannelClose && m.plan.state == StateOpen {
		return &IllegalStateError{Reason: ReasonSessionOpen, Detail: "close or cancel the secure session before releasing the channel"}
	}

	if m.queue.len() > 0 {
		if !m.transport.IsCardPresent() {
			return &IllegalStateError{Reason: ReasonCardNotPresent}
		}
		if !m.channelOpen {
			if err := m.transport.OpenChannel(); err != nil {
				return fmt.Errorf("failed to open channel: %w", err)
			}
			m.channelOpen = true
		}

		cmds := m.queue.drain()
		logging.Debug(logging.CatSession, "Processing commands", map[string]any{
			"serial": m.profile.SerialHex(),
			"count":  len(cmds),
		})
		for _, cmd := range cmds {
			if err := ctx.Err(); err != nil {
				return m.fail(cmd, err)
			}
			if err := m.execute(ctx, cmd); err != nil {
				return m.fail(cmd, err)
			}
		}
		m.sv.replan(nil, m.svGetDone)
	}

	if disposition == ChannelClose && m.channelOpen {
		if err := m.transport.CloseChannel(); err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}
		m.channelOpen = false
	}
	return nil
}

// fail handles an error raised while processing cmd. The rest of the
// drained queue is dropped.
func (m *Manager) fail(cmd Command, err error) error {
	fields := map[string]any{
		"serial":  m.profile.SerialHex(),
		"command": cmd.Kind().String(),
		"error":   err.Error(),
	}
	if m.state != StateClosed {
		m.state = StateOpen
		m.cancelOnly = true
		logging.Warn(logging.CatSession, "Command failed inside secure session, cancel required", fields)
	} else {
		logging.Warn(logging.CatSession, "Command failed", fields)
		if m.txn != nil {
			m.endTransaction(OutcomeFailed, err)
		}
	}
	m.resync()

	var se *SecurityError
	if errors.As(err, &se) {
		logging.CaptureError(err, "calypso.session", fields)
	}
	return err
}

func (m *Manager) execute(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case *OpenSession:
		return m.openSession(ctx, c)
	case *CloseSession:
		return m.closeSession(c)
	case *CancelSession:
		return m.cancelSession()
	default:
		return m.exchange(ctx, cmd)
	}
}

// transmit sends apdu and parses the answer. Status words are left to the
// caller.
func (m *Manager) transmit(kind CommandKind, apdu []byte) (Response, error) {
	raw, err := m.transport.Transmit(apdu)
	if err != nil {
		return Response{}, fmt.Errorf("failed to transmit %s: %w", kind, err)
	}
	if m.txn != nil {
		m.txn.exchange(apdu, raw)
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", kind, err)
	}
	logging.Debug(logging.CatCard, "APDU exchange", map[string]any{
		"command": kind.String(),
		"apdu":    hex.EncodeToString(apdu),
		"status":  resp.Status.String(),
	})
	return resp, nil
}

func (m *Manager) openSession(ctx context.Context, c *OpenSession) error {
	if !c.Split {
		if err := m.sec.acquire(ctx); err != nil {
			return err
		}
		m.sec.startTransaction()
		m.txn = newTxnLog(m.profile, c.Level)
	}
	m.snapshot = m.model.Snapshot()

	samChallenge, err := m.sec.challenge()
	if err != nil {
		return err
	}
	resp, err := m.transmit(KindOpenSession, m.ops.EncodeOpen(c.Level, samChallenge))
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &CardRejectedError{Command: KindOpenSession, Status: resp.Status}
	}
	if len(resp.Data) < 4 {
		return fmt.Errorf("open session response too short: %d bytes", len(resp.Data))
	}

	m.state = StateOpen
	m.level = c.Level
	m.spent = 0
	if err := m.sec.begin(DigestParams{
		Level:        c.Level,
		KeyIndex:     c.Level.KeyIndex(),
		Serial:       m.profile.Serial,
		SamChallenge: samChallenge,
		OpenResponse: resp.Data,
	}); err != nil {
		return err
	}

	logging.Info(logging.CatSession, "Secure session opened", map[string]any{
		"serial":     m.profile.SerialHex(),
		"level":      c.Level.String(),
		"subSession": m.sec.subSessions,
	})
	return nil
}

func (m *Manager) closeSession(c *CloseSession) error {
	m.state = StateClosing
	mac, err := m.sec.terminalMAC()
	if err != nil {
		return err
	}
	resp, err := m.transmit(KindCloseSession, m.ops.EncodeClose(mac))
	if err != nil {
		m.abandonSession()
		return err
	}
	if resp.Status == SWIncorrectMAC {
		m.abandonSession()
		return &SecurityError{Reason: ReasonMACRejected, Err: &CardRejectedError{Command: KindCloseSession, Status: resp.Status}}
	}
	if !resp.OK() {
		m.abandonSession()
		return &CardRejectedError{Command: KindCloseSession, Status: resp.Status}
	}
	if len(resp.Data) < 8 {
		m.abandonSession()
		return fmt.Errorf("close session response too short: %d bytes", len(resp.Data))
	}
	if err := m.sec.authenticate(resp.Data[:8]); err != nil {
		m.abandonSession()
		return err
	}

	m.state = StateClosed
	m.level = 0
	m.spent = 0
	m.snapshot = nil
	logging.Info(logging.CatSession, "Secure session closed", map[string]any{
		"serial":     m.profile.SerialHex(),
		"subSession": m.sec.subSessions,
		"split":      c.Split,
	})
	if !c.Split {
		m.endTransaction(OutcomeCommitted, nil)
	}
	return nil
}

func (m *Manager) cancelSession() error {
	if m.state == StateClosed {
		m.cancelOnly = false
		return nil
	}
	_, err := m.transmit(KindCancelSession, m.ops.EncodeAbort())
	m.abandonSession()
	m.cancelOnly = false
	m.endTransaction(OutcomeCancelled, nil)
	if err != nil {
		return err
	}
	logging.Info(logging.CatSession, "Secure session cancelled", map[string]any{
		"serial": m.profile.SerialHex(),
	})
	return nil
}

// abandonSession restores the model to its state at the last session open.
// PIN attempts are kept since the card counts them regardless of the session.
func (m *Manager) abandonSession() {
	if m.snapshot != nil {
		pin := m.model.PIN
		m.model = m.snapshot
		m.model.PIN = pin
		m.snapshot = nil
	}
	m.sec.discard()
	m.state = StateClosed
	m.level = 0
	m.spent = 0
}

func (m *Manager) endTransaction(outcome Outcome, err error) {
	m.sec.finishTransaction()
	if m.txn != nil {
		rec := m.txn.finish(outcome, err, m.sec.subSessions, m.model, m.sec.digest)
		m.txn = nil
		if m.recorder != nil {
			m.recorder.Record(rec)
		}
	}
	m.sec.release()
}

func (m *Manager) exchange(ctx context.Context, cmd Command) error {
	kind := cmd.Kind()
	var signature []byte
	if kind.isSvModifying() {
		m.svGetDone = 0
		if err := m.checkSvBalance(cmd); err != nil {
			return err
		}
		if m.state != StateOpen {
			sig, err := m.signSv(ctx, cmd)
			if err != nil {
				return err
			}
			signature = sig
		}
	}

	apdu, err := m.ops.Encode(cmd, signature)
	if err != nil {
		return err
	}
	resp, err := m.transmit(kind, apdu)
	if err != nil {
		return err
	}
	if err := m.sec.update(apdu, resp.Raw); err != nil {
		return err
	}
	if !resp.OK() {
		m.applyFailure(cmd, resp.Status)
		return &CardRejectedError{Command: kind, Status: resp.Status}
	}
	if err := m.apply(cmd, resp); err != nil {
		return err
	}
	if m.state == StateOpen {
		m.spent += m.ops.WriteCost(cmd)
	}
	return nil
}

func (m *Manager) checkSvBalance(cmd Command) error {
	if !m.model.SV.Known {
		return nil
	}
	switch c := cmd.(type) {
	case *SvDebit:
		return checkBalance(KindSvDebit, m.model.SV.Balance, -c.Amount)
	case *SvReload:
		return checkBalance(KindSvReload, m.model.SV.Balance, c.Amount)
	case *SvUndebit:
		return checkBalance(KindSvUndebit, m.model.SV.Balance, c.Amount)
	}
	return nil
}

func (m *Manager) signSv(ctx context.Context, cmd Command) ([]byte, error) {
	signer := m.signer
	if signer == nil {
		if err := m.sec.acquire(ctx); err != nil {
			return nil, err
		}
		if m.txn == nil {
			defer m.sec.release()
		}
		s, ok := m.sec.signer()
		if !ok {
			return nil, &SecurityError{Reason: ReasonSvSignatureUnavailable}
		}
		signer = s
	}
	base, err := m.ops.Encode(cmd, nil)
	if err != nil {
		return nil, err
	}
	level := LevelDebit
	if cmd.Kind() == KindSvReload {
		level = LevelLoad
	}
	sig, err := signer.SignSv(m.profile.Serial, level, base)
	if err != nil {
		return nil, securityError(ReasonModuleFailure, err)
	}
	return sig, nil
}

// apply mirrors a successful response into the card model.
func (m *Manager) apply(cmd Command, resp Response) error {
	switch c := cmd.(type) {
	case *ReadRecords:
		recs, err := recordTuples(resp.Data)
		if err != nil {
			return fmt.Errorf("read records SFI %02X: %w", c.SFI, err)
		}
		for rec, data := range recs {
			m.model.setRecord(c.SFI, rec, data)
		}
	case *UpdateRecord:
		m.model.setRecord(c.SFI, c.Record, c.Data)
	case *AppendRecord:
		m.model.appendRecord(c.SFI, c.Data)
	case *IncreaseCounter:
		m.applyCounter(c.SFI, c.Counter, c.Delta, resp.Data)
	case *DecreaseCounter:
		m.applyCounter(c.SFI, c.Counter, -c.Delta, resp.Data)
	case *SvGet:
		res, err := parseSvGet(resp.Data)
		if err != nil {
			return err
		}
		entry := res.logEntry
		m.model.SV = SvState{
			Known:                 true,
			Balance:               res.balance,
			LastTransactionNumber: res.tnum,
			LastOperation:         c.Operation,
			LastLog:               &entry,
		}
		m.svGetDone = c.Operation
	case *SvReload:
		m.applySv(c.Amount)
	case *SvDebit:
		m.applySv(-c.Amount)
	case *SvUndebit:
		m.applySv(c.Amount)
	case *VerifyPin:
		m.model.PIN = PinState{RemainingAttempts: PinMaxAttempts, Verified: true}
	case *ChangePin:
		m.model.PIN = PinState{RemainingAttempts: PinMaxAttempts}
	}
	return nil
}

func (m *Manager) applyCounter(sfi byte, counter, delta int, data []byte) {
	if len(data) >= 3 {
		m.model.setCounter(sfi, counter, Uint24(data[:3]))
		return
	}
	if v, ok := m.model.Counter(sfi, counter); ok {
		m.model.setCounter(sfi, counter, v+delta)
	}
}

func (m *Manager) applySv(delta int) {
	m.model.SV.Balance += delta
	m.model.SV.LastTransactionNumber++
}

// applyFailure records what a failure status tells about the card.
func (m *Manager) applyFailure(cmd Command, sw StatusWord) {
	switch cmd.Kind() {
	case KindVerifyPin, KindChangePin:
		m.model.PIN.Verified = false
		if n, ok := sw.PinAttempts(); ok {
			m.model.PIN.RemainingAttempts = n
		} else if sw == SWPinBlocked {
			m.model.PIN.RemainingAttempts = 0
		}
	}
}

// InitCryptoContextForNextTransaction acquires the security module and
// fetches the next session challenge in the background.
func (m *Manager) InitCryptoContextForNextTransaction(ctx context.Context) error {
	if !m.mu.TryLock() {
		return &IllegalStateError{Reason: ReasonProcessInProgress}
	}
	defer m.mu.Unlock()

	if m.state != StateClosed {
		return &IllegalStateError{Reason: ReasonSessionOpen, Detail: "a secure session is in progress"}
	}
	if err := m.sec.acquire(ctx); err != nil {
		return err
	}
	m.sec.prewarm()
	logging.Debug(logging.CatSAM, "Challenge prefetch started", map[string]any{
		"serial": m.profile.SerialHex(),
	})
	return nil
}

// Close aborts any open session, releases the security module and closes
// the channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.state != StateClosed {
		if _, err := m.transmit(KindCancelSession, m.ops.EncodeAbort()); err != nil {
			errs = append(errs, err)
		}
		m.abandonSession()
		m.endTransaction(OutcomeCancelled, nil)
	}
	m.sec.release()
	m.queue.reset()
	m.cancelOnly = false
	m.resync()
	if m.channelOpen {
		if err := m.transport.CloseChannel(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
		m.channelOpen = false
	}
	return errors.Join(errs...)
}
