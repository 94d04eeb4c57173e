// Package core runs Calypso transactions described as a list of steps
// against a card transport.
package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
	"github.com/SimplyPrint/calypso-agent/internal/reader"
)

// Step is one operation of a transaction request.
type Step struct {
	Op      string `json:"op"`
	SFI     byte   `json:"sfi,omitempty"`
	Record  int    `json:"record,omitempty"`
	Count   int    `json:"count,omitempty"`
	Counter int    `json:"counter,omitempty"`
	Value   int    `json:"value,omitempty"`
	Data    string `json:"data,omitempty"`   // hex
	Amount  string `json:"amount,omitempty"` // decimal, in currency units
	SV      string `json:"sv,omitempty"`     // "reload" or "debit"
	PIN     string `json:"pin,omitempty"`
	NewPIN  string `json:"newPin,omitempty"`
}

// Step operations.
const (
	OpRead      = "read"
	OpUpdate    = "update"
	OpAppend    = "append"
	OpIncrease  = "increase"
	OpDecrease  = "decrease"
	OpSvGet     = "svGet"
	OpSvReload  = "svReload"
	OpSvDebit   = "svDebit"
	OpSvUndebit = "svUndebit"
	OpSvLogs    = "svLogs"
	OpVerifyPin = "verifyPin"
	OpChangePin = "changePin"
)

// Request describes a transaction. With a Level the steps run inside one
// secure session; without one they run unauthenticated.
type Request struct {
	Level           string `json:"level,omitempty"`
	MultipleSession *bool  `json:"multipleSession,omitempty"`
	Steps           []Step `json:"steps"`
}

// ProfileInfo is the card identity found at selection.
type ProfileInfo struct {
	Serial           string `json:"serial"`
	Family           string `json:"family"`
	BufferSize       int    `json:"bufferSize"`
	PIN              bool   `json:"pin"`
	StoredValue      bool   `json:"storedValue"`
	SvOutsideSession bool   `json:"svOutsideSession"`
}

// Result is what a transaction produced. It is returned even when the
// transaction failed part way.
type Result struct {
	Profile     ProfileInfo                `json:"profile"`
	Transaction *calypso.TransactionRecord `json:"transaction,omitempty"`
	Model       calypso.ModelView          `json:"model"`
	Balance     string                     `json:"balance,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// RequestError reports a malformed step.
type RequestError struct {
	Step int
	Err  error
}

func (e *RequestError) Error() string {
	if e.Step < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Runner executes transaction requests. It is safe for concurrent use; each
// Run drives its own session manager.
type Runner struct {
	pool            calypso.ResourcePool
	poolProfile     string
	acquireTimeout  time.Duration
	module          calypso.SecurityModule
	recorder        calypso.Recorder
	multipleSession bool
	bufferSize      int
	prewarm         func() bool
	aid             []byte
	svScale         int32
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPool takes security modules from pool.
func WithPool(pool calypso.ResourcePool, profile string, timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		r.pool, r.poolProfile, r.acquireTimeout = pool, profile, timeout
	}
}

// WithModule uses one dedicated security module.
func WithModule(m calypso.SecurityModule) RunnerOption {
	return func(r *Runner) { r.module = m }
}

func WithRecorder(rec calypso.Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

func WithMultipleSession(enabled bool) RunnerOption {
	return func(r *Runner) { r.multipleSession = enabled }
}

// WithBufferSize overrides the modification buffer size cards report.
func WithBufferSize(n int) RunnerOption {
	return func(r *Runner) { r.bufferSize = n }
}

// WithPrewarm asks before each transaction whether the session challenge
// should be fetched ahead of the card exchanges.
func WithPrewarm(enabled func() bool) RunnerOption {
	return func(r *Runner) { r.prewarm = enabled }
}

func WithAID(aid []byte) RunnerOption {
	return func(r *Runner) { r.aid = aid }
}

// WithSvScale sets the number of decimals of one stored-value unit.
func WithSvScale(scale int32) RunnerOption {
	return func(r *Runner) { r.svScale = scale }
}

// NewRunner returns a runner with the given options.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{acquireTimeout: calypso.DefaultAcquireTimeout, poolProfile: "default"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// captureRecorder keeps the last record and forwards it.
type captureRecorder struct {
	mu   sync.Mutex
	last *calypso.TransactionRecord
	next calypso.Recorder
}

func (c *captureRecorder) Record(rec calypso.TransactionRecord) {
	c.mu.Lock()
	c.last = &rec
	c.mu.Unlock()
	if c.next != nil {
		c.next.Record(rec)
	}
}

func (c *captureRecorder) record() *calypso.TransactionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// FormatAmount renders units of the smallest currency fraction as a decimal.
func (r *Runner) FormatAmount(units int) string {
	return decimal.New(int64(units), -r.svScale).StringFixed(r.svScale)
}

// ParseAmount converts a decimal amount to units of the smallest currency
// fraction.
func (r *Runner) ParseAmount(s string) (int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	units := d.Shift(r.svScale)
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimals", s, r.svScale)
	}
	if units.LessThan(decimal.NewFromInt(calypso.SvMinReload)) || units.GreaterThan(decimal.NewFromInt(calypso.SvMaxBalance)) {
		return 0, &calypso.InvalidOperationError{
			Reason: calypso.ReasonSvAmountOutOfRange,
			Detail: fmt.Sprintf("amount %s outside the stored-value range", s),
		}
	}
	return int(units.IntPart()), nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return b, nil
}

func parseSvOperation(s string) (calypso.SvOperation, error) {
	switch s {
	case "reload":
		return calypso.SvOpReload, nil
	case "debit", "":
		return calypso.SvOpDebit, nil
	default:
		return 0, fmt.Errorf("unknown SV operation %q", s)
	}
}

// prepareStep queues one step. Manager errors surface through mgr.Err.
func (r *Runner) prepareStep(mgr *calypso.Manager, s Step) error {
	switch s.Op {
	case OpRead:
		count := s.Count
		if count == 0 {
			count = 1
		}
		mgr.PrepareReadRecords(s.SFI, s.Record, count)
	case OpUpdate, OpAppend:
		data, err := decodeHex("data", s.Data)
		if err != nil {
			return err
		}
		if s.Op == OpUpdate {
			mgr.PrepareUpdateRecord(s.SFI, s.Record, data)
		} else {
			mgr.PrepareAppendRecord(s.SFI, data)
		}
	case OpIncrease:
		mgr.PrepareIncreaseCounter(s.SFI, s.Counter, s.Value)
	case OpDecrease:
		mgr.PrepareDecreaseCounter(s.SFI, s.Counter, s.Value)
	case OpSvGet:
		op, err := parseSvOperation(s.SV)
		if err != nil {
			return err
		}
		mgr.PrepareSvGet(op)
	case OpSvReload, OpSvDebit, OpSvUndebit:
		amount, err := r.ParseAmount(s.Amount)
		if err != nil {
			return err
		}
		switch s.Op {
		case OpSvReload:
			mgr.PrepareSvReload(amount)
		case OpSvDebit:
			mgr.PrepareSvDebit(amount)
		default:
			mgr.PrepareSvUndebit(amount)
		}
	case OpSvLogs:
		mgr.PrepareSvReadLogs()
	case OpVerifyPin:
		mgr.PrepareVerifyPin([]byte(s.PIN))
	case OpChangePin:
		mgr.PrepareChangePin([]byte(s.PIN), []byte(s.NewPIN))
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

func (r *Runner) managerOptions(req Request, rec calypso.Recorder) []calypso.Option {
	multiple := r.multipleSession
	if req.MultipleSession != nil {
		multiple = *req.MultipleSession
	}
	opts := []calypso.Option{
		calypso.WithRecorder(rec),
		calypso.WithMultipleSession(multiple),
	}
	if r.module != nil {
		opts = append(opts, calypso.WithSecurityModule(r.module))
	} else if r.pool != nil {
		opts = append(opts, calypso.WithResourcePool(r.pool, r.poolProfile, r.acquireTimeout))
	}
	return opts
}

func profileInfo(p calypso.CardProfile) ProfileInfo {
	return ProfileInfo{
		Serial:           p.SerialHex(),
		Family:           p.Family.String(),
		BufferSize:       p.BufferSize,
		PIN:              p.PIN,
		StoredValue:      p.StoredValue,
		SvOutsideSession: p.SvOutsideSession,
	}
}

func (r *Runner) selectCard(t calypso.Transport) (calypso.CardProfile, error) {
	profile, err := reader.Select(t, r.aid)
	if err != nil {
		return profile, err
	}
	if r.bufferSize > 0 {
		profile.BufferSize = r.bufferSize
	}
	return profile, nil
}

// Identify selects the card on t and reports its profile without running
// any command.
func (r *Runner) Identify(t calypso.Transport) (ProfileInfo, error) {
	if !t.IsCardPresent() {
		return ProfileInfo{}, reader.ErrNoCard
	}
	if err := t.OpenChannel(); err != nil {
		return ProfileInfo{}, err
	}
	defer t.CloseChannel()
	profile, err := r.selectCard(t)
	if err != nil {
		return ProfileInfo{}, err
	}
	return profileInfo(profile), nil
}

// Run selects the card on t and executes req. The channel is closed when Run
// returns.
func (r *Runner) Run(ctx context.Context, t calypso.Transport, req Request) (*Result, error) {
	var level calypso.AccessLevel
	if req.Level != "" {
		l, err := calypso.ParseAccessLevel(req.Level)
		if err != nil {
			return nil, &RequestError{Step: -1, Err: err}
		}
		level = l
	}
	if len(req.Steps) == 0 {
		return nil, &RequestError{Step: -1, Err: errors.New("no steps")}
	}

	if !t.IsCardPresent() {
		return nil, reader.ErrNoCard
	}
	if err := t.OpenChannel(); err != nil {
		return nil, err
	}
	defer t.CloseChannel()

	profile, err := r.selectCard(t)
	if err != nil {
		return nil, err
	}
	result := &Result{Profile: profileInfo(profile)}

	capture := &captureRecorder{next: r.recorder}
	mgr := calypso.NewManager(t, profile, r.managerOptions(req, capture)...)
	defer mgr.Close()

	if level != 0 && r.prewarm != nil && r.prewarm() {
		if err := mgr.InitCryptoContextForNextTransaction(ctx); err != nil {
			logging.Debug(logging.CatSAM, "Challenge prefetch skipped", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if level != 0 {
		mgr.PrepareOpenSession(level)
	}
	for i, s := range req.Steps {
		if err := r.prepareStep(mgr, s); err != nil {
			return nil, &RequestError{Step: i, Err: err}
		}
	}
	if level != 0 {
		mgr.PrepareCloseSession()
	}
	if err := mgr.Err(); err != nil {
		return nil, err
	}

	runErr := mgr.ProcessCommands(ctx, calypso.ChannelClose)
	if runErr != nil && mgr.State() != calypso.StateClosed {
		mgr.PrepareCancelSession()
		if err := mgr.ProcessCommands(ctx, calypso.ChannelClose); err != nil {
			logging.Warn(logging.CatSession, "Cancel after failure failed", map[string]any{
				"serial": profile.SerialHex(),
				"error":  err.Error(),
			})
		}
	}

	model := mgr.Model()
	result.Model = model.View()
	result.Transaction = capture.record()
	if model.SV.Known {
		result.Balance = r.FormatAmount(model.SV.Balance)
	}
	if runErr != nil {
		result.Error = runErr.Error()
		return result, runErr
	}
	logging.Info(logging.CatSession, "Transaction finished", map[string]any{
		"serial": profile.SerialHex(),
		"level":  req.Level,
		"steps":  len(req.Steps),
	})
	return result, nil
}
