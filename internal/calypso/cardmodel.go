package calypso

import (
	"maps"
	"slices"
)

// Stored-value log files read by PrepareSvReadLogs.
const (
	SfiSvLoadLog  byte = 0x14
	SfiSvDebitLog byte = 0x15

	svLoadLogRecords  = 1
	svDebitLogRecords = 3
)

// PinMaxAttempts is the number of PIN presentations allowed before blocking.
const PinMaxAttempts = 3

// RecordKey addresses one record of an elementary file.
type RecordKey struct {
	SFI    byte
	Record int
}

// CounterKey addresses one counter of a counter file.
type CounterKey struct {
	SFI     byte
	Counter int
}

// SvLogEntry is the last load or debit reported by SvGet.
type SvLogEntry struct {
	Amount            int `json:"amount"`
	TransactionNumber int `json:"transactionNumber"`
}

// SvState mirrors the stored-value purse.
type SvState struct {
	Known                 bool        `json:"known"`
	Balance               int         `json:"balance"`
	LastTransactionNumber int         `json:"lastTransactionNumber"`
	LastOperation         SvOperation `json:"lastOperation,omitempty"`
	LastLog               *SvLogEntry `json:"lastLog,omitempty"`
}

// PinState mirrors the card holder PIN.
type PinState struct {
	RemainingAttempts int  `json:"remainingAttempts"`
	Verified          bool `json:"verified"`
}

// Blocked reports whether no presentation is left.
func (p PinState) Blocked() bool {
	return p.RemainingAttempts == 0
}

// CardModel is the in-memory mirror of what the card holds. It only changes
// when a card response is applied.
type CardModel struct {
	Serial   []byte
	Records  map[RecordKey][]byte
	Counters map[CounterKey]int
	SV       SvState
	PIN      PinState
}

// NewCardModel returns an empty model for the card with the given serial.
func NewCardModel(serial []byte) *CardModel {
	return &CardModel{
		Serial:   slices.Clone(serial),
		Records:  make(map[RecordKey][]byte),
		Counters: make(map[CounterKey]int),
		PIN:      PinState{RemainingAttempts: PinMaxAttempts},
	}
}

// Record returns the content of a record if it has been read or written.
func (m *CardModel) Record(sfi byte, record int) ([]byte, bool) {
	data, ok := m.Records[RecordKey{SFI: sfi, Record: record}]
	return data, ok
}

// Counter returns the value of a counter if it is known.
func (m *CardModel) Counter(sfi byte, counter int) (int, bool) {
	v, ok := m.Counters[CounterKey{SFI: sfi, Counter: counter}]
	return v, ok
}

// Snapshot returns a deep copy that later card responses do not affect.
func (m *CardModel) Snapshot() *CardModel {
	c := &CardModel{
		Serial:   slices.Clone(m.Serial),
		Records:  make(map[RecordKey][]byte, len(m.Records)),
		Counters: maps.Clone(m.Counters),
		SV:       m.SV,
		PIN:      m.PIN,
	}
	for k, v := range m.Records {
		c.Records[k] = slices.Clone(v)
	}
	if c.Counters == nil {
		c.Counters = make(map[CounterKey]int)
	}
	if m.SV.LastLog != nil {
		entry := *m.SV.LastLog
		c.SV.LastLog = &entry
	}
	return c
}

func (m *CardModel) setRecord(sfi byte, record int, data []byte) {
	m.Records[RecordKey{SFI: sfi, Record: record}] = slices.Clone(data)
}

// appendRecord stores data as record 1 of a cyclic file, shifting the known
// records down by one.
func (m *CardModel) appendRecord(sfi byte, data []byte) {
	var keys []int
	for k := range m.Records {
		if k.SFI == sfi {
			keys = append(keys, k.Record)
		}
	}
	slices.Sort(keys)
	for i := len(keys) - 1; i >= 0; i-- {
		from := RecordKey{SFI: sfi, Record: keys[i]}
		m.Records[RecordKey{SFI: sfi, Record: keys[i] + 1}] = m.Records[from]
		delete(m.Records, from)
	}
	m.setRecord(sfi, 1, data)
}

func (m *CardModel) setCounter(sfi byte, counter, value int) {
	m.Counters[CounterKey{SFI: sfi, Counter: counter}] = value
}

// RecordView is a JSON friendly record entry.
type RecordView struct {
	SFI    byte   `json:"sfi"`
	Record int    `json:"record"`
	Data   []byte `json:"data"`
}

// CounterView is a JSON friendly counter entry.
type CounterView struct {
	SFI     byte `json:"sfi"`
	Counter int  `json:"counter"`
	Value   int  `json:"value"`
}

// ModelView is the serialisable form of a CardModel.
type ModelView struct {
	Serial   []byte        `json:"serial"`
	Records  []RecordView  `json:"records"`
	Counters []CounterView `json:"counters"`
	SV       SvState       `json:"sv"`
	PIN      PinState      `json:"pin"`
}

// View flattens the model into sorted slices.
func (m *CardModel) View() ModelView {
	v := ModelView{Serial: slices.Clone(m.Serial), SV: m.SV, PIN: m.PIN}
	for k, data := range m.Records {
		v.Records = append(v.Records, RecordView{SFI: k.SFI, Record: k.Record, Data: slices.Clone(data)})
	}
	for k, value := range m.Counters {
		v.Counters = append(v.Counters, CounterView{SFI: k.SFI, Counter: k.Counter, Value: value})
	}
	slices.SortFunc(v.Records, func(a, b RecordView) int {
		if a.SFI != b.SFI {
			return int(a.SFI) - int(b.SFI)
		}
		return a.Record - b.Record
	})
	slices.SortFunc(v.Counters, func(a, b CounterView) int {
		if a.SFI != b.SFI {
			return int(a.SFI) - int(b.SFI)
		}
		return a.Counter - b.Counter
	})
	return v
}
