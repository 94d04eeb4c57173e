package calypso

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is how a transaction ended.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// TransactionRecord describes one secure transaction from its first open to
// its final close, cancel or failure.
type TransactionRecord struct {
	ID               string     `json:"id"`
	Serial           string     `json:"serial"`
	Family           string     `json:"family"`
	Level            string     `json:"level"`
	SubSessions      int        `json:"subSessions"`
	Outcome          Outcome    `json:"outcome"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       time.Time  `json:"finishedAt"`
	Balance          *int       `json:"balance,omitempty"`
	TranscriptDigest []byte     `json:"transcriptDigest,omitempty"`
	Exchanges        []Exchange `json:"exchanges"`
}

// txnLog accumulates the record of the transaction in progress.
type txnLog struct {
	rec TransactionRecord
}

func newTxnLog(profile CardProfile, level AccessLevel) *txnLog {
	return &txnLog{rec: TransactionRecord{
		ID:        uuid.NewString(),
		Serial:    profile.SerialHex(),
		Family:    profile.Family.String(),
		Level:     level.String(),
		StartedAt: time.Now().UTC(),
	}}
}

func (l *txnLog) exchange(cmd, resp []byte) {
	l.rec.Exchanges = append(l.rec.Exchanges, Exchange{
		Command:  append([]byte(nil), cmd...),
		Response: append([]byte(nil), resp...),
	})
}

func (l *txnLog) finish(outcome Outcome, err error, subSessions int, model *CardModel, digest []byte) TransactionRecord {
	l.rec.Outcome = outcome
	if err != nil {
		l.rec.Error = err.Error()
	}
	l.rec.SubSessions = subSessions
	l.rec.FinishedAt = time.Now().UTC()
	l.rec.TranscriptDigest = digest
	if model != nil && model.SV.Known {
		balance := model.SV.Balance
		l.rec.Balance = &balance
	}
	return l.rec
}
