package calypso

// CommandKind tags a pending command.
type CommandKind int

const (
	KindReadRecords CommandKind = iota + 1
	KindUpdateRecord
	KindAppendRecord
	KindIncreaseCounter
	KindDecreaseCounter
	KindSvGet
	KindSvDebit
	KindSvReload
	KindSvUndebit
	KindVerifyPin
	KindChangePin
	KindOpenSession
	KindCloseSession
	KindCancelSession
)

var kindNames = map[CommandKind]string{
	KindReadRecords:     "ReadRecords",
	KindUpdateRecord:    "UpdateRecord",
	KindAppendRecord:    "AppendRecord",
	KindIncreaseCounter: "IncreaseCounter",
	KindDecreaseCounter: "DecreaseCounter",
	KindSvGet:           "SvGet",
	KindSvDebit:         "SvDebit",
	KindSvReload:        "SvReload",
	KindSvUndebit:       "SvUndebit",
	KindVerifyPin:       "VerifyPin",
	KindChangePin:       "ChangePin",
	KindOpenSession:     "OpenSession",
	KindCloseSession:    "CloseSession",
	KindCancelSession:   "CancelSession",
}

func (k CommandKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// isWrite reports whether k consumes the modification buffer.
func (k CommandKind) isWrite() bool {
	switch k {
	case KindUpdateRecord, KindAppendRecord, KindIncreaseCounter, KindDecreaseCounter:
		return true
	}
	return false
}

// isSvModifying reports whether k changes the SV balance.
func (k CommandKind) isSvModifying() bool {
	switch k {
	case KindSvDebit, KindSvReload, KindSvUndebit:
		return true
	}
	return false
}

// SvOperation selects which stored-value operation an SvGet prepares.
type SvOperation int

const (
	SvOpReload SvOperation = iota + 1
	SvOpDebit
)

func (o SvOperation) String() string {
	switch o {
	case SvOpReload:
		return "reload"
	case SvOpDebit:
		return "debit"
	default:
		return "none"
	}
}

// Command is a pending card operation. The concrete types below are the
// only implementations.
type Command interface {
	Kind() CommandKind
	command()
}

// ReadRecords reads Count records of file SFI starting at Record.
type ReadRecords struct {
	SFI    byte
	Record int
	Count  int
}

// UpdateRecord replaces record Record of file SFI.
type UpdateRecord struct {
	SFI    byte
	Record int
	Data   []byte
}

// AppendRecord adds a record at the head of cyclic file SFI.
type AppendRecord struct {
	SFI  byte
	Data []byte
}

// IncreaseCounter adds Delta to counter Counter of file SFI.
type IncreaseCounter struct {
	SFI     byte
	Counter int
	Delta   int
}

// DecreaseCounter subtracts Delta from counter Counter of file SFI.
type DecreaseCounter struct {
	SFI     byte
	Counter int
	Delta   int
}

// SvGet retrieves the SV balance, transaction number and last log entry in
// preparation for Operation.
type SvGet struct {
	Operation SvOperation
}

// SvDebit decreases the SV balance by Amount.
type SvDebit struct {
	Amount int
}

// SvReload increases the SV balance by Amount, which may be negative.
type SvReload struct {
	Amount int
}

// SvUndebit cancels a previous debit of Amount.
type SvUndebit struct {
	Amount int
}

// VerifyPin presents a PIN to the card.
type VerifyPin struct {
	PIN []byte
}

// ChangePin replaces the card PIN.
type ChangePin struct {
	Old []byte
	New []byte
}

// OpenSession opens a secure session at Level. Split marks sessions inserted
// by the buffer accountant.
type OpenSession struct {
	Level AccessLevel
	Split bool
}

// CloseSession closes the current secure session with a MAC exchange.
type CloseSession struct {
	Split bool
}

// CancelSession aborts the current secure session without a MAC exchange.
type CancelSession struct{}

func (*ReadRecords) Kind() CommandKind     { return KindReadRecords }
func (*UpdateRecord) Kind() CommandKind    { return KindUpdateRecord }
func (*AppendRecord) Kind() CommandKind    { return KindAppendRecord }
func (*IncreaseCounter) Kind() CommandKind { return KindIncreaseCounter }
func (*DecreaseCounter) Kind() CommandKind { return KindDecreaseCounter }
func (*SvGet) Kind() CommandKind           { return KindSvGet }
func (*SvDebit) Kind() CommandKind         { return KindSvDebit }
func (*SvReload) Kind() CommandKind        { return KindSvReload }
func (*SvUndebit) Kind() CommandKind       { return KindSvUndebit }
func (*VerifyPin) Kind() CommandKind       { return KindVerifyPin }
func (*ChangePin) Kind() CommandKind       { return KindChangePin }
func (*OpenSession) Kind() CommandKind     { return KindOpenSession }
func (*CloseSession) Kind() CommandKind    { return KindCloseSession }
func (*CancelSession) Kind() CommandKind   { return KindCancelSession }

func (*ReadRecords) command()     {}
func (*UpdateRecord) command()    {}
func (*AppendRecord) command()    {}
func (*IncreaseCounter) command() {}
func (*DecreaseCounter) command() {}
func (*SvGet) command()           {}
func (*SvDebit) command()         {}
func (*SvReload) command()        {}
func (*SvUndebit) command()       {}
func (*VerifyPin) command()       {}
func (*ChangePin) command()       {}
func (*OpenSession) command()     {}
func (*CloseSession) command()    {}
func (*CancelSession) command()   {}

// commandQueue is the ordered list of commands not yet sent to the card.
type commandQueue struct {
	cmds []Command
}

func (q *commandQueue) push(c Command) {
	q.cmds = append(q.cmds, c)
}

func (q *commandQueue) len() int {
	return len(q.cmds)
}

// drain returns the queued commands in order and empties the queue.
func (q *commandQueue) drain() []Command {
	cmds := q.cmds
	q.cmds = nil
	return cmds
}

func (q *commandQueue) reset() {
	q.cmds = nil
}

// reopenPlannedSession removes the last queued authenticated close so that
// the session it would commit can be cancelled instead. It reports whether
// such a close was queued.
func (q *commandQueue) reopenPlannedSession() bool {
	for i := len(q.cmds) - 1; i >= 0; i-- {
		if c, ok := q.cmds[i].(*CloseSession); ok && !c.Split {
			q.cmds = append(q.cmds[:i], q.cmds[i+1:]...)
			return true
		}
	}
	return false
}

// discardPlannedSession drops the write-like, SV-modifying and split
// commands of the most recently planned session, keeping its opening and
// reads so that the cancel still travels on an opened dialogue.
func (q *commandQueue) discardPlannedSession() int {
	start := 0
	for i := len(q.cmds) - 1; i >= 0; i-- {
		if open, ok := q.cmds[i].(*OpenSession); ok && !open.Split {
			start = i + 1
			break
		}
	}
	kept := q.cmds[:start]
	dropped := 0
	for _, c := range q.cmds[start:] {
		k := c.Kind()
		split := false
		switch v := c.(type) {
		case *OpenSession:
			split = v.Split
		case *CloseSession:
			split = v.Split
		}
		if k.isWrite() || k.isSvModifying() || split {
			dropped++
			continue
		}
		kept = append(kept, c)
	}
	q.cmds = kept
	return dropped
}
