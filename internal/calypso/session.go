package calypso

import "fmt"

// AccessLevel selects the key family authorizing a secure session.
type AccessLevel int

const (
	LevelPersonalization AccessLevel = iota + 1
	LevelLoad
	LevelDebit
)

func (l AccessLevel) String() string {
	switch l {
	case LevelPersonalization:
		return "personalization"
	case LevelLoad:
		return "load"
	case LevelDebit:
		return "debit"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// KeyIndex is the key index sent in the open-session command.
func (l AccessLevel) KeyIndex() byte {
	return byte(l)
}

// Valid reports whether l is one of the defined levels.
func (l AccessLevel) Valid() bool {
	return l >= LevelPersonalization && l <= LevelDebit
}

// ParseAccessLevel maps a level name to its AccessLevel.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch s {
	case "personalization", "perso":
		return LevelPersonalization, nil
	case "load":
		return LevelLoad, nil
	case "debit":
		return LevelDebit, nil
	}
	return 0, fmt.Errorf("unknown access level %q", s)
}

// SessionState is the secure session lifecycle state.
type SessionState int

const (
	StateClosed SessionState = iota
	StateOpen
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// sessionPlan tracks the session state as it will be once every queued
// command has run. Prepare-time validation works against it.
type sessionPlan struct {
	state      SessionState
	level      AccessLevel
	svModified bool
}

func (p *sessionPlan) open(level AccessLevel) {
	p.state = StateOpen
	p.level = level
	p.svModified = false
}

func (p *sessionPlan) close() {
	p.state = StateClosed
	p.level = 0
	p.svModified = false
}

// checkAllowed applies the per-level legality table to kind, given the
// planned state and card capabilities.
func (p *sessionPlan) checkAllowed(kind CommandKind, profile CardProfile) error {
	inSession := p.state == StateOpen

	switch kind {
	case KindOpenSession:
		if inSession {
			return &IllegalStateError{Reason: ReasonSessionAlreadyOpen, Command: kind}
		}
	case KindCloseSession:
		if !inSession {
			return &IllegalStateError{Reason: ReasonNoSessionOpen, Command: kind}
		}
	case KindChangePin:
		if !profile.PIN {
			return &InvalidOperationError{Reason: ReasonUnsupportedByCard, Command: kind}
		}
		if inSession {
			return &IllegalStateError{Reason: ReasonCommandNotAllowed, Command: kind, Detail: "PIN change is only possible outside a secure session"}
		}
	case KindVerifyPin:
		if !profile.PIN {
			return &InvalidOperationError{Reason: ReasonUnsupportedByCard, Command: kind}
		}
	case KindSvGet:
		if !profile.StoredValue {
			return &InvalidOperationError{Reason: ReasonUnsupportedByCard, Command: kind}
		}
	case KindSvReload, KindSvDebit, KindSvUndebit:
		if !profile.StoredValue {
			return &InvalidOperationError{Reason: ReasonUnsupportedByCard, Command: kind}
		}
		if !inSession {
			if !profile.SvOutsideSession {
				return &IllegalStateError{Reason: ReasonSvOutsideSession, Command: kind}
			}
			return nil
		}
		required := LevelDebit
		if kind == KindSvReload {
			required = LevelLoad
		}
		if p.level != required {
			return &IllegalStateError{
				Reason:  ReasonCommandNotAllowed,
				Command: kind,
				Detail:  fmt.Sprintf("requires a %s session, open session is %s", required, p.level),
			}
		}
		if p.svModified {
			return &IllegalStateError{Reason: ReasonSvAlreadyInSession, Command: kind}
		}
	}
	return nil
}
