package calypso

import (
	"errors"
	"fmt"
)

// Reason qualifies an IllegalStateError or InvalidOperationError.
type Reason string

const (
	ReasonSessionAlreadyOpen     Reason = "SessionAlreadyOpen"
	ReasonNoSessionOpen          Reason = "NoSessionOpen"
	ReasonCommandNotAllowed      Reason = "CommandNotAllowed"
	ReasonSvGetRequired          Reason = "SvGetRequired"
	ReasonSvAlreadyInSession     Reason = "SvAlreadyInSession"
	ReasonSvOutsideSession       Reason = "SvOutsideSessionUnsupported"
	ReasonCancelOnly             Reason = "CancelOnly"
	ReasonCardNotPresent         Reason = "CardNotPresent"
	ReasonProcessInProgress      Reason = "ProcessInProgress"
	ReasonSessionOpen            Reason = "SessionOpen"
	ReasonSvAmountOutOfRange     Reason = "SvAmountOutOfRange"
	ReasonMalformedPin           Reason = "MalformedPin"
	ReasonUnsupportedByCard      Reason = "UnsupportedByCard"
	ReasonInvalidArgument        Reason = "InvalidArgument"
	ReasonMACRejected            Reason = "MACRejected"
	ReasonCardAuthentication     Reason = "CardAuthenticationFailed"
	ReasonModuleFailure          Reason = "ModuleFailure"
	ReasonModuleUnreachable      Reason = "ModuleUnreachable"
	ReasonSvSignatureUnavailable Reason = "SvSignatureUnavailable"
)

// IllegalStateError reports protocol misuse: a command prepared in the wrong
// session state, an SV ordering violation, or a re-open while open.
type IllegalStateError struct {
	Reason  Reason
	Command CommandKind
	Detail  string
}

func (e *IllegalStateError) Error() string {
	msg := fmt.Sprintf("illegal state: %s", e.Reason)
	if e.Command != 0 {
		msg += fmt.Sprintf(" (command %s)", e.Command)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// SecurityError reports a MAC mismatch or a security module failure. Err
// holds the module error when there is one.
type SecurityError struct {
	Reason Reason
	Err    error
}

func (e *SecurityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("security: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("security: %s", e.Reason)
}

func (e *SecurityError) Unwrap() error { return e.Err }

// BufferOverflowError reports queued writes exceeding the card modification
// buffer while multiple-session mode is disabled.
type BufferOverflowError struct {
	Command  CommandKind
	Required int
	Capacity int
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("modification buffer overflow: %s needs %d, capacity %d", e.Command, e.Required, e.Capacity)
}

// InvalidOperationError reports an argument the card could never accept,
// such as an SV amount out of range or a PIN of the wrong length.
type InvalidOperationError struct {
	Reason  Reason
	Command CommandKind
	Detail  string
}

func (e *InvalidOperationError) Error() string {
	msg := fmt.Sprintf("invalid operation: %s", e.Reason)
	if e.Command != 0 {
		msg += fmt.Sprintf(" (command %s)", e.Command)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ResourceUnavailableError reports that no security module could be acquired
// from the pool before the timeout.
type ResourceUnavailableError struct {
	Profile string
	Err     error
}

func (e *ResourceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("security module %q unavailable: %v", e.Profile, e.Err)
	}
	return fmt.Sprintf("security module %q unavailable", e.Profile)
}

func (e *ResourceUnavailableError) Unwrap() error { return e.Err }

// CardRejectedError reports a failure status word returned for a command.
type CardRejectedError struct {
	Command CommandKind
	Status  StatusWord
}

func (e *CardRejectedError) Error() string {
	return fmt.Sprintf("card rejected %s: status %s", e.Command, e.Status)
}

// IsIllegalState reports whether err is an IllegalStateError, optionally
// with one of the given reasons.
func IsIllegalState(err error, reasons ...Reason) bool {
	var ise *IllegalStateError
	if !errors.As(err, &ise) {
		return false
	}
	return matchReason(ise.Reason, reasons)
}

// IsInvalidOperation reports whether err is an InvalidOperationError,
// optionally with one of the given reasons.
func IsInvalidOperation(err error, reasons ...Reason) bool {
	var ioe *InvalidOperationError
	if !errors.As(err, &ioe) {
		return false
	}
	return matchReason(ioe.Reason, reasons)
}

// IsSecurity reports whether err is a SecurityError, optionally with one of
// the given reasons.
func IsSecurity(err error, reasons ...Reason) bool {
	var se *SecurityError
	if !errors.As(err, &se) {
		return false
	}
	return matchReason(se.Reason, reasons)
}

// IsBufferOverflow reports whether err is a BufferOverflowError.
func IsBufferOverflow(err error) bool {
	var boe *BufferOverflowError
	return errors.As(err, &boe)
}

// IsResourceUnavailable reports whether err is a ResourceUnavailableError.
func IsResourceUnavailable(err error) bool {
	var rue *ResourceUnavailableError
	return errors.As(err, &rue)
}

// IsCardRejected reports whether err is a CardRejectedError and returns the
// status word the card answered with.
func IsCardRejected(err error) (StatusWord, bool) {
	var cre *CardRejectedError
	if !errors.As(err, &cre) {
		return 0, false
	}
	return cre.Status, true
}

func matchReason(got Reason, want []Reason) bool {
	if len(want) == 0 {
		return true
	}
	for _, r := range want {
		if r == got {
			return true
		}
	}
	return false
}
