package calypso

import "fmt"

// Stored-value bounds.
const (
	SvMaxBalance      = 0x7FFFFF
	SvMinReload       = -0x800000
	SvMaxReload       = 0x7FFFFF
	SvMaxDebit        = 0x7FFF
	svGetResponseSize = 10
)

// svValidator enforces that every SV modifying command follows an SvGet for
// the same operation, whatever session boundaries lie between them, and
// keeps the planned balance delta of queued operations.
type svValidator struct {
	lastGet      SvOperation
	plannedDelta int
}

func (v *svValidator) onGet(op SvOperation) {
	v.lastGet = op
}

func requiredOperation(kind CommandKind) SvOperation {
	if kind == KindSvReload {
		return SvOpReload
	}
	return SvOpDebit
}

// signedDelta is the balance change kind applies for amount.
func signedDelta(kind CommandKind, amount int) int {
	if kind == KindSvDebit {
		return -amount
	}
	return amount
}

// checkAmount validates amount against the command limits.
func checkAmount(kind CommandKind, amount int) error {
	switch kind {
	case KindSvDebit, KindSvUndebit:
		if amount < 1 || amount > SvMaxDebit {
			return &InvalidOperationError{
				Reason:  ReasonSvAmountOutOfRange,
				Command: kind,
				Detail:  fmt.Sprintf("amount %d outside 1..%d", amount, SvMaxDebit),
			}
		}
	case KindSvReload:
		if amount == 0 || amount < SvMinReload || amount > SvMaxReload {
			return &InvalidOperationError{
				Reason:  ReasonSvAmountOutOfRange,
				Command: kind,
				Detail:  fmt.Sprintf("amount %d outside %d..%d or zero", amount, SvMinReload, SvMaxReload),
			}
		}
	}
	return nil
}

// checkBalance validates that applying delta to balance stays representable.
func checkBalance(kind CommandKind, balance, delta int) error {
	next := balance + delta
	if next < 0 {
		return &InvalidOperationError{
			Reason:  ReasonSvAmountOutOfRange,
			Command: kind,
			Detail:  fmt.Sprintf("balance %d cannot cover %d", balance, -delta),
		}
	}
	if next > SvMaxBalance {
		return &InvalidOperationError{
			Reason:  ReasonSvAmountOutOfRange,
			Command: kind,
			Detail:  fmt.Sprintf("balance %d would exceed %d", next, SvMaxBalance),
		}
	}
	return nil
}

// admit validates an SV modifying command at prepare time. sv is the
// current model state; the balance check is deferred to transmission when
// the balance is not known yet.
func (v *svValidator) admit(kind CommandKind, amount int, sv SvState) error {
	if v.lastGet != requiredOperation(kind) {
		return &IllegalStateError{
			Reason:  ReasonSvGetRequired,
			Command: kind,
			Detail:  fmt.Sprintf("expected SvGet(%s) as the last stored-value call", requiredOperation(kind)),
		}
	}
	if err := checkAmount(kind, amount); err != nil {
		return err
	}
	delta := signedDelta(kind, amount)
	if sv.Known {
		if err := checkBalance(kind, sv.Balance+v.plannedDelta, delta); err != nil {
			return err
		}
	}
	v.lastGet = 0
	v.plannedDelta += delta
	return nil
}

// replan rebuilds the validator from the commands still queued. processed is
// the operation of the last SvGet the card answered, or zero.
func (v *svValidator) replan(cmds []Command, processed SvOperation) {
	v.plannedDelta = 0
	v.lastGet = processed
	for _, c := range cmds {
		switch c := c.(type) {
		case *SvGet:
			v.lastGet = c.Operation
		case *SvDebit:
			v.plannedDelta -= c.Amount
			v.lastGet = 0
		case *SvReload:
			v.plannedDelta += c.Amount
			v.lastGet = 0
		case *SvUndebit:
			v.plannedDelta += c.Amount
			v.lastGet = 0
		}
	}
}

// svGetResult is the decoded SvGet response body.
type svGetResult struct {
	balance  int
	tnum     int
	logEntry SvLogEntry
}

func parseSvGet(data []byte) (svGetResult, error) {
	if len(data) < svGetResponseSize {
		return svGetResult{}, fmt.Errorf("SvGet response too short: %d bytes", len(data))
	}
	return svGetResult{
		balance: Int24(data[0:3]),
		tnum:    Uint16(data[3:5]),
		logEntry: SvLogEntry{
			Amount:            Int24(data[5:8]),
			TransactionNumber: Uint16(data[8:10]),
		},
	}, nil
}
