package reader

import (
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// PC/SC constants used outside this file, in plain integer form so that
// mocks do not depend on the scard package.
const (
	ShareShared    = uint32(scard.ShareShared)
	ShareExclusive = uint32(scard.ShareExclusive)
	ProtocolAny    = uint32(scard.ProtocolAny)
	LeaveCard      = uint32(scard.LeaveCard)
	ResetCard      = uint32(scard.ResetCard)
	StateUnaware   = uint32(scard.StateUnaware)
	StatePresent   = uint32(scard.StatePresent)
	StateChanged   = uint32(scard.StateChanged)
)

// ErrWaitTimeout is what a SmartCardContext returns when a status change
// query times out without a change.
var ErrWaitTimeout = errors.New("status change timed out")

func isTimeout(err error) bool {
	return errors.Is(err, scard.ErrTimeout) || errors.Is(err, ErrWaitTimeout)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// EstablishContext opens a PC/SC context.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	return &pcscContext{ctx: ctx}, nil
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *pcscContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &pcscCard{card: card}, nil
}

func (c *pcscContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	rs := make([]scard.ReaderState, len(states))
	for i, s := range states {
		rs[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
	}
	if err := c.ctx.GetStatusChange(rs, timeout); err != nil {
		return err
	}
	for i := range states {
		states[i].EventState = uint32(rs[i].EventState)
		states[i].Atr = rs[i].Atr
	}
	return nil
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Status() (SmartCardStatus, error) {
	st, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{
		Reader:         st.Reader,
		State:          uint32(st.State),
		ActiveProtocol: uint32(st.ActiveProtocol),
		Atr:            st.Atr,
	}, nil
}

func (c *pcscCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}
