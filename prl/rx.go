package prl

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/gotypec/pdsink/evtbus"
	"github.com/gotypec/pdsink/pdmsg"
	"github.com/gotypec/pdsink/pdpool"
	"github.com/gotypec/pdsink/phy"
)

type rxState uint8

const (
	rxWaitPHY rxState = iota
	rxReset
	rxCheckMessageID
	rxStoreMessageID
)

// RXTargets is the set of peer event words PRL-RX signals from its
// StoreMessageID and Reset states.
type RXTargets struct {
	PRLTX *evtbus.Word
	PE    *evtbus.Word
}

// RX implements the PRL-RX state machine: WaitPHY -> CheckMessageID ->
// StoreMessageID -> WaitPHY, with Reset reachable from WaitPHY on
// Soft_Reset detection.
type RX struct {
	Driver  phy.Driver
	Pool    *pdpool.Pool
	IDs     *MessageIDs
	Events  *evtbus.Word // own word: PRLRXReset, PRLRXIGoodCRCSent
	Targets RXTargets
	Mailbox Mailbox // pe.mailbox
	Log     *log.Logger
}

// Run drives the state machine until ctx is done.
func (r *RX) Run(ctx context.Context) {
	state := rxWaitPHY
	msg := pdpool.None

	for ctx.Err() == nil {
		switch state {

		case rxWaitPHY:
			got := r.Events.Wait(ctx, evtbus.PRLRXReset|evtbus.PRLRXIGoodCRCSent)
			if ctx.Err() != nil {
				return
			}
			if got&evtbus.PRLRXReset != 0 {
				continue // remain in WaitPHY
			}

			h, err := r.Pool.Alloc()
			if err != nil {
				r.logf("alloc: %v", err)
				continue
			}
			if err := r.Driver.ReadMessage(r.Pool.Get(h)); err != nil {
				r.logf("read message: %v", err)
				r.Pool.Free(h)
				continue
			}
			msg = h

			m := r.Pool.Get(msg)
			if !m.IsData() && m.Type() == pdmsg.TypeSoftReset {
				state = rxReset
			} else {
				state = rxCheckMessageID
			}

		case rxReset:
			r.IDs.Reset()
			r.Targets.PRLTX.Set(evtbus.PRLTXReset)
			// yield: give a concurrently-arriving reset a chance to
			// preempt this one before we hand the Soft_Reset message on.
			if r.Events.TryClear(evtbus.PRLRXReset) != 0 {
				r.Pool.Free(msg)
				msg = pdpool.None
				state = rxWaitPHY
				continue
			}
			state = rxCheckMessageID // retain the Soft_Reset message for PE

		case rxCheckMessageID:
			if r.Events.TryClear(evtbus.PRLRXReset) != 0 {
				r.Pool.Free(msg)
				msg = pdpool.None
				state = rxWaitPHY
				continue
			}
			m := r.Pool.Get(msg)
			if int(m.ID()) == r.IDs.RxID() {
				r.Pool.Free(msg) // duplicate MessageID, never forwarded to PE
				msg = pdpool.None
				state = rxWaitPHY
				continue
			}
			state = rxStoreMessageID

		case rxStoreMessageID:
			// Any outstanding TX is preempted by the inbound message.
			r.Targets.PRLTX.Set(evtbus.PRLTXDiscard)
			r.IDs.SetRxID(r.Pool.Get(msg).ID())
			r.Mailbox <- msg
			r.Targets.PE.Set(evtbus.PEMsgRx)
			msg = pdpool.None
			state = rxWaitPHY
		}
	}
}

func (r *RX) logf(format string, args ...any) {
	if r.Log != nil {
		r.Log.Warnf(format, args...)
	}
}
