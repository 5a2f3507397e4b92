package prl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gotypec/pdsink/evtbus"
	"github.com/gotypec/pdsink/pdmsg"
	"github.com/gotypec/pdsink/pdpool"
	"github.com/gotypec/pdsink/phy"
)

// sinkTxOKPollInterval paces the ConstructMessage spin-wait on
// get_typec_current() == SINK_TX_OK so it does not busy-spin the CPU.
const sinkTxOKPollInterval = 500 * time.Microsecond

type txState uint8

const (
	txPHYReset txState = iota
	txWaitMessage
	txReset
	txConstructMessage
	txWaitResponse
	txMatchMessageID
	txMessageSent
	txTransmissionError
	txDiscardMessage
)

// TXTargets is the set of peer event words PRL-TX signals.
type TXTargets struct {
	PRLRX *evtbus.Word
	PE    *evtbus.Word
}

// TX implements the PRL-TX state machine: it serializes PE's transmit
// requests, stamps MessageID, and coordinates GoodCRC/retry outcomes with
// the PHY. At most one message is ever in flight.
type TX struct {
	Driver  phy.Driver
	Pool    *pdpool.Pool
	IDs     *MessageIDs
	Events  *evtbus.Word // own word: PRLTXReset, PRLTXDiscard, PRLTXMsgTx, PRLTXITxSent, PRLTXIRetryFail, PRLTXStartAMS
	Targets TXTargets
	Mailbox Mailbox // prl.tx_mailbox
	Log     *log.Logger

	revision atomic.Uint32 // pdmsg.Revision, set by PE as it negotiates

	txMsg pdpool.Handle // _tx_message
}

// SetRevision records the negotiated PD spec revision. PD 3.0 collision
// avoidance (spin-waiting on SINK_TX_OK before transmitting during an AMS)
// only applies once this has been set to Revision30.
func (t *TX) SetRevision(r pdmsg.Revision) {
	t.revision.Store(uint32(r))
}

func (t *TX) revisionIs30() bool {
	return pdmsg.Revision(t.revision.Load()) == pdmsg.Revision30
}

// Run drives the state machine until ctx is done.
func (t *TX) Run(ctx context.Context) {
	state := txPHYReset
	t.txMsg = pdpool.None

	for ctx.Err() == nil {
		switch state {

		case txPHYReset:
			if err := t.Driver.Reset(); err != nil {
				t.logf("phy reset: %v", err)
			}
			if t.txMsg != pdpool.None {
				t.Targets.PE.Set(evtbus.PETxErr)
				t.Pool.Free(t.txMsg)
				t.txMsg = pdpool.None
			}
			state = txWaitMessage

		case txWaitMessage:
			got := t.Events.Wait(ctx, evtbus.PRLTXReset|evtbus.PRLTXDiscard|evtbus.PRLTXMsgTx)
			if ctx.Err() != nil {
				return
			}
			switch {
			case got&evtbus.PRLTXReset != 0:
				state = txPHYReset
			case got&evtbus.PRLTXDiscard != 0:
				// A message posted alongside the discard is still queued in
				// the mailbox; keep its bit so it is sent after the PHY reset.
				if got&evtbus.PRLTXMsgTx != 0 {
					t.Events.Set(evtbus.PRLTXMsgTx)
				}
				state = txDiscardMessage
			case got&evtbus.PRLTXMsgTx != 0:
				select {
				case h := <-t.Mailbox:
					t.txMsg = h
					m := t.Pool.Get(h)
					if !m.IsData() && m.Type() == pdmsg.TypeSoftReset {
						state = txReset
					} else {
						state = txConstructMessage
					}
				default:
					// Bit set with nothing queued yet; re-wait.
				}
			}

		case txReset:
			t.IDs.ResetTx()
			t.Targets.PRLRX.Set(evtbus.PRLRXReset)
			state = txConstructMessage

		case txConstructMessage:
			if got := t.Events.TryClear(evtbus.PRLTXReset | evtbus.PRLTXDiscard); got != 0 {
				if got&evtbus.PRLTXReset != 0 {
					state = txPHYReset
				} else {
					state = txDiscardMessage
				}
				continue
			}

			m := t.Pool.Get(t.txMsg)
			m.SetID(t.IDs.TxNext())

			if t.revisionIs30() && t.Events.TryClear(evtbus.PRLTXStartAMS) != 0 {
				if !t.waitForSinkTxOK(ctx) {
					return
				}
			}

			if err := t.Driver.SendMessage(*m); err != nil {
				t.logf("send message: %v", err)
				state = txTransmissionError
				continue
			}
			state = txWaitResponse

		case txWaitResponse:
			got := t.Events.Wait(ctx, evtbus.PRLTXReset|evtbus.PRLTXDiscard|evtbus.PRLTXITxSent|evtbus.PRLTXIRetryFail)
			if ctx.Err() != nil {
				return
			}
			switch {
			case got&evtbus.PRLTXReset != 0:
				state = txPHYReset
			case got&evtbus.PRLTXDiscard != 0:
				state = txDiscardMessage
			case got&evtbus.PRLTXITxSent != 0:
				state = txMatchMessageID
			case got&evtbus.PRLTXIRetryFail != 0:
				state = txTransmissionError
			}

		case txMatchMessageID:
			var gcrc pdmsg.Message
			if err := t.Driver.ReadMessage(&gcrc); err != nil {
				t.logf("read goodcrc: %v", err)
				state = txTransmissionError
				continue
			}
			if !gcrc.IsData() && gcrc.Type() == pdmsg.TypeGoodCRC && gcrc.ID() == t.IDs.TxNext() {
				state = txMessageSent
			} else {
				state = txTransmissionError
			}

		case txMessageSent:
			t.IDs.AdvanceTx()
			t.Targets.PE.Set(evtbus.PETxDone)
			t.Pool.Free(t.txMsg)
			t.txMsg = pdpool.None
			state = txWaitMessage

		case txTransmissionError:
			t.IDs.AdvanceTx()
			t.Targets.PE.Set(evtbus.PETxErr)
			t.Pool.Free(t.txMsg)
			t.txMsg = pdpool.None
			state = txWaitMessage

		case txDiscardMessage:
			if t.txMsg != pdpool.None {
				t.IDs.AdvanceTx()
			}
			state = txPHYReset
		}
	}
}

// waitForSinkTxOK spin-yields until the Type-C current advertisement allows
// this sink to transmit during an Atomic Message Sequence (PD 3.0 collision
// avoidance). It returns false if ctx ends first.
func (t *TX) waitForSinkTxOK(ctx context.Context) bool {
	for {
		cur, err := t.Driver.GetTypeCCurrent()
		if err == nil && cur == phy.CurrentSinkTxOK {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sinkTxOKPollInterval):
		}
	}
}

func (t *TX) logf(format string, args ...any) {
	if t.Log != nil {
		t.Log.Warnf(format, args...)
	}
}
