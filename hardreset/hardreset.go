// Package hardreset implements the Hard Reset machine: it drives the PHY
// hard-reset sequence in both the locally-initiated and PHY-observed
// directions, and is the only component allowed to synchronously restart
// PRL-RX/PRL-TX state.
package hardreset

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gotypec/pdsink/evtbus"
	"github.com/gotypec/pdsink/phy"
	"github.com/gotypec/pdsink/prl"
)

// DefaultTimeout bounds how long the machine waits for the PHY to report
// the hard-reset ordered set as sent.
const DefaultTimeout = 5 * time.Millisecond

type hrState uint8

const (
	hrResetLayer hrState = iota
	hrIndicateHardReset
	hrRequestHardReset
	hrWaitPHY
	hrHardResetRequested
	hrWaitPE
	hrComplete
)

// Targets is the set of peer event words the Hard Reset machine signals.
type Targets struct {
	PRLRX *evtbus.Word
	PRLTX *evtbus.Word
	PE    *evtbus.Word
}

// Machine implements the Hard Reset state machine.
type Machine struct {
	Driver  phy.Driver
	IDs     *prl.MessageIDs
	Events  *evtbus.Word // own word: HardResetReset, HardResetIHardReset, HardResetIHardSent, HardResetDone
	Targets Targets
	Timeout time.Duration // defaults to DefaultTimeout if zero
	Log     *log.Logger
}

// Run drives the state machine until ctx is done.
func (h *Machine) Run(ctx context.Context) {
	state := hrResetLayer
	var locallyInitiated bool

	for ctx.Err() == nil {
		switch state {

		case hrResetLayer:
			got := h.Events.Wait(ctx, evtbus.HardResetReset|evtbus.HardResetIHardReset)
			if ctx.Err() != nil {
				return
			}
			h.IDs.Reset()
			h.Targets.PRLRX.Set(evtbus.PRLRXReset)
			h.Targets.PRLTX.Set(evtbus.PRLTXReset)
			locallyInitiated = got&evtbus.HardResetReset != 0
			if locallyInitiated {
				state = hrRequestHardReset
			} else {
				state = hrIndicateHardReset
			}

		case hrIndicateHardReset:
			h.Targets.PE.Set(evtbus.PEReset)
			state = hrWaitPE

		case hrRequestHardReset:
			if err := h.Driver.SendHardReset(); err != nil {
				h.logf("send hard reset: %v", err)
			}
			state = hrWaitPHY

		case hrWaitPHY:
			// Only reached on the locally-initiated path, where PE is
			// already parked in its hard-reset state waiting on
			// PEHardSent -- raising PEReset here too would leave it set
			// and fire spuriously on PE's next wait.
			h.Events.WaitTimeout(ctx, evtbus.HardResetIHardSent, h.timeout())
			if ctx.Err() != nil {
				return
			}
			state = hrHardResetRequested

		case hrHardResetRequested:
			h.Targets.PE.Set(evtbus.PEHardSent)
			state = hrWaitPE

		case hrWaitPE:
			h.Events.Wait(ctx, evtbus.HardResetDone)
			if ctx.Err() != nil {
				return
			}
			state = hrComplete

		case hrComplete:
			state = hrResetLayer
		}
	}
}

func (h *Machine) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return DefaultTimeout
}

func (h *Machine) logf(format string, args ...any) {
	if h.Log != nil {
		h.Log.Warnf(format, args...)
	}
}
