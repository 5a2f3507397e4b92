// Package intnpoller implements the INT_N Poller task: it periodically
// samples the PHY interrupt line and, when asserted, reads the
// PHY's status registers once and fans out event bits to the peer tasks.
// The poller is stateless across iterations -- it is the sole translator
// between PHY hardware events and task events.
package intnpoller

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gotypec/pdsink/evtbus"
	"github.com/gotypec/pdsink/phy"
)

// DefaultInterval is the sampling period the poller uses when not overridden.
const DefaultInterval = time.Millisecond

// Line abstracts sampling the INTN pin outside of the PHY's own register
// interface, e.g. a GPIO character-device line (see the gpiocdev-backed
// implementation for Linux hosts). If nil, the poller falls back to the PHY
// driver's own IntNAsserted.
type Line interface {
	Value() (bool, error)
}

// Targets is the set of peer event words the poller fans out to.
type Targets struct {
	PRLRX     *evtbus.Word
	PRLTX     *evtbus.Word
	HardReset *evtbus.Word
	PE        *evtbus.Word
}

// Poller is the INT_N Poller task.
type Poller struct {
	Driver   phy.Driver
	Targets  Targets
	Interval time.Duration // defaults to DefaultInterval if zero
	Pin      Line          // optional; overrides Driver.IntNAsserted
	Log      *log.Logger
}

// Run blocks, sampling until ctx is done. Errors sampling the PHY are
// logged and do not stop the poller -- a single bad register read must not
// take down the whole stack.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	asserted, err := p.sampleIntN()
	if err != nil {
		p.logf("intn sample: %v", err)
		return
	}
	if !asserted {
		return
	}
	st, err := p.Driver.GetStatus()
	if err != nil {
		p.logf("get status: %v", err)
		return
	}
	p.fanOut(st)
}

func (p *Poller) sampleIntN() (bool, error) {
	if p.Pin != nil {
		return p.Pin.Value()
	}
	return p.Driver.IntNAsserted()
}

func (p *Poller) fanOut(st phy.Status) {
	if st.GoodCRCSent {
		p.Targets.PRLRX.Set(evtbus.PRLRXIGoodCRCSent)
	}
	if st.TxSent {
		p.Targets.PRLTX.Set(evtbus.PRLTXITxSent)
	}
	if st.RetryFail {
		p.Targets.PRLTX.Set(evtbus.PRLTXIRetryFail)
	}
	if st.HardResetRx {
		p.Targets.HardReset.Set(evtbus.HardResetIHardReset)
	}
	if st.HardResetSent {
		p.Targets.HardReset.Set(evtbus.HardResetIHardSent)
	}
	if st.OCPOrTemp && st.OverTemp {
		p.Targets.PE.Set(evtbus.PEIOverTemp)
	}
}

func (p *Poller) logf(format string, args ...any) {
	if p.Log != nil {
		p.Log.Warnf(format, args...)
	}
}
