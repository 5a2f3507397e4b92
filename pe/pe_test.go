package pe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotypec/pdsink/dpm"
	"github.com/gotypec/pdsink/evtbus"
	"github.com/gotypec/pdsink/pdmsg"
	"github.com/gotypec/pdsink/pdpool"
	"github.com/gotypec/pdsink/phy"
	"github.com/gotypec/pdsink/prl"
)

// fakeDPM is a scriptable dpm.DPM for driving individual states in
// isolation, without a real Driver or protocol layer underneath.
type fakeDPM struct {
	rdo        pdmsg.RequestDO
	sinkCaps   []pdmsg.PDO
	defaults   int
	requested  int
	standbys   int
	typeCCalls int
}

func (f *fakeDPM) EvaluateCapability(pdos []pdmsg.PDO) pdmsg.RequestDO { return f.rdo }
func (f *fakeDPM) GetSinkCapability() []pdmsg.PDO                     { return f.sinkCaps }
func (f *fakeDPM) TransitionDefault()                                 { f.defaults++ }
func (f *fakeDPM) TransitionStandby()                                 { f.standbys++ }
func (f *fakeDPM) TransitionRequested()                               { f.requested++ }
func (f *fakeDPM) TransitionMin()                                     {}
func (f *fakeDPM) TransitionTypeC(current phy.TypeCCurrent)           { f.typeCCalls++ }

// EvaluateTypeCCurrent always returns the same judged value so two
// consecutive samples always match, exercising the debounce path.
func (f *fakeDPM) EvaluateTypeCCurrent(advertised phy.TypeCCurrent) int { return int(advertised) }

func newTestPE(dpmImpl dpm.DPM) *PE {
	p := New()
	p.Pool = pdpool.New(4)
	p.Events = evtbus.New()
	p.Targets = Targets{PRLTX: evtbus.New(), HardReset: evtbus.New()}
	p.TxMailbox = prl.NewMailbox(4)
	p.RxMailbox = prl.NewMailbox(4)
	p.DPM = dpmImpl
	return p
}

func postRx(t *testing.T, p *PE, m pdmsg.Message) {
	t.Helper()
	h, err := p.Pool.Alloc()
	require.NoError(t, err)
	*p.Pool.Get(h) = m
	p.RxMailbox <- h
	p.Events.Set(evtbus.PEMsgRx)
}

func sourceCapMessage(pdos ...pdmsg.PDO) pdmsg.Message {
	var m pdmsg.Message
	m.SetType(pdmsg.TypeSourceCap)
	m.SetDataObjectCount(uint8(len(pdos)))
	m.SetRevision(pdmsg.Revision20)
	for i, p := range pdos {
		m.Data[i] = uint32(p)
	}
	return m
}

func controlMessage(t pdmsg.Type) pdmsg.Message {
	var m pdmsg.Message
	m.SetType(t)
	m.SetDataObjectCount(0)
	return m
}

func runState(t *testing.T, s *peState, p *PE) *peState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var next *peState
	done := make(chan struct{})
	go func() {
		next = s.Run(ctx, p)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("state %s did not return", s.Name)
	}
	return next
}

func TestStateWaitCapStoresSourceCapAndAdvances(t *testing.T) {
	fake := &fakeDPM{}
	p := newTestPE(fake)

	fixed := pdmsg.NewFixedSupplyPDO()
	fixed.SetVoltage(5000)
	fixed.SetMaxCurrent(3000)
	postRx(t, p, sourceCapMessage(pdmsg.PDO(fixed)))

	next := runState(t, stateWaitCap, p)
	assert.Equal(t, stateEvalCap, next)
	assert.EqualValues(t, 1, p.sourceCapCount)
	assert.Equal(t, pdmsg.Revision20, p.revision)
}

func TestStateWaitCapDrainsMessageEvenWhenOverTempCoPending(t *testing.T) {
	fake := &fakeDPM{}
	p := newTestPE(fake)

	fixed := pdmsg.NewFixedSupplyPDO()
	fixed.SetVoltage(5000)
	fixed.SetMaxCurrent(3000)
	postRx(t, p, sourceCapMessage(pdmsg.PDO(fixed)))
	p.Events.Set(evtbus.PEIOverTemp)

	next := runState(t, stateWaitCap, p)
	assert.Equal(t, stateHardReset, next, "over-temp still wins the co-pending race in wait-cap")
	assert.Zero(t, p.Pool.InUse(), "a co-pending message must be drained and freed, not orphaned in RxMailbox")
}

func TestStateWaitCapTimeoutGoesToHardReset(t *testing.T) {
	p := newTestPE(&fakeDPM{})
	next := runState(t, stateWaitCap, p)
	assert.Equal(t, stateHardReset, next)
}

func TestStateWaitCapSoftResetRequest(t *testing.T) {
	p := newTestPE(&fakeDPM{})
	postRx(t, p, controlMessage(pdmsg.TypeSoftReset))
	next := runState(t, stateWaitCap, p)
	assert.Equal(t, stateSoftReset, next)
}

func TestStateEvalCapComputesLastPPSBeforeDPMOverwritesRequest(t *testing.T) {
	pps := pdmsg.NewPPSPDO()
	pps.SetMinVoltage(3300)
	pps.SetMaxVoltage(11000)
	pps.SetMaxCurrent(3000)

	fake := &fakeDPM{rdo: func() pdmsg.RequestDO {
		var r pdmsg.RequestDO
		r.SetSelectedObjectPosition(1)
		r.SetFixedOperatingCurrent(1000)
		return r
	}()}
	p := newTestPE(fake)
	p.sourceCapPDOs[0] = pdmsg.PDO(pps)
	p.sourceCapCount = 1
	// Simulate the previous cycle's request having selected the PPS slot.
	p.requestDO.SetSelectedObjectPosition(1)

	next := runState(t, stateEvalCap, p)
	assert.Equal(t, stateSelectCap, next)
	assert.EqualValues(t, 1, p.lastPPS)
	assert.Equal(t, fake.rdo, p.requestDO)
}

func TestStateEvalCapDefaultsLastPPSToEightWhenNotPPS(t *testing.T) {
	fixed := pdmsg.NewFixedSupplyPDO()
	fixed.SetVoltage(5000)
	fixed.SetMaxCurrent(1000)

	fake := &fakeDPM{}
	p := newTestPE(fake)
	p.sourceCapPDOs[0] = pdmsg.PDO(fixed)
	p.sourceCapCount = 1
	p.requestDO.SetSelectedObjectPosition(1)

	runState(t, stateEvalCap, p)
	assert.EqualValues(t, 8, p.lastPPS)
}

func TestStateReadyRoutesGetSinkCapToGiveSinkCap(t *testing.T) {
	p := newTestPE(&fakeDPM{})
	postRx(t, p, controlMessage(pdmsg.TypeGetSinkCap))
	next := runState(t, stateReady, p)
	assert.Equal(t, stateGiveSinkCap, next)
}

func TestStateReadyRejectsUnsolicitedRequestAsNotSupported(t *testing.T) {
	p := newTestPE(&fakeDPM{})
	var m pdmsg.Message
	m.SetType(pdmsg.TypeRequest)
	m.SetDataObjectCount(1)
	m.Data[0] = 1
	postRx(t, p, m)
	next := runState(t, stateReady, p)
	assert.Equal(t, stateSendNotSupported, next)
}

func TestStateReadyDrainsMessageEvenWhenPPSRequestCoPending(t *testing.T) {
	p := newTestPE(&fakeDPM{})
	postRx(t, p, controlMessage(pdmsg.TypeGetSinkCap))
	p.Events.Set(evtbus.PEPPSRequest)

	next := runState(t, stateReady, p)
	assert.Equal(t, stateSelectCap, next, "PEPPSRequest still wins the co-pending race in ready")
	assert.Zero(t, p.Pool.InUse(), "a co-pending message must be drained and freed, not orphaned in RxMailbox")
}

func TestStateReadyResetGoesToTransitionDefault(t *testing.T) {
	p := newTestPE(&fakeDPM{})
	p.Events.Set(evtbus.PEReset)
	next := runState(t, stateReady, p)
	assert.Equal(t, stateTransitionDefault, next)
}

func TestStateTransitionDefaultResetsContractAndNotifiesDPM(t *testing.T) {
	fake := &fakeDPM{}
	p := newTestPE(fake)
	p.explicitContract = true
	p.revision = pdmsg.Revision30
	next := runState(t, stateTransitionDefault, p)
	assert.Equal(t, stateStartup, next)
	assert.False(t, p.explicitContract)
	assert.Equal(t, pdmsg.Revision10, p.revision, "revision must reset so a post-hard-reset 3.0 source isn't silently downgraded")
	assert.Equal(t, 1, fake.defaults)
	assert.NotZero(t, p.Targets.HardReset.Peek(evtbus.HardResetDone))
}

func TestStateSourceUnresponsiveDebouncesTwoMatchingSamples(t *testing.T) {
	fake := &fakeDPM{}
	p := newTestPE(fake)
	p.Driver = &constantCurrentDriver{cur: phy.CurrentDefault}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	next := stateSourceUnresponsive.Run(ctx, p)
	assert.Equal(t, stateSourceUnresponsive, next)
	assert.Zero(t, fake.typeCCalls, "must not transition on the first sample alone")

	next = stateSourceUnresponsive.Run(ctx, p)
	assert.Equal(t, stateSourceUnresponsive, next)
	assert.Equal(t, 1, fake.typeCCalls, "two consecutive matching samples must transition once")
}

type constantCurrentDriver struct {
	phy.Driver
	cur phy.TypeCCurrent
}

func (c *constantCurrentDriver) GetTypeCCurrent() (phy.TypeCCurrent, error) {
	return c.cur, nil
}
