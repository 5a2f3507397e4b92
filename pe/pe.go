// Package pe implements the sink-side Policy Engine: the state machine that
// negotiates a power contract with a connected source, driven by
// PRL-RX/PRL-TX mailboxes and event words rather than a polling loop over
// shared controller state. Each state is a named *peState value with a single
// driving function that blocks on its own typed event wait, since there is
// no polling loop for states to share.
package pe

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gotypec/pdsink/dpm"
	"github.com/gotypec/pdsink/evtbus"
	"github.com/gotypec/pdsink/pdmsg"
	"github.com/gotypec/pdsink/pdpool"
	"github.com/gotypec/pdsink/phy"
	"github.com/gotypec/pdsink/prl"
)

// Timing constants from the USB-PD timing budgets, named after their T_*
// vocabulary.
const (
	tTypeCSinkWaitCap     = 310 * time.Millisecond
	tSenderResponse       = 30 * time.Millisecond
	tPSTransition         = 500 * time.Millisecond
	tSinkRequest          = 100 * time.Millisecond
	tPPSRequest           = 10 * time.Second
	tChunkingNotSupported = 45 * time.Millisecond
	tPDDebounce           = 15 * time.Millisecond

	nHardResetCount = 2
)

var defaultRequestDO pdmsg.RequestDO

func init() {
	defaultRequestDO.SetSelectedObjectPosition(1)
	defaultRequestDO.SetFixedOperatingCurrent(100)
	defaultRequestDO.SetFixedMaxOperatingCurrent(100)
}

// RevisionSetter lets PE push the negotiated PD spec revision down to
// PRL-TX, which needs it to gate PD 3.0 collision avoidance. *prl.TX
// implements this.
type RevisionSetter interface {
	SetRevision(pdmsg.Revision)
}

// Targets is the set of peer event words the Policy Engine signals.
type Targets struct {
	PRLTX     *evtbus.Word // PRLTXMsgTx, PRLTXStartAMS
	HardReset *evtbus.Word // HardResetReset, HardResetDone
}

// PE implements the sink Policy Engine state machine.
type PE struct {
	Driver     phy.Driver
	Pool       *pdpool.Pool
	Events     *evtbus.Word // own word: PEMsgRx, PETxDone, PETxErr, PEReset, PEHardSent, PEIOverTemp, PEGetSourceCap, PENewPower, PEPPSRequest
	Targets    Targets
	TxMailbox  prl.Mailbox // posts to PRL-TX
	RxMailbox  prl.Mailbox // drains from PRL-RX (pe.mailbox)
	DPM        dpm.DPM
	TXRevision RevisionSetter // optional; usually the *prl.TX sharing this port
	Log        *log.Logger

	// Persistent state carried across cooperative state transitions.
	revision         pdmsg.Revision
	explicitContract bool
	minPower         bool
	hardResetCounter int
	lastPPS          uint8
	requestDO        pdmsg.RequestDO
	msgTpl           pdmsg.Message

	sourceCapPDOs  [pdmsg.MaxDataObjects]pdmsg.PDO
	sourceCapCount uint8

	lastTypeCJudged int
	haveLastTypeC   bool

	ppsStop chan struct{}
}

// New returns a Policy Engine ready to Run.
func New() *PE {
	var m pdmsg.Message
	m.SetPowerRole(pdmsg.PowerRoleSink)
	m.SetDataRole(pdmsg.DataRoleUFP)
	m.SetExtended(false)
	return &PE{msgTpl: m, lastPPS: 8}
}

// peState is a named state in the Policy Engine's state table. Run blocks
// until it can determine the next state, returning nil only when ctx ends.
type peState struct {
	Name string
	Run  func(ctx context.Context, p *PE) *peState
}

// Run drives the state machine until ctx is done. Only one call to Run
// must be in progress at any given time.
func (p *PE) Run(ctx context.Context) {
	cur := stateStartup
	for ctx.Err() == nil {
		cur = cur.Run(ctx, p)
		if cur == nil {
			return
		}
	}
}

func (p *PE) negotiateRevision(peer pdmsg.Revision) {
	if p.revision == pdmsg.Revision10 && peer >= pdmsg.Revision30 {
		p.revision = pdmsg.Revision30
	} else {
		p.revision = pdmsg.Revision20
	}
	p.msgTpl.SetRevision(p.revision)
	if p.TXRevision != nil {
		p.TXRevision.SetRevision(p.revision)
	}
}

func (p *PE) storeSourceCap(m pdmsg.Message) {
	n := m.DataObjectCount()
	if int(n) > len(p.sourceCapPDOs) {
		n = uint8(len(p.sourceCapPDOs))
	}
	for i := uint8(0); i < n; i++ {
		p.sourceCapPDOs[i] = pdmsg.PDO(m.Data[i])
	}
	p.sourceCapCount = n
}

func (p *PE) controlMessage(t pdmsg.Type) pdmsg.Message {
	m := p.msgTpl
	m.SetType(t)
	m.SetDataObjectCount(0)
	m.SetRevision(p.revision)
	return m
}

func (p *PE) requestMessage(rdo pdmsg.RequestDO) pdmsg.Message {
	m := p.msgTpl
	m.SetType(pdmsg.TypeRequest)
	m.SetDataObjectCount(1)
	m.SetRevision(p.revision)
	m.Data[0] = uint32(rdo)
	return m
}

// postMessage allocates a pool slot for m, hands it to PRL-TX and signals
// PRLTX_MSG_TX. It returns false only on pool exhaustion, which PE handles
// with a hard reset rather than a panic.
func (p *PE) postMessage(m pdmsg.Message) bool {
	h, err := p.Pool.Alloc()
	if err != nil {
		p.logf("alloc: %v", err)
		return false
	}
	*p.Pool.Get(h) = m
	p.TxMailbox <- h
	p.Targets.PRLTX.Set(evtbus.PRLTXMsgTx)
	return true
}

// receiveMessage drains one handle from RxMailbox without blocking. A
// false return means PE_MSG_RX was observed before the mailbox post
// landed; callers should re-wait rather than treat it as a real message.
func (p *PE) receiveMessage() (pdpool.Handle, bool) {
	select {
	case h := <-p.RxMailbox:
		return h, true
	default:
		return pdpool.None, false
	}
}

// armAMS marks the next PRL-TX transmission as the start of an Atomic
// Message Sequence, enabling PD 3.0 collision avoidance for it.
func (p *PE) armAMS() {
	p.Targets.PRLTX.Set(evtbus.PRLTXStartAMS)
}

// armPPSTimer starts (restarting if necessary) the periodic PPS
// re-request timer armed when SelectCap accepts a PPS request.
func (p *PE) armPPSTimer(ctx context.Context) {
	p.disarmPPSTimer()
	stop := make(chan struct{})
	p.ppsStop = stop
	go func() {
		select {
		case <-time.After(tPPSRequest):
			p.Events.Set(evtbus.PEPPSRequest)
		case <-stop:
		case <-ctx.Done():
		}
	}()
}

func (p *PE) disarmPPSTimer() {
	if p.ppsStop != nil {
		close(p.ppsStop)
		p.ppsStop = nil
	}
}

type txOutcome int

const (
	txOutcomeDone txOutcome = iota
	txOutcomeErr
	txOutcomeReset
)

// sendAndWait waits for the outcome of a message already handed to
// PRL-TX. ok is false only when ctx ended.
func (p *PE) sendAndWait(ctx context.Context) (outcome txOutcome, ok bool) {
	got := p.Events.Wait(ctx, evtbus.PETxDone|evtbus.PETxErr|evtbus.PEReset)
	if ctx.Err() != nil {
		return 0, false
	}
	switch {
	case got&evtbus.PEReset != 0:
		return txOutcomeReset, true
	case got&evtbus.PETxErr != 0:
		return txOutcomeErr, true
	default:
		return txOutcomeDone, true
	}
}

func (p *PE) logf(format string, args ...any) {
	if p.Log != nil {
		p.Log.Warnf(format, args...)
	}
}
