// Package sink assembles the PRL-RX, PRL-TX, Hard Reset, INT_N Poller, and
// Policy Engine tasks into one running sink. It owns the shared message
// pool, MessageID bookkeeping, mailboxes, and event words that the
// standalone task packages only describe the shape of.
package sink

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/gotypec/pdsink/dpm"
	"github.com/gotypec/pdsink/evtbus"
	"github.com/gotypec/pdsink/hardreset"
	"github.com/gotypec/pdsink/intnpoller"
	"github.com/gotypec/pdsink/pdpool"
	"github.com/gotypec/pdsink/pe"
	"github.com/gotypec/pdsink/phy"
	"github.com/gotypec/pdsink/prl"
)

// DefaultPoolSize is the default message pool capacity.
const DefaultPoolSize = 4

// Config describes the hardware and policy a Sink is built from.
type Config struct {
	Driver phy.Driver
	DPM    dpm.DPM

	// Pin optionally overrides IntNAsserted sampling of the PHY's own
	// register with a dedicated GPIO line (see cmd/pdsink-demo).
	Pin intnpoller.Line

	// PoolSize overrides DefaultPoolSize when non-zero.
	PoolSize int

	Log *log.Logger
}

// Sink wires together one instance of every protocol task and runs them
// concurrently under a shared context.
type Sink struct {
	pool *pdpool.Pool
	ids  *prl.MessageIDs

	rxEvents *evtbus.Word
	txEvents *evtbus.Word
	hrEvents *evtbus.Word
	peEvents *evtbus.Word

	rx      *prl.RX
	tx      *prl.TX
	hr      *hardreset.Machine
	poller  *intnpoller.Poller
	engine  *pe.PE
	driver  phy.Driver
}

// New builds a Sink from cfg. Nothing runs until Run is called.
func New(cfg Config) *Sink {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	// Every task below calls the driver from its own goroutine.
	driver := phy.Serialize(cfg.Driver)

	pool := pdpool.New(poolSize)
	ids := prl.NewMessageIDs()

	rxEvents := evtbus.New()
	txEvents := evtbus.New()
	hrEvents := evtbus.New()
	peEvents := evtbus.New()

	peMailbox := prl.NewMailbox(poolSize)  // PRL-RX -> PE
	txMailbox := prl.NewMailbox(poolSize)  // PE -> PRL-TX

	tx := &prl.TX{
		Driver:  driver,
		Pool:    pool,
		IDs:     ids,
		Events:  txEvents,
		Targets: prl.TXTargets{PRLRX: rxEvents, PE: peEvents},
		Mailbox: txMailbox,
		Log:     cfg.Log,
	}

	rx := &prl.RX{
		Driver:  driver,
		Pool:    pool,
		IDs:     ids,
		Events:  rxEvents,
		Targets: prl.RXTargets{PRLTX: txEvents, PE: peEvents},
		Mailbox: peMailbox,
		Log:     cfg.Log,
	}

	hr := &hardreset.Machine{
		Driver:  driver,
		IDs:     ids,
		Events:  hrEvents,
		Targets: hardreset.Targets{PRLRX: rxEvents, PRLTX: txEvents, PE: peEvents},
		Log:     cfg.Log,
	}

	poller := &intnpoller.Poller{
		Driver: driver,
		Targets: intnpoller.Targets{
			PRLRX:     rxEvents,
			PRLTX:     txEvents,
			HardReset: hrEvents,
			PE:        peEvents,
		},
		Pin: cfg.Pin,
		Log: cfg.Log,
	}

	engine := pe.New()
	engine.Driver = driver
	engine.Pool = pool
	engine.Events = peEvents
	engine.Targets = pe.Targets{PRLTX: txEvents, HardReset: hrEvents}
	engine.TxMailbox = txMailbox
	engine.RxMailbox = peMailbox
	engine.DPM = cfg.DPM
	engine.TXRevision = tx
	engine.Log = cfg.Log

	return &Sink{
		pool:     pool,
		ids:      ids,
		rxEvents: rxEvents,
		txEvents: txEvents,
		hrEvents: hrEvents,
		peEvents: peEvents,
		rx:       rx,
		tx:       tx,
		hr:       hr,
		poller:   poller,
		engine:   engine,
		driver:   driver,
	}
}

// Run starts every task and blocks until ctx is done and all of them have
// returned.
func (s *Sink) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)

	go func() { defer wg.Done(); s.rx.Run(ctx) }()
	go func() { defer wg.Done(); s.tx.Run(ctx) }()
	go func() { defer wg.Done(); s.hr.Run(ctx) }()
	go func() {
		defer wg.Done()
		if err := s.poller.Run(ctx); err != nil {
			s.logf("intn poller: %v", err)
		}
	}()

	s.engine.Run(ctx)
	wg.Wait()
}

// TriggerHardReset requests a locally-initiated hard reset, e.g. in
// response to an external DPM command.
func (s *Sink) TriggerHardReset() {
	s.hrEvents.Set(evtbus.HardResetReset)
}

// TriggerGetSourceCap asks the Policy Engine to request a fresh
// Source_Capabilities from the source while in Ready, e.g. in response to
// an external DPM command.
func (s *Sink) TriggerGetSourceCap() {
	s.peEvents.Set(evtbus.PEGetSourceCap)
}

// TriggerNewPower asks the Policy Engine to re-evaluate the last-known
// source capabilities and request a new power contract, e.g. after a local
// load change that the DPM wants reflected without waiting for the source
// to resend Source_Capabilities.
func (s *Sink) TriggerNewPower() {
	s.peEvents.Set(evtbus.PENewPower)
}

// PoolInUse reports how many message-pool slots are currently allocated,
// for diagnostics.
func (s *Sink) PoolInUse() int {
	return s.pool.InUse()
}

func (s *Sink) logf(format string, args ...any) {
	if s.engine.Log != nil {
		s.engine.Log.Warnf(format, args...)
	}
}
