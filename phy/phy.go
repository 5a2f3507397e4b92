// Package phy defines the PHY driver collaborator interface consumed by the
// protocol layer and the Type-C current / interrupt status vocabulary
// shared across the stack. Implementations give register-level
// access to a Type-C port controller IC such as the FUSB302B; see
// phy/fusb302 for a concrete driver.
//
// The PHY owns BMC encoding, CRC, GoodCRC matching and PHY-side auto-retry.
// It does not know about MessageID bookkeeping, mailboxes, or PD state --
// that is the protocol layer and policy engine's job.
package phy

import (
	"errors"

	"github.com/gotypec/pdsink/pdmsg"
)

// Driver is the PHY collaborator interface. Implementations need not be safe
// for concurrent use: the INT_N poller, PRL-RX, PRL-TX, Hard Reset and the
// Policy Engine each call the driver from their own goroutine, and sink.New
// wraps it with Serialize so those calls never overlap. Driver
// implementations run on whatever hardware bus (I2C, SPI) the board uses and
// may block on that bus.
type Driver interface {
	// Reset resets the PHY to a known power-up state.
	Reset() error

	// SendMessage submits msg for transmission. It returns once the PHY has
	// accepted the frame into its TX FIFO; completion (GoodCRC received or
	// retries exhausted) is reported asynchronously via GetStatus.
	SendMessage(m pdmsg.Message) error

	// SendHardReset emits a hard-reset ordered set. Completion is reported
	// asynchronously via GetStatus (I_HARDSENT).
	SendHardReset() error

	// ReadMessage reads the most recently received frame into out. Callers
	// must not call ReadMessage unless GetStatus reported a message is
	// waiting.
	ReadMessage(out *pdmsg.Message) error

	// GetStatus atomically reads and clears the PHY's interrupt/status
	// registers, for the INT_N poller to fan out as task events.
	GetStatus() (Status, error)

	// GetTypeCCurrent reports the current capability the attached source is
	// advertising over CC, independent of any PD contract.
	GetTypeCCurrent() (TypeCCurrent, error)

	// IntNAsserted samples the PHY's interrupt pin level.
	IntNAsserted() (bool, error)
}

// Status mirrors the register bits the INT_N poller fans out to peer
// tasks as events. A Status is a one-shot, already-cleared snapshot:
// GetStatus must not report the same asserted bit twice.
type Status struct {
	GoodCRCSent   bool // INTERRUPTB.I_GCRCSENT
	TxSent        bool // INTERRUPTA.I_TXSENT
	RetryFail     bool // INTERRUPTA.I_RETRYFAIL
	HardResetRx   bool // INTERRUPTA.I_HARDRST
	HardResetSent bool // INTERRUPTA.I_HARDSENT
	OCPOrTemp     bool // INTERRUPTA.I_OCP_TEMP
	OverTemp      bool // STATUS1.OVRTEMP
}

// TypeCCurrent is the Type-C current advertisement sampled over CC.
type TypeCCurrent uint8

// Type-C current levels, advertised over CC independent of any PD contract.
const (
	CurrentNone TypeCCurrent = iota
	CurrentDefault
	Current1A5
	Current3A0
	CurrentSinkTxOK
)

func (c TypeCCurrent) String() string {
	switch c {
	case CurrentNone:
		return "none"
	case CurrentDefault:
		return "default"
	case Current1A5:
		return "1.5A"
	case Current3A0:
		return "3.0A"
	case CurrentSinkTxOK:
		return "SinkTxOK"
	default:
		return "invalid"
	}
}

// I2C defines a minimum interface to I2C hardware with a single Tx method,
// allowing a single driver implementation to work across many different
// microcontrollers and host platforms. Modeled on TinyGo's I2C bus
// interface.
type I2C interface {
	// Tx performs a write and then a read transfer, placing the result in r.
	// Tx must be safe to call concurrently from multiple goroutines.
	//
	// Passing a nil value for w or r skips the transfer corresponding to
	// write or read, respectively.
	Tx(addr uint16, w, r []byte) error
}

var (
	// ErrTxFailed is returned when the PHY could not complete a
	// transmission (retries exhausted, or no GoodCRC/hard-reset-sent
	// confirmation within the PHY's own budget).
	ErrTxFailed = errors.New("phy: failed to send message")

	// ErrRxEmpty is returned by ReadMessage if no message is waiting.
	ErrRxEmpty = errors.New("phy: no message to read")
)
