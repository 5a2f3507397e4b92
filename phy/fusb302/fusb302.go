// Package fusb302 implements the phy.Driver interface for the FUSB302 Type-C
// port controller from ONSemi. SendMessage/SendHardReset here do not
// spin-wait for completion: the protocol layer (package prl) and Hard Reset
// machine (package hardreset) learn about completion asynchronously through
// GetStatus, matching the asynchronous PRL-RX/PRL-TX task split.
package fusb302

import (
	"github.com/gotypec/pdsink/pdmsg"
	"github.com/gotypec/pdsink/phy"
)

// MPN represents the manufacturer part number.
type MPN uint8

// I2CAddress returns the I2C address of the FUSB302.
func (m MPN) I2CAddress() uint8 {
	return uint8(m)
}

// Manufacturer part numbers.
const (
	FUSB302BUCX   MPN = 0b100010
	FUSB302BMPX   MPN = 0b100010
	FUSB302VMPX   MPN = 0b100010
	FUSB302B01MPX MPN = 0b100011
	FUSB302B10MPX MPN = 0b100100
	FUSB302B11MPX MPN = 0b100101
)

// FUSB302 implements phy.Driver for the FUSB302 IC.
type FUSB302 struct {
	port phy.I2C
	addr uint16

	// Scratch buffer reused by every register read and write. SendMessage,
	// ReadMessage and GetStatus still allocate their own frame buffers.
	buf [pdmsg.MaxMessageBytes + 10]byte
}

// New creates a new driver. The I2C port must run at <=1MHz.
func New(port phy.I2C, mpn MPN) *FUSB302 {
	return &FUSB302{
		port: port,
		addr: uint16(mpn.I2CAddress()),
	}
}

func (f *FUSB302) write(r uint8, d byte) error {
	f.buf[0] = r
	f.buf[1] = d
	return f.port.Tx(f.addr, f.buf[:2], nil)
}

func (f *FUSB302) read(r uint8) (byte, error) {
	f.buf[0] = r
	err := f.port.Tx(f.addr, f.buf[:1], f.buf[1:2])
	return f.buf[1], err
}

func (f *FUSB302) writeMany(r uint8, d []byte) error {
	f.buf[0] = r
	copy(f.buf[1:], d)
	return f.port.Tx(f.addr, f.buf[:len(d)+1], nil)
}

func (f *FUSB302) readMany(r uint8, d []byte) error {
	f.buf[0] = r
	err := f.port.Tx(f.addr, f.buf[:1], f.buf[1:len(d)+1])
	if err == nil {
		copy(d, f.buf[1:len(d)+1])
	}
	return err
}

// Reset brings the chip back to its power-up configuration: software reset,
// FIFO flush, full power, CC auto-detect in sink mode, PHY auto-retry.
func (f *FUSB302) Reset() error {
	if err := f.write(regReset, regResetSWReset); err != nil {
		return err
	}
	if err := f.write(regControl1, 0b100); err != nil { // flush rx fifo
		return err
	}
	if err := f.write(regPower, regPowerPwrAll); err != nil {
		return err
	}
	if err := f.write(regControl2, 0b00000101); err != nil { // auto-detect CC, sink mode
		return err
	}
	if err := f.write(regControl3, regControl3AutoRetry); err != nil {
		return err
	}
	return nil
}

// SendMessage submits m for transmission and returns once the PHY has
// accepted it into its TX FIFO. Completion (GoodCRC received or retries
// exhausted) is reported later through GetStatus.
func (f *FUSB302) SendMessage(m pdmsg.Message) error {
	if err := f.write(regControl0, 0b01100100); err != nil { // flush tx fifo
		return err
	}

	buf := make([]byte, 9+pdmsg.MaxMessageBytes)
	copy(buf, []byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync1, fifoTokenSync2})
	mlen := m.ToBytes(buf[5:])
	buf[4] = fifoTokenPackSym | mlen
	copy(buf[5+mlen:], []byte{fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn})
	plen := 9 + mlen

	return f.writeMany(regFIFOs, buf[:plen])
}

// SendHardReset asserts the hard-reset ordered-set request. Completion is
// reported asynchronously through GetStatus (HardResetSent).
func (f *FUSB302) SendHardReset() error {
	r, err := f.read(regControl3)
	if err != nil {
		return err
	}
	return f.write(regControl3, r|regControl3SendHardReset)
}

// ReadMessage reads a single frame out of the RX FIFO, discarding its CRC.
// It makes no judgement about whether the frame is a GoodCRC reply or an
// ordinary message from the port partner -- that interpretation is split
// between PRL-RX and PRL-TX.
func (f *FUSB302) ReadMessage(out *pdmsg.Message) error {
	reg, err := f.read(regStatus1)
	if err != nil {
		return err
	}
	if reg&regStatus1RxEmpty != 0 {
		return phy.ErrRxEmpty
	}

	buf := make([]byte, pdmsg.MaxMessageBytes+4) // 4 extra bytes for the trailing CRC
	if err = f.readMany(regFIFOs, buf[:3]); err != nil {
		return err
	}
	out.Header = uint16(buf[2])<<8 | uint16(buf[1])
	l := out.DataObjectCount()

	if l > 0 {
		if err = f.readMany(regFIFOs, buf[:l*4+4]); err != nil {
			return err
		}
		for i := uint8(0); i < l; i++ {
			s := i * 4
			out.Data[i] = uint32(buf[s]) | uint32(buf[s+1])<<8 | uint32(buf[s+2])<<16 | uint32(buf[s+3])<<24
		}
	} else if err = f.readMany(regFIFOs, buf[:4]); err != nil { // discard CRC
		return err
	}
	return nil
}

// GetStatus atomically reads and clears the interrupt registers the INT_N
// poller fans out as task events, plus handles the one-time CC-polarity
// setup once toggle detection completes.
func (f *FUSB302) GetStatus() (phy.Status, error) {
	var st phy.Status
	regs := make([]byte, 7)
	if err := f.readMany(regStatus0A, regs); err != nil {
		return st, err
	}
	status0A, status1A, intA, _, status0, status1, _ := regs[0], regs[1], regs[2], regs[3], regs[4], regs[5], regs[6]

	st.HardResetRx = intA&regInterruptAHardReset != 0 && status0A&regStatus0ARxHardReset != 0
	st.HardResetSent = intA&regInterruptAHardSent != 0
	st.TxSent = intA&regInterruptATxSuccess != 0
	st.RetryFail = intA&regInterruptARetryFail != 0
	st.OCPOrTemp = intA&regInterruptAOCPTemp != 0
	st.OverTemp = status1&regStatus1OverTemp != 0

	if intA&regInterruptATogDone != 0 {
		if err := f.finishCCDetect(status0, status1A); err != nil {
			return st, err
		}
	}

	regIntB, err := f.read(regInterruptB)
	if err != nil {
		return st, err
	}
	st.GoodCRCSent = regIntB&regInterruptBGCRCSent != 0

	return st, nil
}

// finishCCDetect sets the CC polarity and enables measurement on the
// detected CC line, once toggle detection completes. It is a one-time
// transition triggered by the I_TOGDONE interrupt.
func (f *FUSB302) finishCCDetect(status0, status1A byte) error {
	if err := f.write(regControl2, 0); err != nil { // turn off auto-detect
		return err
	}
	var pol, meas uint8
	switch (status1A >> regStatus1ATogSSPos) & regStatus1ATogSSMask {
	case regStatus1ATogSSSnk1:
		pol, meas = regSwitches1TxCC1En, regSwitches0MeasCC1
	case regStatus1ATogSSSnk2:
		pol, meas = regSwitches1TxCC2En, regSwitches0MeasCC2
	default:
		return phy.ErrTxFailed
	}
	if err := f.write(regSwitches1, regSwitches1SpecRev1|regSwitches1AutoGCRC|pol); err != nil {
		return err
	}
	return f.write(regSwitches0, meas|regSwitches0CC1PdEn|regSwitches0CC2PdEn)
}

// GetTypeCCurrent reports the non-PD current the source is advertising over
// CC, from the BC_LVL bits of STATUS0. It never reports CurrentSinkTxOK.
func (f *FUSB302) GetTypeCCurrent() (phy.TypeCCurrent, error) {
	status0, err := f.read(regStatus0)
	if err != nil {
		return phy.CurrentNone, err
	}
	switch status0 & 0b11 {
	case 1:
		return phy.CurrentDefault, nil
	case 2:
		return phy.Current1A5, nil
	case 3:
		return phy.Current3A0, nil
	default:
		return phy.CurrentNone, nil
	}
}

// IntNAsserted samples the host-visible interrupt condition by checking
// whether any unacknowledged interrupt bit remains set.
func (f *FUSB302) IntNAsserted() (bool, error) {
	intA, err := f.read(regInterruptA)
	if err != nil {
		return false, err
	}
	intB, err := f.read(regInterruptB)
	if err != nil {
		return false, err
	}
	intT, err := f.read(regInterrupt)
	if err != nil {
		return false, err
	}
	return intA != 0 || intB != 0 || intT != 0, nil
}

const (
	regSwitches0        = 0x02
	regSwitches0MeasCC2 = 1 << 3
	regSwitches0MeasCC1 = 1 << 2
	regSwitches0CC2PdEn = 1 << 1
	regSwitches0CC1PdEn = 1 << 0

	regSwitches1         = 0x03
	regSwitches1SpecRev1 = 1 << 6
	regSwitches1AutoGCRC = 1 << 2
	regSwitches1TxCC2En  = 1 << 1
	regSwitches1TxCC1En  = 1 << 0

	regControl0 = 0x06
	regControl1 = 0x07
	regControl2 = 0x08

	regControl3              = 0x09
	regControl3AutoRetry     = 0b111
	regControl3SendHardReset = 1 << 6

	regPower       = 0x0B
	regPowerPwrAll = 0xF

	regReset        = 0x0C
	regResetSWReset = 1 << 0

	regStatus0A            = 0x3C
	regStatus0ARxHardReset = 1 << 0

	regStatus1A = 0x3D

	regStatus1ATogSSSnk1 = 0b101
	regStatus1ATogSSSnk2 = 0b110
	regStatus1ATogSSPos  = 3
	regStatus1ATogSSMask = 0x7

	regInterruptA          = 0x3E
	regInterruptATogDone   = 1 << 6
	regInterruptAOCPTemp   = 1 << 7
	regInterruptARetryFail = 1 << 4
	regInterruptAHardSent  = 1 << 3
	regInterruptATxSuccess = 1 << 2
	regInterruptAHardReset = 1 << 0

	regInterruptB         = 0x3F
	regInterruptBGCRCSent = 1 << 0

	regStatus0         = 0x40
	regStatus1         = 0x41
	regStatus1RxEmpty  = 1 << 5
	regStatus1OverTemp = 1 << 2

	regInterrupt = 0x42

	regFIFOs = 0x43

	fifoTokenTxOn    = 0xA1
	fifoTokenSync1   = 0x12
	fifoTokenSync2   = 0x13
	fifoTokenPackSym = 0x80
	fifoTokenJamCRC  = 0xFF
	fifoTokenEOP     = 0x14
	fifoTokenTxOff   = 0xFE
)
