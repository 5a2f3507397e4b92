package fusb302

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotypec/pdsink/pdmsg"
	"github.com/gotypec/pdsink/phy"
)

// fakeI2C is a minimal register-file emulation of an FUSB302, enough to
// exercise SendMessage/ReadMessage/GetStatus without real hardware.
type fakeI2C struct {
	regs    map[uint8]byte
	fifo    []byte
	rxFifo  []byte
	lastReg uint8
}

func newFakeI2C() *fakeI2C {
	return &fakeI2C{regs: map[uint8]byte{}}
}

func (f *fakeI2C) Tx(addr uint16, w, r []byte) error {
	if len(w) == 0 {
		return nil
	}
	reg := w[0]
	switch {
	case len(w) > 1: // write
		if reg == regFIFOs {
			f.fifo = append(f.fifo, w[1:]...)
		} else {
			f.regs[reg] = w[1]
		}
	case len(r) > 0: // read
		if reg == regFIFOs {
			n := len(r)
			if n > len(f.rxFifo) {
				n = len(f.rxFifo)
			}
			copy(r, f.rxFifo[:n])
			f.rxFifo = f.rxFifo[n:]
		} else {
			// Multi-byte register reads auto-increment the address.
			for i := range r {
				r[i] = f.regs[reg+uint8(i)]
			}
		}
	}
	return nil
}

func TestSendMessageWritesFramedFIFO(t *testing.T) {
	i2c := newFakeI2C()
	f := New(i2c, FUSB302BMPX)

	var m pdmsg.Message
	m.SetType(pdmsg.TypeRequest)
	m.SetDataObjectCount(1)
	m.Data[0] = 0xdeadbeef

	require.NoError(t, f.SendMessage(m))
	require.Len(t, i2c.fifo, 9+2+4)
	assert.Equal(t, []byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync1, fifoTokenSync2, fifoTokenPackSym | 6}, i2c.fifo[:5])
	assert.Equal(t, []byte{fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn}, i2c.fifo[11:])
	assert.NotEmpty(t, i2c.fifo)
}

func TestReadMessageEmptyReturnsErrRxEmpty(t *testing.T) {
	i2c := newFakeI2C()
	i2c.regs[regStatus1] = regStatus1RxEmpty
	f := New(i2c, FUSB302BMPX)

	var m pdmsg.Message
	err := f.ReadMessage(&m)
	assert.ErrorIs(t, err, phy.ErrRxEmpty)
}

func TestReadMessageDecodesHeaderAndObjects(t *testing.T) {
	i2c := newFakeI2C()
	i2c.regs[regStatus1] = 0 // not empty

	var want pdmsg.Message
	want.SetType(pdmsg.TypeAccept)
	want.SetDataObjectCount(1)
	want.Data[0] = 0x11223344

	var raw [pdmsg.MaxMessageBytes + 4]byte
	n := want.ToBytes(raw[:])
	i2c.rxFifo = append(i2c.rxFifo, 0xE0) // leading SOP token
	i2c.rxFifo = append(i2c.rxFifo, raw[:n]...)
	i2c.rxFifo = append(i2c.rxFifo, 0, 0, 0, 0) // trailing CRC

	f := New(i2c, FUSB302BMPX)
	var got pdmsg.Message
	require.NoError(t, f.ReadMessage(&got))
	assert.Equal(t, want.Header, got.Header)
	assert.Equal(t, want.Data[0], got.Data[0])
}

func TestGetStatusReportsTxSentAndRetryFail(t *testing.T) {
	i2c := newFakeI2C()
	i2c.regs[regInterruptA] = regInterruptATxSuccess | regInterruptARetryFail
	f := New(i2c, FUSB302BMPX)

	st, err := f.GetStatus()
	require.NoError(t, err)
	assert.True(t, st.TxSent)
	assert.True(t, st.RetryFail)
}
