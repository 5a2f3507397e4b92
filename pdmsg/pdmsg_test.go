package pdmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	var m Message
	m.SetType(TypeRequest)
	m.SetDataObjectCount(1)
	m.SetID(5)
	m.SetRevision(Revision30)
	m.SetPowerRole(PowerRoleSink)
	m.SetDataRole(DataRoleUFP)
	m.SetExtended(false)

	assert.Equal(t, TypeRequest, m.Type())
	assert.Equal(t, uint8(1), m.DataObjectCount())
	assert.Equal(t, uint8(5), m.ID())
	assert.Equal(t, Revision30, m.Revision())
	assert.Equal(t, PowerRoleSink, m.PowerRole())
	assert.Equal(t, DataRoleUFP, m.DataRole())
	assert.False(t, m.IsExtended())
	assert.True(t, m.IsData())
}

func TestIDWrapsModulo8(t *testing.T) {
	var m Message
	m.SetID(15) // only low 3 bits should stick
	assert.Equal(t, uint8(7), m.ID())
}

func TestToBytesWritesOnlyUsedObjects(t *testing.T) {
	var m Message
	m.SetDataObjectCount(2)
	m.Data[0] = 0x11223344
	m.Data[1] = 0x55667788
	var buf [MaxMessageBytes]byte
	n := m.ToBytes(buf[:])
	assert.Equal(t, uint8(2+2*4), n)
}

func TestFixedSupplyPDOVoltageAndCurrentRounding(t *testing.T) {
	p := NewFixedSupplyPDO()
	p.SetVoltage(9000)
	p.SetMaxCurrent(3000)
	assert.Equal(t, uint16(9000), p.Voltage())
	assert.Equal(t, uint16(3000), p.MaxCurrent())
}

func TestPPSPDORangeAndPowerLimited(t *testing.T) {
	p := NewPPSPDO()
	p.SetMinVoltage(3300)
	p.SetMaxVoltage(11000)
	p.SetMaxCurrent(3000)
	p.SetPowerLimited(true)

	assert.Equal(t, PDOTypePPS, PDO(p).Type())
	assert.Equal(t, uint16(3300), p.MinVoltage())
	assert.Equal(t, uint16(11000), p.MaxVoltage())
	assert.Equal(t, uint16(3000), p.MaxCurrent())
	assert.True(t, p.IsPowerLimited())
}

func TestRequestDOPPSFields(t *testing.T) {
	var r RequestDO
	r.SetSelectedObjectPosition(3)
	r.SetPPSOutputVoltage(5000)
	r.SetPPSOutputCurrent(1500)
	r.SetCapabilityMismatch(true)

	assert.Equal(t, uint8(3), r.SelectedObjectPosition())
	assert.Equal(t, uint16(5000), r.PPSOutputVoltage())
	assert.Equal(t, uint16(1500), r.PPSOutputCurrent())
	assert.True(t, r.CapabilityMismatch())
}
