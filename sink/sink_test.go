package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotypec/pdsink/pdmsg"
	"github.com/gotypec/pdsink/phy"
)

// fakeDriver is a scripted phy.Driver: SendMessage auto-generates a
// GoodCRC ack and a TxSent status, and injectReceive simulates an inbound
// frame the PHY has already GoodCRC'd. Queues are consumed strictly FIFO,
// which is safe because the protocol layer only ever has one exchange in
// flight at a time.
type fakeDriver struct {
	mu      sync.Mutex
	statusQ []phy.Status
	readQ   []pdmsg.Message
	sent    []pdmsg.Message
	typeC   phy.TypeCCurrent
}

func (d *fakeDriver) Reset() error { return nil }

func (d *fakeDriver) SendMessage(m pdmsg.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, m)
	var ack pdmsg.Message
	ack.SetType(pdmsg.TypeGoodCRC)
	ack.SetID(m.ID())
	d.readQ = append(d.readQ, ack)
	d.statusQ = append(d.statusQ, phy.Status{TxSent: true})
	return nil
}

func (d *fakeDriver) SendHardReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusQ = append(d.statusQ, phy.Status{HardResetSent: true})
	return nil
}

func (d *fakeDriver) ReadMessage(out *pdmsg.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.readQ) == 0 {
		return phy.ErrRxEmpty
	}
	*out = d.readQ[0]
	d.readQ = d.readQ[1:]
	return nil
}

func (d *fakeDriver) GetStatus() (phy.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.statusQ) == 0 {
		return phy.Status{}, nil
	}
	st := d.statusQ[0]
	d.statusQ = d.statusQ[1:]
	return st, nil
}

func (d *fakeDriver) GetTypeCCurrent() (phy.TypeCCurrent, error) { return d.typeC, nil }

func (d *fakeDriver) IntNAsserted() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.statusQ) > 0, nil
}

func (d *fakeDriver) injectReceive(m pdmsg.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readQ = append(d.readQ, m)
	d.statusQ = append(d.statusQ, phy.Status{GoodCRCSent: true})
}

func (d *fakeDriver) lastSent() (pdmsg.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return pdmsg.Message{}, false
	}
	return d.sent[len(d.sent)-1], true
}

// fakeDPM negotiates the first fixed-supply PDO it is offered.
type fakeDPM struct {
	mu          sync.Mutex
	requested   int
	defaulted   int
}

func (f *fakeDPM) EvaluateCapability(pdos []pdmsg.PDO) pdmsg.RequestDO {
	for i, p := range pdos {
		if p.Type() == pdmsg.PDOTypeFixedSupply {
			fs := pdmsg.FixedSupplyPDO(p)
			var rdo pdmsg.RequestDO
			rdo.SetSelectedObjectPosition(uint8(i) + 1)
			rdo.SetFixedOperatingCurrent(fs.MaxCurrent())
			rdo.SetFixedMaxOperatingCurrent(fs.MaxCurrent())
			return rdo
		}
	}
	return pdmsg.EmptyRequestDO
}

func (f *fakeDPM) GetSinkCapability() []pdmsg.PDO { return nil }
func (f *fakeDPM) TransitionDefault() {
	f.mu.Lock()
	f.defaulted++
	f.mu.Unlock()
}
func (f *fakeDPM) TransitionStandby()  {}
func (f *fakeDPM) TransitionRequested() {
	f.mu.Lock()
	f.requested++
	f.mu.Unlock()
}
func (f *fakeDPM) TransitionMin()                           {}
func (f *fakeDPM) TransitionTypeC(current phy.TypeCCurrent) {}

func (f *fakeDPM) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested
}

func sourceCapMessage(id uint8, pdos ...pdmsg.PDO) pdmsg.Message {
	var m pdmsg.Message
	m.SetType(pdmsg.TypeSourceCap)
	m.SetDataObjectCount(uint8(len(pdos)))
	m.SetID(id)
	for i, p := range pdos {
		m.Data[i] = uint32(p)
	}
	return m
}

func controlMessage(id uint8, t pdmsg.Type) pdmsg.Message {
	var m pdmsg.Message
	m.SetType(t)
	m.SetDataObjectCount(0)
	m.SetID(id)
	return m
}

func TestSinkNegotiatesFixedContract(t *testing.T) {
	driver := &fakeDriver{}
	policyDPM := &fakeDPM{}

	s := New(Config{Driver: driver, DPM: policyDPM})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	fixed := pdmsg.NewFixedSupplyPDO()
	fixed.SetVoltage(5000)
	fixed.SetMaxCurrent(3000)

	driver.injectReceive(sourceCapMessage(0, pdmsg.PDO(fixed)))

	require.Eventually(t, func() bool {
		m, ok := driver.lastSent()
		return ok && m.IsData() && m.Type() == pdmsg.TypeRequest
	}, time.Second, time.Millisecond, "sink must send a Request after Source_Capabilities")

	driver.injectReceive(controlMessage(1, pdmsg.TypeAccept))
	driver.injectReceive(controlMessage(2, pdmsg.TypePSReady))

	require.Eventually(t, func() bool {
		return policyDPM.requestCount() == 1
	}, time.Second, time.Millisecond, "DPM must be notified once the contract is in effect")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not shut down after context cancellation")
	}

	assert.Zero(t, s.PoolInUse(), "no message handle should remain allocated once the sink settles")
}

func TestSinkTriggerGetSourceCapAndNewPower(t *testing.T) {
	driver := &fakeDriver{}
	policyDPM := &fakeDPM{}

	s := New(Config{Driver: driver, DPM: policyDPM})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	fixed := pdmsg.NewFixedSupplyPDO()
	fixed.SetVoltage(5000)
	fixed.SetMaxCurrent(3000)

	driver.injectReceive(sourceCapMessage(0, pdmsg.PDO(fixed)))

	require.Eventually(t, func() bool {
		m, ok := driver.lastSent()
		return ok && m.IsData() && m.Type() == pdmsg.TypeRequest
	}, time.Second, time.Millisecond, "sink must send a Request after Source_Capabilities")

	driver.injectReceive(controlMessage(1, pdmsg.TypeAccept))
	driver.injectReceive(controlMessage(2, pdmsg.TypePSReady))

	require.Eventually(t, func() bool {
		return policyDPM.requestCount() == 1
	}, time.Second, time.Millisecond, "DPM must be notified once the contract is in effect")

	s.TriggerGetSourceCap()
	require.Eventually(t, func() bool {
		m, ok := driver.lastSent()
		return ok && !m.IsData() && m.Type() == pdmsg.TypeGetSourceCap
	}, time.Second, time.Millisecond, "TriggerGetSourceCap must send Get_Source_Cap from Ready")

	driver.injectReceive(sourceCapMessage(3, pdmsg.PDO(fixed)))

	require.Eventually(t, func() bool {
		m, ok := driver.lastSent()
		return ok && m.IsData() && m.Type() == pdmsg.TypeRequest
	}, time.Second, time.Millisecond, "sink must send a Request after the fresh Source_Capabilities")

	driver.injectReceive(controlMessage(4, pdmsg.TypeAccept))
	driver.injectReceive(controlMessage(5, pdmsg.TypePSReady))

	require.Eventually(t, func() bool {
		return policyDPM.requestCount() == 2
	}, time.Second, time.Millisecond, "re-requesting after TriggerGetSourceCap must settle into a new contract")

	prevRequest, _ := driver.lastSent()
	s.TriggerNewPower()
	require.Eventually(t, func() bool {
		m, ok := driver.lastSent()
		return ok && m.IsData() && m.Type() == pdmsg.TypeRequest && m.ID() != prevRequest.ID()
	}, time.Second, time.Millisecond, "TriggerNewPower must re-evaluate the last-known capabilities without a fresh Source_Capabilities")

	driver.injectReceive(controlMessage(6, pdmsg.TypeAccept))
	driver.injectReceive(controlMessage(7, pdmsg.TypePSReady))

	require.Eventually(t, func() bool {
		return policyDPM.requestCount() == 3
	}, time.Second, time.Millisecond, "DPM must be notified once the re-requested contract is in effect")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not shut down after context cancellation")
	}

	assert.Zero(t, s.PoolInUse(), "no message handle should remain allocated once the sink settles")
}
